package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ScalarKind enumerates the scalar types a data-message payload may carry.
type ScalarKind uint8

const (
	KindUint8 ScalarKind = iota + 1
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindBool
	KindFloat32
	KindFloat64
)

// scalarKinds lists every kind in prototype-table order.
var scalarKinds = []ScalarKind{
	KindUint8, KindUint16, KindUint32, KindUint64,
	KindInt8, KindInt16, KindInt32, KindInt64,
	KindBool, KindFloat32, KindFloat64,
}

// Size returns the wire width of one scalar of this kind in bytes.
func (k ScalarKind) Size() int {
	switch k {
	case KindUint8, KindInt8, KindBool:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32, KindFloat32:
		return 4
	case KindUint64, KindInt64, KindFloat64:
		return 8
	}
	return 0
}

func (k ScalarKind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindBool:
		return "bool"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Prototype describes the typed layout of a data-message payload: Count
// scalars of a single Kind, packed little-endian.
type Prototype struct {
	Kind  ScalarKind
	Count int
}

// ByteLen returns the encoded payload length for this prototype.
func (p Prototype) ByteLen() int { return p.Kind.Size() * p.Count }

const maxPrototypeCount = 4

// prototypeTable maps a prototype byte to its layout. The table is static:
// counts 1 through 4 for every scalar kind, assigned contiguously so that
// the firmware and host derive identical tables from the same constants.
var prototypeTable = func() map[uint8]Prototype {
	table := make(map[uint8]Prototype, len(scalarKinds)*maxPrototypeCount)
	id := uint8(1)
	for count := 1; count <= maxPrototypeCount; count++ {
		for _, kind := range scalarKinds {
			table[id] = Prototype{Kind: kind, Count: count}
			id++
		}
	}
	return table
}()

// LookupPrototype resolves a prototype byte. The second return is false for
// bytes outside the static table.
func LookupPrototype(id uint8) (Prototype, bool) {
	p, ok := prototypeTable[id]
	return p, ok
}

// PrototypeID returns the prototype byte for a (kind, count) pair.
func PrototypeID(kind ScalarKind, count int) (uint8, bool) {
	if count < 1 || count > maxPrototypeCount {
		return 0, false
	}
	for i, k := range scalarKinds {
		if k == kind {
			return uint8((count-1)*len(scalarKinds) + i + 1), true
		}
	}
	return 0, false
}

// decodeScalar reads one scalar of the given kind from raw and returns it
// widened to float64. Bool maps to 0/1.
func decodeScalar(kind ScalarKind, raw []byte) float64 {
	switch kind {
	case KindUint8:
		return float64(raw[0])
	case KindInt8:
		return float64(int8(raw[0]))
	case KindBool:
		if raw[0] != 0 {
			return 1
		}
		return 0
	case KindUint16:
		return float64(binary.LittleEndian.Uint16(raw))
	case KindInt16:
		return float64(int16(binary.LittleEndian.Uint16(raw)))
	case KindUint32:
		return float64(binary.LittleEndian.Uint32(raw))
	case KindInt32:
		return float64(int32(binary.LittleEndian.Uint32(raw)))
	case KindUint64:
		return float64(binary.LittleEndian.Uint64(raw))
	case KindInt64:
		return float64(int64(binary.LittleEndian.Uint64(raw)))
	case KindFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case KindFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw))
	}
	return 0
}
