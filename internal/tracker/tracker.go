// Package tracker implements named shared-memory scalar vectors used to
// publish live rig state (lick counts, dispensed volume, running speed) to
// concurrent consumers, including external visualizer processes.
//
// A tracker is a fixed-length vector of one scalar type backed by a file in
// /dev/shm and mapped into every holder's address space. Element reads and
// writes are word-atomic; no vector-wide consistency is provided.
package tracker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DType enumerates the supported element types. All are 32- or 64-bit so
// that single-element access is tear-free on the host word size.
type DType uint8

const (
	Uint32 DType = iota + 1
	Int32
	Uint64
	Int64
	Float64
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Uint32, Int32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Uint32:
		return "uint32"
	case Int32:
		return "int32"
	case Uint64:
		return "uint64"
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

var (
	ErrAlreadyExists = errors.New("tracker region already exists")
	ErrNotFound      = errors.New("tracker region not found")
	ErrBounds        = errors.New("tracker index out of range")
	ErrDType         = errors.New("tracker dtype mismatch")
	ErrClosed        = errors.New("tracker is disconnected")
	ErrBadName       = errors.New("invalid tracker name")
)

const (
	regionMagic   uint32 = 0x4B525452 // "RTRK"
	regionVersion uint8  = 1
	headerSize           = 16
	maxNameLen           = 63
)

// Name builds the canonical tracker name for a module and purpose, e.g.
// "5_1_valve_tracker".
func Name(moduleType, moduleID uint8, purpose string) string {
	return fmt.Sprintf("%d_%d_%s_tracker", moduleType, moduleID, purpose)
}

// Tracker is one holder's handle on a shared region.
type Tracker struct {
	name    string
	dtype   DType
	length  int
	creator bool
	data    []byte
	f       *os.File
}

// regionPath resolves a tracker name to its backing file. RIG_SHM_DIR
// overrides the default /dev/shm location (used by tests).
func regionPath(name string) string {
	dir := os.Getenv("RIG_SHM_DIR")
	if dir == "" {
		dir = "/dev/shm"
	}
	return filepath.Join(dir, name)
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return ErrBadName
	}
	for _, r := range name {
		if r > 0x7F || r == '/' {
			return ErrBadName
		}
	}
	return nil
}

// Create allocates a named region holding length elements of dtype. With
// existOK false an existing region is an error; with existOK true the region
// is re-initialized to the requested shape and zero-filled.
func Create(name string, length int, dtype DType, existOK bool) (*Tracker, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, fmt.Errorf("tracker %q: length must be positive, got %d", name, length)
	}
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("tracker %q: %w", name, ErrDType)
	}

	path := regionPath(name)
	flags := os.O_RDWR | os.O_CREATE | os.O_EXCL
	if existOK {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o660)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("tracker %q: %w", name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("tracker %q: %w", name, err)
	}

	total := headerSize + length*dtype.Size()
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("tracker %q: truncate: %w", name, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tracker %q: mmap: %w", name, err)
	}

	// Zero the element area and (re)write the header. Truncate zero-fills
	// fresh regions; existOK reuse requires an explicit wipe.
	for i := headerSize; i < total; i++ {
		data[i] = 0
	}
	putUint32(data[0:], regionMagic)
	data[4] = regionVersion
	data[5] = uint8(dtype)
	putUint64(data[8:], uint64(length))

	return &Tracker{name: name, dtype: dtype, length: length, creator: true, data: data, f: f}, nil
}

// Connect opens an existing region by name.
func Connect(name string) (*Tracker, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(regionPath(name), os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tracker %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("tracker %q: %w", name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tracker %q: stat: %w", name, err)
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("tracker %q: region too small: %w", name, ErrNotFound)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tracker %q: mmap: %w", name, err)
	}

	if getUint32(data[0:]) != regionMagic || data[4] != regionVersion {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("tracker %q: bad region header: %w", name, ErrNotFound)
	}
	dtype := DType(data[5])
	length := int(getUint64(data[8:]))
	if dtype.Size() == 0 || int64(headerSize+length*dtype.Size()) > info.Size() {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("tracker %q: corrupt region header: %w", name, ErrNotFound)
	}

	return &Tracker{name: name, dtype: dtype, length: length, data: data, f: f}, nil
}

// NameOf returns the tracker's region name.
func (t *Tracker) NameOf() string { return t.name }

// Len returns the number of elements.
func (t *Tracker) Len() int { return t.length }

// DTypeOf returns the element type.
func (t *Tracker) DTypeOf() DType { return t.dtype }

// Disconnect unmaps the region, leaving the backing file in place.
func (t *Tracker) Disconnect() error {
	if t.data == nil {
		return nil
	}
	err := unix.Munmap(t.data)
	t.data = nil
	closeErr := t.f.Close()
	if err != nil {
		return fmt.Errorf("tracker %q: munmap: %w", t.name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("tracker %q: close: %w", t.name, closeErr)
	}
	return nil
}

// Destroy removes the backing region. Call exactly once per region, from the
// creator, after the last holder has disconnected.
func (t *Tracker) Destroy() error {
	if t.data != nil {
		if err := t.Disconnect(); err != nil {
			return err
		}
	}
	if err := os.Remove(regionPath(t.name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tracker %q: unlink: %w", t.name, err)
	}
	return nil
}

func (t *Tracker) elem(i int, want DType) (unsafe.Pointer, error) {
	if t.data == nil {
		return nil, ErrClosed
	}
	if t.dtype != want {
		return nil, fmt.Errorf("tracker %q holds %s: %w", t.name, t.dtype, ErrDType)
	}
	if i < 0 || i >= t.length {
		return nil, fmt.Errorf("tracker %q index %d of %d: %w", t.name, i, t.length, ErrBounds)
	}
	return unsafe.Pointer(&t.data[headerSize+i*t.dtype.Size()]), nil
}

// ReadUint64 atomically reads element i of a uint64 tracker.
func (t *Tracker) ReadUint64(i int) (uint64, error) {
	p, err := t.elem(i, Uint64)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(p)), nil
}

// WriteUint64 atomically writes element i of a uint64 tracker.
func (t *Tracker) WriteUint64(i int, v uint64) error {
	p, err := t.elem(i, Uint64)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(p), v)
	return nil
}

// AddUint64 atomically increments element i and returns the new value.
func (t *Tracker) AddUint64(i int, delta uint64) (uint64, error) {
	p, err := t.elem(i, Uint64)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint64((*uint64)(p), delta), nil
}

// ReadInt32 atomically reads element i of an int32 tracker.
func (t *Tracker) ReadInt32(i int) (int32, error) {
	p, err := t.elem(i, Int32)
	if err != nil {
		return 0, err
	}
	return atomic.LoadInt32((*int32)(p)), nil
}

// WriteInt32 atomically writes element i of an int32 tracker.
func (t *Tracker) WriteInt32(i int, v int32) error {
	p, err := t.elem(i, Int32)
	if err != nil {
		return err
	}
	atomic.StoreInt32((*int32)(p), v)
	return nil
}

// ReadFloat64 atomically reads element i of a float64 tracker.
func (t *Tracker) ReadFloat64(i int) (float64, error) {
	p, err := t.elem(i, Float64)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(atomic.LoadUint64((*uint64)(p))), nil
}

// WriteFloat64 atomically writes element i of a float64 tracker.
func (t *Tracker) WriteFloat64(i int, v float64) error {
	p, err := t.elem(i, Float64)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(p), math.Float64bits(v))
	return nil
}

// AddFloat64 atomically adds delta to element i via compare-and-swap and
// returns the new value.
func (t *Tracker) AddFloat64(i int, delta float64) (float64, error) {
	p, err := t.elem(i, Float64)
	if err != nil {
		return 0, err
	}
	addr := (*uint64)(p)
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return next, nil
		}
	}
}

// ReadSlice copies elements [lo, hi) into a fresh float64 slice, widening
// integer dtypes. Each element read is atomic; the slice as a whole is not a
// consistent snapshot.
func (t *Tracker) ReadSlice(lo, hi int) ([]float64, error) {
	if t.data == nil {
		return nil, ErrClosed
	}
	if lo < 0 || hi > t.length || lo > hi {
		return nil, fmt.Errorf("tracker %q slice [%d, %d) of %d: %w", t.name, lo, hi, t.length, ErrBounds)
	}
	out := make([]float64, 0, hi-lo)
	size := t.dtype.Size()
	for i := lo; i < hi; i++ {
		p := unsafe.Pointer(&t.data[headerSize+i*size])
		switch t.dtype {
		case Uint32:
			out = append(out, float64(atomic.LoadUint32((*uint32)(p))))
		case Int32:
			out = append(out, float64(atomic.LoadInt32((*int32)(p))))
		case Uint64:
			out = append(out, float64(atomic.LoadUint64((*uint64)(p))))
		case Int64:
			out = append(out, float64(atomic.LoadInt64((*int64)(p))))
		case Float64:
			out = append(out, math.Float64frombits(atomic.LoadUint64((*uint64)(p))))
		}
	}
	return out, nil
}

func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getUint64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }
