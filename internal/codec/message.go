package codec

import (
	"encoding/binary"
	"fmt"
)

// RoutingKey packs a (module_type, module_id) pair into one map key.
type RoutingKey uint16

// NewRoutingKey builds the routing key for a module address.
func NewRoutingKey(moduleType, moduleID uint8) RoutingKey {
	return RoutingKey(uint16(moduleType)<<8 | uint16(moduleID))
}

// ModuleType returns the module type byte of the key.
func (k RoutingKey) ModuleType() uint8 { return uint8(k >> 8) }

// ModuleID returns the module id byte of the key.
func (k RoutingKey) ModuleID() uint8 { return uint8(k) }

func (k RoutingKey) String() string {
	return fmt.Sprintf("%d-%d", k.ModuleType(), k.ModuleID())
}

// Message is a decoded controller -> host message. Data messages carry a
// typed Object; state messages carry the header only. Identification and
// controller-error replies reuse the Event field for their single byte.
type Message struct {
	Protocol   uint8
	ModuleType uint8
	ModuleID   uint8
	Command    uint8
	Event      uint8
	Prototype  uint8
	Object     []byte
}

// Key returns the routing key of a module-scoped message.
func (m *Message) Key() RoutingKey { return NewRoutingKey(m.ModuleType, m.ModuleID) }

// IsData reports whether the message carries a typed payload.
func (m *Message) IsData() bool { return m.Protocol == ProtocolModuleData }

// IsState reports whether the message is a bare state notification.
func (m *Message) IsState() bool { return m.Protocol == ProtocolModuleState }

// ObjectValues decodes the payload into float64-widened scalars.
func (m *Message) ObjectValues() ([]float64, error) {
	if !m.IsData() {
		return nil, nil
	}
	proto, ok := LookupPrototype(m.Prototype)
	if !ok {
		return nil, ErrUnknownPrototype
	}
	if len(m.Object) != proto.ByteLen() {
		return nil, ErrTruncated
	}
	out := make([]float64, proto.Count)
	size := proto.Kind.Size()
	for i := 0; i < proto.Count; i++ {
		out[i] = decodeScalar(proto.Kind, m.Object[i*size:])
	}
	return out, nil
}

// Uint16Object decodes a single-uint16 payload, the most common sensor
// readout shape (ADC samples).
func (m *Message) Uint16Object() (uint16, error) {
	proto, ok := LookupPrototype(m.Prototype)
	if !ok {
		return 0, ErrUnknownPrototype
	}
	if proto.Kind != KindUint16 || proto.Count != 1 || len(m.Object) != 2 {
		return 0, fmt.Errorf("%w: expected one uint16, have %s x%d", ErrTruncated, proto.Kind, proto.Count)
	}
	return binary.LittleEndian.Uint16(m.Object), nil
}

// Uint32Object decodes a single-uint32 payload (pulse counts, PPR readouts).
func (m *Message) Uint32Object() (uint32, error) {
	proto, ok := LookupPrototype(m.Prototype)
	if !ok {
		return 0, ErrUnknownPrototype
	}
	if proto.Kind != KindUint32 || proto.Count != 1 || len(m.Object) != 4 {
		return 0, fmt.Errorf("%w: expected one uint32, have %s x%d", ErrTruncated, proto.Kind, proto.Count)
	}
	return binary.LittleEndian.Uint32(m.Object), nil
}

// PayloadBytes reserializes the message payload exactly as it appeared on
// the wire (protocol byte onward). This is the byte blob cloned into the
// event log for every inbound message.
func (m *Message) PayloadBytes() []byte {
	switch m.Protocol {
	case ProtocolModuleData:
		buf := make([]byte, 0, 6+len(m.Object))
		buf = append(buf, m.Protocol, m.ModuleType, m.ModuleID, m.Command, m.Event, m.Prototype)
		return append(buf, m.Object...)
	case ProtocolModuleState:
		return []byte{m.Protocol, m.ModuleType, m.ModuleID, m.Command, m.Event}
	case ProtocolIdentification, ProtocolControllerError, ProtocolKeepalive:
		return []byte{m.Protocol, m.Event}
	}
	return []byte{m.Protocol}
}

// parseMessagePayload interprets a decoded frame payload as a controller ->
// host message.
func parseMessagePayload(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrTruncated
	}
	switch payload[0] {
	case ProtocolModuleState:
		if len(payload) != 5 {
			return nil, ErrTruncated
		}
		return &Message{
			Protocol:   ProtocolModuleState,
			ModuleType: payload[1],
			ModuleID:   payload[2],
			Command:    payload[3],
			Event:      payload[4],
		}, nil

	case ProtocolModuleData:
		if len(payload) < 6 {
			return nil, ErrTruncated
		}
		proto, ok := LookupPrototype(payload[5])
		if !ok {
			return nil, ErrUnknownPrototype
		}
		object := payload[6:]
		if len(object) != proto.ByteLen() {
			return nil, ErrTruncated
		}
		msg := &Message{
			Protocol:   ProtocolModuleData,
			ModuleType: payload[1],
			ModuleID:   payload[2],
			Command:    payload[3],
			Event:      payload[4],
			Prototype:  payload[5],
		}
		msg.Object = append([]byte(nil), object...)
		return msg, nil

	case ProtocolIdentification, ProtocolControllerError:
		if len(payload) != 2 {
			return nil, ErrTruncated
		}
		return &Message{Protocol: payload[0], Event: payload[1]}, nil

	case ProtocolKeepalive:
		if len(payload) > 2 {
			return nil, ErrTruncated
		}
		m := &Message{Protocol: ProtocolKeepalive}
		if len(payload) == 2 {
			m.Event = payload[1]
		}
		return m, nil
	}
	return nil, ErrFraming
}

// EncodeMessage frames a controller -> host message. The host only uses this
// in tests and hardware simulators; on a live rig these frames originate in
// the firmware.
func EncodeMessage(m *Message) ([]byte, error) {
	if m.IsData() {
		proto, ok := LookupPrototype(m.Prototype)
		if !ok {
			return nil, ErrUnknownPrototype
		}
		if len(m.Object) != proto.ByteLen() {
			return nil, ErrTruncated
		}
	}
	return encodeFrame(m.PayloadBytes())
}

// DecodeMessage unframes and parses a complete controller -> host frame.
func DecodeMessage(frame []byte) (*Message, error) {
	payload, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return parseMessagePayload(payload)
}
