package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Command is a host -> controller message. Implementations serialize
// themselves into a frame payload (protocol byte onward).
type Command interface {
	// Payload returns the frame payload for this command.
	Payload() ([]byte, error)
	// DrivesOutputs reports whether the command can actuate hardware and is
	// therefore refused while the controller is locked.
	DrivesOutputs() bool
}

// OneOffCommand instructs a module to run a command once.
type OneOffCommand struct {
	ModuleType uint8
	ModuleID   uint8
	ReturnCode uint8
	Command    uint8
	NoBlock    bool
}

// Payload implements Command.
func (c OneOffCommand) Payload() ([]byte, error) {
	return []byte{ProtocolOneOffCommand, c.ModuleType, c.ModuleID, c.ReturnCode, c.Command, boolByte(c.NoBlock)}, nil
}

// DrivesOutputs implements Command.
func (c OneOffCommand) DrivesOutputs() bool { return true }

// RepeatedCommand instructs a module to run a command recurrently with the
// given microsecond delay between repetitions.
type RepeatedCommand struct {
	ModuleType   uint8
	ModuleID     uint8
	ReturnCode   uint8
	Command      uint8
	NoBlock      bool
	CycleDelayUs uint32
}

// Payload implements Command.
func (c RepeatedCommand) Payload() ([]byte, error) {
	buf := make([]byte, 10)
	buf[0] = ProtocolRepeatedCommand
	buf[1] = c.ModuleType
	buf[2] = c.ModuleID
	buf[3] = c.ReturnCode
	buf[4] = c.Command
	buf[5] = boolByte(c.NoBlock)
	binary.LittleEndian.PutUint32(buf[6:], c.CycleDelayUs)
	return buf, nil
}

// DrivesOutputs implements Command.
func (c RepeatedCommand) DrivesOutputs() bool { return true }

// ParameterCommand carries a tightly packed parameter tuple to a module. The
// firmware knows its own parameter layout, so the tuple travels without a
// prototype byte. Use PackParameters to build Data.
type ParameterCommand struct {
	ModuleType uint8
	ModuleID   uint8
	ReturnCode uint8
	Data       []byte
}

// Payload implements Command.
func (c ParameterCommand) Payload() ([]byte, error) {
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("parameter command for module %d-%d has no data", c.ModuleType, c.ModuleID)
	}
	buf := make([]byte, 0, 4+len(c.Data))
	buf = append(buf, ProtocolParameters, c.ModuleType, c.ModuleID, c.ReturnCode)
	return append(buf, c.Data...), nil
}

// DrivesOutputs implements Command.
func (c ParameterCommand) DrivesOutputs() bool { return true }

// DequeueCommand clears a module's queued commands on the controller.
type DequeueCommand struct {
	ModuleType uint8
	ModuleID   uint8
	ReturnCode uint8
}

// Payload implements Command.
func (c DequeueCommand) Payload() ([]byte, error) {
	return []byte{ProtocolDequeueCommand, c.ModuleType, c.ModuleID, c.ReturnCode}, nil
}

// DrivesOutputs implements Command.
func (c DequeueCommand) DrivesOutputs() bool { return false }

// IdentifyCommand asks the controller to report its identity byte.
type IdentifyCommand struct{}

// Payload implements Command.
func (IdentifyCommand) Payload() ([]byte, error) { return []byte{ProtocolIdentify}, nil }

// DrivesOutputs implements Command.
func (IdentifyCommand) DrivesOutputs() bool { return false }

// LockCommand puts the controller into the read-only state: sensors keep
// streaming, output pins are frozen.
type LockCommand struct{}

// Payload implements Command.
func (LockCommand) Payload() ([]byte, error) { return []byte{ProtocolLock}, nil }

// DrivesOutputs implements Command.
func (LockCommand) DrivesOutputs() bool { return false }

// UnlockCommand releases the controller's output lock.
type UnlockCommand struct{}

// Payload implements Command.
func (UnlockCommand) Payload() ([]byte, error) { return []byte{ProtocolUnlock}, nil }

// DrivesOutputs implements Command.
func (UnlockCommand) DrivesOutputs() bool { return false }

// KeepaliveCommand is the periodic echo the worker sends to hold the link.
type KeepaliveCommand struct {
	Code uint8
}

// Payload implements Command.
func (c KeepaliveCommand) Payload() ([]byte, error) {
	return []byte{ProtocolKeepalive, c.Code}, nil
}

// DrivesOutputs implements Command.
func (KeepaliveCommand) DrivesOutputs() bool { return false }

// EncodeCommand frames a command for the wire. Payloads above 254 bytes are
// refused with ErrOversize.
func EncodeCommand(c Command) ([]byte, error) {
	payload, err := c.Payload()
	if err != nil {
		return nil, err
	}
	return encodeFrame(payload)
}

// DecodeCommand unframes and parses a host -> controller frame. Production
// code never receives commands; this exists for loopback tests and firmware
// simulators.
func DecodeCommand(frame []byte) (Command, error) {
	payload, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, ErrTruncated
	}
	switch payload[0] {
	case ProtocolOneOffCommand:
		if len(payload) != 6 {
			return nil, ErrTruncated
		}
		return OneOffCommand{
			ModuleType: payload[1], ModuleID: payload[2], ReturnCode: payload[3],
			Command: payload[4], NoBlock: payload[5] != 0,
		}, nil
	case ProtocolRepeatedCommand:
		if len(payload) != 10 {
			return nil, ErrTruncated
		}
		return RepeatedCommand{
			ModuleType: payload[1], ModuleID: payload[2], ReturnCode: payload[3],
			Command: payload[4], NoBlock: payload[5] != 0,
			CycleDelayUs: binary.LittleEndian.Uint32(payload[6:]),
		}, nil
	case ProtocolParameters:
		if len(payload) < 5 {
			return nil, ErrTruncated
		}
		return ParameterCommand{
			ModuleType: payload[1], ModuleID: payload[2], ReturnCode: payload[3],
			Data: append([]byte(nil), payload[4:]...),
		}, nil
	case ProtocolDequeueCommand:
		if len(payload) != 4 {
			return nil, ErrTruncated
		}
		return DequeueCommand{ModuleType: payload[1], ModuleID: payload[2], ReturnCode: payload[3]}, nil
	case ProtocolIdentify:
		return IdentifyCommand{}, nil
	case ProtocolLock:
		return LockCommand{}, nil
	case ProtocolUnlock:
		return UnlockCommand{}, nil
	case ProtocolKeepalive:
		if len(payload) == 2 {
			return KeepaliveCommand{Code: payload[1]}, nil
		}
		return KeepaliveCommand{}, nil
	}
	return nil, ErrFraming
}

// PackParameters packs a parameter tuple little-endian in argument order.
// Supported element types match the prototype scalar set.
func PackParameters(values ...any) ([]byte, error) {
	buf := make([]byte, 0, 16)
	for i, v := range values {
		switch x := v.(type) {
		case uint8:
			buf = append(buf, x)
		case int8:
			buf = append(buf, byte(x))
		case bool:
			buf = append(buf, boolByte(x))
		case uint16:
			buf = binary.LittleEndian.AppendUint16(buf, x)
		case int16:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(x))
		case uint32:
			buf = binary.LittleEndian.AppendUint32(buf, x)
		case int32:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
		case uint64:
			buf = binary.LittleEndian.AppendUint64(buf, x)
		case int64:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(x))
		case float32:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
		case float64:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
		default:
			return nil, fmt.Errorf("unsupported parameter type %T at position %d", v, i)
		}
	}
	if len(buf) > MaxPayload-4 {
		return nil, ErrOversize
	}
	return buf, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
