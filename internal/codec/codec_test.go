package codec

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

// TestCommandRoundTrip verifies decode(encode(C)) == C for every outbound
// command kind.
func TestCommandRoundTrip(t *testing.T) {
	params, err := PackParameters(uint32(35590), uint32(200000), uint16(200))
	if err != nil {
		t.Fatalf("PackParameters failed: %v", err)
	}

	tests := []struct {
		name string
		cmd  Command
	}{
		{"one-off", OneOffCommand{ModuleType: 5, ModuleID: 1, Command: 1, NoBlock: true}},
		{"one-off blocking", OneOffCommand{ModuleType: 5, ModuleID: 1, ReturnCode: 7, Command: 4}},
		{"repeated", RepeatedCommand{ModuleType: 6, ModuleID: 2, Command: 1, NoBlock: true, CycleDelayUs: 1000}},
		{"parameters", ParameterCommand{ModuleType: 5, ModuleID: 1, Data: params}},
		{"dequeue", DequeueCommand{ModuleType: 1, ModuleID: 1}},
		{"identify", IdentifyCommand{}},
		{"lock", LockCommand{}},
		{"unlock", UnlockCommand{}},
		{"keepalive", KeepaliveCommand{Code: 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeCommand(tt.cmd)
			if err != nil {
				t.Fatalf("EncodeCommand failed: %v", err)
			}
			decoded, err := DecodeCommand(frame)
			if err != nil {
				t.Fatalf("DecodeCommand failed: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.cmd) {
				t.Errorf("round trip mismatch: got %#v, want %#v", decoded, tt.cmd)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	protoU16, ok := PrototypeID(KindUint16, 1)
	if !ok {
		t.Fatal("uint16 x1 missing from prototype table")
	}

	tests := []struct {
		name string
		msg  *Message
	}{
		{
			"state",
			&Message{Protocol: ProtocolModuleState, ModuleType: 5, ModuleID: 1, Command: 1, Event: 51},
		},
		{
			"data uint16",
			&Message{
				Protocol: ProtocolModuleData, ModuleType: 6, ModuleID: 1, Command: 1, Event: 51,
				Prototype: protoU16, Object: []byte{0xB0, 0x04}, // 1200
			},
		},
		{
			"identification",
			&Message{Protocol: ProtocolIdentification, Event: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeMessage(tt.msg)
			if err != nil {
				t.Fatalf("EncodeMessage failed: %v", err)
			}
			decoded, err := DecodeMessage(frame)
			if err != nil {
				t.Fatalf("DecodeMessage failed: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.msg) {
				t.Errorf("round trip mismatch: got %#v, want %#v", decoded, tt.msg)
			}
		})
	}
}

func TestDecodeRejectsCorruptFrames(t *testing.T) {
	msg := &Message{Protocol: ProtocolModuleState, ModuleType: 5, ModuleID: 1, Command: 1, Event: 52}
	good, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	t.Run("bad start byte", func(t *testing.T) {
		frame := append([]byte(nil), good...)
		frame[0] = 7
		if _, err := DecodeMessage(frame); !errors.Is(err, ErrFraming) {
			t.Errorf("got %v, want ErrFraming", err)
		}
	})

	t.Run("flipped payload bit", func(t *testing.T) {
		frame := append([]byte(nil), good...)
		frame[4] ^= 0x01
		if _, err := DecodeMessage(frame); !errors.Is(err, ErrCRC) {
			t.Errorf("got %v, want ErrCRC", err)
		}
	})

	t.Run("flipped crc bit", func(t *testing.T) {
		frame := append([]byte(nil), good...)
		frame[len(frame)-1] ^= 0x80
		if _, err := DecodeMessage(frame); !errors.Is(err, ErrCRC) {
			t.Errorf("got %v, want ErrCRC", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeMessage(good[:len(good)-2]); !errors.Is(err, ErrTruncated) {
			t.Errorf("got %v, want ErrTruncated", err)
		}
	})
}

func TestUnknownPrototype(t *testing.T) {
	// Hand-build a data payload with a prototype byte beyond the table.
	payload := []byte{ProtocolModuleData, 6, 1, 1, 51, 250, 0xB0, 0x04}
	frame, err := encodeFrame(payload)
	if err != nil {
		t.Fatalf("encodeFrame failed: %v", err)
	}
	if _, err := DecodeMessage(frame); !errors.Is(err, ErrUnknownPrototype) {
		t.Errorf("got %v, want ErrUnknownPrototype", err)
	}
}

func TestOversizePayloadRefused(t *testing.T) {
	cmd := ParameterCommand{ModuleType: 5, ModuleID: 1, Data: make([]byte, 255)}
	if _, err := EncodeCommand(cmd); !errors.Is(err, ErrOversize) {
		t.Errorf("got %v, want ErrOversize", err)
	}
}

func TestCOBSHandlesEmbeddedZeros(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"no zeros", []byte{1, 2, 3}},
		{"leading zero", []byte{0, 2, 3}},
		{"trailing zero", []byte{1, 2, 0}},
		{"all zeros", []byte{0, 0, 0, 0}},
		{"alternating", []byte{0, 1, 0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := cobsEncode(tt.payload)
			for _, b := range block[:len(block)-1] {
				if b == 0 {
					t.Fatalf("encoded block contains interior zero: % x", block)
				}
			}
			decoded, err := cobsDecode(block)
			if err != nil {
				t.Fatalf("cobsDecode failed: %v", err)
			}
			if !bytes.Equal(decoded, tt.payload) {
				t.Errorf("got % x, want % x", decoded, tt.payload)
			}
		})
	}
}

func TestPrototypeTable(t *testing.T) {
	// Every (kind, count<=4) pair resolves, round-trips, and reports the
	// right byte length.
	for _, kind := range scalarKinds {
		for count := 1; count <= 4; count++ {
			id, ok := PrototypeID(kind, count)
			if !ok {
				t.Fatalf("PrototypeID(%s, %d) missing", kind, count)
			}
			proto, ok := LookupPrototype(id)
			if !ok {
				t.Fatalf("LookupPrototype(%d) missing", id)
			}
			if proto.Kind != kind || proto.Count != count {
				t.Errorf("prototype %d resolved to (%s, %d), want (%s, %d)",
					id, proto.Kind, proto.Count, kind, count)
			}
			if proto.ByteLen() != kind.Size()*count {
				t.Errorf("prototype %d byte length %d, want %d", id, proto.ByteLen(), kind.Size()*count)
			}
		}
	}

	if _, ok := LookupPrototype(0); ok {
		t.Error("prototype 0 must not resolve")
	}
	if _, ok := LookupPrototype(200); ok {
		t.Error("prototype 200 must not resolve")
	}
}

func TestFrameReaderResynchronizes(t *testing.T) {
	msg1 := &Message{Protocol: ProtocolModuleState, ModuleType: 1, ModuleID: 1, Event: 52}
	msg2 := &Message{Protocol: ProtocolModuleState, ModuleType: 1, ModuleID: 1, Event: 53}
	f1, _ := EncodeMessage(msg1)
	f2, _ := EncodeMessage(msg2)

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x17, 0x42}) // line noise
	stream.Write(f1)
	stream.Write([]byte{0x05}) // inter-frame garbage
	stream.Write(f2)

	fr := NewFrameReader(&stream)

	got1, err := fr.Next()
	if err != nil {
		t.Fatalf("first Next failed: %v", err)
	}
	if m, err := DecodeMessage(got1); err != nil || m.Event != 52 {
		t.Fatalf("first frame decoded to (%v, %v), want event 52", m, err)
	}

	got2, err := fr.Next()
	if err != nil {
		t.Fatalf("second Next failed: %v", err)
	}
	if m, err := DecodeMessage(got2); err != nil || m.Event != 53 {
		t.Fatalf("second frame decoded to (%v, %v), want event 53", m, err)
	}

	if _, err := fr.Next(); err != io.EOF && err != io.ErrNoProgress {
		t.Errorf("exhausted reader returned %v", err)
	}
}
