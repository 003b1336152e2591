// Package codec implements the byte-level wire protocol spoken between the
// host and the rig microcontrollers.
//
// Every frame on the wire has the shape
//
//	start | payload_length | COBS block | crc16
//
// where the COBS block is [overhead][payload, zero-free][delimiter] and the
// CRC covers the whole block. The payload begins with a protocol byte that
// selects the message kind; module-scoped payloads continue with the
// (module_type, module_id) routing key. All multi-byte fields are
// little-endian. The constants in this file are fixed by the firmware and
// must not be changed independently of it.
package codec

import "errors"

// Framing constants fixed by the firmware.
const (
	StartByte  = 129
	Delimiter  = 0
	MaxPayload = 254

	// crcPoly and crcInit parameterize the CRC-16 appended to every frame.
	crcPoly uint16 = 0x1021
	crcInit uint16 = 0xFFFF
)

// Protocol codes. The first block travels host -> controller, the second
// controller -> host.
const (
	ProtocolRepeatedCommand uint8 = 1
	ProtocolOneOffCommand   uint8 = 2
	ProtocolDequeueCommand  uint8 = 3
	ProtocolKeepalive       uint8 = 4
	ProtocolParameters      uint8 = 5
	ProtocolIdentify        uint8 = 6
	ProtocolLock            uint8 = 7
	ProtocolUnlock          uint8 = 8

	ProtocolModuleData      uint8 = 9
	ProtocolModuleState     uint8 = 10
	ProtocolIdentification  uint8 = 11
	ProtocolControllerError uint8 = 12
)

// Decode and encode failure modes.
var (
	ErrFraming          = errors.New("framing error")
	ErrCRC              = errors.New("crc mismatch")
	ErrUnknownPrototype = errors.New("unknown prototype")
	ErrTruncated        = errors.New("truncated frame")
	ErrOversize         = errors.New("payload exceeds 254 bytes")
)
