package controller

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the narrow serial-port surface the communication worker needs.
// go.bug.st/serial ports satisfy it directly; tests substitute in-memory
// loopback ports.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

// portReadTimeout paces the worker loop: a read that times out returns zero
// bytes, letting the loop service its command queue and keepalive duties.
const portReadTimeout = 5 * time.Millisecond

// openSerialPort opens the controller's serial link in 8-N-1 framing.
func openSerialPort(name string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(portReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure serial port %s: %w", name, err)
	}
	return port, nil
}
