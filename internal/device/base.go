// Package device implements the per-hardware-module interfaces of the rig:
// the contract that converts byte-level module events into typed behavioral
// data and typed commands into wire messages.
//
// Each interface owns its calibration constants and shared-state trackers,
// reacts to inbound messages on the communication worker thread, and knows
// how to turn its own logged events back into an aligned columnar series
// after a run.
package device

import (
	"fmt"
	"log"
	"sort"

	"github.com/neurorig/rig-controller/internal/bus"
	"github.com/neurorig/rig-controller/internal/codec"
)

// Module type bytes, fixed by the firmware.
const (
	TypeTTL     uint8 = 1
	TypeEncoder uint8 = 2
	TypeBreak   uint8 = 3
	TypeTorque  uint8 = 4
	TypeValve   uint8 = 5
	TypeLick    uint8 = 6
	TypeScreen  uint8 = 7
	TypeAnalog  uint8 = 8
)

// CommandSink accepts typed outbound commands on behalf of a module. The
// controller implements it; modules never touch the serial port directly.
type CommandSink interface {
	Submit(cmd codec.Command) error
}

// Runtime carries the per-worker resources an interface may use while the
// controller runs. It is handed to InitializeRemoteAssets on the
// communication worker thread.
type Runtime struct {
	Bus bus.Publisher
}

// Interface is the polymorphic contract every hardware-module interface
// satisfies.
type Interface interface {
	ModuleType() uint8
	ModuleID() uint8
	// DataCodes lists the event bytes delivered to ProcessReceivedData.
	DataCodes() []uint8
	// ErrorCodes lists the event bytes that additionally raise a host-side
	// warning entry.
	ErrorCodes() []uint8
	// CommandTopics lists the pub/sub topics whose messages are forwarded to
	// HandleBusCommand.
	CommandTopics() []string

	// BindCommands attaches the controller's command queue at registration.
	// A module already bound to a controller refuses a second binding.
	BindCommands(sink CommandSink) error

	// InitializeRemoteAssets runs on the communication worker after the link
	// is up: attach trackers, start per-worker timers.
	InitializeRemoteAssets(rt *Runtime) error
	// TerminateRemoteAssets is the symmetric teardown.
	TerminateRemoteAssets()

	// ProcessReceivedData handles one inbound message whose event byte is in
	// DataCodes. It must not block and must not panic on unexpected
	// payloads.
	ProcessReceivedData(msg *codec.Message)

	// HandleBusCommand handles one forwarded pub/sub command message.
	HandleBusCommand(topic string, payload []byte)

	// ParseLoggedData converts the module's collected per-event log into its
	// final columnar output. Pure: no side effects, deterministic.
	ParseLoggedData(events EventLog) (*Table, error)

	// Close releases resources owned since construction (tracker regions).
	Close() error
}

// LoggedEvent is one decoded event recovered from the archive, stamped with
// its onset-relative microsecond timestamp.
type LoggedEvent struct {
	TimestampUs uint64
	Prototype   uint8
	Object      []byte
}

// Uint16 decodes the event payload as a single uint16 sample.
func (e *LoggedEvent) Uint16() (uint16, error) {
	m := codec.Message{Protocol: codec.ProtocolModuleData, Prototype: e.Prototype, Object: e.Object}
	return m.Uint16Object()
}

// Uint32 decodes the event payload as a single uint32 sample.
func (e *LoggedEvent) Uint32() (uint32, error) {
	m := codec.Message{Protocol: codec.ProtocolModuleData, Prototype: e.Prototype, Object: e.Object}
	return m.Uint32Object()
}

// EventLog maps an event byte to that event's occurrences in timestamp
// order.
type EventLog map[uint8][]LoggedEvent

// Column is one value column of an extracted table. Exactly one of Ints and
// Floats is populated.
type Column struct {
	Name   string
	Ints   []int64
	Floats []float64
}

// Len returns the number of rows in the column.
func (c *Column) Len() int {
	if c.Ints != nil {
		return len(c.Ints)
	}
	return len(c.Floats)
}

// Table is a module's extracted columnar output. Timestamps are
// onset-relative microseconds; every column has the same row count as
// Timestamps.
type Table struct {
	Name       string
	Timestamps []uint64
	Columns    []Column
}

// Compile-time checks that every concrete module satisfies the contract.
var (
	_ Interface = (*Valve)(nil)
	_ Interface = (*Lick)(nil)
	_ Interface = (*TTL)(nil)
	_ Interface = (*Break)(nil)
	_ Interface = (*Torque)(nil)
	_ Interface = (*Encoder)(nil)
	_ Interface = (*Screen)(nil)
	_ Interface = (*Analog)(nil)
)

// Base carries the identity and plumbing shared by every interface.
type Base struct {
	moduleType uint8
	moduleID   uint8
	dataCodes  []uint8
	errorCodes []uint8
	topics     []string

	sink CommandSink
	pub  bus.Publisher
}

func newBase(moduleType, moduleID uint8, dataCodes, errorCodes []uint8, topics []string) Base {
	return Base{
		moduleType: moduleType,
		moduleID:   moduleID,
		dataCodes:  dataCodes,
		errorCodes: errorCodes,
		topics:     topics,
		pub:        bus.Nop{},
	}
}

// ModuleType implements Interface.
func (b *Base) ModuleType() uint8 { return b.moduleType }

// ModuleID implements Interface.
func (b *Base) ModuleID() uint8 { return b.moduleID }

// DataCodes implements Interface.
func (b *Base) DataCodes() []uint8 { return append([]uint8(nil), b.dataCodes...) }

// ErrorCodes implements Interface.
func (b *Base) ErrorCodes() []uint8 { return append([]uint8(nil), b.errorCodes...) }

// CommandTopics implements Interface.
func (b *Base) CommandTopics() []string { return append([]string(nil), b.topics...) }

// BindCommands implements Interface.
func (b *Base) BindCommands(sink CommandSink) error {
	if b.sink != nil {
		return fmt.Errorf("module %d-%d is already registered with a controller", b.moduleType, b.moduleID)
	}
	b.sink = sink
	return nil
}

// ReleaseCommands detaches the module from its controller so it can be
// registered elsewhere.
func (b *Base) ReleaseCommands() { b.sink = nil }

// HandleBusCommand implements Interface with a default that logs and drops;
// modules with command topics override it.
func (b *Base) HandleBusCommand(topic string, _ []byte) {
	log.Printf("module %d-%d: unhandled bus command on %q", b.moduleType, b.moduleID, topic)
}

func (b *Base) attach(rt *Runtime) {
	if rt != nil && rt.Bus != nil {
		b.pub = rt.Bus
	}
}

func (b *Base) detach() {
	b.pub = bus.Nop{}
}

// publish forwards a derived event to the external bus, best effort.
func (b *Base) publish(topic string, payload []byte) {
	if err := b.pub.Publish(topic, payload); err != nil {
		log.Printf("module %d-%d: publish %q: %v", b.moduleType, b.moduleID, topic, err)
	}
}

// submit enqueues an outbound command.
func (b *Base) submit(cmd codec.Command) error {
	if b.sink == nil {
		return fmt.Errorf("module %d-%d is not registered with a controller", b.moduleType, b.moduleID)
	}
	return b.sink.Submit(cmd)
}

// sendCommand enqueues a one-off command, or a repeated command when
// repetitionDelayUs is non-zero.
func (b *Base) sendCommand(command uint8, noblock bool, repetitionDelayUs uint32) error {
	if repetitionDelayUs == 0 {
		return b.submit(codec.OneOffCommand{
			ModuleType: b.moduleType,
			ModuleID:   b.moduleID,
			Command:    command,
			NoBlock:    noblock,
		})
	}
	return b.submit(codec.RepeatedCommand{
		ModuleType:   b.moduleType,
		ModuleID:     b.moduleID,
		Command:      command,
		NoBlock:      noblock,
		CycleDelayUs: repetitionDelayUs,
	})
}

// sendParameters packs and enqueues a parameter tuple.
func (b *Base) sendParameters(values ...any) error {
	data, err := codec.PackParameters(values...)
	if err != nil {
		return fmt.Errorf("module %d-%d parameters: %w", b.moduleType, b.moduleID, err)
	}
	return b.submit(codec.ParameterCommand{
		ModuleType: b.moduleType,
		ModuleID:   b.moduleID,
		Data:       data,
	})
}

// ResetCommandQueue clears the module's queued commands on the controller.
func (b *Base) ResetCommandQueue() error {
	return b.submit(codec.DequeueCommand{ModuleType: b.moduleType, ModuleID: b.moduleID})
}

// mergeSigned merges per-direction event slices into one timestamp-ordered
// slice of (timestamp, signed value) pairs. Shared by the torque, encoder,
// break, and valve extractors.
type signedSample struct {
	ts    uint64
	value float64
}

func mergeSigned(positive, negative []LoggedEvent, decode func(*LoggedEvent) (float64, error)) ([]signedSample, error) {
	out := make([]signedSample, 0, len(positive)+len(negative))
	for i := range positive {
		v, err := decode(&positive[i])
		if err != nil {
			return nil, err
		}
		out = append(out, signedSample{ts: positive[i].TimestampUs, value: v})
	}
	for i := range negative {
		v, err := decode(&negative[i])
		if err != nil {
			return nil, err
		}
		out = append(out, signedSample{ts: negative[i].TimestampUs, value: -v})
	}
	sortSamples(out)
	return out, nil
}

func sortSamples(s []signedSample) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].ts < s[j].ts })
}
