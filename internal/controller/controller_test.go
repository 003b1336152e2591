package controller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/device"
	"github.com/neurorig/rig-controller/internal/eventlog"
	"github.com/neurorig/rig-controller/internal/timing"
)

// pipePort is an in-memory serial port with a scriptable firmware side: it
// answers identification requests and records every decoded host command.
type pipePort struct {
	mu       sync.Mutex
	inbound  bytes.Buffer
	commands []codec.Command
	closed   bool

	identifyAs uint8
	answerID   bool
}

func (p *pipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.EOF
	}
	if p.inbound.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n, err := p.inbound.Read(b)
	p.mu.Unlock()
	return n, err
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	cmd, err := codec.DecodeCommand(b)
	if err == nil {
		p.commands = append(p.commands, cmd)
		if _, isIdentify := cmd.(codec.IdentifyCommand); isIdentify && p.answerID {
			reply, _ := codec.EncodeMessage(&codec.Message{
				Protocol: codec.ProtocolIdentification, Event: p.identifyAs,
			})
			p.inbound.Write(reply)
		}
	}
	return len(b), nil
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipePort) SetReadTimeout(time.Duration) error { return nil }

// inject queues a firmware -> host message.
func (p *pipePort) inject(t *testing.T, msg *codec.Message) {
	t.Helper()
	frame, err := codec.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	p.mu.Lock()
	p.inbound.Write(frame)
	p.mu.Unlock()
}

// sentCommands snapshots the decoded host -> firmware commands.
func (p *pipePort) sentCommands() []codec.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]codec.Command(nil), p.commands...)
}

func newTestLick(t *testing.T) *device.Lick {
	t.Helper()
	lick, err := device.NewLick(device.LickConfig{LickThreshold: 1000})
	if err != nil {
		t.Fatalf("NewLick failed: %v", err)
	}
	t.Cleanup(func() { lick.Close() })
	return lick
}

func newTestLogger(t *testing.T) *eventlog.Logger {
	t.Helper()
	l, err := eventlog.New(t.TempDir(), "amc7", 1024, 1)
	if err != nil {
		t.Fatalf("eventlog.New failed: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("logger Start failed: %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func u16Msg(moduleType, moduleID, event uint8, value uint16) *codec.Message {
	proto, _ := codec.PrototypeID(codec.KindUint16, 1)
	return &codec.Message{
		Protocol: codec.ProtocolModuleData, ModuleType: moduleType, ModuleID: moduleID,
		Event: event, Prototype: proto, Object: []byte{byte(value), byte(value >> 8)},
	}
}

func TestStartDispatchStop(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick := newTestLick(t)
	logger := newTestLogger(t)
	port := &pipePort{identifyAs: 7, answerID: true}

	c, err := NewWithPort(Config{ID: 7, PortName: "mem0"}, logger, nil, []device.Interface{lick}, port)
	if err != nil {
		t.Fatalf("NewWithPort failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Idempotent start.
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	// A lick sequence dispatched through the worker updates the tracker.
	for _, adc := range []uint16{0, 1500, 0, 1500} {
		port.inject(t, u16Msg(device.TypeLick, 1, device.EventLickVoltageChanged, adc))
	}
	waitFor(t, "lick count", func() bool { return lick.LickCount() == 2 })

	// Messages for unknown modules are ignored without fault.
	port.inject(t, u16Msg(42, 9, 51, 100))
	time.Sleep(20 * time.Millisecond)
	if c.Faulted() {
		t.Fatal("controller faulted on unknown routing key")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestIdentifyTimeout(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick := newTestLick(t)
	logger := newTestLogger(t)
	port := &pipePort{answerID: false}

	c, err := NewWithPort(Config{ID: 7, IdentifyTimeout: 50 * time.Millisecond},
		logger, nil, []device.Interface{lick}, port)
	if err != nil {
		t.Fatalf("NewWithPort failed: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrIdentifyTimeout) {
		t.Fatalf("Start returned %v, want ErrIdentifyTimeout", err)
	}
	if !c.Faulted() {
		t.Error("controller not faulted after identify timeout")
	}
}

func TestIdentityMismatch(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick := newTestLick(t)
	logger := newTestLogger(t)
	port := &pipePort{identifyAs: 9, answerID: true}

	c, err := NewWithPort(Config{ID: 7, IdentifyTimeout: 100 * time.Millisecond},
		logger, nil, []device.Interface{lick}, port)
	if err != nil {
		t.Fatalf("NewWithPort failed: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start accepted a mismatched controller identity")
	}
}

func TestOutputLockGating(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick := newTestLick(t)
	logger := newTestLogger(t)
	port := &pipePort{identifyAs: 7, answerID: true}

	c, err := NewWithPort(Config{ID: 7}, logger, nil, []device.Interface{lick}, port)
	if err != nil {
		t.Fatalf("NewWithPort failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop()

	// Output commands are refused until unlock; the startup lock command
	// itself travels outside the gate.
	err = c.Submit(codec.OneOffCommand{ModuleType: device.TypeLick, ModuleID: 1, Command: 1})
	if !errors.Is(err, ErrControllerLocked) {
		t.Fatalf("locked submit returned %v, want ErrControllerLocked", err)
	}

	if err := c.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := c.Submit(codec.OneOffCommand{ModuleType: device.TypeLick, ModuleID: 1, Command: 1}); err != nil {
		t.Fatalf("unlocked submit failed: %v", err)
	}

	waitFor(t, "command on the wire", func() bool {
		for _, cmd := range port.sentCommands() {
			if oneOff, ok := cmd.(codec.OneOffCommand); ok && oneOff.Command == 1 {
				return true
			}
		}
		return false
	})

	// Commands preceded by an unlock frame in wire order.
	var sawUnlock bool
	for _, cmd := range port.sentCommands() {
		if _, ok := cmd.(codec.UnlockCommand); ok {
			sawUnlock = true
		}
		if oneOff, ok := cmd.(codec.OneOffCommand); ok && oneOff.Command == 1 {
			if !sawUnlock {
				t.Error("one-off command reached the wire before unlock")
			}
			break
		}
	}
}

func TestDuplicateRoutingKeyRefused(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	logger := newTestLogger(t)
	first, err := device.NewLick(device.LickConfig{ModuleID: 3})
	if err != nil {
		t.Fatalf("NewLick failed: %v", err)
	}
	defer first.Close()
	second, err := device.NewLick(device.LickConfig{ModuleID: 3})
	if err != nil {
		t.Fatalf("NewLick failed: %v", err)
	}
	defer second.Close()

	_, err = New(Config{ID: 7, PortName: "mem0"}, logger, nil, []device.Interface{first, second})
	if !errors.Is(err, ErrDuplicateModule) {
		t.Fatalf("New returned %v, want ErrDuplicateModule", err)
	}
}

func TestModuleBoundToOneController(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	logger := newTestLogger(t)
	lick := newTestLick(t)

	if _, err := New(Config{ID: 7, PortName: "mem0"}, logger, nil, []device.Interface{lick}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := New(Config{ID: 8, PortName: "mem1"}, logger, nil, []device.Interface{lick}); err == nil {
		t.Fatal("module accepted registration with a second controller")
	}
}

// TestMessagesCloned verifies that inbound traffic lands in the event log
// with the controller's source id, after the onset stamp.
func TestMessagesCloned(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick := newTestLick(t)
	logger, err := eventlog.New(t.TempDir(), "amc7", 1024, 1)
	if err != nil {
		t.Fatalf("eventlog.New failed: %v", err)
	}
	if err := logger.Start(); err != nil {
		t.Fatalf("logger Start failed: %v", err)
	}

	port := &pipePort{identifyAs: 7, answerID: true}
	c, err := NewWithPort(Config{ID: 7}, logger, nil, []device.Interface{lick}, port)
	if err != nil {
		t.Fatalf("NewWithPort failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	port.inject(t, u16Msg(device.TypeLick, 1, device.EventLickVoltageChanged, 1200))
	waitFor(t, "dispatch", func() bool { return lick.LickCount() >= 0 })
	time.Sleep(50 * time.Millisecond)

	c.Stop()
	logger.Stop()

	path, err := logger.CompressLogs(false, false, true)
	if err != nil {
		t.Fatalf("CompressLogs failed: %v", err)
	}
	streams, err := eventlog.ReadStreams(path)
	if err != nil {
		t.Fatalf("ReadStreams failed: %v", err)
	}
	stream, ok := streams[7]
	if !ok {
		t.Fatal("controller source missing from archive")
	}

	var sawOnset, sawLickData bool
	first := true
	err = eventlog.WalkEntries(stream, func(_ uint8, ts uint64, payload []byte) error {
		if first {
			first = false
			if ts != 0 {
				t.Errorf("first entry timestamp %d, want onset at 0", ts)
			}
			if _, ok := timing.OnsetFromBytes(payload); !ok {
				t.Error("first entry is not an onset stamp")
			}
			sawOnset = true
			return nil
		}
		if len(payload) > 0 && payload[0] == codec.ProtocolModuleData && payload[1] == device.TypeLick {
			sawLickData = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkEntries failed: %v", err)
	}
	if !sawOnset || !sawLickData {
		t.Errorf("archive missing onset (%v) or cloned lick data (%v)", sawOnset, sawLickData)
	}
}
