// Package controller owns the serial link to one rig microcontroller: it
// runs the communication worker that moves typed commands to the wire,
// dispatches inbound frames to the registered module interfaces, and clones
// every message into the event log with a monotonic microsecond timestamp.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neurorig/rig-controller/internal/bus"
	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/device"
	"github.com/neurorig/rig-controller/internal/eventlog"
	"github.com/neurorig/rig-controller/internal/timing"
)

// Controller lifecycle states.
const (
	stateIdle int32 = iota
	stateRunning
	stateFaulted
	stateStopped
)

var (
	ErrIdentifyTimeout   = errors.New("controller did not answer identification in time")
	ErrDuplicateModule   = errors.New("duplicate module routing key")
	ErrControllerLocked  = errors.New("controller is locked; call Unlock before driving outputs")
	ErrControllerFaulted = errors.New("controller is faulted")
	ErrNotRunning        = errors.New("controller is not running")
)

// Frame-error storm thresholds.
const (
	degradedErrorCount  = 3
	degradedErrorWindow = 100 * time.Millisecond
	fatalErrorCount     = 20
	fatalErrorWindow    = time.Second
)

// Per-iteration work bounds of the communication worker.
const (
	maxCommandsPerTick = 16
	maxFramesPerTick   = 64
)

// Config parameterizes one controller.
type Config struct {
	// ID is the controller's identity byte, echoed by the firmware during
	// identification, and doubles as the controller's log source id.
	ID uint8

	PortName string
	Baud     int

	// BufferSize bounds the outbound command queue.
	BufferSize int

	KeepaliveInterval time.Duration
	IdentifyTimeout   time.Duration
	StopDrainTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.IdentifyTimeout == 0 {
		c.IdentifyTimeout = 2 * time.Second
	}
	if c.StopDrainTimeout == 0 {
		c.StopDrainTimeout = 5 * time.Second
	}
}

type registration struct {
	iface      device.Interface
	dataCodes  map[uint8]bool
	errorCodes map[uint8]bool
}

// Controller coordinates one microcontroller's modules, serial link, and
// log stream.
type Controller struct {
	cfg    Config
	logger *eventlog.Logger
	bridge *bus.Bridge

	modules  map[codec.RoutingKey]*registration
	ordered  []device.Interface
	cmdQueue chan codec.Command

	port   Port
	reader *codec.FrameReader
	timer  *timing.Timer

	state    atomic.Int32
	unlocked atomic.Bool

	cancel  context.CancelFunc
	done    chan struct{}
	stopMu  sync.Mutex
	warned  map[codec.RoutingKey]bool
	dropped atomic.Uint64
}

// New validates module registration and builds an idle controller. bridge
// may be nil when the rig runs without an external pub/sub peer. The
// logger must already be started.
func New(cfg Config, logger *eventlog.Logger, bridge *bus.Bridge, modules []device.Interface) (*Controller, error) {
	cfg.applyDefaults()
	if logger == nil || !logger.Started() {
		return nil, errors.New("controller requires a started event logger")
	}
	if len(modules) == 0 {
		return nil, errors.New("controller requires at least one module interface")
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		bridge:   bridge,
		modules:  make(map[codec.RoutingKey]*registration, len(modules)),
		ordered:  modules,
		cmdQueue: make(chan codec.Command, cfg.BufferSize),
		warned:   make(map[codec.RoutingKey]bool),
		done:     make(chan struct{}),
	}

	for _, m := range modules {
		key := codec.NewRoutingKey(m.ModuleType(), m.ModuleID())
		if _, exists := c.modules[key]; exists {
			return nil, fmt.Errorf("module %s: %w", key, ErrDuplicateModule)
		}
		reg := &registration{iface: m, dataCodes: map[uint8]bool{}, errorCodes: map[uint8]bool{}}
		for _, code := range m.DataCodes() {
			reg.dataCodes[code] = true
		}
		for _, code := range m.ErrorCodes() {
			reg.errorCodes[code] = true
		}
		c.modules[key] = reg
		if err := m.BindCommands(c); err != nil {
			return nil, err
		}

		if bridge != nil {
			mod := m
			for _, topic := range m.CommandTopics() {
				if err := bridge.Subscribe(topic, func(topic string, payload []byte) {
					mod.HandleBusCommand(topic, payload)
				}); err != nil {
					return nil, fmt.Errorf("module %s topic %q: %w", key, topic, err)
				}
			}
		}
	}
	return c, nil
}

// NewWithPort builds a controller bound to an already-open port. Used by
// tests and hardware simulators; production callers let Start open the
// configured serial device.
func NewWithPort(cfg Config, logger *eventlog.Logger, bridge *bus.Bridge, modules []device.Interface, port Port) (*Controller, error) {
	c, err := New(cfg, logger, bridge, modules)
	if err != nil {
		return nil, err
	}
	c.port = port
	return c, nil
}

// Submit implements device.CommandSink: it enqueues one typed command for
// the communication worker. Output-driving commands are refused while the
// controller is locked.
func (c *Controller) Submit(cmd codec.Command) error {
	switch c.state.Load() {
	case stateFaulted:
		return ErrControllerFaulted
	case stateStopped:
		return ErrNotRunning
	}
	if cmd.DrivesOutputs() && !c.unlocked.Load() {
		return ErrControllerLocked
	}
	c.cmdQueue <- cmd
	return nil
}

// Unlock releases the firmware output lock. Required once per run before
// any command can drive hardware.
func (c *Controller) Unlock() error {
	if c.state.Load() != stateRunning {
		return ErrNotRunning
	}
	c.unlocked.Store(true)
	c.cmdQueue <- codec.UnlockCommand{}
	return nil
}

// Lock re-engages the firmware output lock.
func (c *Controller) Lock() error {
	if c.state.Load() != stateRunning {
		return ErrNotRunning
	}
	c.cmdQueue <- codec.LockCommand{}
	c.unlocked.Store(false)
	return nil
}

// Faulted reports whether the controller latched a fatal link error.
func (c *Controller) Faulted() bool { return c.state.Load() == stateFaulted }

// Start opens the serial link, performs the identification handshake, locks
// the controller outputs, and spawns the communication worker. A second
// Start on a running controller is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateIdle, stateRunning) {
		if c.state.Load() == stateRunning {
			return nil
		}
		return ErrNotRunning
	}

	if c.port == nil {
		port, err := openSerialPort(c.cfg.PortName, c.cfg.Baud)
		if err != nil {
			c.state.Store(stateFaulted)
			return err
		}
		c.port = port
	}

	// The run clock starts at the onset stamp; every logged message carries
	// an offset from this moment.
	c.timer = timing.NewTimer()
	if err := c.logger.Input(eventlog.Package{
		Source: c.cfg.ID, TimestampUs: 0, Data: timing.UTCOnsetBytes(),
	}); err != nil {
		c.state.Store(stateFaulted)
		return fmt.Errorf("submit onset: %w", err)
	}

	if err := c.identify(); err != nil {
		c.state.Store(stateFaulted)
		c.port.Close()
		return err
	}
	if err := c.writeCommand(codec.LockCommand{}); err != nil {
		c.state.Store(stateFaulted)
		c.port.Close()
		return fmt.Errorf("lock controller: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.worker(ctx)

	log.Printf("controller %d: started on %s", c.cfg.ID, c.cfg.PortName)
	return nil
}

// Stop cancels the worker, waits for the outbound queue to drain within the
// configured grace period, and closes the port. Idempotent.
func (c *Controller) Stop() error {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	switch c.state.Load() {
	case stateIdle:
		c.state.Store(stateStopped)
		return nil
	case stateStopped:
		return nil
	}

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.state.Store(stateStopped)
	c.unlocked.Store(false)

	var err error
	if c.port != nil {
		err = c.port.Close()
	}
	if n := c.dropped.Load(); n > 0 {
		log.Printf("controller %d: dropped %d outbound commands during shutdown", c.cfg.ID, n)
	}
	log.Printf("controller %d: stopped", c.cfg.ID)
	return err
}

// identify sends the identification request and waits for the matching
// reply.
func (c *Controller) identify() error {
	if err := c.writeCommand(codec.IdentifyCommand{}); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	deadline := time.Now().Add(c.cfg.IdentifyTimeout)
	c.reader = codec.NewFrameReader(c.port)
	for time.Now().Before(deadline) {
		frame, err := c.reader.Next()
		if err != nil {
			if err == io.ErrNoProgress {
				continue
			}
			return fmt.Errorf("identify read: %w", err)
		}
		msg, err := codec.DecodeMessage(frame)
		if err != nil {
			continue
		}
		c.logInbound(msg)
		if msg.Protocol == codec.ProtocolIdentification {
			if msg.Event != c.cfg.ID {
				return fmt.Errorf("controller on %s identifies as %d, expected %d",
					c.cfg.PortName, msg.Event, c.cfg.ID)
			}
			return nil
		}
	}
	return ErrIdentifyTimeout
}

// worker is the communication loop. It is the only goroutine that touches
// the port after Start returns.
func (c *Controller) worker(ctx context.Context) {
	defer close(c.done)

	rt := &device.Runtime{Bus: c.publisher()}
	for _, m := range c.ordered {
		if err := m.InitializeRemoteAssets(rt); err != nil {
			log.Printf("controller %d: module %d-%d init: %v", c.cfg.ID, m.ModuleType(), m.ModuleID(), err)
		}
	}
	defer func() {
		for _, m := range c.ordered {
			m.TerminateRemoteAssets()
		}
	}()

	reader := c.reader
	var (
		streakCount int
		streakStart time.Time
		windowTimes []time.Time
		lastKeep    = time.Now()
	)

	for {
		select {
		case <-ctx.Done():
			c.drainOnShutdown()
			return
		default:
		}

		// Outbound: bounded drain keeps command latency under one tick.
		for i := 0; i < maxCommandsPerTick; i++ {
			select {
			case cmd := <-c.cmdQueue:
				if err := c.writeCommand(cmd); err != nil {
					log.Printf("controller %d: serial write failed: %v", c.cfg.ID, err)
					c.state.Store(stateFaulted)
					return
				}
			default:
				i = maxCommandsPerTick
			}
		}

		// Inbound: read whatever the port has buffered.
		for i := 0; i < maxFramesPerTick; i++ {
			frame, err := reader.Next()
			if err != nil {
				if err == io.ErrNoProgress {
					break
				}
				log.Printf("controller %d: serial read failed: %v", c.cfg.ID, err)
				c.state.Store(stateFaulted)
				return
			}
			msg, decodeErr := codec.DecodeMessage(frame)
			if decodeErr != nil {
				now := time.Now()
				if streakCount == 0 {
					streakStart = now
				}
				streakCount++
				windowTimes = append(windowTimes, now)
				windowTimes = pruneBefore(windowTimes, now.Add(-fatalErrorWindow))

				log.Printf("controller %d: frame error: %v", c.cfg.ID, decodeErr)
				c.logHostWarning(0, 0, frameErrorEvent(decodeErr))

				if streakCount == degradedErrorCount && now.Sub(streakStart) <= degradedErrorWindow {
					log.Printf("controller %d: link degraded: %d consecutive frame errors", c.cfg.ID, streakCount)
				}
				if streakCount >= fatalErrorCount && len(windowTimes) >= fatalErrorCount {
					log.Printf("controller %d: frame-error storm, terminating worker", c.cfg.ID)
					c.state.Store(stateFaulted)
					return
				}
				continue
			}
			streakCount = 0
			c.logInbound(msg)
			c.dispatch(msg)
		}

		// Keepalive.
		if c.cfg.KeepaliveInterval > 0 && time.Since(lastKeep) >= c.cfg.KeepaliveInterval {
			if err := c.writeCommand(codec.KeepaliveCommand{Code: c.cfg.ID}); err != nil {
				log.Printf("controller %d: keepalive write failed: %v", c.cfg.ID, err)
				c.state.Store(stateFaulted)
				return
			}
			lastKeep = time.Now()
		}
	}
}

// drainOnShutdown flushes queued commands to the wire within the stop-drain
// grace period, then force-drops the remainder.
func (c *Controller) drainOnShutdown() {
	deadline := time.Now().Add(c.cfg.StopDrainTimeout)
	for {
		select {
		case cmd := <-c.cmdQueue:
			if time.Now().After(deadline) {
				c.dropped.Add(1)
				continue
			}
			if err := c.writeCommand(cmd); err != nil {
				c.dropped.Add(1)
			}
		default:
			return
		}
	}
}

// dispatch routes one decoded message to its module interface.
func (c *Controller) dispatch(msg *codec.Message) {
	if !msg.IsData() && !msg.IsState() {
		return
	}
	key := msg.Key()
	reg, ok := c.modules[key]
	if !ok {
		// Firmware may carry modules this host build does not know; warn
		// once per key and move on.
		if !c.warned[key] {
			c.warned[key] = true
			log.Printf("controller %d: message for unregistered module %s (event %d)", c.cfg.ID, key, msg.Event)
		}
		return
	}
	if reg.errorCodes[msg.Event] {
		log.Printf("controller %d: module %s reported error event %d", c.cfg.ID, key, msg.Event)
		c.logHostWarning(msg.ModuleType, msg.ModuleID, msg.Event)
	}
	if reg.dataCodes[msg.Event] {
		reg.iface.ProcessReceivedData(msg)
	}
}

// writeCommand encodes a command, writes it to the port, and clones it into
// the log.
func (c *Controller) writeCommand(cmd codec.Command) error {
	frame, err := codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if _, err := c.port.Write(frame); err != nil {
		return err
	}
	payload, _ := cmd.Payload()
	return c.logger.Input(eventlog.Package{
		Source: c.cfg.ID, TimestampUs: c.timer.ElapsedUs(), Data: payload,
	})
}

// logInbound clones one decoded inbound message into the event log.
func (c *Controller) logInbound(msg *codec.Message) {
	if err := c.logger.Input(eventlog.Package{
		Source: c.cfg.ID, TimestampUs: c.timer.ElapsedUs(), Data: msg.PayloadBytes(),
	}); err != nil {
		log.Printf("controller %d: log submission failed: %v", c.cfg.ID, err)
	}
}

// logHostWarning records a host-side warning entry for a module error event
// or link fault under the controller's own source.
func (c *Controller) logHostWarning(moduleType, moduleID, event uint8) {
	payload := []byte{codec.ProtocolControllerError, moduleType, moduleID, event}
	if err := c.logger.Input(eventlog.Package{
		Source: c.cfg.ID, TimestampUs: c.timer.ElapsedUs(), Data: payload,
	}); err != nil {
		log.Printf("controller %d: warning log submission failed: %v", c.cfg.ID, err)
	}
}

func (c *Controller) publisher() bus.Publisher {
	if c.bridge != nil {
		return c.bridge
	}
	return bus.Nop{}
}

// frameErrorEvent maps a decode failure onto a distinct host event byte.
func frameErrorEvent(err error) uint8 {
	switch {
	case errors.Is(err, codec.ErrCRC):
		return 1
	case errors.Is(err, codec.ErrTruncated):
		return 2
	case errors.Is(err, codec.ErrUnknownPrototype):
		return 3
	default:
		return 4
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(times); i++ {
		if times[i].After(cutoff) {
			break
		}
	}
	return times[i:]
}
