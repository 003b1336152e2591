package device

import (
	"fmt"
	"log"
	"sort"

	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/tracker"
)

// TTL event bytes.
const (
	ErrTTLOutputLocked   uint8 = 51
	EventTTLInputOn      uint8 = 52
	EventTTLInputOff     uint8 = 53
	ErrTTLInvalidPinMode uint8 = 54
	EventTTLOutputOn     uint8 = 55
	EventTTLOutputOff    uint8 = 56
)

// TTL command bytes.
const (
	ttlCmdSendPulse  uint8 = 1
	ttlCmdToggleOn   uint8 = 2
	ttlCmdToggleOff  uint8 = 3
	ttlCmdCheckState uint8 = 4
)

// TTLConfig configures a TTL input/output interface.
type TTLConfig struct {
	ModuleID uint8

	// PulseDurationUs is the width of output pulses sent by SendPulse,
	// applied before the first command of any kind is sent to the module.
	PulseDurationUs uint32

	AveragingPoolSize uint8

	// ReportPulses mirrors the input pin level into a shared tracker.
	ReportPulses bool

	// BlipFilterUs drops the first extracted pulse when it is narrower than
	// this width, filtering the power-on blip of the upstream acquisition
	// device. Heuristic, not a device guarantee.
	BlipFilterUs uint64

	Debug bool
}

// TTL interfaces with a bidirectional TTL module: it can emit timed pulses,
// hold a level, or monitor an input pin and report level transitions.
type TTL struct {
	Base
	cfg TTLConfig

	pulse *tracker.Tracker // nil unless ReportPulses

	configured bool
}

// NewTTL validates the configuration and, when pulse reporting is on,
// reserves the input-state tracker.
func NewTTL(cfg TTLConfig) (*TTL, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.PulseDurationUs == 0 {
		cfg.PulseDurationUs = 5000
	}
	if cfg.BlipFilterUs == 0 {
		cfg.BlipFilterUs = 10_000
	}

	t := &TTL{
		Base: newBase(TypeTTL, cfg.ModuleID,
			[]uint8{EventTTLInputOn, EventTTLInputOff, EventTTLOutputOn, EventTTLOutputOff},
			[]uint8{ErrTTLOutputLocked, ErrTTLInvalidPinMode},
			nil),
		cfg: cfg,
	}
	if cfg.ReportPulses {
		pulse, err := tracker.Create(
			tracker.Name(TypeTTL, cfg.ModuleID, "pulse"), 1, tracker.Int32, true)
		if err != nil {
			return nil, fmt.Errorf("ttl %d tracker: %w", cfg.ModuleID, err)
		}
		t.pulse = pulse
	}
	return t, nil
}

// InputHigh reports whether the monitored input pin is currently high. Only
// meaningful with ReportPulses.
func (t *TTL) InputHigh() bool {
	if t.pulse == nil {
		return false
	}
	v, err := t.pulse.ReadInt32(0)
	return err == nil && v != 0
}

// SendPulse emits one output pulse of the configured duration, or a pulse
// train when repetitionDelayUs is non-zero.
func (t *TTL) SendPulse(repetitionDelayUs uint32, noblock bool) error {
	if err := t.ensureConfigured(); err != nil {
		return err
	}
	return t.sendCommand(ttlCmdSendPulse, noblock, repetitionDelayUs)
}

// Toggle holds the output pin high or low.
func (t *TTL) Toggle(high bool) error {
	if err := t.ensureConfigured(); err != nil {
		return err
	}
	cmd := ttlCmdToggleOff
	if high {
		cmd = ttlCmdToggleOn
	}
	return t.sendCommand(cmd, false, 0)
}

// CheckState monitors the input pin; the device reports level transitions
// only.
func (t *TTL) CheckState(repetitionDelayUs uint32) error {
	if err := t.ensureConfigured(); err != nil {
		return err
	}
	return t.sendCommand(ttlCmdCheckState, false, repetitionDelayUs)
}

func (t *TTL) ensureConfigured() error {
	if t.configured {
		return nil
	}
	if err := t.sendParameters(t.cfg.PulseDurationUs, t.cfg.AveragingPoolSize); err != nil {
		return err
	}
	t.configured = true
	return nil
}

// InitializeRemoteAssets implements Interface.
func (t *TTL) InitializeRemoteAssets(rt *Runtime) error {
	t.attach(rt)
	return nil
}

// TerminateRemoteAssets implements Interface.
func (t *TTL) TerminateRemoteAssets() {
	t.detach()
}

// ProcessReceivedData implements Interface.
func (t *TTL) ProcessReceivedData(msg *codec.Message) {
	if t.cfg.Debug {
		log.Printf("ttl %d: event %d", t.moduleID, msg.Event)
	}
	if t.pulse == nil {
		return
	}
	switch msg.Event {
	case EventTTLInputOn:
		t.pulse.WriteInt32(0, 1)
	case EventTTLInputOff:
		t.pulse.WriteInt32(0, 0)
	}
}

// ParseLoggedData implements Interface. All ON/OFF events are sorted into an
// edge sequence; the first pulse is dropped when narrower than the blip
// filter. The output is the rising-edge timestamp series, the canonical
// cross-source alignment seed.
func (t *TTL) ParseLoggedData(events EventLog) (*Table, error) {
	type edge struct {
		ts   uint64
		high bool
	}
	var edges []edge
	for _, code := range []uint8{EventTTLInputOn, EventTTLOutputOn} {
		for _, e := range events[code] {
			edges = append(edges, edge{ts: e.TimestampUs, high: true})
		}
	}
	for _, code := range []uint8{EventTTLInputOff, EventTTLOutputOff} {
		for _, e := range events[code] {
			edges = append(edges, edge{ts: e.TimestampUs, high: false})
		}
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].ts < edges[j].ts })

	var rising []uint64
	var inPulse bool
	var pulseStart uint64
	firstPulseDone := false
	for _, e := range edges {
		if e.high {
			if !inPulse {
				inPulse = true
				pulseStart = e.ts
			}
			continue
		}
		if !inPulse {
			continue
		}
		inPulse = false
		width := e.ts - pulseStart
		if !firstPulseDone {
			firstPulseDone = true
			if width < t.cfg.BlipFilterUs {
				continue
			}
		}
		rising = append(rising, pulseStart)
	}
	// A trailing rising edge without a falling edge still counts once the
	// first-pulse filter has been decided.
	if inPulse && firstPulseDone {
		rising = append(rising, pulseStart)
	}

	return &Table{
		Name:       fmt.Sprintf("ttl_%d", t.moduleID),
		Timestamps: rising,
	}, nil
}

// Close implements Interface.
func (t *TTL) Close() error {
	if t.pulse == nil {
		return nil
	}
	return t.pulse.Destroy()
}
