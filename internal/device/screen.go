package device

import (
	"fmt"
	"log"

	"github.com/neurorig/rig-controller/internal/codec"
)

// Screen event bytes.
const (
	ErrScreenOutputLocked uint8 = 51
	EventScreenOn         uint8 = 52
	EventScreenOff        uint8 = 53
)

const screenCmdToggle uint8 = 1

// ScreenConfig configures a display-relay interface.
type ScreenConfig struct {
	ModuleID uint8

	// InitiallyOn records the physical screen state at run start; the relay
	// only pulses the display's toggle input, so the host must know where
	// the state machine began.
	InitiallyOn bool

	Debug bool
}

// Screen interfaces with the relay that simulates button presses on the VR
// display's control board.
type Screen struct {
	Base
	cfg ScreenConfig
}

// NewScreen builds a screen interface.
func NewScreen(cfg ScreenConfig) (*Screen, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	return &Screen{
		Base: newBase(TypeScreen, cfg.ModuleID,
			[]uint8{EventScreenOn, EventScreenOff},
			[]uint8{ErrScreenOutputLocked},
			nil),
		cfg: cfg,
	}, nil
}

// Toggle emits one brief relay pulse, flipping the display power state.
func (s *Screen) Toggle() error {
	return s.sendCommand(screenCmdToggle, false, 0)
}

// InitializeRemoteAssets implements Interface.
func (s *Screen) InitializeRemoteAssets(rt *Runtime) error {
	s.attach(rt)
	return nil
}

// TerminateRemoteAssets implements Interface.
func (s *Screen) TerminateRemoteAssets() {
	s.detach()
}

// ProcessReceivedData implements Interface.
func (s *Screen) ProcessReceivedData(msg *codec.Message) {
	if s.cfg.Debug {
		log.Printf("screen %d: event %d", s.moduleID, msg.Event)
	}
}

// ParseLoggedData implements Interface. The screen state is reconstructed
// from the initial state plus one flip per relay pulse (ON event).
func (s *Screen) ParseLoggedData(events EventLog) (*Table, error) {
	pulses := events[EventScreenOn]

	state := int64(0)
	if s.cfg.InitiallyOn {
		state = 1
	}
	timestamps := []uint64{0}
	states := []int64{state}
	for i := range pulses {
		state = 1 - state
		timestamps = append(timestamps, pulses[i].TimestampUs)
		states = append(states, state)
	}

	return &Table{
		Name:       fmt.Sprintf("screen_%d", s.moduleID),
		Timestamps: timestamps,
		Columns:    []Column{{Name: "state", Ints: states}},
	}, nil
}

// Close implements Interface.
func (s *Screen) Close() error { return nil }
