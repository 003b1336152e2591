package device

import (
	"fmt"
	"log"

	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/timing"
)

// Break event bytes.
const (
	ErrBreakOutputLocked uint8 = 51
	EventBreakEngaged    uint8 = 52
	EventBreakDisengaged uint8 = 53
	EventBreakVariable   uint8 = 54
)

// Break command bytes.
const (
	breakCmdEngage    uint8 = 1
	breakCmdDisengage uint8 = 2
	breakCmdSetPower  uint8 = 3
)

// newtonCmPerGramCm converts torque from gram-centimeters to
// newton-centimeters.
const newtonCmPerGramCm = 0.0098067

// pwmMax is the resolution ceiling of the break's PWM drive.
const pwmMax = 255

// BreakConfig configures a wheel-break interface.
type BreakConfig struct {
	ModuleID uint8

	// Torque produced at PWM 0 and PWM 255 respectively, in gram-cm, from
	// the break's bench calibration.
	MinimumTorqueGramCm float64
	MaximumTorqueGramCm float64

	Debug bool
}

// Break interfaces with the running-wheel break. Braking strength maps
// linearly from the 8-bit PWM drive to the bench-calibrated torque range.
type Break struct {
	Base
	cfg BreakConfig

	minTorqueNcm float64
	maxTorqueNcm float64
	strength     uint8
}

// NewBreak validates the calibration range and converts it to N·cm.
func NewBreak(cfg BreakConfig) (*Break, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.MinimumTorqueGramCm == 0 {
		cfg.MinimumTorqueGramCm = 43.2
	}
	if cfg.MaximumTorqueGramCm == 0 {
		cfg.MaximumTorqueGramCm = 1152.1
	}
	if cfg.MaximumTorqueGramCm <= cfg.MinimumTorqueGramCm {
		return nil, fmt.Errorf("break %d: maximum torque %.1f g-cm not above minimum %.1f g-cm",
			cfg.ModuleID, cfg.MaximumTorqueGramCm, cfg.MinimumTorqueGramCm)
	}

	return &Break{
		Base: newBase(TypeBreak, cfg.ModuleID,
			[]uint8{EventBreakEngaged, EventBreakDisengaged, EventBreakVariable},
			[]uint8{ErrBreakOutputLocked},
			nil),
		cfg:          cfg,
		minTorqueNcm: timing.Round8(cfg.MinimumTorqueGramCm * newtonCmPerGramCm),
		maxTorqueNcm: timing.Round8(cfg.MaximumTorqueGramCm * newtonCmPerGramCm),
		strength:     pwmMax,
	}, nil
}

// MinTorqueNcm returns the disengaged (PWM 0) torque in N·cm.
func (b *Break) MinTorqueNcm() float64 { return b.minTorqueNcm }

// MaxTorqueNcm returns the fully engaged (PWM 255) torque in N·cm.
func (b *Break) MaxTorqueNcm() float64 { return b.maxTorqueNcm }

// TorqueFromPWM maps a PWM value onto the calibrated torque range.
func (b *Break) TorqueFromPWM(pwm uint8) float64 {
	span := b.maxTorqueNcm - b.minTorqueNcm
	return b.minTorqueNcm + span*float64(pwm)/pwmMax
}

// PWMFromTorque inverts TorqueFromPWM, clamping to the calibrated range.
func (b *Break) PWMFromTorque(torqueNcm float64) uint8 {
	if torqueNcm <= b.minTorqueNcm {
		return 0
	}
	if torqueNcm >= b.maxTorqueNcm {
		return pwmMax
	}
	span := b.maxTorqueNcm - b.minTorqueNcm
	return uint8((torqueNcm-b.minTorqueNcm)/span*pwmMax + 0.5)
}

// SetParameters stores and transmits a new braking strength (PWM units).
func (b *Break) SetParameters(breakingStrength uint8) error {
	if err := b.sendParameters(breakingStrength); err != nil {
		return err
	}
	b.strength = breakingStrength
	return nil
}

// Toggle fully engages or releases the break.
func (b *Break) Toggle(engage bool) error {
	cmd := breakCmdDisengage
	if engage {
		cmd = breakCmdEngage
	}
	return b.sendCommand(cmd, false, 0)
}

// SetBreakingPower applies the last strength submitted with SetParameters.
func (b *Break) SetBreakingPower() error {
	return b.sendCommand(breakCmdSetPower, false, 0)
}

// InitializeRemoteAssets implements Interface.
func (b *Break) InitializeRemoteAssets(rt *Runtime) error {
	b.attach(rt)
	return nil
}

// TerminateRemoteAssets implements Interface.
func (b *Break) TerminateRemoteAssets() {
	b.detach()
}

// ProcessReceivedData implements Interface.
func (b *Break) ProcessReceivedData(msg *codec.Message) {
	if b.cfg.Debug {
		log.Printf("break %d: event %d", b.moduleID, msg.Event)
	}
}

// ParseLoggedData implements Interface: each engagement reports the maximum
// calibrated torque, each release the minimum.
func (b *Break) ParseLoggedData(events EventLog) (*Table, error) {
	samples, err := mergeSigned(events[EventBreakEngaged], events[EventBreakDisengaged],
		func(*LoggedEvent) (float64, error) { return 1, nil })
	if err != nil {
		return nil, err
	}

	table := &Table{
		Name:       fmt.Sprintf("break_%d", b.moduleID),
		Timestamps: make([]uint64, 0, len(samples)),
	}
	torques := make([]float64, 0, len(samples))
	for _, s := range samples {
		table.Timestamps = append(table.Timestamps, s.ts)
		if s.value > 0 {
			torques = append(torques, b.maxTorqueNcm)
		} else {
			torques = append(torques, b.minTorqueNcm)
		}
	}
	table.Columns = []Column{{Name: "torque_ncm", Floats: torques}}
	return table, nil
}

// Close implements Interface.
func (b *Break) Close() error { return nil }
