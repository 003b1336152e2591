package device

import (
	"fmt"
	"log"

	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/timing"
)

// Torque event bytes. The sensor reports the amplified, rectified ADC sample
// together with the rotation direction it was measured in.
const (
	EventTorqueCCW uint8 = 51
	EventTorqueCW  uint8 = 52
)

const torqueCmdCheckState uint8 = 1

// TorqueConfig configures a torque-sensor interface.
type TorqueConfig struct {
	ModuleID uint8

	// CapacityNcm is the sensor's rated capacity in N·cm.
	CapacityNcm float64

	// BaselineVolt and MaxVolt bound the amplifier's output swing; the
	// rated capacity maps onto this span.
	BaselineVolt float64
	MaxVolt      float64

	// LeverRadiusCm converts torque to tangential force at the wheel
	// surface.
	LeverRadiusCm float64

	// Device-side detection parameters, applied on the first CheckState.
	ReportCCW         bool
	ReportCW          bool
	SignalThreshold   uint16
	DeltaThreshold    uint16
	AveragingPoolSize uint8

	Debug bool
}

// Torque interfaces with the wheel torque sensor.
type Torque struct {
	Base
	cfg TorqueConfig

	torquePerADC float64
	forcePerADC  float64

	configured bool
}

// NewTorque derives the ADC-to-torque scaling from the sensor calibration.
func NewTorque(cfg TorqueConfig) (*Torque, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.CapacityNcm == 0 {
		cfg.CapacityNcm = 7.0628
	}
	if cfg.MaxVolt == 0 {
		cfg.MaxVolt = 3.3
	}
	if cfg.LeverRadiusCm == 0 {
		cfg.LeverRadiusCm = 7.5
	}
	if cfg.AveragingPoolSize == 0 {
		cfg.AveragingPoolSize = 2
	}
	if !cfg.ReportCCW && !cfg.ReportCW {
		cfg.ReportCCW = true
		cfg.ReportCW = true
	}
	if cfg.MaxVolt <= cfg.BaselineVolt {
		return nil, fmt.Errorf("torque %d: max volt %.2f not above baseline %.2f",
			cfg.ModuleID, cfg.MaxVolt, cfg.BaselineVolt)
	}

	voltPerADC := 3.3 / float64(int(1)<<adcResolutionBits)
	torquePerADC := cfg.CapacityNcm / (cfg.MaxVolt - cfg.BaselineVolt) * voltPerADC

	return &Torque{
		Base: newBase(TypeTorque, cfg.ModuleID,
			[]uint8{EventTorqueCCW, EventTorqueCW}, nil, nil),
		cfg:          cfg,
		torquePerADC: timing.Round8(torquePerADC),
		forcePerADC:  timing.Round8(torquePerADC / cfg.LeverRadiusCm),
	}, nil
}

// TorquePerADC returns the N·cm represented by one ADC unit.
func (t *Torque) TorquePerADC() float64 { return t.torquePerADC }

// ForcePerADC returns the tangential Newtons at the wheel surface per ADC
// unit.
func (t *Torque) ForcePerADC() float64 { return t.forcePerADC }

// CheckState starts torque monitoring. The first call applies the detection
// parameters.
func (t *Torque) CheckState(repetitionDelayUs uint32) error {
	if !t.configured {
		if err := t.sendParameters(t.cfg.ReportCCW, t.cfg.ReportCW,
			t.cfg.SignalThreshold, t.cfg.DeltaThreshold, t.cfg.AveragingPoolSize); err != nil {
			return err
		}
		t.configured = true
	}
	return t.sendCommand(torqueCmdCheckState, false, repetitionDelayUs)
}

// InitializeRemoteAssets implements Interface.
func (t *Torque) InitializeRemoteAssets(rt *Runtime) error {
	t.attach(rt)
	return nil
}

// TerminateRemoteAssets implements Interface.
func (t *Torque) TerminateRemoteAssets() {
	t.detach()
}

// ProcessReceivedData implements Interface.
func (t *Torque) ProcessReceivedData(msg *codec.Message) {
	if !t.cfg.Debug {
		return
	}
	sample, err := msg.Uint16Object()
	if err != nil {
		log.Printf("torque %d: unexpected payload for event %d: %v", t.moduleID, msg.Event, err)
		return
	}
	direction := "ccw"
	if msg.Event == EventTorqueCW {
		direction = "cw"
	}
	log.Printf("torque %d: %s %.5f ncm", t.moduleID, direction, float64(sample)*t.torquePerADC)
}

// ParseLoggedData implements Interface: CCW samples are positive, CW
// negative, scaled to N·cm and sorted by time.
func (t *Torque) ParseLoggedData(events EventLog) (*Table, error) {
	samples, err := mergeSigned(events[EventTorqueCCW], events[EventTorqueCW],
		func(e *LoggedEvent) (float64, error) {
			adc, err := e.Uint16()
			if err != nil {
				return 0, err
			}
			return float64(adc), nil
		})
	if err != nil {
		return nil, fmt.Errorf("torque %d: %w", t.moduleID, err)
	}

	table := &Table{
		Name:       fmt.Sprintf("torque_%d", t.moduleID),
		Timestamps: make([]uint64, 0, len(samples)),
	}
	torques := make([]float64, 0, len(samples))
	for _, s := range samples {
		table.Timestamps = append(table.Timestamps, s.ts)
		torques = append(torques, timing.Round8(s.value*t.torquePerADC))
	}
	table.Columns = []Column{{Name: "torque_ncm", Floats: torques}}
	return table, nil
}

// Close implements Interface.
func (t *Torque) Close() error { return nil }
