package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/neurorig/rig-controller/internal/bus"
	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/timing"
	"github.com/neurorig/rig-controller/internal/tracker"
)

// Valve event bytes.
const (
	EventValveOpen       uint8 = 51
	EventValveClosed     uint8 = 52
	EventValveCalibrated uint8 = 53
	EventValveToneOn     uint8 = 54
	EventValveToneOff    uint8 = 55
	EventValveToneError  uint8 = 56
)

// Valve command bytes.
const (
	valveCmdPulse     uint8 = 1
	valveCmdOpen      uint8 = 2
	valveCmdClose     uint8 = 3
	valveCmdCalibrate uint8 = 4
)

// ErrVolumeTooSmall is returned when a requested reward volume falls below
// what the valve can reliably dispense given its calibration.
var ErrVolumeTooSmall = errors.New("requested volume below reliable dispensing minimum")

// ValveConfig configures a solenoid-valve interface.
type ValveConfig struct {
	ModuleID    uint8
	Calibration []timing.CalibrationSample

	// MinPulseUs is the shortest pulse the valve hardware actuates
	// reliably. Firmware-specified; requests that would need a shorter
	// pulse fail with ErrVolumeTooSmall.
	MinPulseUs float64

	// Reference-calibration parameters applied before pulse and
	// calibration commands.
	CalibrationDelayUs uint32
	CalibrationCount   uint16

	// RewardVolumeUl is the volume dispensed for a bus-triggered reward.
	RewardVolumeUl float64

	// WithTone registers the audible-cue event codes of the tone-equipped
	// valve variant.
	WithTone bool

	Debug bool
}

// Valve interfaces with a solenoid-valve module that dispenses calibrated
// water rewards. The power-law calibration volume = A * pulse^B is fitted
// once at construction.
type Valve struct {
	Base
	cfg ValveConfig

	scaleCoefficient     float64 // A
	nonlinearityExponent float64 // B
	minVolumeUl          float64

	reward *tracker.Tracker

	// Worker-thread state.
	timer       *timing.Timer
	open        bool
	lastPulseUs uint32
}

// NewValve fits the calibration data and reserves the reward tracker. A fit
// that fails to converge is fatal to construction.
func NewValve(cfg ValveConfig) (*Valve, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.MinPulseUs <= 0 {
		cfg.MinPulseUs = 10_000
	}
	if cfg.CalibrationDelayUs == 0 {
		cfg.CalibrationDelayUs = 200_000
	}
	if cfg.CalibrationCount == 0 {
		cfg.CalibrationCount = 200
	}
	if cfg.RewardVolumeUl <= 0 {
		cfg.RewardVolumeUl = 5.0
	}

	a, b, err := timing.PowerLawFit(cfg.Calibration)
	if err != nil {
		return nil, fmt.Errorf("valve %d calibration: %w", cfg.ModuleID, err)
	}

	dataCodes := []uint8{EventValveOpen, EventValveClosed, EventValveCalibrated}
	if cfg.WithTone {
		dataCodes = append(dataCodes, EventValveToneOn, EventValveToneOff, EventValveToneError)
	}

	reward, err := tracker.Create(
		tracker.Name(TypeValve, cfg.ModuleID, "valve"), 2, tracker.Float64, true)
	if err != nil {
		return nil, fmt.Errorf("valve %d tracker: %w", cfg.ModuleID, err)
	}

	return &Valve{
		Base:                 newBase(TypeValve, cfg.ModuleID, dataCodes, nil, []string{bus.TopicRewardTrigger}),
		cfg:                  cfg,
		scaleCoefficient:     a,
		nonlinearityExponent: b,
		minVolumeUl:          a * math.Pow(cfg.MinPulseUs, b),
		reward:               reward,
	}, nil
}

// ScaleCoefficient returns A of the fitted calibration curve.
func (v *Valve) ScaleCoefficient() float64 { return v.scaleCoefficient }

// NonlinearityExponent returns B of the fitted calibration curve.
func (v *Valve) NonlinearityExponent() float64 { return v.nonlinearityExponent }

// DispensedUl returns the cumulative volume dispensed this run.
func (v *Valve) DispensedUl() float64 {
	volume, err := v.reward.ReadFloat64(0)
	if err != nil {
		return 0
	}
	return volume
}

// PulseDurationForVolume inverts the calibration curve, returning the pulse
// duration that dispenses volumeUl.
func (v *Valve) PulseDurationForVolume(volumeUl float64) (uint32, error) {
	if volumeUl < v.minVolumeUl {
		return 0, fmt.Errorf("valve %d: %.3f ul requested, minimum is %.3f ul: %w",
			v.moduleID, volumeUl, v.minVolumeUl, ErrVolumeTooSmall)
	}
	pulse := math.Pow(volumeUl/v.scaleCoefficient, 1.0/v.nonlinearityExponent)
	return uint32(math.Round(pulse)), nil
}

// SetParameters submits an explicit pulse/calibration parameter tuple,
// overriding the values derived from the last dispense.
func (v *Valve) SetParameters(pulseUs, calibrationDelayUs uint32, calibrationCount uint16) error {
	if err := v.sendParameters(pulseUs, calibrationDelayUs, calibrationCount); err != nil {
		return err
	}
	v.lastPulseUs = pulseUs
	return nil
}

// DispenseVolume delivers volumeUl through one valve pulse. When the volume
// differs from the previous dispense, updated pulse parameters are sent
// first.
func (v *Valve) DispenseVolume(volumeUl float64, noblock bool) error {
	pulse, err := v.PulseDurationForVolume(volumeUl)
	if err != nil {
		return err
	}
	if pulse != v.lastPulseUs {
		if err := v.sendParameters(pulse, v.cfg.CalibrationDelayUs, v.cfg.CalibrationCount); err != nil {
			return err
		}
		v.lastPulseUs = pulse
	}
	return v.sendCommand(valveCmdPulse, noblock, 0)
}

// Toggle locks the valve open or closed until countermanded.
func (v *Valve) Toggle(open bool) error {
	cmd := valveCmdClose
	if open {
		cmd = valveCmdOpen
	}
	return v.sendCommand(cmd, false, 0)
}

// Calibrate runs a calibration cycle: the valve is pulsed CalibrationCount
// times at pulseUs with CalibrationDelayUs between pulses. The device is
// blocked until the cycle completes.
func (v *Valve) Calibrate(pulseUs uint32) error {
	if err := v.sendParameters(pulseUs, v.cfg.CalibrationDelayUs, v.cfg.CalibrationCount); err != nil {
		return err
	}
	v.lastPulseUs = pulseUs
	return v.sendCommand(valveCmdCalibrate, false, 0)
}

// InitializeRemoteAssets implements Interface.
func (v *Valve) InitializeRemoteAssets(rt *Runtime) error {
	v.attach(rt)
	v.timer = timing.NewTimer()
	v.open = false
	return nil
}

// TerminateRemoteAssets implements Interface.
func (v *Valve) TerminateRemoteAssets() {
	v.detach()
}

// ProcessReceivedData implements Interface. Open/closed transitions drive
// the dispensed-volume accumulator: the time the valve stayed open is pushed
// through the calibration curve and added to tracker index 0.
func (v *Valve) ProcessReceivedData(msg *codec.Message) {
	switch msg.Event {
	case EventValveOpen:
		if v.cfg.Debug {
			log.Printf("valve %d: open", v.moduleID)
		}
		if !v.open {
			v.open = true
			v.timer.Reset()
			v.reward.WriteFloat64(1, 1)
		}

	case EventValveClosed:
		if v.cfg.Debug {
			log.Printf("valve %d: closed", v.moduleID)
		}
		if v.open {
			v.open = false
			elapsed := float64(v.timer.ElapsedUs())
			volume := v.scaleCoefficient * math.Pow(elapsed, v.nonlinearityExponent)
			v.reward.AddFloat64(0, volume)
			v.reward.WriteFloat64(1, 0)

			var payload [8]byte
			binary.LittleEndian.PutUint64(payload[:], math.Float64bits(volume))
			v.publish(bus.TopicReward, payload[:])
		}

	case EventValveCalibrated:
		log.Printf("valve %d: calibration cycle complete", v.moduleID)

	case EventValveToneOn, EventValveToneOff:
		if v.cfg.Debug {
			log.Printf("valve %d: tone event %d", v.moduleID, msg.Event)
		}

	case EventValveToneError:
		log.Printf("valve %d: tone hardware error", v.moduleID)

	default:
		log.Printf("valve %d: unexpected event %d", v.moduleID, msg.Event)
	}
}

// HandleBusCommand implements Interface: any message on the reward-trigger
// topic dispenses the configured reward volume in blocking mode, matching
// the delivery-precision contract of externally triggered rewards.
func (v *Valve) HandleBusCommand(_ string, _ []byte) {
	if err := v.DispenseVolume(v.cfg.RewardVolumeUl, false); err != nil {
		log.Printf("valve %d: bus-triggered reward failed: %v", v.moduleID, err)
	}
}

// ParseLoggedData implements Interface. Open events pair with the next
// closed event; each pair contributes its calibrated volume to a running
// total reported at the closing timestamp.
func (v *Valve) ParseLoggedData(events EventLog) (*Table, error) {
	table := &Table{Name: fmt.Sprintf("valve_%d", v.moduleID)}

	opens := events[EventValveOpen]
	closeds := events[EventValveClosed]

	// The run starts with zero volume dispensed at the source onset.
	timestamps := []uint64{0}
	volumes := []float64{0}

	switch {
	case len(opens) == 0 && len(closeds) == 0:
		// Valve never actuated; the onset row stands alone.

	case len(opens) == 0:
		timestamps = append(timestamps, closeds[0].TimestampUs)
		volumes = append(volumes, 0)

	default:
		edges, err := mergeSigned(opens, closeds, func(*LoggedEvent) (float64, error) { return 1, nil })
		if err != nil {
			return nil, err
		}
		var cumulative float64
		var openTs uint64
		inPulse := false
		for _, e := range edges {
			if e.value > 0 { // open
				openTs = e.ts
				inPulse = true
				continue
			}
			if !inPulse {
				continue
			}
			inPulse = false
			width := float64(e.ts - openTs)
			cumulative += v.scaleCoefficient * math.Pow(width, v.nonlinearityExponent)
			timestamps = append(timestamps, e.ts)
			volumes = append(volumes, timing.Round8(cumulative))
		}
	}

	table.Timestamps = timestamps
	table.Columns = []Column{{Name: "cumulative_volume_ul", Floats: volumes}}
	return table, nil
}

// Close implements Interface: destroys the reward tracker region.
func (v *Valve) Close() error {
	return v.reward.Destroy()
}
