package device

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"

	"github.com/neurorig/rig-controller/internal/bus"
	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/timing"
	"github.com/neurorig/rig-controller/internal/tracker"
)

// Encoder event bytes. CCW and CW events carry the pulse count accumulated
// since the previous report; PPR carries the index-pulse readout.
const (
	EventEncoderCCW uint8 = 51
	EventEncoderCW  uint8 = 52
	EventEncoderPPR uint8 = 53
)

// Encoder command bytes.
const (
	encoderCmdCheckState uint8 = 1
	encoderCmdReset      uint8 = 2
	encoderCmdGetPPR     uint8 = 3
)

// speedWindowUs is the sliding-window width of the live speed readout.
const speedWindowUs = 100_000

// EncoderConfig configures a quadrature wheel-encoder interface.
type EncoderConfig struct {
	ModuleID uint8

	// PPR is the encoder's pulses-per-revolution.
	PPR uint32

	// WheelDiameterCm is the running wheel diameter.
	WheelDiameterCm float64

	// UnityUnitsPerPulse scales per-pulse motion for the external VR
	// runtime; zero disables motion publishing.
	UnityUnitsPerPulse float64

	// Device-side direction filtering, applied on the first CheckState.
	ReportCCW      bool
	ReportCW       bool
	DeltaThreshold uint32

	// PollingDelayUs is the device-side encoder polling period.
	PollingDelayUs uint32

	Debug bool
}

// Encoder interfaces with the running-wheel rotary encoder and maintains the
// live running-speed tracker.
type Encoder struct {
	Base
	cfg        EncoderConfig
	cmPerPulse float64

	speed *tracker.Tracker

	// Worker-thread state for the sliding speed window.
	speedTimer *timing.Timer
	positionCm float64
	markCm     float64
	configured bool
}

// NewEncoder derives the distance calibration and reserves the speed
// tracker.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.PPR == 0 {
		cfg.PPR = 8192
	}
	if cfg.WheelDiameterCm == 0 {
		cfg.WheelDiameterCm = 15.0333
	}
	if cfg.PollingDelayUs == 0 {
		cfg.PollingDelayUs = 200
	}
	if cfg.DeltaThreshold == 0 {
		cfg.DeltaThreshold = 10
	}
	if !cfg.ReportCCW && !cfg.ReportCW {
		cfg.ReportCCW = true
		cfg.ReportCW = true
	}

	speed, err := tracker.Create(
		tracker.Name(TypeEncoder, cfg.ModuleID, "speed"), 1, tracker.Float64, true)
	if err != nil {
		return nil, fmt.Errorf("encoder %d tracker: %w", cfg.ModuleID, err)
	}

	return &Encoder{
		Base: newBase(TypeEncoder, cfg.ModuleID,
			[]uint8{EventEncoderCCW, EventEncoderCW, EventEncoderPPR}, nil, nil),
		cfg:        cfg,
		cmPerPulse: timing.Round8(math.Pi * cfg.WheelDiameterCm / float64(cfg.PPR)),
		speed:      speed,
	}, nil
}

// CmPerPulse returns the wheel-surface distance represented by one pulse.
func (e *Encoder) CmPerPulse() float64 { return e.cmPerPulse }

// SpeedCmS returns the current running speed estimate in cm/s.
func (e *Encoder) SpeedCmS() float64 {
	v, err := e.speed.ReadFloat64(0)
	if err != nil {
		return 0
	}
	return v
}

// CheckState starts motion monitoring. The first call applies the direction
// filtering parameters.
func (e *Encoder) CheckState(repetitionDelayUs uint32) error {
	if repetitionDelayUs == 0 {
		repetitionDelayUs = e.cfg.PollingDelayUs
	}
	if !e.configured {
		if err := e.sendParameters(e.cfg.ReportCCW, e.cfg.ReportCW, e.cfg.DeltaThreshold); err != nil {
			return err
		}
		e.configured = true
	}
	return e.sendCommand(encoderCmdCheckState, false, repetitionDelayUs)
}

// ResetPulseCount zeroes the device-side pulse accumulator.
func (e *Encoder) ResetPulseCount() error {
	return e.sendCommand(encoderCmdReset, false, 0)
}

// GetPPR asks the device to measure pulses-per-revolution from the index
// pulse; the readout arrives as a PPR event.
func (e *Encoder) GetPPR() error {
	return e.sendCommand(encoderCmdGetPPR, false, 0)
}

// InitializeRemoteAssets implements Interface.
func (e *Encoder) InitializeRemoteAssets(rt *Runtime) error {
	e.attach(rt)
	e.speedTimer = timing.NewTimer()
	e.positionCm = 0
	e.markCm = 0
	return nil
}

// TerminateRemoteAssets implements Interface.
func (e *Encoder) TerminateRemoteAssets() {
	e.detach()
}

// ProcessReceivedData implements Interface. Every motion event advances the
// cumulative absolute position; once per speed window the traversed distance
// is converted to cm/s and written to the tracker.
func (e *Encoder) ProcessReceivedData(msg *codec.Message) {
	switch msg.Event {
	case EventEncoderCCW, EventEncoderCW:
		pulses, err := msg.Uint32Object()
		if err != nil {
			log.Printf("encoder %d: unexpected payload for event %d: %v", e.moduleID, msg.Event, err)
			return
		}
		distance := float64(pulses) * e.cmPerPulse
		e.positionCm += distance

		if e.cfg.UnityUnitsPerPulse != 0 && pulses > 0 {
			units := float64(pulses) * e.cfg.UnityUnitsPerPulse
			if msg.Event == EventEncoderCW {
				units = -units
			}
			var payload [8]byte
			binary.LittleEndian.PutUint64(payload[:], math.Float64bits(units))
			e.publish(bus.TopicSpeed, payload[:])
		}

		if elapsed := e.speedTimer.ElapsedUs(); elapsed >= speedWindowUs {
			speed := math.Abs(e.positionCm-e.markCm) / (float64(elapsed) / 1000.0) * 1000.0
			e.speed.WriteFloat64(0, speed)
			e.markCm = e.positionCm
			e.speedTimer.Reset()
		}

		if e.cfg.Debug {
			log.Printf("encoder %d: event %d, %d pulses", e.moduleID, msg.Event, pulses)
		}

	case EventEncoderPPR:
		ppr, err := msg.Uint32Object()
		if err != nil {
			log.Printf("encoder %d: unexpected ppr payload: %v", e.moduleID, err)
			return
		}
		log.Printf("encoder %d: index-pulse readout reports %d ppr (configured %d)", e.moduleID, ppr, e.cfg.PPR)

	default:
		log.Printf("encoder %d: unexpected event %d", e.moduleID, msg.Event)
	}
}

// ParseLoggedData implements Interface. CCW pulses advance the position, CW
// pulses retreat it; the output is the cumulative position series in cm.
// When one direction recorded no events a zero-valued entry is synthesized
// 1 us after the other direction's first entry so the reconstruction stays
// total.
func (e *Encoder) ParseLoggedData(events EventLog) (*Table, error) {
	ccw := events[EventEncoderCCW]
	cw := events[EventEncoderCW]

	var synthetic []LoggedEvent
	zeroProto, _ := codec.PrototypeID(codec.KindUint32, 1)
	zeroObject := []byte{0, 0, 0, 0}
	switch {
	case len(ccw) == 0 && len(cw) > 0:
		synthetic = []LoggedEvent{{TimestampUs: cw[0].TimestampUs + 1, Prototype: zeroProto, Object: zeroObject}}
		ccw = synthetic
	case len(cw) == 0 && len(ccw) > 0:
		synthetic = []LoggedEvent{{TimestampUs: ccw[0].TimestampUs + 1, Prototype: zeroProto, Object: zeroObject}}
		cw = synthetic
	}

	samples, err := mergeSigned(ccw, cw, func(ev *LoggedEvent) (float64, error) {
		pulses, err := ev.Uint32()
		if err != nil {
			return 0, err
		}
		return float64(pulses), nil
	})
	if err != nil {
		return nil, fmt.Errorf("encoder %d: %w", e.moduleID, err)
	}

	table := &Table{
		Name:       fmt.Sprintf("encoder_%d", e.moduleID),
		Timestamps: make([]uint64, 0, len(samples)),
	}
	positions := make([]float64, 0, len(samples))
	var position float64
	for _, s := range samples {
		position += s.value * e.cmPerPulse
		table.Timestamps = append(table.Timestamps, s.ts)
		positions = append(positions, timing.Round8(position))
	}
	table.Columns = []Column{{Name: "position_cm", Floats: positions}}
	return table, nil
}

// Close implements Interface.
func (e *Encoder) Close() error {
	return e.speed.Destroy()
}
