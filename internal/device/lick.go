package device

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/neurorig/rig-controller/internal/bus"
	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/timing"
	"github.com/neurorig/rig-controller/internal/tracker"
)

// EventLickVoltageChanged reports a new ADC sample from the conductive lick
// sensor.
const EventLickVoltageChanged uint8 = 51

const lickCmdCheckState uint8 = 1

// adcResolutionBits is the width of the sensor ADC.
const adcResolutionBits = 12

// LickConfig configures a conductive-lick-sensor interface.
type LickConfig struct {
	ModuleID uint8

	// Device-side detection parameters, applied on the first CheckState.
	SignalThreshold   uint16
	DeltaThreshold    uint16
	AveragingPoolSize uint8

	// LickThreshold is the host-side ADC level at or above which a sample
	// counts as tongue contact.
	LickThreshold uint16

	// PollingDelayUs is the device-side sensor polling period.
	PollingDelayUs uint32

	Debug bool
}

// Lick interfaces with a conductive lick sensor. The sensor pulls to zero
// between contacts, so the interface requires an observed zero sample before
// counting the next lick; that debounces sustained contact into one count.
type Lick struct {
	Base
	cfg            LickConfig
	voltPerADCUnit float64

	counts *tracker.Tracker

	// Worker-thread state.
	previousReadoutZero bool
	configured          bool
}

// NewLick reserves the lick-count tracker and validates the configuration.
func NewLick(cfg LickConfig) (*Lick, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.SignalThreshold == 0 {
		cfg.SignalThreshold = 200
	}
	if cfg.DeltaThreshold == 0 {
		cfg.DeltaThreshold = 180
	}
	if cfg.AveragingPoolSize == 0 {
		cfg.AveragingPoolSize = 2
	}
	if cfg.LickThreshold == 0 {
		cfg.LickThreshold = 1000
	}
	if cfg.PollingDelayUs == 0 {
		cfg.PollingDelayUs = 1000
	}
	maxADC := uint16(1<<adcResolutionBits - 1)
	if cfg.LickThreshold > maxADC {
		return nil, fmt.Errorf("lick %d: threshold %d exceeds %d-bit ADC range", cfg.ModuleID, cfg.LickThreshold, adcResolutionBits)
	}

	counts, err := tracker.Create(
		tracker.Name(TypeLick, cfg.ModuleID, "lick"), 1, tracker.Uint64, true)
	if err != nil {
		return nil, fmt.Errorf("lick %d tracker: %w", cfg.ModuleID, err)
	}

	return &Lick{
		Base:           newBase(TypeLick, cfg.ModuleID, []uint8{EventLickVoltageChanged}, nil, nil),
		cfg:            cfg,
		voltPerADCUnit: timing.Round8(3.3 / float64(int(1)<<adcResolutionBits)),
		counts:         counts,
	}, nil
}

// LickCount returns the number of licks detected this run.
func (l *Lick) LickCount() uint64 {
	count, err := l.counts.ReadUint64(0)
	if err != nil {
		return 0
	}
	return count
}

// LickThreshold returns the host-side detection threshold in ADC units.
func (l *Lick) LickThreshold() uint16 { return l.cfg.LickThreshold }

// VoltsPerADCUnit returns the conversion factor from raw ADC units to volts.
func (l *Lick) VoltsPerADCUnit() float64 { return l.voltPerADCUnit }

// ADCUnitsFromVolts converts a voltage to raw ADC units.
func (l *Lick) ADCUnitsFromVolts(volts float64) uint16 {
	return uint16(volts/l.voltPerADCUnit + 0.5)
}

// CheckState starts (or re-arms) sensor monitoring. The first call applies
// the device-side detection parameters.
func (l *Lick) CheckState(repetitionDelayUs uint32) error {
	if repetitionDelayUs == 0 {
		repetitionDelayUs = l.cfg.PollingDelayUs
	}
	if !l.configured {
		if err := l.sendParameters(l.cfg.SignalThreshold, l.cfg.DeltaThreshold, l.cfg.AveragingPoolSize); err != nil {
			return err
		}
		l.configured = true
	}
	return l.sendCommand(lickCmdCheckState, false, repetitionDelayUs)
}

// InitializeRemoteAssets implements Interface.
func (l *Lick) InitializeRemoteAssets(rt *Runtime) error {
	l.attach(rt)
	l.previousReadoutZero = false
	return nil
}

// TerminateRemoteAssets implements Interface.
func (l *Lick) TerminateRemoteAssets() {
	l.detach()
}

// ProcessReceivedData implements Interface. Counts one lick per
// zero-to-threshold transition and mirrors the count in the tracker.
func (l *Lick) ProcessReceivedData(msg *codec.Message) {
	sample, err := msg.Uint16Object()
	if err != nil {
		log.Printf("lick %d: unexpected payload for event %d: %v", l.moduleID, msg.Event, err)
		return
	}
	if l.cfg.Debug {
		log.Printf("lick %d: adc %d", l.moduleID, sample)
	}

	if sample == 0 {
		l.previousReadoutZero = true
		return
	}
	if sample >= l.cfg.LickThreshold && l.previousReadoutZero {
		l.previousReadoutZero = false
		l.counts.AddUint64(0, 1)

		var payload [2]byte
		binary.LittleEndian.PutUint16(payload[:], sample)
		l.publish(bus.TopicLick, payload[:])
	}
}

// ParseLoggedData implements Interface. Emits every ADC sample with the
// lick state re-derived from the current threshold so that analyses can
// re-threshold offline.
func (l *Lick) ParseLoggedData(events EventLog) (*Table, error) {
	samples := events[EventLickVoltageChanged]
	table := &Table{
		Name:       fmt.Sprintf("lick_%d", l.moduleID),
		Timestamps: make([]uint64, 0, len(samples)),
	}
	adc := make([]int64, 0, len(samples))
	state := make([]int64, 0, len(samples))
	for i := range samples {
		value, err := samples[i].Uint16()
		if err != nil {
			return nil, fmt.Errorf("lick %d: event at %d us: %w", l.moduleID, samples[i].TimestampUs, err)
		}
		table.Timestamps = append(table.Timestamps, samples[i].TimestampUs)
		adc = append(adc, int64(value))
		if value >= l.cfg.LickThreshold {
			state = append(state, 1)
		} else {
			state = append(state, 0)
		}
	}
	table.Columns = []Column{
		{Name: "adc_value", Ints: adc},
		{Name: "lick_state", Ints: state},
	}
	return table, nil
}

// Close implements Interface.
func (l *Lick) Close() error {
	return l.counts.Destroy()
}
