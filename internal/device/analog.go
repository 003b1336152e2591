package device

import (
	"fmt"
	"log"

	"github.com/neurorig/rig-controller/internal/codec"
)

// EventAnalogNonzero reports a raw 12-bit ADC sample from a general-purpose
// analog input.
const EventAnalogNonzero uint8 = 51

const analogCmdCheckState uint8 = 1

// AnalogConfig configures a general-purpose analog-input interface.
type AnalogConfig struct {
	ModuleID uint8

	// Device-side detection parameters, applied on the first CheckState.
	AveragingPoolSize uint8
	DeltaThreshold    uint16

	// PollingDelayUs is the device-side sampling period.
	PollingDelayUs uint32

	Debug bool
}

// Analog interfaces with an auxiliary analog sensor whose samples are
// recorded verbatim.
type Analog struct {
	Base
	cfg        AnalogConfig
	configured bool
}

// NewAnalog builds an analog-input interface.
func NewAnalog(cfg AnalogConfig) (*Analog, error) {
	if cfg.ModuleID == 0 {
		cfg.ModuleID = 1
	}
	if cfg.AveragingPoolSize == 0 {
		cfg.AveragingPoolSize = 2
	}
	if cfg.DeltaThreshold == 0 {
		cfg.DeltaThreshold = 1
	}
	if cfg.PollingDelayUs == 0 {
		cfg.PollingDelayUs = 1000
	}
	return &Analog{
		Base: newBase(TypeAnalog, cfg.ModuleID, []uint8{EventAnalogNonzero}, nil, nil),
		cfg:  cfg,
	}, nil
}

// CheckState starts sampling. The first call applies the detection
// parameters.
func (a *Analog) CheckState(repetitionDelayUs uint32) error {
	if repetitionDelayUs == 0 {
		repetitionDelayUs = a.cfg.PollingDelayUs
	}
	if !a.configured {
		if err := a.sendParameters(a.cfg.AveragingPoolSize, a.cfg.DeltaThreshold); err != nil {
			return err
		}
		a.configured = true
	}
	return a.sendCommand(analogCmdCheckState, false, repetitionDelayUs)
}

// InitializeRemoteAssets implements Interface.
func (a *Analog) InitializeRemoteAssets(rt *Runtime) error {
	a.attach(rt)
	return nil
}

// TerminateRemoteAssets implements Interface.
func (a *Analog) TerminateRemoteAssets() {
	a.detach()
}

// ProcessReceivedData implements Interface.
func (a *Analog) ProcessReceivedData(msg *codec.Message) {
	if !a.cfg.Debug {
		return
	}
	sample, err := msg.Uint16Object()
	if err != nil {
		log.Printf("analog %d: unexpected payload: %v", a.moduleID, err)
		return
	}
	log.Printf("analog %d: adc %d", a.moduleID, sample)
}

// ParseLoggedData implements Interface: a pass-through of the recorded ADC
// samples.
func (a *Analog) ParseLoggedData(events EventLog) (*Table, error) {
	samples := events[EventAnalogNonzero]
	table := &Table{
		Name:       fmt.Sprintf("analog_%d", a.moduleID),
		Timestamps: make([]uint64, 0, len(samples)),
	}
	values := make([]int64, 0, len(samples))
	for i := range samples {
		v, err := samples[i].Uint16()
		if err != nil {
			return nil, fmt.Errorf("analog %d: event at %d us: %w", a.moduleID, samples[i].TimestampUs, err)
		}
		table.Timestamps = append(table.Timestamps, samples[i].TimestampUs)
		values = append(values, int64(v))
	}
	table.Columns = []Column{{Name: "adc_value", Ints: values}}
	return table, nil
}

// Close implements Interface.
func (a *Analog) Close() error { return nil }
