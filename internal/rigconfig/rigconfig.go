// Package rigconfig loads the rig configuration file and applies the
// environment overrides (SERIAL_PORT, BAUD, LOG_ROOT).
package rigconfig

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/neurorig/rig-controller/internal/timing"
)

// Config is the rig configuration file structure.
type Config struct {
	Controller struct {
		ID                uint8  `yaml:"id"`
		Port              string `yaml:"port"`
		Baud              int    `yaml:"baud"`
		BufferSize        int    `yaml:"buffer_size"`
		KeepaliveMs       int    `yaml:"keepalive_ms"`
		IdentifyTimeoutMs int    `yaml:"identify_timeout_ms"`
	} `yaml:"controller"`

	Logger struct {
		Root               string `yaml:"root"`
		QueueDepth         int    `yaml:"queue_depth"`
		CompressionThreads int    `yaml:"compression_threads"`
	} `yaml:"logger"`

	Bus struct {
		Enabled bool   `yaml:"enabled"`
		PubAddr string `yaml:"pub_addr"`
		SubAddr string `yaml:"sub_addr"`
	} `yaml:"bus"`

	Live struct {
		Enabled    bool   `yaml:"enabled"`
		Addr       string `yaml:"addr"`
		IntervalMs int    `yaml:"interval_ms"`
	} `yaml:"live"`

	Registry struct {
		Path string `yaml:"path"`
	} `yaml:"registry"`

	Valve struct {
		ModuleID           uint8        `yaml:"module_id"`
		Calibration        [][2]float64 `yaml:"calibration"` // [pulse_us, volume_ul]
		MinPulseUs         float64      `yaml:"min_pulse_us"`
		CalibrationDelayUs uint32       `yaml:"calibration_delay_us"`
		CalibrationCount   uint16       `yaml:"calibration_count"`
		RewardVolumeUl     float64      `yaml:"reward_volume_ul"`
		WithTone           bool         `yaml:"with_tone"`
	} `yaml:"valve"`

	Lick struct {
		ModuleID          uint8  `yaml:"module_id"`
		SignalThreshold   uint16 `yaml:"signal_threshold"`
		DeltaThreshold    uint16 `yaml:"delta_threshold"`
		AveragingPoolSize uint8  `yaml:"averaging_pool_size"`
		LickThreshold     uint16 `yaml:"lick_threshold"`
	} `yaml:"lick"`

	Encoder struct {
		ModuleID           uint8   `yaml:"module_id"`
		PPR                uint32  `yaml:"ppr"`
		WheelDiameterCm    float64 `yaml:"wheel_diameter_cm"`
		UnityUnitsPerPulse float64 `yaml:"unity_units_per_pulse"`
	} `yaml:"encoder"`

	TTL struct {
		ModuleID        uint8  `yaml:"module_id"`
		ReportPulses    bool   `yaml:"report_pulses"`
		PulseDurationUs uint32 `yaml:"pulse_duration_us"`
		BlipFilterUs    uint64 `yaml:"blip_filter_us"`
	} `yaml:"ttl"`

	Break struct {
		ModuleID            uint8   `yaml:"module_id"`
		MinimumTorqueGramCm float64 `yaml:"minimum_torque_gram_cm"`
		MaximumTorqueGramCm float64 `yaml:"maximum_torque_gram_cm"`
	} `yaml:"break"`

	Torque struct {
		ModuleID      uint8   `yaml:"module_id"`
		CapacityNcm   float64 `yaml:"capacity_ncm"`
		BaselineVolt  float64 `yaml:"baseline_volt"`
		MaxVolt       float64 `yaml:"max_volt"`
		LeverRadiusCm float64 `yaml:"lever_radius_cm"`
	} `yaml:"torque"`

	Screen struct {
		ModuleID    uint8 `yaml:"module_id"`
		InitiallyOn bool  `yaml:"initially_on"`
	} `yaml:"screen"`
}

// Default returns the built-in controller, logger, registry, bus, and live
// feed settings. It carries no valve calibration samples, so building the
// rig's modules from it alone fails at the valve's calibration fit.
func Default() *Config {
	cfg := &Config{}
	cfg.Controller.ID = 1
	cfg.Controller.Port = "/dev/ttyACM0"
	cfg.Controller.Baud = 115200
	cfg.Logger.Root = "/var/lib/rig/logs"
	cfg.Registry.Path = "/var/lib/rig/runs.db"
	cfg.Bus.PubAddr = "tcp://*:5556"
	cfg.Bus.SubAddr = "tcp://localhost:5557"
	cfg.Live.Addr = ":8765"
	return cfg
}

// Load reads and parses a configuration file, then applies environment
// overrides. An empty path yields the defaults (still overridable).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := os.Getenv("SERIAL_PORT"); port != "" {
		c.Controller.Port = port
	}
	if baud := os.Getenv("BAUD"); baud != "" {
		v, err := strconv.Atoi(baud)
		if err != nil || v <= 0 {
			return fmt.Errorf("BAUD=%q is not a positive integer", baud)
		}
		c.Controller.Baud = v
	}
	if root := os.Getenv("LOG_ROOT"); root != "" {
		c.Logger.Root = root
	}
	return nil
}

// ValveCalibration converts the configured calibration table into fit
// samples.
func (c *Config) ValveCalibration() []timing.CalibrationSample {
	samples := make([]timing.CalibrationSample, 0, len(c.Valve.Calibration))
	for _, pair := range c.Valve.Calibration {
		samples = append(samples, timing.CalibrationSample{PulseUs: pair[0], VolumeUl: pair[1]})
	}
	return samples
}
