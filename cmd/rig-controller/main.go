// Rig controller host binary: runs acquisition and training sessions against
// one behavior-rig microcontroller and extracts the resulting log archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurorig/rig-controller/internal/bus"
	"github.com/neurorig/rig-controller/internal/controller"
	"github.com/neurorig/rig-controller/internal/device"
	"github.com/neurorig/rig-controller/internal/eventlog"
	"github.com/neurorig/rig-controller/internal/extract"
	"github.com/neurorig/rig-controller/internal/live"
	"github.com/neurorig/rig-controller/internal/registry"
	"github.com/neurorig/rig-controller/internal/rigconfig"
)

// Exit codes of the host binary.
const (
	exitOK            = 0
	exitUserAbort     = 2
	exitHardwareFault = 3
	exitIntegrity     = 4
)

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

var (
	configFile string
	animalID   string

	rootCmd = &cobra.Command{
		Use:   "rig-controller",
		Short: "Behavior rig acquisition host",
		Long:  "Host runtime for the closed-loop behavior rig: runs experiment and training sessions, streams sensor data, and packages run logs.",
	}

	runExperimentCmd = &cobra.Command{
		Use:   "run-experiment",
		Short: "Run a full acquisition session",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSession("run-experiment") },
	}

	lickTrainCmd = &cobra.Command{
		Use:   "lick-train",
		Short: "Run a lick-training session (wheel locked, rewards on licks)",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSession("lick-train") },
	}

	runTrainCmd = &cobra.Command{
		Use:   "run-train",
		Short: "Run a run-training session (rewards on running distance)",
		RunE:  func(cmd *cobra.Command, args []string) error { return runSession("run-train") },
	}

	maintenanceCmd = &cobra.Command{
		Use:   "maintenance",
		Short: "Open, close, or calibrate the reward valve",
		RunE:  runMaintenance,
	}

	extractLogsCmd = &cobra.Command{
		Use:   "extract-logs",
		Short: "Extract typed time series from a run archive",
		RunE:  runExtractLogs,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("rig-controller v0.3.0")
		},
	}
)

var (
	maintOpen      bool
	maintClose     bool
	maintCalibrate uint32
	maintHoldSec   int

	extractArchive string
	extractOut     string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&animalID, "animal", "a", "", "Animal identifier for the session")

	maintenanceCmd.Flags().BoolVar(&maintOpen, "open", false, "Lock the valve open")
	maintenanceCmd.Flags().BoolVar(&maintClose, "close", false, "Lock the valve closed")
	maintenanceCmd.Flags().Uint32Var(&maintCalibrate, "calibrate", 0, "Run a calibration cycle at the given pulse duration (us)")
	maintenanceCmd.Flags().IntVar(&maintHoldSec, "hold", 0, "Seconds to hold before shutting down")

	extractLogsCmd.Flags().StringVar(&extractArchive, "archive", "", "Path to the run archive")
	extractLogsCmd.Flags().StringVar(&extractOut, "out", "", "Output directory for the extracted tables")
	extractLogsCmd.MarkFlagRequired("archive")

	rootCmd.AddCommand(runExperimentCmd, lickTrainCmd, runTrainCmd, maintenanceCmd, extractLogsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// rigModules is the full module set of the reference rig, with typed handles
// for the interfaces the session logic reads back.
type rigModules struct {
	valve   *device.Valve
	lick    *device.Lick
	encoder *device.Encoder
	ttl     *device.TTL
	brk     *device.Break
	torque  *device.Torque
	screen  *device.Screen
	all     []device.Interface
}

func buildModules(cfg *rigconfig.Config) (*rigModules, error) {
	valve, err := device.NewValve(device.ValveConfig{
		ModuleID:           cfg.Valve.ModuleID,
		Calibration:        cfg.ValveCalibration(),
		MinPulseUs:         cfg.Valve.MinPulseUs,
		CalibrationDelayUs: cfg.Valve.CalibrationDelayUs,
		CalibrationCount:   cfg.Valve.CalibrationCount,
		RewardVolumeUl:     cfg.Valve.RewardVolumeUl,
		WithTone:           cfg.Valve.WithTone,
	})
	if err != nil {
		return nil, err
	}
	lick, err := device.NewLick(device.LickConfig{
		ModuleID:          cfg.Lick.ModuleID,
		SignalThreshold:   cfg.Lick.SignalThreshold,
		DeltaThreshold:    cfg.Lick.DeltaThreshold,
		AveragingPoolSize: cfg.Lick.AveragingPoolSize,
		LickThreshold:     cfg.Lick.LickThreshold,
	})
	if err != nil {
		return nil, err
	}
	encoder, err := device.NewEncoder(device.EncoderConfig{
		ModuleID:           cfg.Encoder.ModuleID,
		PPR:                cfg.Encoder.PPR,
		WheelDiameterCm:    cfg.Encoder.WheelDiameterCm,
		UnityUnitsPerPulse: cfg.Encoder.UnityUnitsPerPulse,
	})
	if err != nil {
		return nil, err
	}
	ttl, err := device.NewTTL(device.TTLConfig{
		ModuleID:        cfg.TTL.ModuleID,
		ReportPulses:    cfg.TTL.ReportPulses,
		PulseDurationUs: cfg.TTL.PulseDurationUs,
		BlipFilterUs:    cfg.TTL.BlipFilterUs,
	})
	if err != nil {
		return nil, err
	}
	brk, err := device.NewBreak(device.BreakConfig{
		ModuleID:            cfg.Break.ModuleID,
		MinimumTorqueGramCm: cfg.Break.MinimumTorqueGramCm,
		MaximumTorqueGramCm: cfg.Break.MaximumTorqueGramCm,
	})
	if err != nil {
		return nil, err
	}
	torque, err := device.NewTorque(device.TorqueConfig{
		ModuleID:      cfg.Torque.ModuleID,
		CapacityNcm:   cfg.Torque.CapacityNcm,
		BaselineVolt:  cfg.Torque.BaselineVolt,
		MaxVolt:       cfg.Torque.MaxVolt,
		LeverRadiusCm: cfg.Torque.LeverRadiusCm,
	})
	if err != nil {
		return nil, err
	}
	screen, err := device.NewScreen(device.ScreenConfig{
		ModuleID:    cfg.Screen.ModuleID,
		InitiallyOn: cfg.Screen.InitiallyOn,
	})
	if err != nil {
		return nil, err
	}

	return &rigModules{
		valve: valve, lick: lick, encoder: encoder, ttl: ttl, brk: brk, torque: torque, screen: screen,
		all: []device.Interface{valve, lick, encoder, ttl, brk, torque, screen},
	}, nil
}

func (m *rigModules) close() {
	for _, mod := range m.all {
		if err := mod.Close(); err != nil {
			log.Printf("module %d-%d close: %v", mod.ModuleType(), mod.ModuleID(), err)
		}
	}
}

func runSession(mode string) error {
	cfg, err := rigconfig.Load(configFile)
	if err != nil {
		return err
	}
	if animalID == "" {
		return errors.New("--animal is required for sessions")
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return err
	}
	defer reg.Close()

	runID, err := reg.BeginRun(animalID, mode)
	if err != nil {
		return err
	}
	runDir := filepath.Join(cfg.Logger.Root, runID)
	log.Printf("session %s: mode %s, animal %s", runID, mode, animalID)

	modules, err := buildModules(cfg)
	if err != nil {
		return err
	}
	defer modules.close()

	logger, err := eventlog.New(runDir, fmt.Sprintf("amc%d", cfg.Controller.ID),
		cfg.Logger.QueueDepth, cfg.Logger.CompressionThreads)
	if err != nil {
		return err
	}
	if err := logger.Start(); err != nil {
		return err
	}

	var bridge *bus.Bridge
	if cfg.Bus.Enabled {
		bridge = bus.New(bus.Config{PubAddr: cfg.Bus.PubAddr, SubAddr: cfg.Bus.SubAddr})
	}

	ctrl, err := controller.New(controller.Config{
		ID:                cfg.Controller.ID,
		PortName:          cfg.Controller.Port,
		Baud:              cfg.Controller.Baud,
		BufferSize:        cfg.Controller.BufferSize,
		KeepaliveInterval: time.Duration(cfg.Controller.KeepaliveMs) * time.Millisecond,
		IdentifyTimeout:   time.Duration(cfg.Controller.IdentifyTimeoutMs) * time.Millisecond,
	}, logger, bridge, modules.all)
	if err != nil {
		logger.Stop()
		return err
	}

	ctx := context.Background()
	if bridge != nil {
		if err := bridge.Start(ctx); err != nil {
			logger.Stop()
			return err
		}
		defer bridge.Stop()
	}

	if err := ctrl.Start(ctx); err != nil {
		logger.Stop()
		return &exitError{code: exitHardwareFault, err: err}
	}
	if err := ctrl.Unlock(); err != nil {
		ctrl.Stop()
		logger.Stop()
		return &exitError{code: exitHardwareFault, err: err}
	}

	var feed *live.Feed
	if cfg.Live.Enabled {
		feed = live.New(live.Config{
			Addr:     cfg.Live.Addr,
			Interval: time.Duration(cfg.Live.IntervalMs) * time.Millisecond,
		}, func() map[string]float64 {
			return map[string]float64{
				"lick_count":     float64(modules.lick.LickCount()),
				"dispensed_ul":   modules.valve.DispensedUl(),
				"speed_cm_s":     modules.encoder.SpeedCmS(),
				"ttl_input_high": boolToFloat(modules.ttl.InputHigh()),
			}
		})
		if err := feed.Start(); err != nil {
			log.Printf("live feed unavailable: %v", err)
			feed = nil
		} else {
			defer feed.Stop()
		}
	}

	if err := enableMonitoring(mode, modules); err != nil {
		ctrl.Stop()
		logger.Stop()
		return &exitError{code: exitHardwareFault, err: err}
	}

	// Run until the operator interrupts or the link faults.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	aborted := false
	faultCheck := time.NewTicker(250 * time.Millisecond)
	defer faultCheck.Stop()

loop:
	for {
		select {
		case sig := <-sigChan:
			log.Printf("received signal %v, ending session", sig)
			aborted = true
			break loop
		case <-faultCheck.C:
			if ctrl.Faulted() {
				break loop
			}
		}
	}
	faulted := ctrl.Faulted()

	dispensed := modules.valve.DispensedUl()
	licks := modules.lick.LickCount()

	if err := ctrl.Stop(); err != nil {
		log.Printf("controller stop: %v", err)
	}
	if err := logger.Stop(); err != nil {
		log.Printf("logger stop: %v", err)
	}

	archivePath, err := logger.CompressLogs(true, true, true)
	if err != nil {
		return &exitError{code: exitIntegrity, err: err}
	}
	if err := reg.FinishRun(runID, archivePath, dispensed, licks); err != nil {
		log.Printf("registry update: %v", err)
	}

	log.Printf("session %s complete: %.1f ul dispensed, %d licks, archive %s",
		runID, dispensed, licks, archivePath)

	if faulted {
		return &exitError{code: exitHardwareFault, err: errors.New("controller faulted during session")}
	}
	if aborted {
		return &exitError{code: exitUserAbort, err: errors.New("session aborted by operator")}
	}
	return nil
}

// enableMonitoring arms the per-mode sensor set.
func enableMonitoring(mode string, m *rigModules) error {
	if err := m.lick.CheckState(0); err != nil {
		return err
	}
	switch mode {
	case "lick-train":
		// Wheel locked, no locomotion tracking needed.
		if err := m.brk.Toggle(true); err != nil {
			return err
		}
	case "run-train":
		if err := m.brk.Toggle(false); err != nil {
			return err
		}
		if err := m.encoder.CheckState(0); err != nil {
			return err
		}
	case "run-experiment":
		if err := m.brk.Toggle(false); err != nil {
			return err
		}
		if err := m.encoder.CheckState(0); err != nil {
			return err
		}
		if err := m.torque.CheckState(0); err != nil {
			return err
		}
		if err := m.ttl.CheckState(0); err != nil {
			return err
		}
	}
	return nil
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	cfg, err := rigconfig.Load(configFile)
	if err != nil {
		return err
	}

	modules, err := buildModules(cfg)
	if err != nil {
		return err
	}
	defer modules.close()

	logger, err := eventlog.New(filepath.Join(cfg.Logger.Root, "maintenance"),
		fmt.Sprintf("amc%d", cfg.Controller.ID), cfg.Logger.QueueDepth, cfg.Logger.CompressionThreads)
	if err != nil {
		return err
	}
	if err := logger.Start(); err != nil {
		return err
	}
	defer logger.Stop()

	ctrl, err := controller.New(controller.Config{
		ID:       cfg.Controller.ID,
		PortName: cfg.Controller.Port,
		Baud:     cfg.Controller.Baud,
	}, logger, nil, modules.all)
	if err != nil {
		return err
	}
	if err := ctrl.Start(context.Background()); err != nil {
		return &exitError{code: exitHardwareFault, err: err}
	}
	defer ctrl.Stop()
	if err := ctrl.Unlock(); err != nil {
		return &exitError{code: exitHardwareFault, err: err}
	}

	switch {
	case maintOpen:
		if err := modules.valve.Toggle(true); err != nil {
			return &exitError{code: exitHardwareFault, err: err}
		}
		log.Println("valve locked open")
	case maintClose:
		if err := modules.valve.Toggle(false); err != nil {
			return &exitError{code: exitHardwareFault, err: err}
		}
		log.Println("valve locked closed")
	case maintCalibrate > 0:
		if err := modules.valve.Calibrate(maintCalibrate); err != nil {
			return &exitError{code: exitHardwareFault, err: err}
		}
		log.Printf("calibration cycle started at %d us per pulse", maintCalibrate)
	default:
		return errors.New("maintenance requires one of --open, --close, --calibrate")
	}

	if maintHoldSec > 0 {
		time.Sleep(time.Duration(maintHoldSec) * time.Second)
	}
	return nil
}

func runExtractLogs(cmd *cobra.Command, args []string) error {
	cfg, err := rigconfig.Load(configFile)
	if err != nil {
		return err
	}

	outDir := extractOut
	if outDir == "" {
		outDir = filepath.Dir(extractArchive)
	}

	modules, err := buildModules(cfg)
	if err != nil {
		return err
	}
	defer modules.close()

	paths, err := extract.ExtractToCSV(extractArchive, outDir, cfg.Controller.ID, modules.all)
	if err != nil {
		return &exitError{code: exitIntegrity, err: err}
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
