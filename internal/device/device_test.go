package device

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/neurorig/rig-controller/internal/codec"
	"github.com/neurorig/rig-controller/internal/timing"
)

// referenceCalibration is the bench dataset used across the valve tests.
var referenceCalibration = []timing.CalibrationSample{
	{PulseUs: 15000, VolumeUl: 1.10},
	{PulseUs: 30000, VolumeUl: 3.00},
	{PulseUs: 45000, VolumeUl: 6.25},
	{PulseUs: 60000, VolumeUl: 10.90},
}

// fakeSink records submitted commands for assertions.
type fakeSink struct {
	commands []codec.Command
}

func (s *fakeSink) Submit(cmd codec.Command) error {
	s.commands = append(s.commands, cmd)
	return nil
}

// u16Msg builds an inbound data message carrying one uint16 sample.
func u16Msg(moduleType, moduleID, event uint8, value uint16) *codec.Message {
	proto, _ := codec.PrototypeID(codec.KindUint16, 1)
	obj := make([]byte, 2)
	binary.LittleEndian.PutUint16(obj, value)
	return &codec.Message{
		Protocol: codec.ProtocolModuleData, ModuleType: moduleType, ModuleID: moduleID,
		Event: event, Prototype: proto, Object: obj,
	}
}

// u16Event builds a logged uint16 event for extraction tests.
func u16Event(ts uint64, value uint16) LoggedEvent {
	proto, _ := codec.PrototypeID(codec.KindUint16, 1)
	obj := make([]byte, 2)
	binary.LittleEndian.PutUint16(obj, value)
	return LoggedEvent{TimestampUs: ts, Prototype: proto, Object: obj}
}

// u32Event builds a logged uint32 event for extraction tests.
func u32Event(ts uint64, value uint32) LoggedEvent {
	proto, _ := codec.PrototypeID(codec.KindUint32, 1)
	obj := make([]byte, 4)
	binary.LittleEndian.PutUint32(obj, value)
	return LoggedEvent{TimestampUs: ts, Prototype: proto, Object: obj}
}

// stateMsg builds an inbound state message.
func stateMsg(moduleType, moduleID, event uint8) *codec.Message {
	return &codec.Message{
		Protocol: codec.ProtocolModuleState, ModuleType: moduleType, ModuleID: moduleID, Event: event,
	}
}

func stateEvent(ts uint64) LoggedEvent {
	return LoggedEvent{TimestampUs: ts}
}

// TestValveRewardAccounting is the reward-accounting end-to-end scenario: a
// single 5 ul dispense must move the tracker from 0 to ~5 ul once the valve
// reports closed.
func TestValveRewardAccounting(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	valve, err := NewValve(ValveConfig{Calibration: referenceCalibration})
	if err != nil {
		t.Fatalf("NewValve failed: %v", err)
	}
	defer valve.Close()

	sink := &fakeSink{}
	valve.BindCommands(sink)
	if err := valve.InitializeRemoteAssets(&Runtime{}); err != nil {
		t.Fatalf("InitializeRemoteAssets failed: %v", err)
	}
	defer valve.TerminateRemoteAssets()

	if err := valve.DispenseVolume(5.0, false); err != nil {
		t.Fatalf("DispenseVolume failed: %v", err)
	}

	// Parameters first (new volume), then the pulse command.
	if len(sink.commands) != 2 {
		t.Fatalf("dispense submitted %d commands, want 2", len(sink.commands))
	}
	if _, ok := sink.commands[0].(codec.ParameterCommand); !ok {
		t.Errorf("first command is %T, want ParameterCommand", sink.commands[0])
	}
	pulseCmd, ok := sink.commands[1].(codec.OneOffCommand)
	if !ok || pulseCmd.Command != valveCmdPulse {
		t.Errorf("second command is %#v, want one-off pulse", sink.commands[1])
	}

	if v := valve.DispensedUl(); v != 0 {
		t.Fatalf("tracker non-zero before any valve events: %g", v)
	}

	// Simulate the firmware actuating the valve for the computed pulse
	// duration.
	pulseUs, err := valve.PulseDurationForVolume(5.0)
	if err != nil {
		t.Fatalf("PulseDurationForVolume failed: %v", err)
	}
	hold := timing.NewTimer()
	valve.ProcessReceivedData(stateMsg(TypeValve, 1, EventValveOpen))
	hold.DelayBlocking(uint64(pulseUs))
	valve.ProcessReceivedData(stateMsg(TypeValve, 1, EventValveClosed))

	got := valve.DispensedUl()
	if math.Abs(got-5.0)/5.0 > 0.01 {
		t.Errorf("dispensed %g ul, want 5.0 within 1%%", got)
	}

	// Repeating the same volume skips the parameter resend.
	sink.commands = nil
	if err := valve.DispenseVolume(5.0, false); err != nil {
		t.Fatalf("second DispenseVolume failed: %v", err)
	}
	if len(sink.commands) != 1 {
		t.Errorf("repeat dispense submitted %d commands, want 1", len(sink.commands))
	}
}

// TestValveVolumeBoundary checks that dispensing fails exactly below the
// minimum calibrated volume.
func TestValveVolumeBoundary(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	valve, err := NewValve(ValveConfig{Calibration: referenceCalibration, MinPulseUs: 10_000})
	if err != nil {
		t.Fatalf("NewValve failed: %v", err)
	}
	defer valve.Close()
	valve.BindCommands(&fakeSink{})

	minVolume := valve.ScaleCoefficient() * math.Pow(10_000, valve.NonlinearityExponent())

	if err := valve.DispenseVolume(minVolume*0.99, true); !errors.Is(err, ErrVolumeTooSmall) {
		t.Errorf("below-minimum dispense returned %v, want ErrVolumeTooSmall", err)
	}
	if err := valve.DispenseVolume(minVolume*1.01, true); err != nil {
		t.Errorf("above-minimum dispense failed: %v", err)
	}
}

func TestValveParseLoggedData(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	valve, err := NewValve(ValveConfig{Calibration: referenceCalibration})
	if err != nil {
		t.Fatalf("NewValve failed: %v", err)
	}
	defer valve.Close()

	a, b := valve.ScaleCoefficient(), valve.NonlinearityExponent()
	events := EventLog{
		EventValveOpen:   {stateEvent(1000), stateEvent(100_000)},
		EventValveClosed: {stateEvent(31_000), stateEvent(130_000)},
	}

	table, err := valve.ParseLoggedData(events)
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	wantFirst := a * math.Pow(30_000, b)
	wantSecond := wantFirst + a*math.Pow(30_000, b)
	wantTs := []uint64{0, 31_000, 130_000}
	wantVol := []float64{0, timing.Round8(wantFirst), timing.Round8(wantSecond)}

	if len(table.Timestamps) != len(wantTs) {
		t.Fatalf("got %d rows, want %d", len(table.Timestamps), len(wantTs))
	}
	volumes := table.Columns[0].Floats
	for i := range wantTs {
		if table.Timestamps[i] != wantTs[i] {
			t.Errorf("row %d timestamp %d, want %d", i, table.Timestamps[i], wantTs[i])
		}
		if math.Abs(volumes[i]-wantVol[i]) > 1e-6 {
			t.Errorf("row %d volume %g, want %g", i, volumes[i], wantVol[i])
		}
	}

	// Determinism: a second run yields identical output.
	again, err := valve.ParseLoggedData(events)
	if err != nil {
		t.Fatalf("second ParseLoggedData failed: %v", err)
	}
	for i := range volumes {
		if again.Columns[0].Floats[i] != volumes[i] || again.Timestamps[i] != table.Timestamps[i] {
			t.Fatal("ParseLoggedData is not deterministic")
		}
	}
}

func TestValveParseNoOpens(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	valve, err := NewValve(ValveConfig{Calibration: referenceCalibration})
	if err != nil {
		t.Fatalf("NewValve failed: %v", err)
	}
	defer valve.Close()

	table, err := valve.ParseLoggedData(EventLog{
		EventValveClosed: {stateEvent(777)},
	})
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}
	if len(table.Timestamps) != 2 || table.Timestamps[1] != 777 {
		t.Fatalf("rows %v, want onset row plus zero row at 777", table.Timestamps)
	}
	if v := table.Columns[0].Floats[1]; v != 0 {
		t.Errorf("zero-volume row reports %g", v)
	}
}

// TestLickDebouncing is the lick-debouncing scenario: the reference ADC
// sequence must produce exactly two counted licks.
func TestLickDebouncing(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick, err := NewLick(LickConfig{LickThreshold: 1000})
	if err != nil {
		t.Fatalf("NewLick failed: %v", err)
	}
	defer lick.Close()
	if err := lick.InitializeRemoteAssets(&Runtime{}); err != nil {
		t.Fatalf("InitializeRemoteAssets failed: %v", err)
	}

	for _, adc := range []uint16{0, 1200, 1500, 1400, 0, 1800, 0, 500} {
		lick.ProcessReceivedData(u16Msg(TypeLick, 1, EventLickVoltageChanged, adc))
	}

	if count := lick.LickCount(); count != 2 {
		t.Errorf("lick count %d, want 2", count)
	}
}

func TestLickParseLoggedData(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick, err := NewLick(LickConfig{LickThreshold: 1000})
	if err != nil {
		t.Fatalf("NewLick failed: %v", err)
	}
	defer lick.Close()

	events := EventLog{EventLickVoltageChanged: {
		u16Event(10, 0), u16Event(20, 1200), u16Event(30, 800), u16Event(40, 1000),
	}}
	table, err := lick.ParseLoggedData(events)
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	wantStates := []int64{0, 1, 0, 1} // threshold is inclusive
	states := table.Columns[1].Ints
	for i, want := range wantStates {
		if states[i] != want {
			t.Errorf("row %d state %d, want %d", i, states[i], want)
		}
	}
	if table.Columns[0].Ints[1] != 1200 {
		t.Errorf("adc column row 1 is %d, want 1200", table.Columns[0].Ints[1])
	}
}

// TestTTLStartBlipFilter is the start-blip scenario: a 5 ms first pulse is
// dropped, later rising edges survive.
func TestTTLStartBlipFilter(t *testing.T) {
	ttl, err := NewTTL(TTLConfig{})
	if err != nil {
		t.Fatalf("NewTTL failed: %v", err)
	}
	defer ttl.Close()

	events := EventLog{
		EventTTLInputOn:  {stateEvent(1000), stateEvent(100_000), stateEvent(300_000)},
		EventTTLInputOff: {stateEvent(6000), stateEvent(200_000), stateEvent(400_000)},
	}
	table, err := ttl.ParseLoggedData(events)
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	want := []uint64{100_000, 300_000}
	if len(table.Timestamps) != len(want) {
		t.Fatalf("rising edges %v, want %v", table.Timestamps, want)
	}
	for i := range want {
		if table.Timestamps[i] != want[i] {
			t.Errorf("edge %d at %d, want %d", i, table.Timestamps[i], want[i])
		}
	}
}

func TestTTLWideFirstPulseKept(t *testing.T) {
	ttl, err := NewTTL(TTLConfig{BlipFilterUs: 10_000})
	if err != nil {
		t.Fatalf("NewTTL failed: %v", err)
	}
	defer ttl.Close()

	table, err := ttl.ParseLoggedData(EventLog{
		EventTTLInputOn:  {stateEvent(1000)},
		EventTTLInputOff: {stateEvent(12_000)},
	})
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}
	if len(table.Timestamps) != 1 || table.Timestamps[0] != 1000 {
		t.Errorf("rising edges %v, want [1000]", table.Timestamps)
	}
}

// TestEncoderCumulativePosition is the cumulative-position scenario.
func TestEncoderCumulativePosition(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	enc, err := NewEncoder(EncoderConfig{PPR: 8192, WheelDiameterCm: 15.0333})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	defer enc.Close()

	cpp := enc.CmPerPulse()
	if want := timing.Round8(math.Pi * 15.0333 / 8192); cpp != want {
		t.Fatalf("cm per pulse %g, want %g", cpp, want)
	}

	events := EventLog{
		EventEncoderCCW: {u32Event(0, 0), u32Event(10, 100)},
		EventEncoderCW:  {u32Event(20, 50)},
	}
	table, err := enc.ParseLoggedData(events)
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	want := []float64{0, timing.Round8(100 * cpp), timing.Round8(100*cpp - 50*cpp)}
	positions := table.Columns[0].Floats
	if len(positions) != len(want) {
		t.Fatalf("got %d rows, want %d", len(positions), len(want))
	}
	for i := range want {
		if math.Abs(positions[i]-want[i]) > 1e-9 {
			t.Errorf("row %d position %g, want %g", i, positions[i], want[i])
		}
	}
}

func TestEncoderSingleDirectionSynthesis(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	enc, err := NewEncoder(EncoderConfig{})
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	defer enc.Close()

	table, err := enc.ParseLoggedData(EventLog{
		EventEncoderCCW: {u32Event(500, 10), u32Event(600, 5)},
	})
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	// The synthesized CW entry sits 1 us after the first CCW entry with zero
	// pulses, leaving the position series unchanged in value.
	if len(table.Timestamps) != 3 {
		t.Fatalf("rows %v, want 3 entries", table.Timestamps)
	}
	if table.Timestamps[1] != 501 {
		t.Errorf("synthesized entry at %d, want 501", table.Timestamps[1])
	}
	positions := table.Columns[0].Floats
	if positions[0] != positions[1] {
		t.Errorf("synthesized entry changed position: %g -> %g", positions[0], positions[1])
	}
}

// TestScreenStateReconstruction is the screen-state scenario.
func TestScreenStateReconstruction(t *testing.T) {
	screen, err := NewScreen(ScreenConfig{})
	if err != nil {
		t.Fatalf("NewScreen failed: %v", err)
	}
	defer screen.Close()

	events := EventLog{
		EventScreenOn:  {stateEvent(100), stateEvent(200)},
		EventScreenOff: {stateEvent(150), stateEvent(250)},
	}
	table, err := screen.ParseLoggedData(events)
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	wantTs := []uint64{0, 100, 200}
	wantStates := []int64{0, 1, 0}
	if len(table.Timestamps) != len(wantTs) {
		t.Fatalf("rows %v, want %v", table.Timestamps, wantTs)
	}
	for i := range wantTs {
		if table.Timestamps[i] != wantTs[i] || table.Columns[0].Ints[i] != wantStates[i] {
			t.Errorf("row %d (%d, %d), want (%d, %d)",
				i, table.Timestamps[i], table.Columns[0].Ints[i], wantTs[i], wantStates[i])
		}
	}
}

func TestBreakTorqueMapping(t *testing.T) {
	brk, err := NewBreak(BreakConfig{})
	if err != nil {
		t.Fatalf("NewBreak failed: %v", err)
	}
	defer brk.Close()

	if got := brk.TorqueFromPWM(0); got != brk.MinTorqueNcm() {
		t.Errorf("PWM 0 maps to %g, want %g", got, brk.MinTorqueNcm())
	}
	if got := brk.TorqueFromPWM(255); got != brk.MaxTorqueNcm() {
		t.Errorf("PWM 255 maps to %g, want %g", got, brk.MaxTorqueNcm())
	}
	mid := brk.TorqueFromPWM(128)
	if back := brk.PWMFromTorque(mid); back != 128 {
		t.Errorf("round trip of PWM 128 gives %d", back)
	}

	table, err := brk.ParseLoggedData(EventLog{
		EventBreakEngaged:    {stateEvent(100)},
		EventBreakDisengaged: {stateEvent(200)},
	})
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}
	torques := table.Columns[0].Floats
	if torques[0] != brk.MaxTorqueNcm() || torques[1] != brk.MinTorqueNcm() {
		t.Errorf("torque rows %v, want [max min]", torques)
	}
}

func TestTorqueSignedExtraction(t *testing.T) {
	trq, err := NewTorque(TorqueConfig{})
	if err != nil {
		t.Fatalf("NewTorque failed: %v", err)
	}
	defer trq.Close()

	table, err := trq.ParseLoggedData(EventLog{
		EventTorqueCCW: {u16Event(10, 100)},
		EventTorqueCW:  {u16Event(20, 200)},
	})
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}

	perADC := trq.TorquePerADC()
	torques := table.Columns[0].Floats
	if math.Abs(torques[0]-timing.Round8(100*perADC)) > 1e-9 {
		t.Errorf("ccw torque %g, want %g", torques[0], 100*perADC)
	}
	if torques[1] >= 0 {
		t.Errorf("cw torque %g, want negative", torques[1])
	}
}

func TestAnalogPassthrough(t *testing.T) {
	analog, err := NewAnalog(AnalogConfig{})
	if err != nil {
		t.Fatalf("NewAnalog failed: %v", err)
	}
	defer analog.Close()

	table, err := analog.ParseLoggedData(EventLog{
		EventAnalogNonzero: {u16Event(5, 2048), u16Event(15, 4095)},
	})
	if err != nil {
		t.Fatalf("ParseLoggedData failed: %v", err)
	}
	if table.Columns[0].Ints[0] != 2048 || table.Columns[0].Ints[1] != 4095 {
		t.Errorf("adc rows %v, want [2048 4095]", table.Columns[0].Ints)
	}
}

// TestCheckStateAppliesParametersOnce verifies the configure-then-monitor
// sequence shared by the sensor interfaces.
func TestCheckStateAppliesParametersOnce(t *testing.T) {
	t.Setenv("RIG_SHM_DIR", t.TempDir())

	lick, err := NewLick(LickConfig{})
	if err != nil {
		t.Fatalf("NewLick failed: %v", err)
	}
	defer lick.Close()

	sink := &fakeSink{}
	lick.BindCommands(sink)

	if err := lick.CheckState(0); err != nil {
		t.Fatalf("first CheckState failed: %v", err)
	}
	if err := lick.CheckState(0); err != nil {
		t.Fatalf("second CheckState failed: %v", err)
	}

	// Parameters once, then two repeated commands.
	if len(sink.commands) != 3 {
		t.Fatalf("submitted %d commands, want 3", len(sink.commands))
	}
	if _, ok := sink.commands[0].(codec.ParameterCommand); !ok {
		t.Errorf("first command is %T, want ParameterCommand", sink.commands[0])
	}
	for i := 1; i < 3; i++ {
		rep, ok := sink.commands[i].(codec.RepeatedCommand)
		if !ok || rep.CycleDelayUs == 0 {
			t.Errorf("command %d is %#v, want repeated with non-zero delay", i, sink.commands[i])
		}
	}
}
