package calibration

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/sdr"
)

func newBench(t *testing.T, sc sdr.SimConfig) (*sdr.Simulator, *Calibrator) {
	t.Helper()
	sim, err := sdr.NewSimulator(sc)
	if err != nil {
		t.Fatalf("NewSimulator: %v", err)
	}
	ctx := context.Background()
	if err := sim.Init(ctx, sdr.Config{NumSamples: 256, RxGain0: 20, RxGain1: 20}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p, err := beamformer.Open(ctx, sim, sim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	p.Averages = 1
	return sim, New(p, sim)
}

func TestSweepPhases(t *testing.T) {
	ph := SweepPhases(beamformer.DefaultPhaseStep)
	if len(ph) != 128 || ph[0] != -180 || ph[127] != 177.1875 {
		t.Fatalf("got %d phases, first %g last %g", len(ph), ph[0], ph[len(ph)-1])
	}
	if SweepPhases(0) != nil {
		t.Fatal("zero step should give no phases")
	}
}

func TestFindPeakBin(t *testing.T) {
	_, c := newBench(t, sdr.DefaultSimConfig())
	bin, err := c.FindPeakBin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 100 kHz at 30 MS/s over 256 points lands one bin above DC
	if bin != 129 {
		t.Fatalf("peak bin = %d, want 129", bin)
	}
}

func TestChannelCalibration(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.ChannelGainDB = [2]float64{2.5, 0}
	sim, c := newBench(t, sc)
	ctx := context.Background()
	m, err := c.ChannelCalibration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m-2.5) > 0.05 {
		t.Fatalf("mismatch = %g dB, want 2.5", m)
	}
	if c.Phaser.CCal[0] != 0 || math.Abs(c.Phaser.CCal[1]-2.5) > 0.05 {
		t.Fatalf("ccal = %v", c.Phaser.CCal)
	}
	if err := c.Phaser.SetRxHardwareGain(ctx, 10, true); err != nil {
		t.Fatal(err)
	}
	if sim.RxHardwareGain(0) != 10 || sim.RxHardwareGain(1) != 12 {
		t.Fatalf("calibrated gains %g %g", sim.RxHardwareGain(0), sim.RxHardwareGain(1))
	}
}

func TestGainCalibration(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.ElementGain = [8]float64{1, 0.9, 1.1, 0.8, 1, 1.2, 0.95, 1}
	_, c := newBench(t, sc)
	spectra, err := c.GainCalibration(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(spectra) != beamformer.NumElements || len(spectra[0]) != 256 {
		t.Fatalf("spectra shape %d x %d", len(spectra), len(spectra[0]))
	}
	for k, g := range sc.ElementGain {
		want := 0.8 / g
		if math.Abs(c.Phaser.GCal[k]-want) > 0.01 {
			t.Errorf("gcal[%d] = %g, want %g", k, c.Phaser.GCal[k], want)
		}
	}
}

func TestGetSignalLevelsLeavesCalibration(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.ElementGain = [8]float64{1, 0.5, 1, 1, 1, 1, 1, 1}
	_, c := newBench(t, sc)
	c.Phaser.GCal[3] = 0.7
	levels, err := c.GetSignalLevels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r := levels[1] / levels[0]; math.Abs(r-0.5) > 0.01 {
		t.Fatalf("level ratio = %g", r)
	}
	if c.Phaser.GCal[3] != 0.7 {
		t.Fatal("calibration changed")
	}
}

func TestPhaseCalibrationRecoversOffsets(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	// offsets on the phase step grid so every null is exact
	sc.ElementPhase = [8]float64{0, 11.25, -22.5, 28.125, 5.625, -14.0625, 39.375, 0}
	_, c := newBench(t, sc)
	ctx := context.Background()
	phases, curves, err := c.PhaseCalibration(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(phases) != 128 || len(curves) != 7 {
		t.Fatalf("got %d phases and %d curves", len(phases), len(curves))
	}
	for k, e := range sc.ElementPhase {
		want := dsp.ToSup(dsp.WrapPhase360(sc.ElementPhase[0] - e))
		if math.Abs(c.Phaser.PCal[k]-want) > 0.5 {
			t.Errorf("pcal[%d] = %g, want %g", k, c.Phaser.PCal[k], want)
		}
	}

	pat, err := c.BeamSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if peak := pat.PhaseValues[pat.Peak()]; math.Abs(peak) > 1e-9 {
		t.Fatalf("calibrated array peaks at phase delta %g, want 0", peak)
	}
}

func TestCalibrateBuildsProfile(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.ElementGain = [8]float64{1, 0.9, 1, 1, 1.1, 1, 1, 1}
	sc.ElementPhase = [8]float64{0, 22.5, 0, 0, -11.25, 0, 0, 0}
	_, c := newBench(t, sc)
	c.Phaser.PCal[5] = 90

	prof, err := c.Calibrate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if prof.ID == "" {
		t.Fatal("profile has no id")
	}
	if err := prof.Validate(); err != nil {
		t.Fatal(err)
	}
	if math.Abs(prof.CCal[0]) > 0.05 || math.Abs(prof.CCal[1]) > 0.05 {
		t.Fatalf("ccal = %v", prof.CCal)
	}
	if want := 0.9 / 1.1; math.Abs(prof.GCal[4]-want) > 0.01 {
		t.Fatalf("gcal[4] = %g, want %g", prof.GCal[4], want)
	}
	if math.Abs(prof.PCal[1]+22.5) > 0.5 || math.Abs(prof.PCal[4]-11.25) > 0.5 {
		t.Fatalf("pcal = %v", prof.PCal)
	}
	// the stale offset is cleared before calibrating
	if math.Abs(prof.PCal[5]) > 0.5 {
		t.Fatalf("pcal[5] = %g", prof.PCal[5])
	}
}

func TestBeamSweepFindsEmitter(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.ArrivalAngle = 15
	sim, c := newBench(t, sc)
	pat, err := c.BeamSweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n := len(pat.PhaseValues)
	for name, s := range map[string][]float64{"gain": pat.Gain, "delta": pat.Delta, "angle": pat.Angle, "diff": pat.DiffError, "phase": pat.BeamPhase} {
		if len(s) != n {
			t.Fatalf("%s has %d values, want %d", name, len(s), n)
		}
	}
	if got := pat.Angle[pat.Peak()]; math.Abs(got-15) > 2 {
		t.Fatalf("peak at %g degrees, want 15", got)
	}
	for i, e := range pat.DiffError {
		if math.Abs(e) < 0.01 {
			t.Fatalf("diff error %d = %g inside the dead zone", i, e)
		}
	}
	if len(pat.Freqs) != 256 || len(pat.MaxGain) != 256 {
		t.Fatalf("spectrum lengths %d %d", len(pat.Freqs), len(pat.MaxGain))
	}
	if pat.Freqs[128] != 0 {
		t.Fatalf("centre frequency %g", pat.Freqs[128])
	}
	if sim.RxReads() != n {
		t.Fatalf("rx reads = %d, want %d", sim.RxReads(), n)
	}
}

func TestTargetError(t *testing.T) {
	tests := []struct {
		sum, delta, angle, want float64
	}{
		{-10, -30, 5, 0.01},
		{-10, -30, -5, -0.01},
		{-30, -10, 5, 1},
		{-30, -10, -5, -1},
		{-10, -30, 0, 0.01},
	}
	for _, tt := range tests {
		if got := targetError(tt.sum, tt.delta, tt.angle); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("targetError(%g, %g, %g) = %g, want %g", tt.sum, tt.delta, tt.angle, got, tt.want)
		}
	}
}

func TestFindHB100(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.SourceFreq = 10.4253e9
	_, c := newBench(t, sc)
	s := DefaultHB100Search()
	s.Start, s.Stop = 10.3e9, 10.5e9
	res, err := c.FindHB100(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Freq-sc.SourceFreq) > 120e3 {
		t.Fatalf("found %g Hz, want %g", res.Freq, sc.SourceFreq)
	}
	if c.Phaser.SignalFreq != res.Freq {
		t.Fatalf("signal frequency %g not retuned", c.Phaser.SignalFreq)
	}
	if _, err := c.FindHB100(context.Background(), HB100Search{Start: 1, Stop: 0, Step: 1}); err == nil {
		t.Fatal("expected span error")
	}
}

func TestFindHB100MirroredBaseband(t *testing.T) {
	sc := sdr.DefaultSimConfig()
	sc.SourceFreq = 10.45e9
	_, c := newBench(t, sc)
	// one step tuned 2 MHz above the emitter puts it at +2 MHz baseband
	s := DefaultHB100Search()
	s.Start, s.Stop, s.Step = sc.SourceFreq+2e6, sc.SourceFreq+3e6, 1e6
	res, err := c.FindHB100(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Freq-sc.SourceFreq) > 120e3 {
		t.Fatalf("found %g Hz, want %g", res.Freq, sc.SourceFreq)
	}
}

func TestHB100File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb100.yaml")
	f, err := LoadHB100(path)
	if err != nil || f != DefaultHB100Freq {
		t.Fatalf("missing file: %g, %v", f, err)
	}
	if err := SaveHB100(path, 10.4253e9); err != nil {
		t.Fatal(err)
	}
	if f, err = LoadHB100(path); err != nil || f != 10.4253e9 {
		t.Fatalf("reloaded %g, %v", f, err)
	}
}

func TestProfilePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.yaml")
	def, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if def.GCal[5] != 1 || def.PCal[5] != 0 {
		t.Fatalf("default profile %+v", def)
	}

	_, c := newBench(t, sdr.DefaultSimConfig())
	c.Phaser.GCal[2] = 0.75
	c.Phaser.PCal[6] = -33.75
	c.Phaser.CCal = [2]float64{0, 1.5}
	pr := ProfileFrom(c.Phaser)
	if pr.ID == "" {
		t.Fatal("profile has no id")
	}
	if err := pr.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != pr.ID || got.GCal[2] != 0.75 || got.PCal[6] != -33.75 || got.CCal != pr.CCal {
		t.Fatalf("reloaded %+v", got)
	}

	c.Phaser.ResetCalibration()
	if err := got.Apply(c.Phaser); err != nil {
		t.Fatal(err)
	}
	if c.Phaser.GCal[2] != 0.75 || c.Phaser.CCal[1] != 1.5 {
		t.Fatal("profile not applied")
	}

	bad := DefaultProfile()
	bad.GCal = bad.GCal[:3]
	if err := bad.Apply(c.Phaser); err == nil {
		t.Fatal("expected validation error")
	}
}
