package sdr

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/dsp"
)

func newSimPhaser(t *testing.T, sc SimConfig) (*Simulator, *beamformer.Phaser) {
	t.Helper()
	sim, err := NewSimulator(sc)
	if err != nil {
		t.Fatalf("NewSimulator: %v", err)
	}
	if err := sim.Init(context.Background(), Config{NumSamples: 1024, RxGain0: 20, RxGain1: 20}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	p, err := beamformer.Open(context.Background(), sim, sim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sim, p
}

func power(x []complex64) float64 {
	var p float64
	for _, v := range x {
		a := cmplx.Abs(complex128(v))
		p += a * a
	}
	return p / float64(len(x))
}

func rxSumPower(t *testing.T, s *Simulator) float64 {
	t.Helper()
	a, b, err := s.RX(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sum := make([]complex64, len(a))
	for i := range a {
		sum[i] = a[i] + b[i]
	}
	return power(sum)
}

func TestSimulatorBeamPeaksAtArrivalAngle(t *testing.T) {
	sc := DefaultSimConfig()
	sc.ArrivalAngle = 20
	sim, p := newSimPhaser(t, sc)
	ctx := context.Background()

	steer := dsp.SteerPhase(20, sc.SourceFreq, sc.ElementSpacing)
	if err := p.SetBeamPhaseDiff(ctx, steer); err != nil {
		t.Fatal(err)
	}
	onTarget := rxSumPower(t, sim)
	if err := p.SetBeamPhaseDiff(ctx, 0); err != nil {
		t.Fatal(err)
	}
	boresight := rxSumPower(t, sim)
	if onTarget < 4*boresight {
		t.Fatalf("steered power %g not well above boresight %g", onTarget, boresight)
	}
	// eight coherent elements of amplitude 4 at 20 dB
	want := math.Pow(8*4*10, 2)
	if math.Abs(onTarget-want)/want > 0.05 {
		t.Fatalf("steered power %g, want about %g", onTarget, want)
	}
}

func TestSimulatorZeroGainSilences(t *testing.T) {
	sim, p := newSimPhaser(t, DefaultSimConfig())
	if err := p.SetAllGain(context.Background(), 0, false); err != nil {
		t.Fatal(err)
	}
	if pw := rxSumPower(t, sim); pw > 1e-2 {
		t.Fatalf("power with all gains at zero = %g", pw)
	}
}

func TestSimulatorChannelSplit(t *testing.T) {
	sim, p := newSimPhaser(t, DefaultSimConfig())
	ctx := context.Background()
	if err := p.SetAllGain(ctx, 0, false); err != nil {
		t.Fatal(err)
	}
	// element index 5 is element 6 on BEAM0, received on channel 0
	if err := p.SetChanGain(ctx, 5, 127, false); err != nil {
		t.Fatal(err)
	}
	a, b, _ := sim.RX(ctx)
	if power(a) < 100 || power(b) > 1e-2 {
		t.Fatalf("channel powers %g %g", power(a), power(b))
	}
}

func TestSimulatorToneFollowsPLL(t *testing.T) {
	sc := DefaultSimConfig()
	sim, p := newSimPhaser(t, sc)
	ctx := context.Background()
	if err := p.TuneLO(ctx, sc.SourceFreq+1e6, DefaultRxLO); err != nil {
		t.Fatal(err)
	}
	a, _, _ := sim.RX(ctx)
	mag, _ := dsp.FFTMagShift(dsp.ToComplex128(a), nil)
	peak := 0
	for i := range mag {
		if mag[i] > mag[peak] {
			peak = i
		}
	}
	freqs := dsp.FFTShift(dsp.FFTFreq(len(a), sim.SampleRate()))
	if math.Abs(freqs[peak]-1e6) > sim.SampleRate()/float64(len(a)) {
		t.Fatalf("tone at %g Hz, want 1 MHz", freqs[peak])
	}

	if err := p.TuneLO(ctx, sc.SourceFreq+50e6, DefaultRxLO); err != nil {
		t.Fatal(err)
	}
	if pw := rxSumPower(t, sim); pw > 1e-2 {
		t.Fatalf("out of band tone leaked, power %g", pw)
	}
}

func TestSimulatorUnknownAttribute(t *testing.T) {
	sim, _ := NewSimulator(DefaultSimConfig())
	if _, err := sim.ReadChannelAttr(context.Background(), "nope", false, "voltage0", "raw"); err == nil {
		t.Fatal("expected error")
	}
	if err := sim.SetRxHardwareGain(context.Background(), 2, 0); err == nil {
		t.Fatal("expected channel range error")
	}
}

func TestSimulatorRejectsBadElementMap(t *testing.T) {
	sc := DefaultSimConfig()
	sc.Elements = beamformer.ElementMap{"BEAM0": {1, 2, 3, 9}, "BEAM1": {4, 5, 6, 7}}
	if _, err := NewSimulator(sc); err == nil {
		t.Fatal("expected element range error")
	}
}
