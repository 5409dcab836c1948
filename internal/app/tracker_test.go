package app

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/calibration"
	"github.com/rjboer/adiphaser/internal/sdr"
	"github.com/rjboer/adiphaser/internal/telemetry"
)

type recordingReporter struct {
	samples []telemetry.Sample
	multi   []telemetry.MultiTrackSample
	spectra int
}

func (r *recordingReporter) Report(s telemetry.Sample) { r.samples = append(r.samples, s) }

func (r *recordingReporter) ReportMultiTrack(s telemetry.MultiTrackSample) {
	r.multi = append(r.multi, s)
}

func (r *recordingReporter) UpdateSpectrumSnapshot([]float64, string) { r.spectra++ }

func newBench(t *testing.T, arrival float64) (*sdr.Simulator, *calibration.Calibrator) {
	t.Helper()
	sc := sdr.DefaultSimConfig()
	sc.ArrivalAngle = arrival
	sim, err := sdr.NewSimulator(sc)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := sim.Init(ctx, sdr.Config{NumSamples: 1024, RxGain0: 20, RxGain1: 20}); err != nil {
		t.Fatal(err)
	}
	p, err := beamformer.Open(ctx, sim, sim)
	if err != nil {
		t.Fatal(err)
	}
	p.Averages = 1
	return sim, calibration.New(p, sim)
}

func TestTrackerFollowsEmitter(t *testing.T) {
	sim, cal := newBench(t, 15)
	reporter := &recordingReporter{}
	cfg := Config{
		NumSamples:     1024,
		ToneOffset:     100e3,
		TrackingLength: 20,
		Interval:       time.Millisecond,
		WarmupBuffers:  1,
		TrackingMode:   "multi",
		DebugMode:      true,
	}
	tracker := NewTracker(cal, reporter, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracker.Init(ctx); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := tracker.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(reporter.samples) != cfg.TrackingLength+1 {
		t.Fatalf("got %d samples, want %d", len(reporter.samples), cfg.TrackingLength+1)
	}
	if len(reporter.multi) != len(reporter.samples) || reporter.spectra != cfg.TrackingLength {
		t.Fatalf("multi %d spectra %d", len(reporter.multi), reporter.spectra)
	}
	last := reporter.samples[len(reporter.samples)-1]
	if math.Abs(last.AngleDeg-15) > 2 {
		t.Fatalf("final angle %.2f, want 15", last.AngleDeg)
	}
	if last.Debug == nil || last.Debug.Peak.Band[1] <= last.Debug.Peak.Band[0] {
		t.Fatalf("debug info %+v", last.Debug)
	}
	if got := len(tracker.AngleHistory()); got != cfg.TrackingLength+1 {
		t.Fatalf("history length %d", got)
	}

	// the emitter moves and the tracker follows it a step at a time
	sim.SetArrivalAngle(20)
	cfg.MaxTracks = 4
	follow := NewTracker(cal, nil, nil, cfg)
	if err := follow.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := follow.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := follow.AngleHistory(); math.Abs(got[len(got)-1]-20) > 2 {
		t.Fatalf("final angle %.2f, want 20", got[len(got)-1])
	}
	if len(follow.Tracks()) == 0 {
		t.Fatal("no tracks recorded")
	}
}

func TestTrackerStopsOnCancel(t *testing.T) {
	_, cal := newBench(t, 0)
	tracker := NewTracker(cal, nil, nil, Config{NumSamples: 1024, ToneOffset: 100e3, Interval: time.Millisecond, WarmupBuffers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := tracker.Init(ctx); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := tracker.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTrackerRejectsEmptyConfig(t *testing.T) {
	_, cal := newBench(t, 0)
	if err := NewTracker(cal, nil, nil, Config{}).Init(context.Background()); err == nil {
		t.Fatal("expected sample count error")
	}
}

func TestLockStateMachine(t *testing.T) {
	tr := &Tracker{lockState: telemetry.LockStateSearching}
	steps := []struct {
		snr, conf float64
		want      telemetry.LockState
	}{
		{2, 0.1, telemetry.LockStateSearching},
		{8, 0.4, telemetry.LockStateTracking},
		{20, 0.8, telemetry.LockStateTracking},
		{20, 0.8, telemetry.LockStateTracking},
		{20, 0.8, telemetry.LockStateLocked},
		{1, 0.1, telemetry.LockStateLocked},
		{1, 0.1, telemetry.LockStateTracking},
		{1, 0.1, telemetry.LockStateSearching},
	}
	for i, s := range steps {
		if got := tr.updateLockState(s.snr, s.conf); got != s.want {
			t.Fatalf("step %d: state %s, want %s", i, got, s.want)
		}
	}
}

func TestTrackManagerLifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	tm := NewTrackManager(2, time.Second, 3, 3)
	if tm.Upsert(10, -20, 1, 0.5, telemetry.LockStateTracking, now) != nil {
		t.Fatal("track below snr threshold created")
	}
	a := tm.Upsert(10, -20, 10, 0.5, telemetry.LockStateTracking, now)
	if a.State != TrackTentative {
		t.Fatalf("new track state %s", a.State)
	}
	if tm.Upsert(12, -20, 10, 0.5, telemetry.LockStateTracking, now).ID != a.ID || a.State != TrackConfirmed {
		t.Fatal("nearby update did not confirm track")
	}
	tm.Upsert(-30, -20, 10, 0.5, telemetry.LockStateTracking, now)
	tm.Upsert(40, -20, 10, 0.5, telemetry.LockStateTracking, now)
	tracks := tm.Tracks()
	if len(tracks) != 2 || tracks[0].Angle != -30 {
		t.Fatalf("oldest track not dropped: %+v", tracks)
	}
	// both tracks time out, so the update opens a new one
	tm.Upsert(40, -20, 10, 0.5, telemetry.LockStateTracking, now.Add(2*time.Second))
	tracks = tm.Tracks()
	if len(tracks) != 2 || tracks[0].ID != 3 || tracks[1].ID != 4 {
		t.Fatalf("tracks after timeout: %+v", tracks)
	}
	if tracks[0].State != TrackLost || tracks[1].State != TrackTentative {
		t.Fatalf("states %s %s", tracks[0].State, tracks[1].State)
	}
}
