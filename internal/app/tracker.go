package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/calibration"
	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/telemetry"
)

// Config captures tracker configuration.
type Config struct {
	SampleRate float64
	ToneOffset float64
	NumSamples int
	// TrackingLength is the number of monopulse iterations after the
	// coarse sweep. Zero tracks until the context ends.
	TrackingLength  int
	PhaseStep       float64
	Interval        time.Duration
	WarmupBuffers   int
	HistoryLimit    int
	DebugMode       bool
	TrackingMode    string
	MaxTracks       int
	TrackTimeout    time.Duration
	MinSNRThreshold float64
}

// TrackLifecycle represents the lifecycle of a track.
type TrackLifecycle int

const (
	TrackTentative TrackLifecycle = iota
	TrackConfirmed
	TrackLost
)

func (l TrackLifecycle) String() string {
	switch l {
	case TrackTentative:
		return "tentative"
	case TrackConfirmed:
		return "confirmed"
	case TrackLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Track holds state for a single target being tracked.
type Track struct {
	ID         int
	Angle      float64
	Peak       float64
	SNR        float64
	Confidence float64
	LockState  telemetry.LockState
	History    []float64
	State      TrackLifecycle
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeen   time.Time
}

// TrackManager manages creation and lifecycle of tracks.
type TrackManager struct {
	tracks       map[int]*Track
	order        []int
	nextID       int
	maxTracks    int
	timeout      time.Duration
	minSNR       float64
	historyLimit int
}

// NewTrackManager creates a track manager with lifecycle controls.
func NewTrackManager(maxTracks int, timeout time.Duration, minSNR float64, historyLimit int) *TrackManager {
	if maxTracks <= 0 {
		maxTracks = 1
	}
	return &TrackManager{
		tracks:       make(map[int]*Track),
		nextID:       1,
		maxTracks:    maxTracks,
		timeout:      timeout,
		minSNR:       minSNR,
		historyLimit: historyLimit,
	}
}

// Upsert updates the closest matching track or creates a new one if capacity allows.
func (tm *TrackManager) Upsert(angle, peak, snr, confidence float64, lock telemetry.LockState, now time.Time) *Track {
	if tm == nil {
		return nil
	}
	tm.expire(now)
	if snr < tm.minSNR {
		return nil
	}

	track := tm.findMatch(angle)
	if track == nil {
		if len(tm.tracks) >= tm.maxTracks {
			tm.dropOldest()
		}
		return tm.newTrack(angle, peak, snr, confidence, lock, now)
	}
	track.Angle = angle
	track.Peak = peak
	track.SNR = snr
	track.Confidence = confidence
	track.LockState = lock
	track.State = tm.nextLifecycle(track.State)
	track.UpdatedAt = now
	track.LastSeen = now
	track.History = append(track.History, angle)
	if tm.historyLimit > 0 && len(track.History) > tm.historyLimit {
		track.History = track.History[len(track.History)-tm.historyLimit:]
	}
	return track
}

// Tracks returns a copy of managed tracks ordered by creation.
func (tm *TrackManager) Tracks() []Track {
	if tm == nil {
		return nil
	}
	result := make([]Track, 0, len(tm.tracks))
	for _, id := range tm.order {
		if track, ok := tm.tracks[id]; ok {
			result = append(result, *track)
		}
	}
	return result
}

func (tm *TrackManager) newTrack(angle, peak, snr, confidence float64, lock telemetry.LockState, now time.Time) *Track {
	id := tm.nextID
	tm.nextID++
	track := &Track{
		ID:         id,
		Angle:      angle,
		Peak:       peak,
		SNR:        snr,
		Confidence: confidence,
		LockState:  lock,
		State:      TrackTentative,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeen:   now,
		History:    []float64{angle},
	}
	tm.tracks[id] = track
	tm.order = append(tm.order, id)
	return track
}

func (tm *TrackManager) findMatch(angle float64) *Track {
	const angleMatchThreshold = 5.0
	var (
		best      *Track
		bestDelta = math.MaxFloat64
	)
	for _, track := range tm.tracks {
		if track.State == TrackLost {
			continue
		}
		delta := math.Abs(track.Angle - angle)
		if delta < bestDelta && delta <= angleMatchThreshold {
			best = track
			bestDelta = delta
		}
	}
	return best
}

func (tm *TrackManager) dropOldest() {
	for len(tm.order) > 0 {
		id := tm.order[0]
		tm.order = tm.order[1:]
		if _, ok := tm.tracks[id]; ok {
			delete(tm.tracks, id)
			return
		}
	}
}

func (tm *TrackManager) expire(now time.Time) {
	if tm.timeout <= 0 {
		return
	}
	for _, track := range tm.tracks {
		if track.State == TrackLost {
			continue
		}
		if now.Sub(track.LastSeen) > tm.timeout {
			track.State = TrackLost
		}
	}
}

func (tm *TrackManager) nextLifecycle(current TrackLifecycle) TrackLifecycle {
	switch current {
	case TrackTentative, TrackConfirmed:
		return TrackConfirmed
	case TrackLost:
		return TrackLost
	default:
		return TrackTentative
	}
}

// spectrumPublisher is implemented by reporters that show the sum beam
// spectrum.
type spectrumPublisher interface {
	UpdateSpectrumSnapshot(bins []float64, source string)
}

// Tracker steers the Phaser onto an emitter. A beam sweep picks the
// starting phase difference, then each buffer's sum and delta beams nudge
// it one step towards the monopulse null.
type Tracker struct {
	phaser    *beamformer.Phaser
	cal       *calibration.Calibrator
	reporter  telemetry.Reporter
	logger    logging.Logger
	cfg       Config
	startBin  int
	endBin    int
	lastDelay float64
	history   []float64
	dsp       *dsp.CachedDSP
	lockState telemetry.LockState
	stableCnt int
	dropCnt   int
	manager   *TrackManager
}

// NewTracker builds a tracker driving cal's board and receiver.
func NewTracker(cal *calibration.Calibrator, reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Tracker {
	return &Tracker{
		phaser:    cal.Phaser,
		cal:       cal,
		reporter:  reporter,
		logger:    logging.Or(logger),
		cfg:       cfg,
		dsp:       dsp.NewCachedDSP(cfg.NumSamples, nil),
		lockState: telemetry.LockStateSearching,
	}
}

// Init fills defaults, precomputes the signal band and opens every element
// at full calibrated gain.
func (t *Tracker) Init(ctx context.Context) error {
	if t.cfg.NumSamples <= 0 {
		return errors.New("tracker: sample count must be positive")
	}
	if t.cfg.SampleRate == 0 {
		t.cfg.SampleRate = t.cal.SDR.SampleRate()
	}
	if t.cfg.PhaseStep == 0 {
		t.cfg.PhaseStep = 1
	}
	if t.cfg.Interval == 0 {
		t.cfg.Interval = 10 * time.Millisecond
	}
	if t.cfg.WarmupBuffers == 0 {
		t.cfg.WarmupBuffers = 3
	}
	if t.cfg.HistoryLimit == 0 {
		t.cfg.HistoryLimit = 500
	}
	if t.cfg.TrackingMode == "" {
		t.cfg.TrackingMode = "single"
	}
	if t.cfg.MaxTracks == 0 {
		if t.cfg.TrackingMode == "multi" {
			t.cfg.MaxTracks = 10
		} else {
			t.cfg.MaxTracks = 1
		}
	}
	if t.cfg.TrackTimeout == 0 {
		t.cfg.TrackTimeout = 3 * time.Second
	}
	if t.cfg.MinSNRThreshold == 0 {
		t.cfg.MinSNRThreshold = 3
	}
	t.startBin, t.endBin = dsp.SignalBinRange(t.cfg.NumSamples, t.cfg.SampleRate, t.cfg.ToneOffset)
	t.manager = NewTrackManager(t.cfg.MaxTracks, t.cfg.TrackTimeout, t.cfg.MinSNRThreshold, t.cfg.HistoryLimit)
	t.dsp.UpdateSize(t.cfg.NumSamples)
	if err := t.phaser.SetAllGain(ctx, beamformer.MaxGain, true); err != nil {
		return fmt.Errorf("set element gains: %w", err)
	}
	return nil
}

// Run sweeps the beam once and then tracks until TrackingLength iterations
// are done or ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	coarseStart := time.Now()
	pat, err := t.cal.BeamSweep(ctx)
	if err != nil {
		return fmt.Errorf("coarse sweep: %w", err)
	}
	peak := pat.Peak()
	if peak < 0 {
		return errors.New("coarse sweep returned no data")
	}
	t.lastDelay = pat.PhaseValues[peak]
	if err := t.phaser.SetBeamPhaseDiff(ctx, t.lastDelay); err != nil {
		return err
	}
	theta := t.angle()
	t.appendHistory(theta)
	state := t.updateLockState(0, 0)
	t.report(theta, pat.Gain[peak], 0, 0, state, nil)
	t.logger.Debug("coarse sweep", logging.F("phase_deg", t.lastDelay), logging.F("angle_deg", theta), logging.F("duration_ms", time.Since(coarseStart).Seconds()*1000))

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for iteration := 1; t.cfg.TrackingLength == 0 || iteration <= t.cfg.TrackingLength; iteration++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := t.step(ctx, iteration); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) step(ctx context.Context, iteration int) error {
	start := time.Now()
	rx0, rx1, err := t.cal.SDR.RX(ctx)
	if err != nil {
		return fmt.Errorf("receive samples: %w", err)
	}
	if len(rx0) == 0 || len(rx1) == 0 {
		t.logger.Warn("received empty buffer", logging.F("subsystem", "tracker"))
		return nil
	}
	res := dsp.Monopulse(rx0, rx1, t.startBin, t.endBin, t.dsp)
	t.lastDelay = dsp.TrackStep(t.lastDelay, res.Phase, t.cfg.PhaseStep)
	if err := t.phaser.SetBeamPhaseDiff(ctx, t.lastDelay); err != nil {
		return err
	}
	theta := t.angle()
	t.appendHistory(theta)

	confidence := t.trackingConfidence(res.SNR, res.Phase)
	state := t.updateLockState(res.SNR, confidence)

	var debug *telemetry.DebugInfo
	if t.cfg.DebugMode {
		debug = &telemetry.DebugInfo{
			PhaseDelayDeg:     t.lastDelay,
			MonopulsePhaseRad: res.Phase,
			DeltaDBFS:         res.DeltaDBFS,
			Peak:              telemetry.PeakDebug{Value: res.SumDBFS, Bin: res.PeakBin, Band: [2]int{t.startBin, t.endBin}},
		}
	}
	t.report(theta, res.SumDBFS, res.SNR, confidence, state, debug)
	if pub, ok := t.reporter.(spectrumPublisher); ok {
		sum := make([]complex64, len(rx0))
		for i := range sum {
			sum[i] = rx0[i] + rx1[i]
		}
		_, db := t.dsp.FFTAndDBFS(sum)
		pub.UpdateSpectrumSnapshot(db, "sum")
	}
	t.logger.Debug("tracking iteration", logging.F("iteration", iteration), logging.F("duration_ms", time.Since(start).Seconds()*1000))
	return nil
}

func (t *Tracker) angle() float64 {
	return dsp.SteerAngle(t.lastDelay, t.phaser.SignalFreq, t.phaser.ElementSpacing)
}

func (t *Tracker) report(theta, peak, snr, confidence float64, state telemetry.LockState, debug *telemetry.DebugInfo) {
	now := time.Now()
	t.manager.Upsert(theta, peak, snr, confidence, state, now)
	if t.reporter == nil {
		return
	}
	t.reporter.Report(telemetry.Sample{
		Timestamp:  now,
		AngleDeg:   theta,
		PhaseDeg:   t.lastDelay,
		Peak:       peak,
		SNR:        snr,
		Confidence: confidence,
		LockState:  state,
		Debug:      debug,
	})
	if t.cfg.TrackingMode == "multi" {
		tracks := t.manager.Tracks()
		sample := telemetry.MultiTrackSample{Timestamp: now, Tracks: make([]telemetry.TrackSample, 0, len(tracks))}
		for _, tr := range tracks {
			sample.Tracks = append(sample.Tracks, telemetry.TrackSample{
				ID:         tr.ID,
				AngleDeg:   tr.Angle,
				Peak:       tr.Peak,
				SNR:        tr.SNR,
				Confidence: tr.Confidence,
				LockState:  tr.LockState,
				State:      tr.State.String(),
			})
		}
		t.reporter.ReportMultiTrack(sample)
	}
}

func (t *Tracker) trackingConfidence(snr float64, monoPhase float64) float64 {
	snrScore := clamp(snr/30.0, 0, 1)
	monoScore := clamp(1-math.Min(math.Abs(monoPhase)/dsp.Rad(10), 1), 0, 1)
	return clamp(0.7*snrScore+0.3*monoScore, 0, 1)
}

func (t *Tracker) updateLockState(snr float64, confidence float64) telemetry.LockState {
	const (
		acquireSNR     = 6.0
		lockSNR        = 12.0
		dropSNR        = 4.0
		lockConfidence = 0.6
		acquireConf    = 0.3
		stableNeeded   = 3
		dropNeeded     = 2
	)

	switch t.lockState {
	case telemetry.LockStateLocked:
		if snr < dropSNR || confidence < acquireConf {
			t.dropCnt++
			if t.dropCnt >= dropNeeded {
				t.lockState = telemetry.LockStateTracking
				t.stableCnt = 0
			}
		} else {
			t.dropCnt = 0
		}
	case telemetry.LockStateTracking:
		if snr >= lockSNR && confidence >= lockConfidence {
			t.stableCnt++
			if t.stableCnt >= stableNeeded {
				t.lockState = telemetry.LockStateLocked
				t.dropCnt = 0
			}
		} else if snr < dropSNR || confidence < acquireConf {
			t.dropCnt++
			if t.dropCnt >= dropNeeded {
				t.lockState = telemetry.LockStateSearching
				t.stableCnt = 0
			}
		} else {
			t.stableCnt = 0
			t.dropCnt = 0
		}
	default:
		if snr >= acquireSNR && confidence >= acquireConf {
			t.lockState = telemetry.LockStateTracking
			t.stableCnt = 0
			t.dropCnt = 0
		}
	}
	return t.lockState
}

func clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, value))
}

// LastDelay returns the phase difference the array is steered to.
func (t *Tracker) LastDelay() float64 {
	return t.lastDelay
}

// LockState returns the current lock state.
func (t *Tracker) LockState() telemetry.LockState {
	return t.lockState
}

// Tracks returns the managed tracks.
func (t *Tracker) Tracks() []Track {
	return t.manager.Tracks()
}

// AngleHistory returns the steering angles from the sweep and every
// tracking update.
func (t *Tracker) AngleHistory() []float64 {
	out := make([]float64, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) appendHistory(theta float64) {
	t.history = append(t.history, theta)
	if len(t.history) > t.cfg.HistoryLimit && t.cfg.HistoryLimit > 0 {
		t.history = t.history[len(t.history)-t.cfg.HistoryLimit:]
	}
}

func (t *Tracker) warmup(ctx context.Context) error {
	for i := 0; i < t.cfg.WarmupBuffers; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, _, err := t.cal.SDR.RX(ctx); err != nil {
			return fmt.Errorf("warmup RX buffer %d: %w", i, err)
		}
	}
	return nil
}
