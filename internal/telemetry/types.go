package telemetry

import "time"

// LockState is the tracker lock state.
type LockState string

const (
	LockStateSearching LockState = "searching"
	LockStateTracking  LockState = "tracking"
	LockStateLocked    LockState = "locked"
)

// PeakDebug locates the tone the tracker is following.
type PeakDebug struct {
	Value float64 `json:"value"`
	Bin   int     `json:"bin"`
	Band  [2]int  `json:"band"`
}

// DebugInfo carries tracker internals when debug mode is on.
type DebugInfo struct {
	PhaseDelayDeg     float64   `json:"phaseDelayDeg"`
	MonopulsePhaseRad float64   `json:"monopulsePhaseRad"`
	DeltaDBFS         float64   `json:"deltaDbfs"`
	Peak              PeakDebug `json:"peak"`
}

// Sample is one steering update.
type Sample struct {
	Timestamp  time.Time  `json:"timestamp"`
	AngleDeg   float64    `json:"angleDeg"`
	PhaseDeg   float64    `json:"phaseDeg"`
	Peak       float64    `json:"peak"`
	SNR        float64    `json:"snr"`
	Confidence float64    `json:"confidence"`
	LockState  LockState  `json:"lockState,omitempty"`
	Debug      *DebugInfo `json:"debug,omitempty"`
}

// TrackSample is the state of one managed track.
type TrackSample struct {
	ID         int       `json:"id"`
	AngleDeg   float64   `json:"angleDeg"`
	Peak       float64   `json:"peak"`
	SNR        float64   `json:"snr"`
	Confidence float64   `json:"confidence"`
	LockState  LockState `json:"lockState"`
	State      string    `json:"state"`
}

// MultiTrackSample reports every track at one instant.
type MultiTrackSample struct {
	Timestamp time.Time     `json:"timestamp"`
	Tracks    []TrackSample `json:"tracks"`
}

// CalibrationEvent records the outcome of one calibration stage.
type CalibrationEvent struct {
	RunID     string    `json:"runId"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// SpectrumSnapshot is the latest spectrum published by a producer.
type SpectrumSnapshot struct {
	Bins      []float64 `json:"bins"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Reporter receives steering telemetry.
type Reporter interface {
	Report(sample Sample)
	ReportMultiTrack(sample MultiTrackSample)
}

// MultiReporter fans out telemetry to several reporters.
type MultiReporter []Reporter

// Report forwards sample to every reporter.
func (m MultiReporter) Report(sample Sample) {
	for _, r := range m {
		if r != nil {
			r.Report(sample)
		}
	}
}

// ReportMultiTrack forwards sample to every reporter.
func (m MultiReporter) ReportMultiTrack(sample MultiTrackSample) {
	for _, r := range m {
		if r != nil {
			r.ReportMultiTrack(sample)
		}
	}
}
