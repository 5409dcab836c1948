package telemetry

import (
	"fmt"

	"github.com/rjboer/adiphaser/internal/logging"
)

// StdoutReporter logs steering updates through the structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter writing to logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{logger: logging.Or(logger)}
}

// Report implements Reporter.
func (r StdoutReporter) Report(s Sample) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "angle_deg", Value: s.AngleDeg},
		{Key: "phase_deg", Value: s.PhaseDeg},
	}
	if s.Peak != 0 {
		fields = append(fields, logging.Field{Key: "peak_dbfs", Value: s.Peak})
	}
	if s.SNR != 0 {
		fields = append(fields, logging.Field{Key: "snr_db", Value: s.SNR})
	}
	if s.Confidence != 0 {
		fields = append(fields, logging.Field{Key: "tracking_confidence", Value: s.Confidence})
	}
	if s.LockState != "" {
		fields = append(fields, logging.Field{Key: "lock_state", Value: s.LockState})
	}
	if d := s.Debug; d != nil {
		fields = append(fields,
			logging.Field{Key: "monopulse_phase_rad", Value: d.MonopulsePhaseRad},
			logging.Field{Key: "delta_dbfs", Value: d.DeltaDBFS},
			logging.Field{Key: "peak_bin", Value: d.Peak.Bin},
		)
	}
	r.logger.Info("telemetry sample", fields...)
}

// ReportMultiTrack logs every track. A single track is logged like Report.
func (r StdoutReporter) ReportMultiTrack(sample MultiTrackSample) {
	switch len(sample.Tracks) {
	case 0:
		return
	case 1:
		t := sample.Tracks[0]
		r.Report(Sample{Timestamp: sample.Timestamp, AngleDeg: t.AngleDeg, Peak: t.Peak, SNR: t.SNR, Confidence: t.Confidence, LockState: t.LockState})
		return
	}
	fields := []logging.Field{{Key: "subsystem", Value: "telemetry"}, {Key: "track_count", Value: len(sample.Tracks)}}
	for idx, track := range sample.Tracks {
		fields = append(fields, logging.Field{Key: fmt.Sprintf("track_%d", idx), Value: track})
	}
	r.logger.Info("telemetry multi-track sample", fields...)
}

// ReportCalibration logs a calibration stage result.
func (r StdoutReporter) ReportCalibration(ev CalibrationEvent) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "calibration"},
		{Key: "run_id", Value: ev.RunID},
		{Key: "stage", Value: ev.Stage},
	}
	if len(ev.Values) > 0 {
		fields = append(fields, logging.Field{Key: "values", Value: ev.Values})
	}
	if ev.Detail != "" {
		fields = append(fields, logging.Field{Key: "detail", Value: ev.Detail})
	}
	r.logger.Info("calibration stage", fields...)
}
