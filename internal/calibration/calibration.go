// Package calibration measures and corrects the gain and phase errors of a
// Phaser array. Every routine drives the beamformer through a
// beamformer.Phaser and reads the two sub-array channels from an sdr.SDR.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/sdr"
)

// PeakWidth is the number of bins either side of the peak bin searched when
// measuring a level, which rejects interferers away from the tone.
const PeakWidth = 10

// MeasureGainDB is the receiver gain used while measuring single elements.
const MeasureGainDB = 6

// Calibrator runs calibration routines against one board and receiver.
type Calibrator struct {
	Phaser *beamformer.Phaser
	SDR    sdr.SDR
	// Settle is waited after gain changes before capturing.
	Settle time.Duration

	log     logging.Logger
	windows map[windowKey][]float64
}

type windowKind int

const (
	blackman windowKind = iota
	blackmanUnity
	flatTopUnity
)

type windowKey struct {
	kind windowKind
	n    int
}

// Option customizes a Calibrator.
type Option func(*Calibrator)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Calibrator) { c.log = l }
}

// WithSettle sets the delay after gain changes.
func WithSettle(d time.Duration) Option {
	return func(c *Calibrator) { c.Settle = d }
}

// New returns a Calibrator for p reading from rx.
func New(p *beamformer.Phaser, rx sdr.SDR, opts ...Option) *Calibrator {
	c := &Calibrator{Phaser: p, SDR: rx, windows: make(map[windowKey][]float64)}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = p.Logger()
	}
	c.log = logging.Or(c.log)
	return c
}

func (c *Calibrator) window(kind windowKind, n int) []float64 {
	key := windowKey{kind, n}
	if w, ok := c.windows[key]; ok {
		return w
	}
	var w []float64
	switch kind {
	case blackman:
		w = dsp.Blackman(n)
	case blackmanUnity:
		w = dsp.NormalizeWindow(dsp.Blackman(n))
	case flatTopUnity:
		w = dsp.NormalizeWindow(dsp.FlatTop(n))
	}
	c.windows[key] = w
	return w
}

func (c *Calibrator) averages() int {
	if c.Phaser.Averages < 1 {
		return 1
	}
	return c.Phaser.Averages
}

func (c *Calibrator) settle(ctx context.Context) error {
	if c.Settle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.Settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// capture reads one buffer and returns the sum of both channels.
func (c *Calibrator) capture(ctx context.Context) ([]complex128, error) {
	a, b, err := c.SDR.RX(ctx)
	if err != nil {
		return nil, fmt.Errorf("rx: %w", err)
	}
	if len(a) != len(b) || len(a) == 0 {
		return nil, fmt.Errorf("rx: channel lengths %d and %d", len(a), len(b))
	}
	sum := make([]complex128, len(a))
	for i := range a {
		sum[i] = complex128(a[i] + b[i])
	}
	return sum, nil
}

// bandMax is the largest value of s in [peak-width, peak+width), clipped to
// the spectrum.
func bandMax(s []float64, peak, width int) float64 {
	lo, hi := max(peak-width, 0), min(peak+width, len(s))
	if lo >= hi {
		return 0
	}
	return floats.Max(s[lo:hi])
}

// FindPeakBin points the full array at boresight and returns the shifted FFT
// bin of the strongest tone.
func (c *Calibrator) FindPeakBin(ctx context.Context) (int, error) {
	if err := c.Phaser.SetAllGain(ctx, beamformer.MaxGain, true); err != nil {
		return 0, err
	}
	if err := c.Phaser.SetBeamPhaseDiff(ctx, 0); err != nil {
		return 0, err
	}
	sum, err := c.capture(ctx)
	if err != nil {
		return 0, err
	}
	mag, _ := dsp.FFTMagShift(sum, c.window(blackman, len(sum)))
	return floats.MaxIdx(mag), nil
}

// measureLevel averages the flat-top level around peakBin. Each average
// discards one buffer first. The level and the averaged spectrum are
// normalized by Averages·N.
func (c *Calibrator) measureLevel(ctx context.Context, peakBin int) (float64, []float64, error) {
	avg := c.averages()
	levels := make([]float64, 0, avg)
	var spectrum []float64
	for i := 0; i < avg; i++ {
		if _, err := c.capture(ctx); err != nil {
			return 0, nil, err
		}
		sum, err := c.capture(ctx)
		if err != nil {
			return 0, nil, err
		}
		mag, _ := dsp.FFTMagShift(sum, c.window(flatTopUnity, len(sum)))
		if spectrum == nil {
			spectrum = make([]float64, len(mag))
		}
		floats.Add(spectrum, mag)
		levels = append(levels, bandMax(mag, peakBin, PeakWidth))
	}
	n := float64(len(spectrum))
	floats.Scale(1/(float64(avg)*n), spectrum)
	return stat.Mean(levels, nil) / n, spectrum, nil
}

// MeasureElementGain measures element elem (0-based) alone at full gain.
func (c *Calibrator) MeasureElementGain(ctx context.Context, elem, peakBin int) (float64, []float64, error) {
	if err := c.Phaser.SetRxHardwareGain(ctx, MeasureGainDB, true); err != nil {
		return 0, nil, err
	}
	if err := c.Phaser.SetAllGain(ctx, 0, false); err != nil {
		return 0, nil, err
	}
	if err := c.Phaser.SetChanGain(ctx, elem, beamformer.MaxGain, false); err != nil {
		return 0, nil, err
	}
	if err := c.settle(ctx); err != nil {
		return 0, nil, err
	}
	level, spectrum, err := c.measureLevel(ctx, peakBin)
	if err != nil {
		return 0, nil, fmt.Errorf("measure element %d: %w", elem, err)
	}
	c.log.Debug("element level", logging.F("element", elem), logging.F("level", level))
	return level, spectrum, nil
}

// MeasureChannelGains measures each receive channel with its four elements
// at full gain. Channel 0 is fed by elements 4..7, channel 1 by 0..3.
func (c *Calibrator) MeasureChannelGains(ctx context.Context, peakBin int) ([2]float64, [][]float64, error) {
	var levels [2]float64
	var spectra [][]float64
	if err := c.Phaser.SetRxHardwareGain(ctx, MeasureGainDB, false); err != nil {
		return levels, nil, err
	}
	for ch := 0; ch < 2; ch++ {
		if err := c.Phaser.SetAllGain(ctx, 0, false); err != nil {
			return levels, nil, err
		}
		for k := 0; k < 4; k++ {
			if err := c.Phaser.SetChanGain(ctx, (1-ch)*4+k, beamformer.MaxGain, false); err != nil {
				return levels, nil, err
			}
		}
		if err := c.settle(ctx); err != nil {
			return levels, nil, err
		}
		level, spectrum, err := c.measureLevel(ctx, peakBin)
		if err != nil {
			return levels, nil, fmt.Errorf("measure channel %d: %w", ch, err)
		}
		levels[ch] = level
		spectra = append(spectra, spectrum)
	}
	return levels, spectra, nil
}

// ErrNoSignal is returned when a level needed for a ratio is zero.
var ErrNoSignal = errors.New("calibration: no signal measured")

// ChannelCalibration balances the two receive channels. The weaker channel
// gets the mismatch in dB added to its receiver gain. It returns the
// mismatch, channel 0 over channel 1.
func (c *Calibrator) ChannelCalibration(ctx context.Context) (float64, error) {
	peak, err := c.FindPeakBin(ctx)
	if err != nil {
		return 0, err
	}
	levels, _, err := c.MeasureChannelGains(ctx, peak)
	if err != nil {
		return 0, err
	}
	if levels[0] <= 0 || levels[1] <= 0 {
		return 0, ErrNoSignal
	}
	m := 20 * math.Log10(levels[0]/levels[1])
	if m > 0 {
		c.Phaser.CCal = [2]float64{0, m}
	} else {
		c.Phaser.CCal = [2]float64{-m, 0}
	}
	c.log.Info("channel calibration", logging.F("mismatch_db", m), logging.F("ccal", c.Phaser.CCal))
	return m, nil
}

// GainCalibration measures every element and scales each down to the
// weakest. It returns the per element spectra.
func (c *Calibrator) GainCalibration(ctx context.Context) ([][]float64, error) {
	peak, err := c.FindPeakBin(ctx)
	if err != nil {
		return nil, err
	}
	levels := make([]float64, beamformer.NumElements)
	spectra := make([][]float64, beamformer.NumElements)
	for k := range levels {
		levels[k], spectra[k], err = c.MeasureElementGain(ctx, k, peak)
		if err != nil {
			return nil, err
		}
		if levels[k] <= 0 {
			return nil, fmt.Errorf("element %d: %w", k, ErrNoSignal)
		}
	}
	lowest := floats.Min(levels)
	for k, l := range levels {
		c.Phaser.GCal[k] = lowest / l
	}
	c.log.Info("gain calibration", logging.F("levels", levels), logging.F("gcal", c.Phaser.GCal))
	return spectra, nil
}

// GetSignalLevels measures every element without touching the calibration.
func (c *Calibrator) GetSignalLevels(ctx context.Context) ([]float64, error) {
	peak, err := c.FindPeakBin(ctx)
	if err != nil {
		return nil, err
	}
	levels := make([]float64, beamformer.NumElements)
	for k := range levels {
		if levels[k], _, err = c.MeasureElementGain(ctx, k, peak); err != nil {
			return nil, err
		}
	}
	return levels, nil
}

// Calibrate runs channel, gain and phase calibration in that order and
// returns the resulting profile.
func (c *Calibrator) Calibrate(ctx context.Context) (*Profile, error) {
	start := time.Now()
	c.Phaser.ResetCalibration()
	if _, err := c.ChannelCalibration(ctx); err != nil {
		return nil, fmt.Errorf("channel calibration: %w", err)
	}
	if _, err := c.GainCalibration(ctx); err != nil {
		return nil, fmt.Errorf("gain calibration: %w", err)
	}
	if _, _, err := c.PhaseCalibration(ctx); err != nil {
		return nil, fmt.Errorf("phase calibration: %w", err)
	}
	prof := ProfileFrom(c.Phaser)
	c.log.Info("calibration complete", logging.F("id", prof.ID), logging.F("elapsed", time.Since(start).String()))
	return prof, nil
}
