package calibration

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/logging"
)

// SweepPhases returns the phases from -180 up to, but excluding, 180 in
// increments of step.
func SweepPhases(step float64) []float64 {
	if step <= 0 {
		return nil
	}
	out := make([]float64, 0, int(360/step)+1)
	for i := 0; ; i++ {
		p := -180 + float64(i)*step
		if p >= 180 {
			break
		}
		out = append(out, p)
	}
	return out
}

// PhaseCalSweep turns on elements ref and cal, holds ref at 0° and sweeps
// the phase of cal across a full turn. It returns the phases and the
// normalized peak level at each.
func (c *Calibrator) PhaseCalSweep(ctx context.Context, ref, cal int) ([]float64, []float64, error) {
	p := c.Phaser
	if err := p.SetAllGain(ctx, 0, true); err != nil {
		return nil, nil, err
	}
	if err := p.SetChanGain(ctx, ref, beamformer.MaxGain, true); err != nil {
		return nil, nil, err
	}
	if err := p.SetChanGain(ctx, cal, beamformer.MaxGain, true); err != nil {
		return nil, nil, err
	}
	if err := c.settle(ctx); err != nil {
		return nil, nil, err
	}
	if err := p.SetChanPhase(ctx, ref, 0, false); err != nil {
		return nil, nil, err
	}

	phases := SweepPhases(p.PhaseStep)
	gains := make([]float64, len(phases))
	avg := c.averages()
	for i, ph := range phases {
		if err := p.SetChanPhase(ctx, cal, ph, false); err != nil {
			return nil, nil, err
		}
		var total float64
		n := 0
		for a := 0; a < avg; a++ {
			if _, err := c.capture(ctx); err != nil {
				return nil, nil, err
			}
			sum, err := c.capture(ctx)
			if err != nil {
				return nil, nil, err
			}
			mag, _ := dsp.FFTMagShift(sum, c.window(flatTopUnity, len(sum)))
			total += floats.Max(mag)
			n = len(sum)
		}
		gains[i] = total / float64(avg*n)
	}
	return phases, gains, nil
}

// PhaseCalibration finds the phase offset of each element relative to its
// neighbour by locating the null of each adjacent pair. PCal is rebuilt
// from element 0 outward. It returns the sweep phases and the level curve
// of every pair.
func (c *Calibrator) PhaseCalibration(ctx context.Context) ([]float64, [][]float64, error) {
	p := c.Phaser
	p.PCal = make([]float64, beamformer.NumElements)
	p.PhDeltas = make([]float64, beamformer.NumElements-1)

	var phases []float64
	curves := make([][]float64, 0, beamformer.NumElements-1)
	for k := 0; k < beamformer.NumElements-1; k++ {
		ph, gains, err := c.PhaseCalSweep(ctx, k, k+1)
		if err != nil {
			return nil, nil, fmt.Errorf("pair %d-%d: %w", k, k+1, err)
		}
		phases = ph
		null := ph[floats.MinIdx(gains)]
		delta := dsp.ToSup(dsp.WrapPhase360(180 - null))
		p.PhDeltas[k] = delta
		p.PCal[k+1] = dsp.ToSup(dsp.WrapPhase360(p.PCal[k] - delta))
		c.log.Debug("phase pair", logging.F("ref", k), logging.F("null", null), logging.F("delta", delta))
		curves = append(curves, gains)
	}
	c.log.Info("phase calibration", logging.F("pcal", p.PCal))
	return phases, curves, nil
}
