package calibration

import (
	"context"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/adiphaser/internal/dsp"
)

// Pattern is the result of a beam sweep. The per phase slices share one
// index.
type Pattern struct {
	PhaseValues []float64 `json:"phase_values"`
	// Gain and Delta are the sum and delta peaks in dBFS.
	Gain  []float64 `json:"gain"`
	Delta []float64 `json:"delta"`
	// Angle is the steering angle of each phase delta in degrees.
	Angle     []float64 `json:"angle"`
	DiffError []float64 `json:"diff_error"`
	// BeamPhase is the sum minus delta phase at the peak bin in degrees.
	BeamPhase []float64 `json:"beam_phase"`

	// Freqs and MaxGain are the spectrum (dBFS) of the strongest capture.
	Freqs   []float64 `json:"freqs"`
	MaxGain []float64 `json:"max_gain"`
}

// Peak returns the index of the strongest sum response.
func (p *Pattern) Peak() int {
	if len(p.Gain) == 0 {
		return -1
	}
	return floats.MaxIdx(p.Gain)
}

// targetError is the normalized sum/delta imbalance carrying the sign of
// the beam phase, kept at least 0.01 away from zero.
func targetError(sum, delta, angle float64) float64 {
	sign := 0.0
	switch {
	case angle > 0:
		sign = 1
	case angle < 0:
		sign = -1
	}
	v := (sign*(sum-delta) + sign*(sum+delta)/2) / (sum + delta)
	if sign == -1 {
		return math.Min(-0.01, v)
	}
	return math.Max(0.01, v)
}

// BeamSweep steers the calibrated array across every phase delta from -180
// to 180 and records the sum and delta response of the two sub-arrays.
func (c *Calibrator) BeamSweep(ctx context.Context) (*Pattern, error) {
	p := c.Phaser
	phases := SweepPhases(p.PhaseStep)
	pat := &Pattern{
		PhaseValues: phases,
		Gain:        make([]float64, 0, len(phases)),
		Delta:       make([]float64, 0, len(phases)),
		Angle:       make([]float64, 0, len(phases)),
		DiffError:   make([]float64, 0, len(phases)),
		BeamPhase:   make([]float64, 0, len(phases)),
	}
	avg := c.averages()
	maxSignal := math.Inf(-1)
	var best []complex128
	var win []float64
	var winSum float64

	for _, d := range phases {
		if err := p.SetBeamPhaseDiff(ctx, d); err != nil {
			return nil, err
		}
		steer := dsp.SteerAngle(d, p.SignalFreq, p.ElementSpacing)

		var totalSum, totalDelta, totalAngle float64
		var last []complex128
		for a := 0; a < avg; a++ {
			x, y, err := c.SDR.RX(ctx)
			if err != nil {
				return nil, err
			}
			n := len(x)
			if win == nil || len(win) != n {
				win = c.window(blackmanUnity, n)
				winSum = dsp.WindowSum(win)
			}
			sum := make([]complex128, n)
			diff := make([]complex128, n)
			for i := range x {
				sum[i] = complex128(x[i] + y[i])
				diff[i] = complex128(x[i] - y[i])
			}
			sumMag, sumBins := dsp.FFTMagShift(sum, win)
			_, diffBins := dsp.FFTMagShift(diff, win)
			k := floats.MaxIdx(sumMag)
			totalAngle += dsp.Deg(cmplx.Phase(sumBins[k]) - cmplx.Phase(diffBins[k]))
			totalSum += dsp.MagToDBFS(sumMag[k], winSum)
			totalDelta += dsp.MagToDBFS(cmplx.Abs(diffBins[k]), winSum)
			last = sum
		}
		peakSum := totalSum / float64(avg)
		peakDelta := totalDelta / float64(avg)
		peakAngle := totalAngle / float64(avg)

		if peakSum > maxSignal {
			maxSignal = peakSum
			best = last
		}
		pat.Gain = append(pat.Gain, peakSum)
		pat.Delta = append(pat.Delta, peakDelta)
		pat.BeamPhase = append(pat.BeamPhase, peakAngle)
		pat.Angle = append(pat.Angle, steer)
		pat.DiffError = append(pat.DiffError, targetError(peakSum, peakDelta, peakAngle))
	}

	if best != nil {
		mag, _ := dsp.FFTMagShift(best, win)
		pat.MaxGain = make([]float64, len(mag))
		for i, m := range mag {
			pat.MaxGain[i] = dsp.MagToDBFS(m, winSum)
		}
		pat.Freqs = dsp.FFTShift(dsp.FFTFreq(len(best), c.SDR.SampleRate()))
	}
	return pat, nil
}
