// Package spectrum estimates amplitude spectra of captured IQ data and
// derives tone metrics from them: peaks, harmonics and spurious free
// dynamic range.
package spectrum

import (
	"math"
	"math/cmplx"

	"github.com/rjboer/adiphaser/internal/dsp"
)

// KaiserBeta is the window shape used for spectral estimates. Its side
// lobes sit well below the 16-bit converter noise floor.
const KaiserBeta = 38

// DefaultRef is the full scale of a 16-bit converter in counts.
const DefaultRef = 1 << 15

// Spectrum is an amplitude spectrum in dB relative to a full scale
// reference, with its frequency axis in Hz.
type Spectrum struct {
	AmpDB []float64 `json:"amp_db"`
	Freqs []float64 `json:"freqs"`
}

// Len returns the number of bins.
func (s Spectrum) Len() int { return len(s.AmpDB) }

func amplitude(x []complex128, ref float64, windowed bool) []float64 {
	n := len(x)
	if windowed {
		x = dsp.ApplyWindow128(x, dsp.NormalizeWindow(dsp.Kaiser(n, KaiserBeta)))
	}
	bins := dsp.FFT(x)
	amp := make([]float64, n)
	for i, v := range bins {
		a := cmplx.Abs(v) / float64(n)
		amp[i] = 20 * math.Log10(a/ref+1e-20)
	}
	return amp
}

// SpecEst estimates the spectrum of complex samples x taken at fs. Bins are
// returned shifted so that frequency increases monotonically, DC in the
// middle. windowed applies a unity gain Kaiser window. A non-positive ref
// selects DefaultRef.
func SpecEst(x []complex128, fs, ref float64, windowed bool) Spectrum {
	if len(x) == 0 {
		return Spectrum{AmpDB: []float64{}, Freqs: []float64{}}
	}
	if ref <= 0 {
		ref = DefaultRef
	}
	return Spectrum{
		AmpDB: dsp.FFTShift(amplitude(x, ref, windowed)),
		Freqs: dsp.FFTShift(dsp.FFTFreq(len(x), fs)),
	}
}

// SpecEstReal estimates the spectrum of a real signal. It keeps the lower
// half of the shifted spectrum, -fs/2 up to but excluding DC; the upper
// half mirrors it.
func SpecEstReal(x []float64, fs, ref float64, windowed bool) Spectrum {
	if len(x) == 0 {
		return Spectrum{AmpDB: []float64{}, Freqs: []float64{}}
	}
	cx := make([]complex128, len(x))
	for i, v := range x {
		cx[i] = complex(v, 0)
	}
	s := SpecEst(cx, fs, ref, windowed)
	half := len(x) / 2
	return Spectrum{AmpDB: s.AmpDB[:half], Freqs: s.Freqs[:half]}
}
