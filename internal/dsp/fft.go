package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ADCFullScale is the full scale of the 12-bit signed Pluto ADC in counts.
const ADCFullScale = 2048.0

// FFT returns the unnormalized discrete Fourier transform of x.
func FFT(x []complex128) []complex128 {
	if len(x) == 0 {
		return []complex128{}
	}
	return fourier.NewCmplxFFT(len(x)).Coefficients(nil, x)
}

// FFTShift moves the zero frequency bin to the center, matching numpy's
// fftshift for both even and odd lengths.
func FFTShift[T any](data []T) []T {
	n := len(data)
	out := make([]T, n)
	if n == 0 {
		return out
	}
	split := (n + 1) / 2
	copy(out, data[split:])
	copy(out[n-split:], data[:split])
	return out
}

// FFTFreq returns the sample frequencies of an n point FFT at sample rate
// fs in standard (unshifted) order.
func FFTFreq(n int, fs float64) []float64 {
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	df := fs / float64(n)
	for i := 0; i < n; i++ {
		k := i
		if i >= (n+1)/2 {
			k = i - n
		}
		out[i] = float64(k) * df
	}
	return out
}

// FFTMagShift windows x, transforms it and returns the shifted magnitude
// spectrum along with the complex bins it came from.
func FFTMagShift(x []complex128, w []float64) (mag []float64, bins []complex128) {
	if w != nil {
		x = ApplyWindow128(x, w)
	}
	bins = FFTShift(FFT(x))
	mag = make([]float64, len(bins))
	for i, v := range bins {
		mag[i] = cmplx.Abs(v)
	}
	return mag, bins
}

// ToComplex128 widens complex64 samples.
func ToComplex128(x []complex64) []complex128 {
	out := make([]complex128, len(x))
	for i, v := range x {
		out[i] = complex128(v)
	}
	return out
}

// MagToDBFS converts a magnitude normalized by the window sum to dBFS of a
// 12-bit converter. The magnitude is floored at 1e-15.
func MagToDBFS(mag, windowSum float64) float64 {
	v := mag * 2 / windowSum
	if v < 1e-15 {
		v = 1e-15
	}
	return 20 * math.Log10(v/4096)
}

// FFTAndDBFS performs a Hamming windowed FFT on the samples, normalizes by
// the window sum and converts the shifted magnitude to dBFS.
func FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	win := Hamming(len(samples))
	return fftAndDBFS(fourier.NewCmplxFFT(len(samples)), samples, win, WindowSum(win))
}

func fftAndDBFS(fft *fourier.CmplxFFT, samples []complex64, win []float64, winSum float64) ([]complex128, []float64) {
	coeff := fft.Coefficients(nil, ApplyWindow(samples, win))
	for i := range coeff {
		coeff[i] /= complex(winSum, 0)
	}
	shifted := FFTShift(coeff)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = math.Inf(-1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/ADCFullScale)
	}
	return shifted, dbfs
}
