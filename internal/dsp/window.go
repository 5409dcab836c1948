package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// WindowFunc builds a window of length n.
type WindowFunc func(n int) []float64

func ones(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

// Hamming returns a symmetric Hamming window of length n.
func Hamming(n int) []float64 { return window.Hamming(ones(n)) }

// Blackman returns a symmetric Blackman window of length n.
func Blackman(n int) []float64 { return window.Blackman(ones(n)) }

// FlatTop returns a symmetric flat top window of length n.
func FlatTop(n int) []float64 { return window.FlatTop(ones(n)) }

// Kaiser returns a symmetric Kaiser window with shape parameter beta.
func Kaiser(n int, beta float64) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	w := make([]float64, n)
	den := besselI0(beta)
	for i := range w {
		r := 2*float64(i)/float64(n-1) - 1
		w[i] = besselI0(beta*math.Sqrt(1-r*r)) / den
	}
	return w
}

// KaiserFunc binds beta so Kaiser can be used as a WindowFunc.
func KaiserFunc(beta float64) WindowFunc {
	return func(n int) []float64 { return Kaiser(n, beta) }
}

// besselI0 evaluates the zeroth order modified Bessel function of the first
// kind by its power series.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	half := x / 2
	for k := 1; k < 500; k++ {
		term *= half / float64(k)
		t2 := term * term
		sum += t2
		if t2 < sum*1e-17 {
			break
		}
	}
	return sum
}

// NormalizeWindow scales w in place to unit mean magnitude, so windowing
// leaves the coherent gain of a tone unchanged.
func NormalizeWindow(w []float64) []float64 {
	if len(w) == 0 {
		return w
	}
	var sum float64
	for _, v := range w {
		sum += math.Abs(v)
	}
	if sum == 0 {
		return w
	}
	floats.Scale(float64(len(w))/sum, w)
	return w
}

// WindowSum is the sum of the window coefficients.
func WindowSum(w []float64) float64 { return floats.Sum(w) }

// ApplyWindow multiplies complex64 samples by the window. The lengths must
// match; otherwise an empty slice is returned.
func ApplyWindow(samples []complex64, w []float64) []complex128 {
	if len(samples) != len(w) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*w[i], float64(imag(v))*w[i])
	}
	return out
}

// ApplyWindow128 is ApplyWindow for complex128 input.
func ApplyWindow128(samples []complex128, w []float64) []complex128 {
	if len(samples) != len(w) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = v * complex(w[i], 0)
	}
	return out
}
