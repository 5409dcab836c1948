package spectrum

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ErrNotEnoughPeaks is returned when a metric needs more peaks than the
// spectrum contains.
var ErrNotEnoughPeaks = errors.New("spectrum: not enough peaks")

// MeasurePeaks returns the n largest values of x and their indices by
// repeatedly taking the maximum and masking it with the series minimum.
// Ties resolve to the lowest index.
func MeasurePeaks(x []float64, n int) (vals []float64, idx []int) {
	if len(x) == 0 || n <= 0 {
		return nil, nil
	}
	n = min(n, len(x))
	work := append([]float64(nil), x...)
	floor := floats.Min(work)
	for k := 0; k < n; k++ {
		loc := floats.MaxIdx(work)
		vals = append(vals, work[loc])
		idx = append(idx, loc)
		work[loc] = floor
	}
	return vals, idx
}

// localMaxima finds strict local maxima, reporting the middle sample of
// flat tops. The first and last samples are never maxima.
func localMaxima(x []float64) []int {
	var peaks []int
	n := len(x)
	i := 1
	for i < n-1 {
		if x[i-1] < x[i] {
			ahead := i + 1
			for ahead < n-1 && x[ahead] == x[i] {
				ahead++
			}
			if x[ahead] < x[i] {
				peaks = append(peaks, (i+ahead-1)/2)
				i = ahead
				continue
			}
		}
		i++
	}
	return peaks
}

// FindPeaks returns the indices of local maxima in x that are at least
// distance samples apart. When two maxima are closer, the higher one is
// kept. Results are in ascending index order.
func FindPeaks(x []float64, distance int) []int {
	peaks := localMaxima(x)
	if distance <= 1 || len(peaks) < 2 {
		return peaks
	}
	order := make([]int, len(peaks))
	for i := range order {
		order[i] = i
	}
	// higher peaks win; between equal ones the rightmost
	sort.Slice(order, func(a, b int) bool {
		va, vb := x[peaks[order[a]]], x[peaks[order[b]]]
		if va != vb {
			return va > vb
		}
		return order[a] > order[b]
	})

	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}
	for _, pi := range order {
		if !keep[pi] {
			continue
		}
		for j := pi - 1; j >= 0 && peaks[pi]-peaks[j] < distance; j-- {
			keep[j] = false
		}
		for j := pi + 1; j < len(peaks) && peaks[j]-peaks[pi] < distance; j++ {
			keep[j] = false
		}
	}
	out := peaks[:0:0]
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// FindPeaksCustom locates the global maximum and walks outwards from it in
// both directions, collecting side lobe peaks. The main peak comes first,
// followed by the left peaks (nearest first) and then the right peaks.
func FindPeaksCustom(x []float64) []int {
	if len(x) == 0 {
		return nil
	}
	loc := floats.MaxIdx(x)
	peaks := []int{loc}

	armed := false
	for l := loc - 1; l > 0; l-- {
		if !armed {
			if x[l] > x[l-1] {
				armed = true
			}
			continue
		}
		if x[l] < x[l-1] {
			peaks = append(peaks, l-1)
			armed = false
		}
	}
	armed = false
	for r := loc + 1; r < len(x); r++ {
		if !armed {
			if x[r-1] < x[r] {
				armed = true
			}
			continue
		}
		if x[r-1] > x[r] {
			peaks = append(peaks, r-1)
			armed = false
		}
	}
	return peaks
}

// Harmonics describes the main tone of a shifted spectrum and the peaks
// that sit on integer multiples of its frequency.
type Harmonics struct {
	MainFreq  float64   `json:"main_freq"`
	MainIndex int       `json:"main_index"`
	Values    []float64 `json:"values"`
	Indices   []int     `json:"indices"`
}

// FindHarmonics takes the n largest bins of the shifted spectrum x with
// frequency axis freqs. The largest is the fundamental; each other bin whose
// |f| is within tol·|f0| of a multiple of |f0| is reported as a harmonic.
// Bins within tol·len(x) of DC are ignored.
func FindHarmonics(x, freqs []float64, n int, tol float64) (Harmonics, error) {
	if len(x) == 0 || len(x) != len(freqs) {
		return Harmonics{}, errors.New("spectrum: amplitude and frequency axes differ")
	}
	vals, idx := MeasurePeaks(x, max(n, 1))
	h := Harmonics{MainFreq: math.Abs(freqs[idx[0]]), MainIndex: idx[0]}
	if h.MainFreq == 0 {
		return h, errors.New("spectrum: fundamental is at DC")
	}
	dc := len(x) / 2
	for k := 1; k < len(vals); k++ {
		if math.Abs(float64(idx[k]-dc)) < tol*float64(len(x)) {
			continue
		}
		rem := math.Mod(math.Abs(freqs[idx[k]]), h.MainFreq)
		if math.Min(rem, h.MainFreq-rem) < h.MainFreq*tol {
			h.Values = append(h.Values, vals[k])
			h.Indices = append(h.Indices, idx[k])
		}
	}
	return h, nil
}
