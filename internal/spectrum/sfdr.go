package spectrum

import (
	"fmt"
	"math"
	"sort"
)

// SFDRResult reports the spurious free dynamic range of a capture.
type SFDRResult struct {
	DB        float64 `json:"sfdr_db"`
	MainDB    float64 `json:"main_db"`
	MainFreq  float64 `json:"main_freq"`
	SpurDB    float64 `json:"spur_db"`
	SpurFreq  float64 `json:"spur_freq"`
	MainIndex int     `json:"main_index"`
	SpurIndex int     `json:"spur_index"`
}

// SFDR estimates the spectrum of x, finds peaks at least a tenth of the
// capture apart and returns the distance in dB between the strongest and
// the second strongest. The reference measurement is unwindowed; windowed
// applies the Kaiser window of SpecEst.
func SFDR(x []complex128, fs, ref float64, windowed bool) (SFDRResult, error) {
	return SFDRFromSpectrum(SpecEst(x, fs, ref, windowed))
}

// SFDRFromSpectrum computes SFDR on an already estimated shifted spectrum.
func SFDRFromSpectrum(s Spectrum) (SFDRResult, error) {
	distance := int(math.Floor(float64(s.Len()) * 0.1))
	peaks := FindPeaks(s.AmpDB, distance)
	if len(peaks) < 2 {
		return SFDRResult{}, fmt.Errorf("%w: found %d", ErrNotEnoughPeaks, len(peaks))
	}
	sort.SliceStable(peaks, func(i, j int) bool { return s.AmpDB[peaks[i]] > s.AmpDB[peaks[j]] })
	main, spur := peaks[0], peaks[1]
	return SFDRResult{
		DB:        math.Abs(s.AmpDB[main] - s.AmpDB[spur]),
		MainDB:    s.AmpDB[main],
		MainFreq:  s.Freqs[main],
		SpurDB:    s.AmpDB[spur],
		SpurFreq:  s.Freqs[spur],
		MainIndex: main,
		SpurIndex: spur,
	}, nil
}

// Harmonic is a harmonic that comes too close to the fundamental.
type Harmonic struct {
	Order   int     `json:"order"`
	Freq    float64 `json:"freq"`
	LevelDB float64 `json:"level_db"`
	BelowDB float64 `json:"below_carrier_db"`
}

// CheckHarmonics searches the n largest bins of s for harmonics of the main
// tone and returns those less than limitDB below it.
func CheckHarmonics(s Spectrum, n int, tol, limitDB float64) (Harmonics, []Harmonic, error) {
	h, err := FindHarmonics(s.AmpDB, s.Freqs, n, tol)
	if err != nil {
		return h, nil, err
	}
	main := s.AmpDB[h.MainIndex]
	var bad []Harmonic
	for k, idx := range h.Indices {
		below := math.Abs(main - h.Values[k])
		if below >= limitDB {
			continue
		}
		f := s.Freqs[idx]
		bad = append(bad, Harmonic{
			Order:   int(math.Round(math.Abs(f) / h.MainFreq)),
			Freq:    f,
			LevelDB: h.Values[k],
			BelowDB: below,
		})
	}
	return h, bad, nil
}
