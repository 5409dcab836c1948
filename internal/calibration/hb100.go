package calibration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/sdr"
	"github.com/rjboer/adiphaser/internal/spectrum"
)

// DefaultHB100Freq is assumed when no HB100 measurement was saved.
const DefaultHB100Freq = 10.5e9

// HB100Search describes the LO sweep used to locate an HB100 emitter.
type HB100Search struct {
	Start, Stop, Step float64
	RxLO              float64
	// Gain is the beamformer gain code applied to every element.
	Gain int
}

// DefaultHB100Search covers the X band range HB100 modules ship in.
func DefaultHB100Search() HB100Search {
	return HB100Search{Start: 10.0e9, Stop: 10.7e9, Step: 10e6, RxLO: sdr.DefaultRxLO, Gain: 64}
}

// HB100Result is the strongest tone found by FindHB100.
type HB100Result struct {
	Freq    float64 `json:"freq" yaml:"freq"`
	LevelDB float64 `json:"level_db" yaml:"level_db"`
}

// FindHB100 steps the PLL across the search span and returns the strongest
// tone seen. The PLL runs above the signal by the receiver LO, so the
// downconversion mirrors the spectrum and a tone at baseband offset b sits
// at tuned − b. The PLL is left tuned to the tone.
func (c *Calibrator) FindHB100(ctx context.Context, s HB100Search) (HB100Result, error) {
	if s.Step <= 0 || s.Stop <= s.Start {
		return HB100Result{}, fmt.Errorf("hb100: bad span %g..%g step %g", s.Start, s.Stop, s.Step)
	}
	if s.RxLO <= 0 {
		s.RxLO = sdr.DefaultRxLO
	}
	p := c.Phaser
	for k := 0; k < beamformer.NumElements; k++ {
		if err := p.SetChanGain(ctx, k, s.Gain, false); err != nil {
			return HB100Result{}, err
		}
	}
	if err := p.SetBeamPhaseDiff(ctx, 0); err != nil {
		return HB100Result{}, err
	}

	best := HB100Result{LevelDB: math.Inf(-1)}
	fsHz := c.SDR.SampleRate()
	for f := s.Start; f < s.Stop; f += s.Step {
		if err := p.TuneLO(ctx, f, s.RxLO); err != nil {
			return HB100Result{}, err
		}
		sum, err := c.capture(ctx)
		if err != nil {
			return HB100Result{}, err
		}
		est := spectrum.SpecEst(sum, fsHz, 1<<12, true)
		for i, a := range est.AmpDB {
			if a > best.LevelDB {
				best = HB100Result{Freq: f - est.Freqs[i], LevelDB: a}
			}
		}
	}
	if err := p.TuneLO(ctx, best.Freq, s.RxLO); err != nil {
		return best, err
	}
	c.log.Info("hb100 found", logging.F("freq_hz", best.Freq), logging.F("level_db", best.LevelDB))
	return best, nil
}

type hb100File struct {
	Freq float64 `yaml:"hb100_freq"`
}

// LoadHB100 reads a saved HB100 frequency. A missing file yields
// DefaultHB100Freq.
func LoadHB100(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultHB100Freq, nil
	}
	if err != nil {
		return 0, err
	}
	var f hb100File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Freq <= 0 {
		return DefaultHB100Freq, nil
	}
	return f.Freq, nil
}

// SaveHB100 writes freq to path.
func SaveHB100(path string, freq float64) error {
	data, err := yaml.Marshal(hb100File{Freq: freq})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
