package calibration

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/adiphaser/internal/beamformer"
)

// Profile is a saved set of calibration values.
type Profile struct {
	ID         string     `yaml:"id" json:"id"`
	Created    time.Time  `yaml:"created" json:"created"`
	SignalFreq float64    `yaml:"signal_freq" json:"signal_freq"`
	GCal       []float64  `yaml:"gcal,flow" json:"gcal"`
	PCal       []float64  `yaml:"pcal,flow" json:"pcal"`
	CCal       [2]float64 `yaml:"ccal,flow" json:"ccal"`
	PhDeltas   []float64  `yaml:"ph_deltas,flow,omitempty" json:"ph_deltas,omitempty"`
}

// DefaultProfile is an uncalibrated board: unity gains, no phase offsets.
func DefaultProfile() *Profile {
	p := &Profile{
		SignalFreq: beamformer.DefaultSignalFreq,
		GCal:       make([]float64, beamformer.NumElements),
		PCal:       make([]float64, beamformer.NumElements),
	}
	for i := range p.GCal {
		p.GCal[i] = 1
	}
	return p
}

// ProfileFrom captures the calibration currently held by p under a new ID.
func ProfileFrom(p *beamformer.Phaser) *Profile {
	return &Profile{
		ID:         uuid.NewString(),
		Created:    time.Now().UTC(),
		SignalFreq: p.SignalFreq,
		GCal:       append([]float64(nil), p.GCal...),
		PCal:       append([]float64(nil), p.PCal...),
		CCal:       p.CCal,
		PhDeltas:   append([]float64(nil), p.PhDeltas...),
	}
}

// Validate checks the per element slices.
func (pr *Profile) Validate() error {
	if len(pr.GCal) != beamformer.NumElements {
		return fmt.Errorf("profile: gcal has %d values, want %d", len(pr.GCal), beamformer.NumElements)
	}
	if len(pr.PCal) != beamformer.NumElements {
		return fmt.Errorf("profile: pcal has %d values, want %d", len(pr.PCal), beamformer.NumElements)
	}
	for i, g := range pr.GCal {
		if g < 0 || g > 1 {
			return fmt.Errorf("profile: gcal[%d] = %g outside [0, 1]", i, g)
		}
	}
	return nil
}

// Apply copies the profile into p.
func (pr *Profile) Apply(p *beamformer.Phaser) error {
	if err := pr.Validate(); err != nil {
		return err
	}
	copy(p.GCal, pr.GCal)
	copy(p.PCal, pr.PCal)
	p.CCal = pr.CCal
	if len(pr.PhDeltas) == len(p.PhDeltas) {
		copy(p.PhDeltas, pr.PhDeltas)
	}
	if pr.SignalFreq > 0 {
		p.SignalFreq = pr.SignalFreq
	}
	return nil
}

// LoadProfile reads a profile from path. A missing file yields
// DefaultProfile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultProfile(), nil
	}
	if err != nil {
		return nil, err
	}
	pr := DefaultProfile()
	if err := yaml.Unmarshal(data, pr); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := pr.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pr, nil
}

// Save writes the profile to path, assigning an ID when it has none.
func (pr *Profile) Save(path string) error {
	if pr.ID == "" {
		pr.ID = uuid.NewString()
	}
	if pr.Created.IsZero() {
		pr.Created = time.Now().UTC()
	}
	data, err := yaml.Marshal(pr)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
