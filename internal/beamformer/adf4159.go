package beamformer

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

const pllChannel = "altvoltage0"

// ADF4159 is the ramping PLL generating the Phaser LO. Every attribute
// lives on the altvoltage0 output channel.
type ADF4159 struct {
	io  AttrIO
	dev string
}

// NewADF4159 binds the "adf4159" device.
func NewADF4159(ctx context.Context, io AttrIO) (*ADF4159, error) {
	dev, err := ResolveDevice(ctx, io, "adf4159")
	if err != nil {
		return nil, err
	}
	return &ADF4159{io: io, dev: dev}, nil
}

func (p *ADF4159) readInt(ctx context.Context, attr string) (int64, error) {
	v, err := readChanInt(ctx, p.io, p.dev, true, pllChannel, attr)
	if err != nil {
		return 0, fmt.Errorf("adf4159 %s: %w", attr, err)
	}
	return v, nil
}

func (p *ADF4159) writeInt(ctx context.Context, attr string, v int64) error {
	if err := writeChanInt(ctx, p.io, p.dev, true, pllChannel, attr, v); err != nil {
		return fmt.Errorf("adf4159 %s: %w", attr, err)
	}
	return nil
}

// Frequency returns the output frequency in Hz.
func (p *ADF4159) Frequency(ctx context.Context) (int64, error) {
	return p.readInt(ctx, "frequency")
}

// SetFrequency sets the output frequency in Hz.
func (p *ADF4159) SetFrequency(ctx context.Context, hz int64) error {
	return p.writeInt(ctx, "frequency", hz)
}

// Enable powers the PLL output up or down.
func (p *ADF4159) Enable(ctx context.Context, on bool) error {
	pd := int64(1)
	if on {
		pd = 0
	}
	return p.writeInt(ctx, "powerdown", pd)
}

// Enabled reports whether the output is powered.
func (p *ADF4159) Enabled(ctx context.Context) (bool, error) {
	pd, err := p.readInt(ctx, "powerdown")
	return pd == 0, err
}

// RampModes lists the accepted ramp modes.
func (p *ADF4159) RampModes(ctx context.Context) ([]string, error) {
	raw, err := p.io.ReadChannelAttr(ctx, p.dev, true, pllChannel, "ramp_mode_available")
	if err != nil {
		return nil, fmt.Errorf("adf4159 ramp_mode_available: %w", err)
	}
	return strings.Fields(raw), nil
}

// RampMode returns the current ramp mode.
func (p *ADF4159) RampMode(ctx context.Context) (string, error) {
	return p.io.ReadChannelAttr(ctx, p.dev, true, pllChannel, "ramp_mode")
}

// SetRampMode selects a ramp mode after checking it is available.
func (p *ADF4159) SetRampMode(ctx context.Context, mode string) error {
	modes, err := p.RampModes(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(modes, mode) {
		return fmt.Errorf("adf4159: ramp mode %q not in %v", mode, modes)
	}
	return p.io.WriteChannelAttr(ctx, p.dev, true, pllChannel, "ramp_mode", mode)
}

// FreqDevRange returns the ramp deviation range in Hz.
func (p *ADF4159) FreqDevRange(ctx context.Context) (int64, error) {
	return p.readInt(ctx, "frequency_deviation_range")
}

// SetFreqDevRange sets the ramp deviation range in Hz.
func (p *ADF4159) SetFreqDevRange(ctx context.Context, hz int64) error {
	return p.writeInt(ctx, "frequency_deviation_range", hz)
}

// FreqDevStep returns the ramp step count.
func (p *ADF4159) FreqDevStep(ctx context.Context) (int64, error) {
	return p.readInt(ctx, "frequency_deviation_step")
}

// SetFreqDevStep sets the ramp step count. The driver takes the value
// offset by one.
func (p *ADF4159) SetFreqDevStep(ctx context.Context, steps int64) error {
	return p.writeInt(ctx, "frequency_deviation_step", steps+1)
}

// FreqDevTime returns the ramp time in microseconds.
func (p *ADF4159) FreqDevTime(ctx context.Context) (int64, error) {
	return p.readInt(ctx, "frequency_deviation_time")
}

// SetFreqDevTime sets the ramp time in microseconds.
func (p *ADF4159) SetFreqDevTime(ctx context.Context, us int64) error {
	return p.writeInt(ctx, "frequency_deviation_time", us)
}
