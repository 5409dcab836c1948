// Package dds drives the direct digital synthesizers of an ADI transmit DAC
// core. Each complex transmit channel has two tones, each tone an I and a Q
// synthesizer, so a core with n channels exposes 4n DDS channels named
// TX<c>_I_F1, TX<c>_I_F2, TX<c>_Q_F1 and TX<c>_Q_F2.
package dds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/logging"
)

// ChannelIO reads and writes channel attributes. *iiod.Client implements it.
type ChannelIO interface {
	ReadChannelAttr(ctx context.Context, dev string, output bool, ch, attr string) (string, error)
	WriteChannelAttr(ctx context.Context, dev string, output bool, ch, attr, value string) error
}

type contextReader interface {
	Context(ctx context.Context) (*iiod.Context, error)
}

// PhaseI and PhaseQ put the Q synthesizer 90° behind I, giving a positive
// frequency complex tone. Phases are in millidegrees.
const (
	PhaseI = 90000
	PhaseQ = 0
)

// Channel is one DDS output.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DDS is the set of synthesizers of one DAC core.
type DDS struct {
	io       ChannelIO
	dev      string
	channels []Channel
	log      logging.Logger
}

// New finds the DDS channels of dev. When io can describe its context the
// named altvoltage output channels are used in id order; otherwise 4·numTx
// channels are assumed.
func New(ctx context.Context, io ChannelIO, dev string, numTx int, log logging.Logger) (*DDS, error) {
	d := &DDS{io: io, dev: dev, log: logging.Or(log)}
	if cr, ok := io.(contextReader); ok {
		c, err := cr.Context(ctx)
		if err != nil {
			return nil, err
		}
		dv, ok := c.FindDevice(dev)
		if !ok {
			return nil, fmt.Errorf("dds: device %s not found", dev)
		}
		d.dev = dv.ID
		for _, ch := range dv.Channels {
			if ch.IsOutput() && ch.Name != "" && strings.HasPrefix(ch.ID, "altvoltage") {
				d.channels = append(d.channels, Channel{ID: ch.ID, Name: ch.Name})
			}
		}
		sort.Slice(d.channels, func(i, j int) bool {
			return channelIndex(d.channels[i].ID) < channelIndex(d.channels[j].ID)
		})
	} else {
		for i := 0; i < 4*numTx; i++ {
			d.channels = append(d.channels, Channel{ID: "altvoltage" + strconv.Itoa(i), Name: ToneName(i)})
		}
	}
	if len(d.channels) == 0 || len(d.channels)%4 != 0 {
		return nil, fmt.Errorf("dds: %s has %d tone channels", dev, len(d.channels))
	}
	return d, nil
}

func channelIndex(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "altvoltage"))
	return n
}

// ToneName is the conventional name of DDS channel i.
func ToneName(i int) string {
	iq := "I"
	if i%4 >= 2 {
		iq = "Q"
	}
	return fmt.Sprintf("TX%d_%s_F%d", i/4+1, iq, i%2+1)
}

// Channels returns the DDS channels in order.
func (d *DDS) Channels() []Channel { return d.channels }

// NumTx returns the number of complex transmit channels.
func (d *DDS) NumTx() int { return len(d.channels) / 4 }

func (d *DDS) read(ctx context.Context, attr string) ([]string, error) {
	out := make([]string, len(d.channels))
	for i, ch := range d.channels {
		v, err := d.io.ReadChannelAttr(ctx, d.dev, true, ch.ID, attr)
		if err != nil {
			return nil, fmt.Errorf("read %s %s: %w", ch.Name, attr, err)
		}
		out[i] = v
	}
	return out, nil
}

func (d *DDS) write(ctx context.Context, attr string, values []string) error {
	if len(values) != len(d.channels) {
		return fmt.Errorf("dds: %d %s values for %d channels", len(values), attr, len(d.channels))
	}
	for i, ch := range d.channels {
		if err := d.io.WriteChannelAttr(ctx, d.dev, true, ch.ID, attr, values[i]); err != nil {
			return fmt.Errorf("write %s %s: %w", ch.Name, attr, err)
		}
	}
	return nil
}

func parseAll(raw []string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := iiod.ParseFloat(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Frequencies returns the tone frequencies in Hz.
func (d *DDS) Frequencies(ctx context.Context) ([]float64, error) {
	raw, err := d.read(ctx, "frequency")
	if err != nil {
		return nil, err
	}
	return parseAll(raw)
}

// SetFrequencies sets the tone frequencies in Hz.
func (d *DDS) SetFrequencies(ctx context.Context, hz []float64) error {
	vals := make([]string, len(hz))
	for i, f := range hz {
		vals[i] = strconv.FormatInt(int64(f), 10)
	}
	return d.write(ctx, "frequency", vals)
}

// ErrScale is returned for a scale outside [0, 1].
var ErrScale = errors.New("dds: scale outside [0, 1]")

// Scales returns the tone amplitudes relative to full scale.
func (d *DDS) Scales(ctx context.Context) ([]float64, error) {
	raw, err := d.read(ctx, "scale")
	if err != nil {
		return nil, err
	}
	return parseAll(raw)
}

// SetScales sets the tone amplitudes, each in [0, 1].
func (d *DDS) SetScales(ctx context.Context, scales []float64) error {
	vals := make([]string, len(scales))
	for i, s := range scales {
		if s < 0 || s > 1 {
			return fmt.Errorf("%w: %g", ErrScale, s)
		}
		vals[i] = iiod.FormatFloat(s)
	}
	return d.write(ctx, "scale", vals)
}

// Phases returns the tone phases in millidegrees.
func (d *DDS) Phases(ctx context.Context) ([]int, error) {
	raw, err := d.read(ctx, "phase")
	if err != nil {
		return nil, err
	}
	out := make([]int, len(raw))
	for i, s := range raw {
		v, err := iiod.ParseInt(s)
		if err != nil {
			return nil, err
		}
		out[i] = int(v)
	}
	return out, nil
}

// SetPhases sets the tone phases in millidegrees, wrapped into [0, 360000).
func (d *DDS) SetPhases(ctx context.Context, mdeg []int) error {
	vals := make([]string, len(mdeg))
	for i, p := range mdeg {
		p %= 360000
		if p < 0 {
			p += 360000
		}
		vals[i] = strconv.Itoa(p)
	}
	return d.write(ctx, "phase", vals)
}

// Enabled reports the enable state of each tone.
func (d *DDS) Enabled(ctx context.Context) ([]bool, error) {
	raw, err := d.read(ctx, "raw")
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(raw))
	for i, s := range raw {
		out[i] = strings.TrimSpace(s) != "0"
	}
	return out, nil
}

// SetEnabled enables or disables each tone.
func (d *DDS) SetEnabled(ctx context.Context, on []bool) error {
	vals := make([]string, len(on))
	for i, b := range on {
		vals[i] = "0"
		if b {
			vals[i] = "1"
		}
	}
	return d.write(ctx, "raw", vals)
}

// Disable turns every tone off.
func (d *DDS) Disable(ctx context.Context) error {
	return d.SetEnabled(ctx, make([]bool, len(d.channels)))
}

// Tone describes one complex tone.
type Tone struct {
	Freq  float64 `json:"freq"`
	Scale float64 `json:"scale"`
}

// apply zeroes every tone, then programs tones[k] as tone F(k+1) of
// transmit channel ch.
func (d *DDS) apply(ctx context.Context, ch int, tones ...Tone) error {
	if ch < 0 || ch >= d.NumTx() {
		return fmt.Errorf("dds: transmit channel %d out of range", ch)
	}
	n := len(d.channels)
	freqs := make([]float64, n)
	scales := make([]float64, n)
	phases := make([]int, n)
	for k, t := range tones {
		i, q := ch*4+k, ch*4+2+k
		freqs[i], freqs[q] = t.Freq, t.Freq
		scales[i], scales[q] = t.Scale, t.Scale
		phases[i], phases[q] = PhaseI, PhaseQ
	}
	if err := d.SetFrequencies(ctx, freqs); err != nil {
		return err
	}
	if err := d.SetScales(ctx, scales); err != nil {
		return err
	}
	if err := d.SetPhases(ctx, phases); err != nil {
		return err
	}
	on := make([]bool, n)
	for i := range on {
		on[i] = true
	}
	if err := d.SetEnabled(ctx, on); err != nil {
		return err
	}
	d.log.Debug("dds tones", logging.F("device", d.dev), logging.F("channel", ch), logging.F("tones", tones))
	return nil
}

// SingleTone generates one complex tone on transmit channel ch and silences
// every other tone.
func (d *DDS) SingleTone(ctx context.Context, freq, scale float64, ch int) error {
	return d.apply(ctx, ch, Tone{Freq: freq, Scale: scale})
}

// DualTone generates two complex tones on transmit channel ch.
func (d *DDS) DualTone(ctx context.Context, t1, t2 Tone, ch int) error {
	return d.apply(ctx, ch, t1, t2)
}
