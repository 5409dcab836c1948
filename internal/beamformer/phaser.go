package beamformer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/logging"
)

// Phaser defaults.
const (
	NumElements           = 8
	DefaultAverages       = 16
	DefaultPhaseStep      = 2.8125 // 360/2^7, the vector modulator resolution
	DefaultSignalFreq     = 10.492e9
	DefaultElementSpacing = 0.015 // metres
)

// DefaultChipLabels are the beamformer labels of a CN0566.
var DefaultChipLabels = []string{"BEAM0", "BEAM1"}

// RxGainSetter sets the receiver hardware gain of one SDR channel in dB.
type RxGainSetter interface {
	SetRxHardwareGain(ctx context.Context, ch int, dB float64) error
}

// Phaser is the CN0566 board: eight receive elements on two beamformer
// chips, the LO PLL, the supply monitor, the GPIOs and the calibration
// state applied on top of every gain and phase write.
type Phaser struct {
	Array   *Array
	PLL     *ADF4159
	Monitor *Monitor
	GPIOs   *GPIOs
	Rx      RxGainSetter

	Mode           Mode
	Averages       int
	PhaseStep      float64
	SignalFreq     float64
	ElementSpacing float64

	GCal     []float64
	PCal     []float64
	CCal     [2]float64
	PhDeltas []float64

	log logging.Logger
}

// Option customizes Open.
type Option func(*openConfig)

type openConfig struct {
	log      logging.Logger
	labels   []string
	elements ElementMap
	pins     map[string]Pin
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *openConfig) { c.log = l }
}

// WithChips overrides the chip labels and their element wiring.
func WithChips(labels []string, m ElementMap) Option {
	return func(c *openConfig) {
		c.labels = labels
		c.elements = m
	}
}

// WithPins overrides the GPIO pin table.
func WithPins(p map[string]Pin) Option {
	return func(c *openConfig) { c.pins = p }
}

// Open binds every Phaser device on io and drives the GPIOs to their
// defaults. rx may be nil when no receiver gain control is needed.
func Open(ctx context.Context, io AttrIO, rx RxGainSetter, opts ...Option) (*Phaser, error) {
	cfg := openConfig{labels: DefaultChipLabels, elements: DefaultElementMap(), pins: PhaserPins}
	for _, o := range opts {
		o(&cfg)
	}
	log := logging.Or(cfg.log)

	arr, err := NewArray(ctx, io, cfg.labels, cfg.elements)
	if err != nil {
		return nil, fmt.Errorf("open beamformers: %w", err)
	}
	if arr.NumElements() != NumElements {
		return nil, fmt.Errorf("beamformer: expected %d elements, mapped %d", NumElements, arr.NumElements())
	}
	pll, err := NewADF4159(ctx, io)
	if err != nil {
		return nil, fmt.Errorf("open pll: %w", err)
	}
	gp, err := NewGPIOs(ctx, io, cfg.pins)
	if err != nil {
		return nil, fmt.Errorf("open gpios: %w", err)
	}
	mon, err := NewMonitor(ctx, io)
	if err != nil {
		return nil, fmt.Errorf("open monitor: %w", err)
	}
	p := &Phaser{
		Array:          arr,
		PLL:            pll,
		Monitor:        mon,
		GPIOs:          gp,
		Rx:             rx,
		Mode:           ModeRx,
		Averages:       DefaultAverages,
		PhaseStep:      DefaultPhaseStep,
		SignalFreq:     DefaultSignalFreq,
		ElementSpacing: DefaultElementSpacing,
		log:            log,
	}
	p.ResetCalibration()
	if err := gp.Apply(ctx, PhaserPinDefaults); err != nil {
		return nil, err
	}
	if muxout, err := gp.Get(ctx, "muxout"); err == nil {
		log.Debug("phaser opened", logging.F("chips", len(arr.Chips)), logging.F("muxout", muxout))
	}
	return p, nil
}

// ResetCalibration restores unity gains, zero phase offsets and no channel
// compensation.
func (p *Phaser) ResetCalibration() {
	p.GCal = make([]float64, NumElements)
	for i := range p.GCal {
		p.GCal[i] = 1
	}
	p.PCal = make([]float64, NumElements)
	p.PhDeltas = make([]float64, NumElements-1)
	p.CCal = [2]float64{}
}

// Logger returns the board logger.
func (p *Phaser) Logger() logging.Logger { return p.log }

func (p *Phaser) element(i int) (ElementRef, error) {
	if i < 0 || i >= NumElements {
		return ElementRef{}, fmt.Errorf("beamformer: element index %d out of range", i)
	}
	return p.Array.Element(i + 1)
}

// Configure writes the device settings of every chip for mode.
func (p *Phaser) Configure(ctx context.Context, mode Mode) error {
	for _, c := range p.Array.Chips {
		if err := c.Configure(ctx, mode); err != nil {
			return fmt.Errorf("configure %s: %w", c.Label(), err)
		}
	}
	p.Mode = mode
	return nil
}

func (p *Phaser) gainFor(i, v int, applyCal bool) int {
	if applyCal {
		return int(float64(v) * p.GCal[i])
	}
	return v
}

// SetAllGain sets every element to v, scaled by GCal when applyCal is set.
// A zero gain also engages the element attenuator.
func (p *Phaser) SetAllGain(ctx context.Context, v int, applyCal bool) error {
	for i := 0; i < NumElements; i++ {
		el, err := p.element(i)
		if err != nil {
			return err
		}
		if err := el.Chip.SetRxGainAtten(ctx, el.Channel, p.gainFor(i, v, applyCal), v == 0); err != nil {
			return err
		}
	}
	return p.Array.LatchRx(ctx)
}

// SetChanGain sets the gain of element i (0-based).
func (p *Phaser) SetChanGain(ctx context.Context, i, v int, applyCal bool) error {
	el, err := p.element(i)
	if err != nil {
		return err
	}
	if err := el.Chip.SetRxGainAtten(ctx, el.Channel, p.gainFor(i, v, applyCal), false); err != nil {
		return err
	}
	return p.Array.LatchRx(ctx)
}

// SetChanPhase sets the phase of element i (0-based), adding PCal when
// applyCal is set.
func (p *Phaser) SetChanPhase(ctx context.Context, i int, deg float64, applyCal bool) error {
	el, err := p.element(i)
	if err != nil {
		return err
	}
	if applyCal {
		deg += p.PCal[i]
	}
	if err := el.Chip.SetRxPhase(ctx, el.Channel, dsp.WrapPhase360(deg)); err != nil {
		return err
	}
	return p.Array.LatchRx(ctx)
}

// BeamPhase returns the calibrated phase element k receives for a
// progressive phase difference d.
func (p *Phaser) BeamPhase(k int, d float64) float64 {
	q := math.RoundToEven(d*float64(k)/p.PhaseStep) * p.PhaseStep
	return dsp.WrapPhase360(q + p.PCal[k])
}

// SetBeamPhaseDiff steers the array with phase difference d degrees
// between adjacent elements, quantized to the phase step.
func (p *Phaser) SetBeamPhaseDiff(ctx context.Context, d float64) error {
	for k := 0; k < NumElements; k++ {
		el, err := p.element(k)
		if err != nil {
			return err
		}
		if err := el.Chip.SetRxPhase(ctx, el.Channel, p.BeamPhase(k, d)); err != nil {
			return err
		}
	}
	return p.Array.LatchRx(ctx)
}

// ErrNoReceiver is returned when an operation needs receiver gain control
// and none was attached.
var ErrNoReceiver = errors.New("beamformer: no receiver attached")

// SetRxHardwareGain sets both SDR channels to gain dB, adding CCal when
// applyCal is set.
func (p *Phaser) SetRxHardwareGain(ctx context.Context, gain float64, applyCal bool) error {
	if p.Rx == nil {
		return ErrNoReceiver
	}
	for ch := 0; ch < 2; ch++ {
		g := gain
		if applyCal {
			g += p.CCal[ch]
		}
		if err := p.Rx.SetRxHardwareGain(ctx, ch, math.Trunc(g)); err != nil {
			return fmt.Errorf("rx%d hardware gain: %w", ch, err)
		}
	}
	return nil
}

// ReadMonitor samples the supply monitor.
func (p *Phaser) ReadMonitor(ctx context.Context) (MonitorReading, error) {
	r, err := p.Monitor.Read(ctx)
	if err != nil {
		return r, err
	}
	p.log.Debug("monitor", logging.F("temp_c", r.TemperatureC), logging.F("vin", r.VInput))
	return r, nil
}

// PLLFeedbackDivider is the VCO output division ahead of the PLL input.
const PLLFeedbackDivider = 4

// LOFrequency returns the PLL setting that mixes signalHz down to the SDR
// receive LO rxLO.
func LOFrequency(signalHz, rxLO float64) int64 {
	return int64(signalHz+rxLO) / PLLFeedbackDivider
}

// TuneLO programs the PLL for signalHz received at SDR LO rxLO and records
// the signal frequency used for steering.
func (p *Phaser) TuneLO(ctx context.Context, signalHz, rxLO float64) error {
	if err := p.PLL.SetFrequency(ctx, LOFrequency(signalHz, rxLO)); err != nil {
		return err
	}
	p.SignalFreq = signalHz
	return nil
}

// ConfigurePLL sets a fixed, unramped LO for signalHz and powers it up.
func (p *Phaser) ConfigurePLL(ctx context.Context, signalHz, rxLO float64) error {
	if err := p.TuneLO(ctx, signalHz, rxLO); err != nil {
		return err
	}
	if err := p.PLL.SetFreqDevStep(ctx, 5690); err != nil {
		return err
	}
	if err := p.PLL.SetFreqDevRange(ctx, 0); err != nil {
		return err
	}
	if err := p.PLL.SetFreqDevTime(ctx, 0); err != nil {
		return err
	}
	if err := p.PLL.Enable(ctx, true); err != nil {
		return err
	}
	return p.PLL.SetRampMode(ctx, "disabled")
}
