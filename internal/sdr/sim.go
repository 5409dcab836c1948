package sdr

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"strconv"
	"sync"
	"syscall"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/dsp"
)

// SimConfig describes the simulated board and emitter.
type SimConfig struct {
	// ArrivalAngle is the emitter direction in degrees from boresight.
	ArrivalAngle float64
	// SourceFreq is the emitter frequency in Hz.
	SourceFreq float64
	// Amplitude is the per element tone level in ADC counts at full
	// beamformer gain and 0 dB receiver gain.
	Amplitude float64
	// ElementGain and ElementPhase are the true per element errors the
	// calibration has to find.
	ElementGain  [beamformer.NumElements]float64
	ElementPhase [beamformer.NumElements]float64
	// ChannelGainDB is the mismatch of the two receive paths.
	ChannelGainDB  [2]float64
	NoiseRMS       float64
	ElementSpacing float64
	Seed           int64
	Labels         []string
	Elements       beamformer.ElementMap
}

// DefaultSimConfig is an ideal board with an emitter at boresight 100 kHz
// below the default signal frequency.
func DefaultSimConfig() SimConfig {
	c := SimConfig{
		SourceFreq:     beamformer.DefaultSignalFreq - 100e3,
		Amplitude:      4,
		NoiseRMS:       0.01,
		ElementSpacing: beamformer.DefaultElementSpacing,
		Seed:           1,
		Labels:         beamformer.DefaultChipLabels,
		Elements:       beamformer.DefaultElementMap(),
	}
	for i := range c.ElementGain {
		c.ElementGain[i] = 1
	}
	return c
}

type simElement struct {
	chip, channel int
}

type simChannel struct {
	gain  int
	atten bool
	phase float64
}

// Simulator models a Phaser board and its receiver. It serves the
// beamformer attribute interface and the SDR interface, and synthesises
// each receive buffer from the programmed gains and phases.
type Simulator struct {
	mu       sync.Mutex
	sim      SimConfig
	cfg      Config
	rng      *rand.Rand
	elements [beamformer.NumElements]simElement
	chips    map[string]int
	chans    [][beamformer.ChannelsPerChip]simChannel
	attrs    map[string]string
	regs     map[string]map[uint32]uint32
	hwGain   [2]float64
	sample   int64
	lastTX   [2][]complex64
	rxReads  int
}

var (
	_ SDR                     = (*Simulator)(nil)
	_ beamformer.AttrIO       = (*Simulator)(nil)
	_ beamformer.RxGainSetter = (*Simulator)(nil)
)

// NewSimulator builds a simulator. Zero fields of sim take the defaults.
func NewSimulator(sim SimConfig) (*Simulator, error) {
	def := DefaultSimConfig()
	if sim.SourceFreq == 0 {
		sim.SourceFreq = def.SourceFreq
	}
	if sim.Amplitude == 0 {
		sim.Amplitude = def.Amplitude
	}
	if sim.ElementSpacing == 0 {
		sim.ElementSpacing = def.ElementSpacing
	}
	if sim.Labels == nil {
		sim.Labels = def.Labels
	}
	if sim.Elements == nil {
		sim.Elements = def.Elements
	}
	allZero := true
	for _, g := range sim.ElementGain {
		if g != 0 {
			allZero = false
		}
	}
	if allZero {
		sim.ElementGain = def.ElementGain
	}

	s := &Simulator{
		sim:   sim,
		rng:   rand.New(rand.NewSource(sim.Seed)),
		chips: make(map[string]int),
		chans: make([][beamformer.ChannelsPerChip]simChannel, len(sim.Labels)),
		attrs: make(map[string]string),
		regs:  make(map[string]map[uint32]uint32),
	}
	seen := 0
	for ci, label := range sim.Labels {
		s.chips[label] = ci
		for ch, elem := range sim.Elements[label] {
			if elem < 1 || elem > beamformer.NumElements {
				return nil, fmt.Errorf("sim: element %d out of range", elem)
			}
			s.elements[elem-1] = simElement{chip: ci, channel: ch}
			seen++
		}
		for ch := range s.chans[ci] {
			s.chans[ci][ch] = simChannel{gain: beamformer.MaxGain}
		}
	}
	if seen != beamformer.NumElements {
		return nil, fmt.Errorf("sim: %d elements mapped", seen)
	}
	s.seedAttrs()
	return s, nil
}

func attrKey(dev, dir, ch, attr string) string { return dev + "/" + dir + "/" + ch + "/" + attr }

func dirOf(output bool) string {
	if output {
		return "out"
	}
	return "in"
}

func (s *Simulator) seedAttrs() {
	s.attrs[attrKey("adf4159", "out", "altvoltage0", "ramp_mode_available")] =
		"disabled continuous_sawtooth continuous_triangular single_sawtooth_burst single_ramp_burst"
	s.attrs[attrKey("adf4159", "out", "altvoltage0", "ramp_mode")] = "disabled"
	s.attrs[attrKey("adf4159", "out", "altvoltage0", "powerdown")] = "1"
	s.attrs[attrKey("adf4159", "out", "altvoltage0", "frequency")] = "0"
	s.attrs[attrKey("one-bit-adc-dac", "in", "voltage0", "raw")] = "1"
	s.attrs[attrKey("ad7291", "in", "temp0", "raw")] = "160"
	s.attrs[attrKey("ad7291", "in", "temp0", "scale")] = "250"
	// nominal rail readings in mV before the dividers
	rails := []float64{900, 1500, 1650, 900, 627, 1246, 30, 250}
	for i, mv := range rails {
		ch := "voltage" + strconv.Itoa(i)
		s.attrs[attrKey("ad7291", "in", ch, "raw")] = strconv.Itoa(int(mv / 0.6103515625))
		s.attrs[attrKey("ad7291", "in", ch, "scale")] = "0.610351562"
	}
	for _, label := range s.sim.Labels {
		s.attrs[attrKey(label, "in", "temp0", "raw")] = "150"
	}
}

// ReadDeviceAttr implements beamformer.AttrIO.
func (s *Simulator) ReadDeviceAttr(_ context.Context, dev, attr string) (string, error) {
	return s.get(attrKey(dev, "", "", attr))
}

// WriteDeviceAttr implements beamformer.AttrIO.
func (s *Simulator) WriteDeviceAttr(_ context.Context, dev, attr, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[attrKey(dev, "", "", attr)] = value
	return nil
}

// ReadChannelAttr implements beamformer.AttrIO.
func (s *Simulator) ReadChannelAttr(_ context.Context, dev string, output bool, ch, attr string) (string, error) {
	return s.get(attrKey(dev, dirOf(output), ch, attr))
}

// WriteChannelAttr implements beamformer.AttrIO. Beamformer phases are
// decoded into the channel model.
func (s *Simulator) WriteChannelAttr(_ context.Context, dev string, output bool, ch, attr, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ci, ok := s.chips[dev]; ok && !output && attr == "phase" {
		idx, err := channelIndex(ch)
		if err != nil {
			return err
		}
		v, err := iiod.ParseFloat(value)
		if err != nil {
			return err
		}
		s.chans[ci][idx].phase = v
	}
	s.attrs[attrKey(dev, dirOf(output), ch, attr)] = value
	return nil
}

func channelIndex(ch string) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(ch, "voltage%d", &idx); err != nil || idx < 0 || idx >= beamformer.ChannelsPerChip {
		return 0, fmt.Errorf("sim: bad beamformer channel %q", ch)
	}
	return idx, nil
}

// RegWrite implements beamformer.AttrIO. Receive gain registers are
// decoded into the channel model.
func (s *Simulator) RegWrite(_ context.Context, dev string, addr, val uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.regs[dev] == nil {
		s.regs[dev] = make(map[uint32]uint32)
	}
	s.regs[dev][addr] = val
	if ci, ok := s.chips[dev]; ok && addr >= beamformer.RegRxGain && addr < beamformer.RegRxGain+beamformer.ChannelsPerChip {
		ch := &s.chans[ci][addr-beamformer.RegRxGain]
		ch.gain = int(val & 0x7F)
		ch.atten = val&0x80 == 0
	}
	return nil
}

// Reg returns the last value written to a register.
func (s *Simulator) Reg(dev string, addr uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.regs[dev][addr]
	return v, ok
}

func (s *Simulator) get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	if !ok {
		return "", &iiod.ErrnoError{Op: "READ " + key, Code: syscall.ENOENT}
	}
	return v, nil
}

// Init implements SDR.
func (s *Simulator) Init(_ context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	s.hwGain = [2]float64{float64(s.cfg.RxGain0), float64(s.cfg.RxGain1)}
	return nil
}

// SampleRate implements SDR.
func (s *Simulator) SampleRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.SampleRate == 0 {
		return DefaultSampleRate
	}
	return s.cfg.SampleRate
}

// SetRxHardwareGain implements SDR.
func (s *Simulator) SetRxHardwareGain(_ context.Context, ch int, dB float64) error {
	if ch < 0 || ch > 1 {
		return fmt.Errorf("sim: receive channel %d out of range", ch)
	}
	s.mu.Lock()
	s.hwGain[ch] = dB
	s.mu.Unlock()
	return nil
}

// RxHardwareGain returns the receiver gain of ch.
func (s *Simulator) RxHardwareGain(ch int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hwGain[ch]
}

// SetArrivalAngle moves the emitter.
func (s *Simulator) SetArrivalAngle(deg float64) {
	s.mu.Lock()
	s.sim.ArrivalAngle = deg
	s.mu.Unlock()
}

// ArrivalAngle returns the emitter direction.
func (s *Simulator) ArrivalAngle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.ArrivalAngle
}

// SetSourceFreq retunes the emitter.
func (s *Simulator) SetSourceFreq(hz float64) {
	s.mu.Lock()
	s.sim.SourceFreq = hz
	s.mu.Unlock()
}

// TX implements SDR by remembering the last buffer.
func (s *Simulator) TX(_ context.Context, iq0, iq1 []complex64) error {
	if len(iq0) != len(iq1) {
		return fmt.Errorf("TX channel lengths differ: %d vs %d", len(iq0), len(iq1))
	}
	s.mu.Lock()
	s.lastTX = [2][]complex64{append([]complex64(nil), iq0...), append([]complex64(nil), iq1...)}
	s.mu.Unlock()
	return nil
}

// LastTX returns the last transmitted buffers.
func (s *Simulator) LastTX() (iq0, iq1 []complex64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTX[0], s.lastTX[1]
}

// RxReads counts RX calls.
func (s *Simulator) RxReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rxReads
}

// Close implements SDR.
func (s *Simulator) Close() error { return nil }

// basebandOffset is the tone frequency after both downconversions. The
// PLL drives a 4x multiplied LO; an untuned PLL is treated as tuned to the
// default signal frequency.
func (s *Simulator) basebandOffset() float64 {
	tuned := beamformer.DefaultSignalFreq
	if raw, ok := s.attrs[attrKey("adf4159", "out", "altvoltage0", "frequency")]; ok {
		if pll, err := iiod.ParseFloat(raw); err == nil && pll > 0 {
			tuned = pll*beamformer.PLLFeedbackDivider - s.cfg.RxLO
		}
	}
	return tuned - s.sim.SourceFreq
}

// RX implements SDR. Element k contributes a tone with the array phase
// progression -k·φ of the arrival angle, its true errors, and the
// programmed beamformer gain and phase. BEAM0 elements feed channel 0.
func (s *Simulator) RX(_ context.Context) ([]complex64, []complex64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxReads++
	cfg := s.cfg.withDefaults()
	n, fs := cfg.NumSamples, cfg.SampleRate

	fbb := s.basebandOffset()
	if math.Abs(fbb) > 0.4*fs {
		fbb = math.NaN()
	}
	arrayPhase := dsp.SteerPhase(s.sim.ArrivalAngle, s.sim.SourceFreq, s.sim.ElementSpacing)

	var weights [2]complex128
	for k, el := range s.elements {
		st := s.chans[el.chip][el.channel]
		if st.atten || st.gain == 0 {
			continue
		}
		amp := s.sim.Amplitude * s.sim.ElementGain[k] * float64(st.gain) / beamformer.MaxGain
		ph := -float64(k)*arrayPhase + s.sim.ElementPhase[k] + st.phase
		rx := min(el.chip, 1)
		weights[rx] += cmplx.Rect(amp, dsp.Rad(ph))
	}
	for ch := range weights {
		weights[ch] *= complex(math.Pow(10, (s.hwGain[ch]+s.sim.ChannelGainDB[ch])/20), 0)
	}

	out := [2][]complex64{make([]complex64, n), make([]complex64, n)}
	for i := 0; i < n; i++ {
		var tone complex128
		if !math.IsNaN(fbb) {
			tone = cmplx.Rect(1, 2*math.Pi*fbb*float64(s.sample+int64(i))/fs)
		}
		for ch := range out {
			v := weights[ch]*tone + complex(s.rng.NormFloat64()*s.sim.NoiseRMS, s.rng.NormFloat64()*s.sim.NoiseRMS)
			out[ch][i] = complex64(complex(clampADC(real(v)), clampADC(imag(v))))
		}
	}
	s.sample += int64(n)
	return out[0], out[1], nil
}

func clampADC(v float64) float64 {
	return math.Max(-dsp.ADCFullScale, math.Min(dsp.ADCFullScale-1, v))
}
