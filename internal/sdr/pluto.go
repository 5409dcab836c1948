package sdr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/dds"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/sshfs"
)

// PlutoSDR implements an AD9361 backend over the IIOD client. It programs
// sample rate, LOs and manual gains on Init and streams both receive
// channels.
type PlutoSDR struct {
	mu         sync.Mutex
	client     *iiod.Client
	ownsClient bool
	ssh        *sshfs.Client
	phyDev     string
	rxDev      string
	txDev      string
	rxBuffer   *iiod.Buffer
	txBuffer   *iiod.Buffer
	cfg        Config
	raw        []byte

	log         logging.Logger
	rxUnderruns atomic.Uint64
	txOverruns  atomic.Uint64
}

// PlutoOption customizes a PlutoSDR.
type PlutoOption func(*PlutoSDR)

// WithPlutoLogger sets the logger.
func WithPlutoLogger(l logging.Logger) PlutoOption {
	return func(p *PlutoSDR) { p.log = l }
}

// WithClient uses an existing IIOD connection instead of dialling
// Config.URI. The caller keeps ownership of c.
func WithClient(c *iiod.Client) PlutoOption {
	return func(p *PlutoSDR) { p.client = c }
}

// NewPluto returns an unconnected Pluto backend.
func NewPluto(opts ...PlutoOption) *PlutoSDR {
	p := &PlutoSDR{}
	for _, o := range opts {
		o(p)
	}
	p.log = logging.Or(p.log)
	return p
}

// DebugInfo contains receiver health information.
type DebugInfo struct {
	RSSI0       string `json:"rssi0"`
	RSSI1       string `json:"rssi1"`
	Temperature string `json:"temperature"`
	SampleRate  string `json:"sample_rate"`
	RxLO        string `json:"rx_lo"`
	TxLO        string `json:"tx_lo"`
	RxUnderruns uint64 `json:"rx_underruns"`
	TxOverruns  uint64 `json:"tx_overruns"`
}

// GetDebugInfo reads RSSI, temperature and tuning from the PHY. Missing
// attributes are left empty.
func (p *PlutoSDR) GetDebugInfo(ctx context.Context) (*DebugInfo, error) {
	p.mu.Lock()
	client, phy := p.client, p.phyDev
	p.mu.Unlock()
	if client == nil || phy == "" {
		return nil, iiod.ErrNotConnected
	}
	info := &DebugInfo{
		RxUnderruns: p.rxUnderruns.Load(),
		TxOverruns:  p.txOverruns.Load(),
	}
	read := func(ch string, output bool, attr string) string {
		var v string
		var err error
		if ch == "" {
			v, err = client.ReadDeviceAttr(ctx, phy, attr)
		} else {
			v, err = client.ReadChannelAttr(ctx, phy, output, ch, attr)
		}
		if err != nil {
			return ""
		}
		return v
	}
	info.RSSI0 = read("voltage0", false, "rssi")
	info.RSSI1 = read("voltage1", false, "rssi")
	info.Temperature = read("temp0", false, "input")
	info.SampleRate = read("voltage0", false, "sampling_frequency")
	info.RxLO = read("altvoltage0", true, "frequency")
	info.TxLO = read("altvoltage1", true, "frequency")
	if info.RxUnderruns > 0 {
		p.log.Warn("rx buffer underruns", logging.F("count", info.RxUnderruns))
	}
	return info, nil
}

// identifyAD9361Devices finds the PHY, RX, and TX device identifiers.
func identifyAD9361Devices(c *iiod.Context) (phy, rx, tx string) {
	for _, d := range c.Devices {
		lower := strings.ToLower(d.Name)
		switch {
		case strings.Contains(lower, "ad9361-phy"):
			phy = d.ID
		case strings.Contains(lower, "cf-ad9361-dds"):
			tx = d.ID
		case strings.Contains(lower, "cf-ad9361-lpc"):
			rx = d.ID
		}
	}
	return phy, rx, tx
}

func formatHz(v float64) string { return strconv.FormatFloat(v, 'f', 0, 64) }

// writeAttr writes through IIOD and retries over SSH when the server
// rejects the write and a fallback is configured.
func (p *PlutoSDR) writeAttr(ctx context.Context, dev, ch string, output bool, attr, value string) error {
	var err error
	if ch == "" {
		err = p.client.WriteDeviceAttr(ctx, dev, attr, value)
	} else {
		err = p.client.WriteChannelAttr(ctx, dev, output, ch, attr, value)
	}
	if err == nil || p.ssh == nil {
		return err
	}
	var errno *iiod.ErrnoError
	if !errors.As(err, &errno) {
		return err
	}
	p.log.Warn("iiod write rejected, using ssh sysfs",
		logging.F("device", dev), logging.F("channel", ch), logging.F("attr", attr), logging.Err(err))
	return p.ssh.WriteAttribute(ctx, dev, ch, output, attr, value)
}

// Init connects to the IIOD server, discovers the AD9361 devices, programs
// key attributes, and opens the dual channel receive buffer.
func (p *PlutoSDR) Init(ctx context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg = cfg.withDefaults()
	if cfg.URI == "" {
		cfg.URI = "192.168.2.1"
	}
	if p.client == nil {
		addr, err := iiod.ParseURI(cfg.URI)
		if err != nil {
			return err
		}
		p.log.Info("connecting", logging.F("addr", addr))
		client, err := iiod.Dial(ctx, addr, iiod.WithLogger(p.log))
		if err != nil {
			return fmt.Errorf("connect to IIOD: %w", err)
		}
		p.client = client
		p.ownsClient = true
	}
	if sc, ok := cfg.SSH(); ok {
		s, err := sshfs.New(sc, p.log)
		if err != nil {
			return err
		}
		p.ssh = s
	}

	desc, err := p.client.Context(ctx)
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	phy, rx, tx := identifyAD9361Devices(desc)
	if phy == "" || rx == "" || tx == "" {
		return fmt.Errorf("unable to locate AD9361 devices (phy=%q rx=%q tx=%q)", phy, rx, tx)
	}
	p.log.Info("found AD9361", logging.F("phy", phy), logging.F("rx", rx), logging.F("tx", tx))

	steps := []struct {
		ch     string
		output bool
		attr   string
		value  string
	}{
		{"voltage0", false, "sampling_frequency", formatHz(cfg.SampleRate)},
		{"voltage0", false, "rf_bandwidth", formatHz(cfg.RFBandwidth)},
		{"altvoltage0", true, "frequency", formatHz(cfg.RxLO)},
		{"voltage0", false, "gain_control_mode", "manual"},
		{"voltage1", false, "gain_control_mode", "manual"},
		{"voltage0", false, "hardwaregain", strconv.Itoa(cfg.RxGain0)},
		{"voltage1", false, "hardwaregain", strconv.Itoa(cfg.RxGain1)},
	}
	if cfg.TxLO > 0 {
		steps = append(steps, struct {
			ch     string
			output bool
			attr   string
			value  string
		}{"altvoltage1", true, "frequency", formatHz(cfg.TxLO)})
	}
	for _, s := range steps {
		if err := p.writeAttr(ctx, phy, s.ch, s.output, s.attr, s.value); err != nil {
			return fmt.Errorf("set %s %s: %w", s.ch, s.attr, err)
		}
	}
	for _, ch := range []string{"voltage0", "voltage1"} {
		// TX gain is optional on receive-only setups
		if err := p.writeAttr(ctx, phy, ch, true, "hardwaregain", strconv.Itoa(cfg.TxGain)); err != nil {
			p.log.Debug("tx gain not set", logging.F("channel", ch), logging.Err(err))
		}
	}

	rxDesc, _ := desc.FindDevice(rx)
	mask, err := rxDesc.Mask("voltage0", "voltage1", "voltage2", "voltage3")
	if err != nil {
		return fmt.Errorf("rx channel mask: %w", err)
	}
	buf, err := p.client.OpenBuffer(ctx, rx, cfg.NumSamples, mask, false)
	if err != nil {
		return fmt.Errorf("create RX buffer: %w", err)
	}

	p.phyDev, p.rxDev, p.txDev = phy, rx, tx
	p.rxBuffer = buf
	p.cfg = cfg
	p.raw = make([]byte, cfg.NumSamples*2*4)
	p.log.Info("pluto initialized", logging.F("samples", cfg.NumSamples), logging.F("sample_rate", cfg.SampleRate))
	return nil
}

// SampleRate returns the configured sample rate.
func (p *PlutoSDR) SampleRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.SampleRate
}

// SetRxHardwareGain sets the manual gain of receive channel ch.
func (p *PlutoSDR) SetRxHardwareGain(ctx context.Context, ch int, dB float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return iiod.ErrNotConnected
	}
	if ch < 0 || ch > 1 {
		return fmt.Errorf("pluto: receive channel %d out of range", ch)
	}
	return p.writeAttr(ctx, p.phyDev, "voltage"+strconv.Itoa(ch), false, "hardwaregain", strconv.Itoa(int(dB)))
}

// RX reads one buffer and returns both channels in ADC counts.
func (p *PlutoSDR) RX(ctx context.Context) ([]complex64, []complex64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rxBuffer == nil {
		return nil, nil, errors.New("RX buffer not initialized")
	}
	if _, err := p.rxBuffer.Read(ctx, p.raw); err != nil {
		p.rxUnderruns.Add(1)
		return nil, nil, fmt.Errorf("read RX buffer: %w", err)
	}
	chans, err := iiod.DeinterleaveIQ(p.raw, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("deinterleave RX: %w", err)
	}
	return chans[0], chans[1], nil
}

// TX writes both channels, opening the transmit buffer on first use.
// Samples are in DAC counts.
func (p *PlutoSDR) TX(ctx context.Context, iq0, iq1 []complex64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return iiod.ErrNotConnected
	}
	if len(iq0) != len(iq1) {
		return fmt.Errorf("TX channel lengths differ: %d vs %d", len(iq0), len(iq1))
	}
	if p.txBuffer == nil || p.txBuffer.Samples() != len(iq0) {
		if p.txBuffer != nil {
			_ = p.txBuffer.Close(ctx)
		}
		desc, err := p.client.Context(ctx)
		if err != nil {
			return err
		}
		txDesc, ok := desc.FindDevice(p.txDev)
		if !ok {
			return fmt.Errorf("tx device %s vanished", p.txDev)
		}
		mask, err := txDesc.Mask("voltage0", "voltage1", "voltage2", "voltage3")
		if err != nil {
			return fmt.Errorf("tx channel mask: %w", err)
		}
		buf, err := p.client.OpenBuffer(ctx, p.txDev, len(iq0), mask, p.cfg.TxCyclic)
		if err != nil {
			return fmt.Errorf("create TX buffer: %w", err)
		}
		p.txBuffer = buf
	}
	data, err := iiod.InterleaveIQ([][]complex64{iq0, iq1})
	if err != nil {
		return fmt.Errorf("interleave TX IQ: %w", err)
	}
	if _, err := p.txBuffer.Write(ctx, data); err != nil {
		p.txOverruns.Add(1)
		return fmt.Errorf("write TX buffer: %w", err)
	}
	return nil
}

// DDS returns the tone generators of the transmit DAC core.
func (p *PlutoSDR) DDS(ctx context.Context) (*dds.DDS, error) {
	p.mu.Lock()
	client, tx := p.client, p.txDev
	p.mu.Unlock()
	if client == nil || tx == "" {
		return nil, iiod.ErrNotConnected
	}
	return dds.New(ctx, client, tx, 2, p.log)
}

// Client returns the underlying IIOD connection.
func (p *PlutoSDR) Client() *iiod.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Close releases buffers and, when it dialled it, the IIOD connection.
func (p *PlutoSDR) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := context.Background()
	var errs []error
	if p.rxBuffer != nil {
		errs = append(errs, p.rxBuffer.Close(ctx))
		p.rxBuffer = nil
	}
	if p.txBuffer != nil {
		errs = append(errs, p.txBuffer.Close(ctx))
		p.txBuffer = nil
	}
	if p.ssh != nil {
		errs = append(errs, p.ssh.Close())
		p.ssh = nil
	}
	if p.client != nil && p.ownsClient {
		errs = append(errs, p.client.Close())
	}
	p.client = nil
	return errors.Join(errs...)
}
