package mcs

import (
	"context"
	"errors"
	"fmt"
	"math/cmplx"
	"sync"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/logging"
)

// ChannelsPerDevice is the number of receive channels of one ADRV9002.
const ChannelsPerDevice = 2

// BufferReceiver streams the two receive channels of an ADRV9002 core.
type BufferReceiver struct {
	mu      sync.Mutex
	client  *iiod.Client
	dev     string
	samples int
	buf     *iiod.Buffer
	raw     []byte
}

// NewBufferReceiver reads samples complex samples per channel from dev.
func NewBufferReceiver(client *iiod.Client, dev string, samples int) *BufferReceiver {
	if dev == "" {
		dev = ADRV9002RxCore
	}
	return &BufferReceiver{client: client, dev: dev, samples: samples}
}

// ResetRX closes any open buffer and opens a new one.
func (r *BufferReceiver) ResetRX(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf != nil {
		if err := r.buf.Close(ctx); err != nil {
			return fmt.Errorf("close rx buffer: %w", err)
		}
		r.buf = nil
	}
	mask := iiod.NewChannelMask(2 * ChannelsPerDevice)
	for i := 0; i < 2*ChannelsPerDevice; i++ {
		mask.Set(i)
	}
	buf, err := r.client.OpenBuffer(ctx, r.dev, r.samples, mask, false)
	if err != nil {
		return err
	}
	r.buf = buf
	r.raw = make([]byte, r.samples*4*ChannelsPerDevice)
	return nil
}

// RX reads one buffer, opening it on first use.
func (r *BufferReceiver) RX(ctx context.Context) ([]complex64, []complex64, error) {
	r.mu.Lock()
	open := r.buf != nil
	r.mu.Unlock()
	if !open {
		if err := r.ResetRX(ctx); err != nil {
			return nil, nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.buf.Read(ctx, r.raw); err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", r.dev, err)
	}
	chans, err := iiod.DeinterleaveIQ(r.raw, ChannelsPerDevice)
	if err != nil {
		return nil, nil, err
	}
	return chans[0], chans[1], nil
}

// Close releases the buffer.
func (r *BufferReceiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return nil
	}
	err := r.buf.Close(ctx)
	r.buf = nil
	return err
}

// Capture arms every receive path, rebuilds the buffers and fires one
// SYSREF so all devices start sampling together. The result holds every
// channel of the primary followed by each secondary in order.
func (o *Orchestrator) Capture(ctx context.Context) ([][]complex64, error) {
	nodes := o.Nodes()
	for _, n := range nodes {
		if n.RX == nil {
			return nil, fmt.Errorf("%s: no receiver", n.URI)
		}
	}
	multi := len(nodes) > 1
	if multi && o.Sync == nil {
		return nil, errors.New("mcs: no sysref source")
	}
	if multi {
		if err := o.ArmRX(ctx); err != nil {
			return nil, err
		}
	}
	for _, n := range nodes {
		if err := n.RX.ResetRX(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", n.URI, err)
		}
	}
	if multi {
		if err := o.Sync.Request(ctx); err != nil {
			return nil, fmt.Errorf("sysref: %w", err)
		}
	}

	type result struct {
		a, b []complex64
		err  error
	}
	results := make([]result, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			a, b, err := n.RX.RX(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", n.URI, err)
			}
			results[i] = result{a, b, err}
		}(i, n)
	}
	wg.Wait()

	out := make([][]complex64, 0, len(nodes)*ChannelsPerDevice)
	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		out = append(out, r.a, r.b)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// DeviceChannel maps a global channel index to its device index and the
// channel local to that device.
func DeviceChannel(c int) (dev, local int) {
	return c / ChannelsPerDevice, c % ChannelsPerDevice
}

// SplitChannels groups the global channel list per device.
func SplitChannels(chans [][]complex64) ([][][]complex64, error) {
	if len(chans)%ChannelsPerDevice != 0 {
		return nil, fmt.Errorf("mcs: %d channels is not a whole number of devices", len(chans))
	}
	out := make([][][]complex64, len(chans)/ChannelsPerDevice)
	for c, s := range chans {
		d, _ := DeviceChannel(c)
		out[d] = append(out[d], s)
	}
	return out, nil
}

// JoinChannels is the inverse of SplitChannels.
func JoinChannels(perDevice [][][]complex64) [][]complex64 {
	var out [][]complex64
	for _, d := range perDevice {
		out = append(out, d...)
	}
	return out
}

// Align measures the phase and amplitude of every channel relative to
// channel 0 from a capture of one common source, storing the corrections
// in PCal and GCal. Channel 0 keeps a phase of 0 and a gain of 1.
func (o *Orchestrator) Align(chans [][]complex64) error {
	if len(chans) == 0 {
		return errors.New("mcs: nothing to align")
	}
	o.PCal = make([]float64, len(chans))
	o.GCal = make([]float64, len(chans))
	o.GCal[0] = 1
	for c := 1; c < len(chans); c++ {
		ph, g := dsp.CorrelationPhase(chans[0], chans[c])
		o.PCal[c] = -ph
		o.GCal[c] = g
	}
	o.log.Info("channels aligned", logging.F("pcal", o.PCal), logging.F("gcal", o.GCal))
	return nil
}

// Apply rotates and scales every channel in place by the stored
// corrections.
func (o *Orchestrator) Apply(chans [][]complex64) error {
	if len(chans) != len(o.PCal) {
		return fmt.Errorf("mcs: %d channels, %d corrections", len(chans), len(o.PCal))
	}
	for c, s := range chans {
		w := complex64(cmplx.Rect(o.GCal[c], dsp.Rad(o.PCal[c])))
		for i := range s {
			s[i] *= w
		}
	}
	return nil
}
