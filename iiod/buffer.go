package iiod

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rjboer/adiphaser/internal/logging"
)

// ChannelMask is the enabled-channel bitmap sent with OPEN, one 32-bit word
// per 32 scan elements.
type ChannelMask []uint32

// NewChannelMask returns a zero mask sized for n scan elements.
func NewChannelMask(n int) ChannelMask {
	words := (n + 31) / 32
	if words == 0 {
		words = 1
	}
	return make(ChannelMask, words)
}

// Set enables scan element index i.
func (m ChannelMask) Set(i int) {
	if i < 0 || i/32 >= len(m) {
		return
	}
	m[i/32] |= 1 << uint(i%32)
}

// IsSet reports whether scan element i is enabled.
func (m ChannelMask) IsSet(i int) bool {
	if i < 0 || i/32 >= len(m) {
		return false
	}
	return m[i/32]&(1<<uint(i%32)) != 0
}

// Count returns the number of enabled elements.
func (m ChannelMask) Count() int {
	n := 0
	for _, w := range m {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// String renders the mask the way IIOD expects: most significant word first,
// eight hex digits per word.
func (m ChannelMask) String() string {
	var b strings.Builder
	for i := len(m) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%08x", m[i])
	}
	return b.String()
}

// Buffer is an opened device buffer.
type Buffer struct {
	client  *Client
	device  string
	samples int
	mask    ChannelMask
	cyclic  bool
	closed  bool
}

// OpenBuffer opens a device buffer of samples samples with the channels in
// mask enabled. Cyclic buffers are for TX only.
func (c *Client) OpenBuffer(ctx context.Context, dev string, samples int, mask ChannelMask, cyclic bool) (*Buffer, error) {
	if err := checkArgs(dev); err != nil {
		return nil, err
	}
	if samples <= 0 {
		return nil, errors.New("iiod: sample count must be positive")
	}
	if mask.Count() == 0 {
		return nil, errors.New("iiod: no channels enabled in mask")
	}
	cmd := fmt.Sprintf("OPEN %s %d %s", dev, samples, mask)
	if cyclic {
		cmd += " CYCLIC"
	}
	status, err := c.exec(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	if err := errnoFrom("OPEN", status); err != nil {
		return nil, fmt.Errorf("open buffer on %s: %w", dev, err)
	}
	c.log.Debug("buffer opened", logging.F("device", dev), logging.F("samples", samples), logging.F("mask", mask.String()), logging.F("cyclic", cyclic))
	return &Buffer{client: c, device: dev, samples: samples, mask: mask, cyclic: cyclic}, nil
}

// Device returns the device the buffer belongs to.
func (b *Buffer) Device() string { return b.device }

// Samples returns the buffer length in samples.
func (b *Buffer) Samples() int { return b.samples }

// Mask returns the channel mask the buffer was opened with.
func (b *Buffer) Mask() ChannelMask { return b.mask }

// Read fills p with raw sample bytes using the READBUF chunk loop. It returns
// the number of bytes written into p.
func (b *Buffer) Read(ctx context.Context, p []byte) (int, error) {
	if b.closed {
		return 0, errors.New("iiod: buffer closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	s, err := b.client.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer s.end()

	if err := s.writeLine(fmt.Sprintf("READBUF %s %d", b.device, len(p))); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := s.readInteger()
		if err != nil {
			return total, err
		}
		if n < 0 {
			return total, errnoFrom("READBUF", n)
		}
		if n == 0 {
			break
		}
		// each chunk is preceded by the mask of the channels it carries
		if _, err := s.readLine(); err != nil {
			return total, err
		}
		if total+n > len(p) {
			return total, fmt.Errorf("iiod: READBUF chunk of %d bytes overflows %d byte request", n, len(p))
		}
		chunk, err := s.readFull(n)
		if err != nil {
			return total, err
		}
		copy(p[total:], chunk)
		total += n
	}
	return total, nil
}

// Write pushes raw sample bytes with WRITEBUF and returns the count the
// server accepted.
func (b *Buffer) Write(ctx context.Context, p []byte) (int, error) {
	if b.closed {
		return 0, errors.New("iiod: buffer closed")
	}
	if len(p) == 0 {
		return 0, errors.New("iiod: no data provided for buffer write")
	}
	status, err := b.client.exec(ctx, fmt.Sprintf("WRITEBUF %s %d", b.device, len(p)), p)
	if err != nil {
		return 0, err
	}
	if err := errnoFrom("WRITEBUF", status); err != nil {
		return 0, err
	}
	return status, nil
}

// Close releases the buffer on the server. Closing twice is a no-op.
func (b *Buffer) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	status, err := b.client.exec(ctx, "CLOSE "+b.device, nil)
	if err != nil {
		return err
	}
	return errnoFrom("CLOSE", status)
}
