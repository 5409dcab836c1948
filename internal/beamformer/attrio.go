// Package beamformer drives the CN0566 Phaser board: two ADAR1000 beamformer
// chips, the ADF4159 ramping PLL, the AD7291 supply monitor and the
// one-bit-adc-dac GPIO expander. All hardware access goes through AttrIO.
package beamformer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rjboer/adiphaser/iiod"
)

// ErrNoDevice is returned when a required IIO device is missing.
var ErrNoDevice = errors.New("beamformer: device not found")

// AttrIO is the attribute level access the board drivers need. It is
// implemented by *iiod.Client and by the simulator.
type AttrIO interface {
	ReadDeviceAttr(ctx context.Context, dev, attr string) (string, error)
	WriteDeviceAttr(ctx context.Context, dev, attr, value string) error
	ReadChannelAttr(ctx context.Context, dev string, output bool, ch, attr string) (string, error)
	WriteChannelAttr(ctx context.Context, dev string, output bool, ch, attr, value string) error
	RegWrite(ctx context.Context, dev string, addr, val uint32) error
}

// ContextReader exposes the parsed context description, used to resolve
// labels into device ids.
type ContextReader interface {
	Context(ctx context.Context) (*iiod.Context, error)
}

var _ AttrIO = (*iiod.Client)(nil)

// ResolveDevice returns the id of the device matching key by id, name or
// case-insensitive label. When io cannot describe its context the key is
// used unchanged.
func ResolveDevice(ctx context.Context, io AttrIO, key string) (string, error) {
	cr, ok := io.(ContextReader)
	if !ok {
		return key, nil
	}
	c, err := cr.Context(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	if d, ok := c.FindDevice(key); ok {
		return d.ID, nil
	}
	for i := range c.Devices {
		if strings.EqualFold(c.Devices[i].Label, key) {
			return c.Devices[i].ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDevice, key)
}

func readChanInt(ctx context.Context, io AttrIO, dev string, output bool, ch, attr string) (int64, error) {
	raw, err := io.ReadChannelAttr(ctx, dev, output, ch, attr)
	if err != nil {
		return 0, err
	}
	return iiod.ParseInt(raw)
}

func readChanFloat(ctx context.Context, io AttrIO, dev string, output bool, ch, attr string) (float64, error) {
	raw, err := io.ReadChannelAttr(ctx, dev, output, ch, attr)
	if err != nil {
		return 0, err
	}
	return iiod.ParseFloat(raw)
}

func writeChanInt(ctx context.Context, io AttrIO, dev string, output bool, ch, attr string, v int64) error {
	return io.WriteChannelAttr(ctx, dev, output, ch, attr, strconv.FormatInt(v, 10))
}
