package beamformer

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Pin is one line of the one-bit-adc-dac expander.
type Pin struct {
	Channel string
	Output  bool
}

// PhaserPins is the CN0566 GPIO assignment, keyed by lower case label.
var PhaserPins = map[string]Pin{
	"muxout":  {Channel: "voltage0", Output: false},
	"vctrl_1": {Channel: "voltage1", Output: true},
	"vctrl_2": {Channel: "voltage2", Output: true},
	"div_mr":  {Channel: "voltage3", Output: true},
	"div_s0":  {Channel: "voltage4", Output: true},
	"div_s1":  {Channel: "voltage5", Output: true},
	"div_s2":  {Channel: "voltage6", Output: true},
	"rx_load": {Channel: "voltage7", Output: true},
	"tr":      {Channel: "voltage8", Output: true},
	"tx_sw":   {Channel: "voltage9", Output: true},
	"burst":   {Channel: "voltage10", Output: true},
}

// PhaserPinDefaults are the output levels written when a Phaser is opened:
// onboard LO routed to the TX circuitry, TX divider held at zero, ADAR1000
// in receive.
var PhaserPinDefaults = map[string]int{
	"vctrl_1": 1,
	"vctrl_2": 1,
	"div_mr":  0,
	"div_s0":  0,
	"div_s1":  0,
	"div_s2":  0,
	"rx_load": 0,
	"tr":      0,
	"tx_sw":   0,
}

// GPIOs drives named lines of the one-bit-adc-dac device.
type GPIOs struct {
	io   AttrIO
	dev  string
	pins map[string]Pin
}

// NewGPIOs binds the "one-bit-adc-dac" device with the given pin table.
func NewGPIOs(ctx context.Context, io AttrIO, pins map[string]Pin) (*GPIOs, error) {
	dev, err := ResolveDevice(ctx, io, "one-bit-adc-dac")
	if err != nil {
		return nil, err
	}
	return &GPIOs{io: io, dev: dev, pins: pins}, nil
}

func (g *GPIOs) pin(name string) (Pin, error) {
	p, ok := g.pins[strings.ToLower(name)]
	if !ok {
		return Pin{}, fmt.Errorf("gpio: unknown pin %q", name)
	}
	return p, nil
}

// Set drives an output pin.
func (g *GPIOs) Set(ctx context.Context, name string, v int) error {
	p, err := g.pin(name)
	if err != nil {
		return err
	}
	if !p.Output {
		return fmt.Errorf("gpio: pin %q is an input", name)
	}
	if err := writeChanInt(ctx, g.io, g.dev, true, p.Channel, "raw", int64(v)); err != nil {
		return fmt.Errorf("gpio %s: %w", name, err)
	}
	return nil
}

// Get reads a pin.
func (g *GPIOs) Get(ctx context.Context, name string) (int, error) {
	p, err := g.pin(name)
	if err != nil {
		return 0, err
	}
	v, err := readChanInt(ctx, g.io, g.dev, p.Output, p.Channel, "raw")
	if err != nil {
		return 0, fmt.Errorf("gpio %s: %w", name, err)
	}
	return int(v), nil
}

// Apply writes levels in name order.
func (g *GPIOs) Apply(ctx context.Context, levels map[string]int) error {
	names := make([]string, 0, len(levels))
	for n := range levels {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := g.Set(ctx, n, levels[n]); err != nil {
			return err
		}
	}
	return nil
}
