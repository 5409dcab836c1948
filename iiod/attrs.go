package iiod

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RegAccessAttr is the debug attribute used for raw register access.
const RegAccessAttr = "direct_reg_access"

func direction(output bool) string {
	if output {
		return "OUTPUT"
	}
	return "INPUT"
}

func (c *Client) readAttr(ctx context.Context, target, attr string) (string, error) {
	cmd := fmt.Sprintf("READ %s %s", target, attr)
	s, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer s.end()
	if err := s.writeLine(cmd); err != nil {
		return "", err
	}
	data, err := s.readPayload(cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\x00\r\n"), nil
}

func (c *Client) writeAttr(ctx context.Context, target, attr, value string) error {
	payload := []byte(value)
	cmd := fmt.Sprintf("WRITE %s %s %d", target, attr, len(payload))
	status, err := c.exec(ctx, cmd, payload)
	if err != nil {
		return err
	}
	return errnoFrom(cmd, status)
}

func checkArgs(args ...string) error {
	for _, a := range args {
		if strings.TrimSpace(a) == "" {
			return errors.New("iiod: device, channel and attribute names are required")
		}
	}
	return nil
}

// ReadDeviceAttr reads a device level attribute.
func (c *Client) ReadDeviceAttr(ctx context.Context, dev, attr string) (string, error) {
	if err := checkArgs(dev, attr); err != nil {
		return "", err
	}
	return c.readAttr(ctx, dev, attr)
}

// WriteDeviceAttr writes a device level attribute.
func (c *Client) WriteDeviceAttr(ctx context.Context, dev, attr, value string) error {
	if err := checkArgs(dev, attr); err != nil {
		return err
	}
	return c.writeAttr(ctx, dev, attr, value)
}

// ReadChannelAttr reads a channel attribute. output selects the OUTPUT
// direction of channels that exist in both.
func (c *Client) ReadChannelAttr(ctx context.Context, dev string, output bool, ch, attr string) (string, error) {
	if err := checkArgs(dev, ch, attr); err != nil {
		return "", err
	}
	return c.readAttr(ctx, fmt.Sprintf("%s %s %s", dev, direction(output), ch), attr)
}

// WriteChannelAttr writes a channel attribute.
func (c *Client) WriteChannelAttr(ctx context.Context, dev string, output bool, ch, attr, value string) error {
	if err := checkArgs(dev, ch, attr); err != nil {
		return err
	}
	return c.writeAttr(ctx, fmt.Sprintf("%s %s %s", dev, direction(output), ch), attr, value)
}

// ReadDebugAttr reads a debugfs attribute.
func (c *Client) ReadDebugAttr(ctx context.Context, dev, attr string) (string, error) {
	if err := checkArgs(dev, attr); err != nil {
		return "", err
	}
	return c.readAttr(ctx, dev+" DEBUG", attr)
}

// WriteDebugAttr writes a debugfs attribute.
func (c *Client) WriteDebugAttr(ctx context.Context, dev, attr, value string) error {
	if err := checkArgs(dev, attr); err != nil {
		return err
	}
	return c.writeAttr(ctx, dev+" DEBUG", attr, value)
}

// ReadBufferAttr reads a buffer attribute.
func (c *Client) ReadBufferAttr(ctx context.Context, dev, attr string) (string, error) {
	if err := checkArgs(dev, attr); err != nil {
		return "", err
	}
	return c.readAttr(ctx, dev+" BUFFER", attr)
}

// WriteBufferAttr writes a buffer attribute.
func (c *Client) WriteBufferAttr(ctx context.Context, dev, attr, value string) error {
	if err := checkArgs(dev, attr); err != nil {
		return err
	}
	return c.writeAttr(ctx, dev+" BUFFER", attr, value)
}

func (c *Client) read(ctx context.Context, dev, ch string, output bool, attr string) (string, error) {
	if ch == "" {
		return c.ReadDeviceAttr(ctx, dev, attr)
	}
	return c.ReadChannelAttr(ctx, dev, output, ch, attr)
}

func (c *Client) write(ctx context.Context, dev, ch string, output bool, attr, value string) error {
	if ch == "" {
		return c.WriteDeviceAttr(ctx, dev, attr, value)
	}
	return c.WriteChannelAttr(ctx, dev, output, ch, attr, value)
}

// ReadInt reads an integer attribute; an empty ch addresses the device.
func (c *Client) ReadInt(ctx context.Context, dev, ch string, output bool, attr string) (int64, error) {
	raw, err := c.read(ctx, dev, ch, output, attr)
	if err != nil {
		return 0, err
	}
	return ParseInt(raw)
}

// ReadFloat reads a floating point attribute; an empty ch addresses the device.
func (c *Client) ReadFloat(ctx context.Context, dev, ch string, output bool, attr string) (float64, error) {
	raw, err := c.read(ctx, dev, ch, output, attr)
	if err != nil {
		return 0, err
	}
	return ParseFloat(raw)
}

// WriteInt writes an integer attribute.
func (c *Client) WriteInt(ctx context.Context, dev, ch string, output bool, attr string, v int64) error {
	return c.write(ctx, dev, ch, output, attr, strconv.FormatInt(v, 10))
}

// WriteFloat writes a floating point attribute.
func (c *Client) WriteFloat(ctx context.Context, dev, ch string, output bool, attr string, v float64) error {
	return c.write(ctx, dev, ch, output, attr, FormatFloat(v))
}

// ParseInt accepts decimal and 0x prefixed values, and truncates values
// some drivers report with a unit suffix ("71 dB").
func ParseInt(raw string) (int64, error) {
	f := strings.Fields(raw)
	if len(f) == 0 {
		return 0, fmt.Errorf("iiod: empty integer value")
	}
	v, err := strconv.ParseInt(f[0], 0, 64)
	if err == nil {
		return v, nil
	}
	fv, ferr := strconv.ParseFloat(f[0], 64)
	if ferr != nil {
		return 0, fmt.Errorf("iiod: parse integer %q: %w", raw, err)
	}
	return int64(fv), nil
}

// ParseFloat parses the first field of an attribute value.
func ParseFloat(raw string) (float64, error) {
	f := strings.Fields(raw)
	if len(f) == 0 {
		return 0, fmt.Errorf("iiod: empty float value")
	}
	v, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return 0, fmt.Errorf("iiod: parse float %q: %w", raw, err)
	}
	return v, nil
}

// FormatFloat renders a float without trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// RegRead reads a register through the direct_reg_access debug attribute.
func (c *Client) RegRead(ctx context.Context, dev string, addr uint32) (uint32, error) {
	if err := c.WriteDebugAttr(ctx, dev, RegAccessAttr, fmt.Sprintf("0x%X", addr)); err != nil {
		return 0, fmt.Errorf("select register 0x%X: %w", addr, err)
	}
	raw, err := c.ReadDebugAttr(ctx, dev, RegAccessAttr)
	if err != nil {
		return 0, fmt.Errorf("read register 0x%X: %w", addr, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("parse register 0x%X value %q: %w", addr, raw, err)
	}
	return uint32(v), nil
}

// RegWrite writes a register through the direct_reg_access debug attribute.
func (c *Client) RegWrite(ctx context.Context, dev string, addr, val uint32) error {
	if err := c.WriteDebugAttr(ctx, dev, RegAccessAttr, fmt.Sprintf("0x%X 0x%X", addr, val)); err != nil {
		return fmt.Errorf("write register 0x%X: %w", addr, err)
	}
	return nil
}
