package beamformer

import (
	"context"
	"fmt"
)

// MonitorReading is one AD7291 snapshot in SI units.
type MonitorReading struct {
	TemperatureC float64 `json:"temperature_c"`
	VDD1V8       float64 `json:"vdd_1v8"`
	VDD3V0       float64 `json:"vdd_3v0"`
	VDD3V3       float64 `json:"vdd_3v3"`
	VDD4V5       float64 `json:"vdd_4v5"`
	VDDAmp       float64 `json:"vdd_amp"`
	VInput       float64 `json:"v_input"`
	BoardCurrent float64 `json:"board_current"`
	VTune        float64 `json:"v_tune"`
}

// resistor divider factors ahead of each AD7291 input
var monitorDividers = [8]float64{
	1 + 10.0/10.0,
	1 + 10.0/10.0,
	1 + 10.0/10.0,
	1 + 30.1/10.0,
	1 + 69.8/10.0,
	1 + 30.1/10.0,
	10.0,
	1 + 69.8/10.0,
}

// Monitor reads the AD7291 temperature and supply monitor.
type Monitor struct {
	io  AttrIO
	dev string
}

// NewMonitor binds the "ad7291" device.
func NewMonitor(ctx context.Context, io AttrIO) (*Monitor, error) {
	dev, err := ResolveDevice(ctx, io, "ad7291")
	if err != nil {
		return nil, err
	}
	return &Monitor{io: io, dev: dev}, nil
}

func (m *Monitor) scaled(ctx context.Context, ch string) (float64, error) {
	raw, err := readChanFloat(ctx, m.io, m.dev, false, ch, "raw")
	if err != nil {
		return 0, fmt.Errorf("ad7291 %s raw: %w", ch, err)
	}
	scale, err := readChanFloat(ctx, m.io, m.dev, false, ch, "scale")
	if err != nil {
		return 0, fmt.Errorf("ad7291 %s scale: %w", ch, err)
	}
	return raw * scale, nil
}

// Read samples every channel. Voltages are in volts, the board current in
// the unit of the sense amplifier, the temperature in degrees Celsius.
func (m *Monitor) Read(ctx context.Context) (MonitorReading, error) {
	var r MonitorReading
	t, err := m.scaled(ctx, "temp0")
	if err != nil {
		return r, err
	}
	r.TemperatureC = t / 1000
	dst := []*float64{&r.VDD1V8, &r.VDD3V0, &r.VDD3V3, &r.VDD4V5, &r.VDDAmp, &r.VInput, &r.BoardCurrent, &r.VTune}
	for i, p := range dst {
		mv, err := m.scaled(ctx, channelID(i))
		if err != nil {
			return r, err
		}
		*p = mv * monitorDividers[i] / 1000
	}
	return r, nil
}
