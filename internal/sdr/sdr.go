// Package sdr provides the two channel receivers the Phaser feeds: an
// AD9361 (Pluto) over IIOD and a simulator of the whole board.
package sdr

import (
	"context"

	"github.com/rjboer/adiphaser/internal/sshfs"
)

// Config carries parameters required to initialize an SDR backend.
type Config struct {
	SampleRate  float64 `json:"sample_rate"`
	RxLO        float64 `json:"rx_lo"`
	TxLO        float64 `json:"tx_lo"`
	RFBandwidth float64 `json:"rf_bandwidth"`
	RxGain0     int     `json:"rx_gain0"`
	RxGain1     int     `json:"rx_gain1"`
	TxGain      int     `json:"tx_gain"`
	NumSamples  int     `json:"num_samples"`
	TxCyclic    bool    `json:"tx_cyclic"`
	URI         string  `json:"uri"`

	// SSH fallback for attribute writes the IIOD server rejects.
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHUser     string `json:"ssh_user,omitempty"`
	SSHPassword string `json:"ssh_password,omitempty"`
	SSHKeyPath  string `json:"ssh_key_path,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty"`
	SysfsRoot   string `json:"sysfs_root,omitempty"`
}

// Defaults used by the Phaser examples.
const (
	DefaultSampleRate = 30e6
	DefaultRxLO       = 2.2e9
	DefaultNumSamples = 1024
	DefaultRxGain     = 30
)

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.RxLO <= 0 {
		c.RxLO = DefaultRxLO
	}
	if c.NumSamples <= 0 {
		c.NumSamples = DefaultNumSamples
	}
	if c.RFBandwidth <= 0 {
		c.RFBandwidth = 10e6
	}
	return c
}

// SSH returns the sysfs fallback settings, or false when no host is set.
func (c Config) SSH() (sshfs.Config, bool) {
	if c.SSHHost == "" {
		return sshfs.Config{}, false
	}
	return sshfs.Config{
		Host:      c.SSHHost,
		User:      c.SSHUser,
		Password:  c.SSHPassword,
		KeyPath:   c.SSHKeyPath,
		Port:      c.SSHPort,
		SysfsRoot: c.SysfsRoot,
	}, true
}

// SDR captures the radio operations calibration and tracking need. RX
// returns the two receive channels in ADC counts.
type SDR interface {
	Init(ctx context.Context, cfg Config) error
	RX(ctx context.Context) (chan0 []complex64, chan1 []complex64, err error)
	TX(ctx context.Context, iq0, iq1 []complex64) error
	SetRxHardwareGain(ctx context.Context, ch int, dB float64) error
	SampleRate() float64
	Close() error
}
