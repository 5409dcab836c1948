package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/calibration"
	"github.com/rjboer/adiphaser/internal/dds"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/sdr"
)

// plutoDDSCore is the AD9361 transmit DAC core.
const plutoDDSCore = "cf-ad9361-dds-core-lpc"

// bench is an opened receiver and beamformer board.
type bench struct {
	SDR        sdr.SDR
	Phaser     *beamformer.Phaser
	Calibrator *calibration.Calibrator
	// TXAttrs reaches the transmit DAC core of the receiver.
	TXAttrs dds.ChannelIO
	// Sim is set for the simulated board.
	Sim *sdr.Simulator

	closers []func() error
}

// Close releases every connection opened for the bench.
func (b *bench) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c cliConfig) sdrConfig() sdr.Config {
	return sdr.Config{
		SampleRate: c.SampleRate,
		RxLO:       c.RxLO,
		RxGain0:    c.RxGain,
		RxGain1:    c.RxGain,
		NumSamples: c.NumSamples,
		URI:        c.SDRURI,
		SSHHost:    c.SSHHost,
		SSHUser:    c.SSHUser,
		SSHKeyPath: c.SSHKeyPath,
	}
}

// signalFreq is the emitter frequency: a saved HB100 measurement when one
// exists, the configured frequency otherwise.
func (c cliConfig) signalFreq() (float64, error) {
	if c.HB100Path != "" {
		if _, err := os.Stat(c.HB100Path); err == nil {
			return calibration.LoadHB100(c.HB100Path)
		}
	}
	return c.SignalFreq, nil
}

func selectBackend(ctx context.Context, cfg cliConfig, log logging.Logger) (*bench, error) {
	log = logging.Or(log)
	freq, err := cfg.signalFreq()
	if err != nil {
		return nil, fmt.Errorf("signal frequency: %w", err)
	}
	var b *bench
	switch cfg.backend() {
	case "sim":
		b, err = openSim(ctx, cfg, freq, log)
	case "pluto":
		b, err = openPluto(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown backend %s", cfg.backend())
	}
	if err != nil {
		return nil, err
	}
	if err := b.prepare(ctx, cfg, freq, log); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func openSim(ctx context.Context, cfg cliConfig, freq float64, log logging.Logger) (*bench, error) {
	sc := sdr.DefaultSimConfig()
	sc.ArrivalAngle = cfg.SimAngle
	sc.SourceFreq = freq - cfg.ToneOffset
	sim, err := sdr.NewSimulator(sc)
	if err != nil {
		return nil, err
	}
	if err := sim.Init(ctx, cfg.sdrConfig()); err != nil {
		return nil, fmt.Errorf("init simulator: %w", err)
	}
	p, err := beamformer.Open(ctx, sim, sim, beamformer.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return &bench{SDR: sim, Phaser: p, TXAttrs: sim, Sim: sim, closers: []func() error{sim.Close}}, nil
}

func openPluto(ctx context.Context, cfg cliConfig, log logging.Logger) (*bench, error) {
	pluto := sdr.NewPluto(sdr.WithPlutoLogger(log))
	if err := pluto.Init(ctx, cfg.sdrConfig()); err != nil {
		return nil, fmt.Errorf("init pluto: %w", err)
	}
	b := &bench{SDR: pluto, TXAttrs: pluto.Client(), closers: []func() error{pluto.Close}}
	board, err := iiod.Dial(ctx, cfg.PhaserURI, iiod.WithLogger(log))
	if err != nil {
		b.Close()
		return nil, err
	}
	b.closers = append(b.closers, board.Close)
	p, err := beamformer.Open(ctx, board, pluto, beamformer.WithLogger(log))
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Phaser = p
	return b, nil
}

// prepare applies the saved calibration, tunes the PLL to the emitter and
// builds the calibrator.
func (b *bench) prepare(ctx context.Context, cfg cliConfig, freq float64, log logging.Logger) error {
	if cfg.ProfilePath != "" {
		prof, err := calibration.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		if err := prof.Apply(b.Phaser); err != nil {
			return err
		}
		log.Debug("profile applied", logging.F("path", cfg.ProfilePath), logging.F("id", prof.ID))
	}
	if err := b.Phaser.ConfigurePLL(ctx, freq, cfg.RxLO); err != nil {
		return fmt.Errorf("configure pll: %w", err)
	}
	b.Calibrator = calibration.New(b.Phaser, b.SDR, calibration.WithLogger(log))
	return nil
}
