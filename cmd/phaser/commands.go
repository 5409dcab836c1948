package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rjboer/adiphaser/internal/app"
	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/calibration"
	"github.com/rjboer/adiphaser/internal/dds"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/spectrum"
	"github.com/rjboer/adiphaser/internal/telemetry"
)

func (c *cli) discoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for IIOD servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			hosts, err := discover(ctx, c.log)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tURI\tADDRESSES")
			for _, h := range hosts {
				addrs := make([]string, len(h.Addresses))
				for i, ip := range h.Addresses {
					addrs[i] = ip.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Instance, h.URI(), strings.Join(addrs, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "How long to browse")
	return cmd
}

func (c *cli) versionCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the tool version and optionally the IIOD server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(c.out, "phaser %s\n", version)
			if addr == "" {
				return nil
			}
			client, err := dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer client.Close()
			major, minor, git, err := client.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "IIOD VERSION: %d.%d (%s)\n", major, minor, git)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "iiod-addr", envString(c.lookup, "IIOD_ADDR", ""), "IIOD server to query")
	return cmd
}

// calibrationReporter receives the result of each calibration stage.
type calibrationReporter interface {
	ReportCalibration(telemetry.CalibrationEvent)
}

func (c *cli) calibrateCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run channel, gain and phase calibration and save the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = c.cfg.ProfilePath
			}
			return c.withBench(cmd.Context(), func(b *bench) error {
				prof, err := runCalibration(cmd.Context(), b.Calibrator, telemetry.NewStdoutReporter(c.log))
				if err != nil {
					return err
				}
				if err := prof.Save(out); err != nil {
					return fmt.Errorf("save profile: %w", err)
				}
				c.log.Info("profile saved", logging.F("path", out), logging.F("id", prof.ID))
				return c.printJSON(prof)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Profile output path (defaults to --profile)")
	return cmd
}

// runCalibration runs the stages one at a time so each result is reported
// as soon as it is known. The profile carries the run ID.
func runCalibration(ctx context.Context, cal *calibration.Calibrator, r calibrationReporter) (*calibration.Profile, error) {
	run := uuid.NewString()
	p := cal.Phaser
	p.ResetCalibration()
	report := func(stage string, values []float64) {
		r.ReportCalibration(telemetry.CalibrationEvent{
			RunID:     run,
			Stage:     stage,
			Timestamp: time.Now(),
			Values:    append([]float64(nil), values...),
		})
	}

	mismatch, err := cal.ChannelCalibration(ctx)
	if err != nil {
		return nil, fmt.Errorf("channel calibration: %w", err)
	}
	report("channel", []float64{mismatch, p.CCal[0], p.CCal[1]})
	if _, err := cal.GainCalibration(ctx); err != nil {
		return nil, fmt.Errorf("gain calibration: %w", err)
	}
	report("gain", p.GCal)
	if _, _, err := cal.PhaseCalibration(ctx); err != nil {
		return nil, fmt.Errorf("phase calibration: %w", err)
	}
	report("phase", p.PCal)

	prof := calibration.ProfileFrom(p)
	prof.ID = run
	return prof, nil
}

func (c *cli) sweepCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Sweep the beam across the array and print the pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withBench(cmd.Context(), func(b *bench) error {
				pattern, err := b.Calibrator.BeamSweep(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return c.printJSON(pattern)
				}
				tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', tabwriter.AlignRight)
				fmt.Fprintln(tw, "PHASE\tANGLE\tSUM dBFS\tDELTA dBFS\t")
				for i := range pattern.PhaseValues {
					fmt.Fprintf(tw, "%.1f\t%.2f\t%.2f\t%.2f\t\n",
						pattern.PhaseValues[i], pattern.Angle[i], pattern.Gain[i], pattern.Delta[i])
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				pk := pattern.Peak()
				fmt.Fprintf(c.out, "peak at %.2f deg (phase %.1f, %.2f dBFS)\n",
					pattern.Angle[pk], pattern.PhaseValues[pk], pattern.Gain[pk])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full pattern as JSON")
	return cmd
}

func (c *cli) trackCmd() *cobra.Command {
	var (
		interval  time.Duration
		maxTracks int
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Find the emitter with a coarse sweep and follow it by monopulse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var reporter telemetry.Reporter
			if c.cfg.WebAddr != "" {
				hub := telemetry.NewHub(c.cfg.HistoryLimit, c.log)
				reporter = hub
				go func() {
					if err := telemetry.NewWebServer(c.cfg.WebAddr, hub).Start(ctx); err != nil {
						c.log.Error("web telemetry", logging.Err(err))
					}
				}()
				c.log.Info("web interface", logging.F("url", "http://localhost"+c.cfg.WebAddr))
			} else {
				reporter = telemetry.NewStdoutReporter(c.log)
			}

			return c.withBench(ctx, func(b *bench) error {
				tracker := app.NewTracker(b.Calibrator, reporter, c.log, app.Config{
					SampleRate:     c.cfg.SampleRate,
					ToneOffset:     c.cfg.ToneOffset,
					NumSamples:     c.cfg.NumSamples,
					TrackingLength: c.cfg.TrackingLength,
					PhaseStep:      c.cfg.PhaseStep,
					Interval:       interval,
					WarmupBuffers:  c.cfg.WarmupBuffers,
					HistoryLimit:   c.cfg.HistoryLimit,
					DebugMode:      debug,
					TrackingMode:   c.cfg.TrackingMode,
					MaxTracks:      maxTracks,
				})
				if err := tracker.Init(ctx); err != nil {
					return fmt.Errorf("init tracker: %w", err)
				}
				c.log.Info("starting tracker")
				if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("run tracker: %w", err)
				}
				fmt.Fprintf(c.out, "last steering angle %.2f deg (%s)\n", lastAngle(tracker.AngleHistory()), tracker.LockState())
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Millisecond, "Delay between tracking iterations")
	cmd.Flags().IntVar(&maxTracks, "max-tracks", 4, "Maximum simultaneous tracks in multi mode")
	cmd.Flags().BoolVar(&debug, "debug", false, "Attach monopulse debug data to every sample")
	return cmd
}

func lastAngle(h []float64) float64 {
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1]
}

// sfdrReport is the output of the sfdr command.
type sfdrReport struct {
	Channel    int                 `json:"channel"`
	SFDR       spectrum.SFDRResult `json:"sfdr"`
	Harmonics  *spectrum.Harmonics `json:"harmonics,omitempty"`
	Violations []spectrum.Harmonic `json:"violations,omitempty"`
}

func (c *cli) sfdrCmd() *cobra.Command {
	var (
		channel   int
		toneFreq  float64
		toneScale float64
		numPeaks  int
		tol       float64
		limitDB   float64
		discard   int
	)
	cmd := &cobra.Command{
		Use:   "sfdr",
		Short: "Capture a boresight buffer and report spurious free dynamic range and harmonics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if channel != 0 && channel != 1 {
				return fmt.Errorf("channel %d out of range", channel)
			}
			ctx := cmd.Context()
			return c.withBench(ctx, func(b *bench) error {
				if toneFreq > 0 {
					d, err := dds.New(ctx, b.TXAttrs, plutoDDSCore, 2, c.log)
					if err != nil {
						return err
					}
					if err := d.SingleTone(ctx, toneFreq, toneScale, 0); err != nil {
						return fmt.Errorf("start tone: %w", err)
					}
					defer func() {
						if err := d.Disable(context.WithoutCancel(ctx)); err != nil {
							c.log.Warn("stop tone", logging.Err(err))
						}
					}()
				}
				if err := b.Phaser.SetAllGain(ctx, beamformer.MaxGain, true); err != nil {
					return err
				}
				if err := b.Phaser.SetBeamPhaseDiff(ctx, 0); err != nil {
					return err
				}
				x, err := captureChannel(ctx, b, channel, discard)
				if err != nil {
					return err
				}
				s := spectrum.SpecEst(x, b.SDR.SampleRate(), 0, true)
				res, err := spectrum.SFDRFromSpectrum(s)
				if err != nil {
					return err
				}
				rep := sfdrReport{Channel: channel, SFDR: res}
				h, bad, err := spectrum.CheckHarmonics(s, numPeaks, tol, limitDB)
				if err != nil {
					c.log.Warn("harmonic search", logging.Err(err))
				} else {
					rep.Harmonics, rep.Violations = &h, bad
				}
				return c.printJSON(rep)
			})
		},
	}
	f := cmd.Flags()
	f.IntVar(&channel, "channel", 0, "Receive channel to analyse (0 or 1)")
	f.Float64Var(&toneFreq, "tx-tone", 0, "Transmit a DDS tone at this baseband frequency first (Hz, 0 disables)")
	f.Float64Var(&toneScale, "tx-scale", 0.5, "DDS tone scale in [0, 1]")
	f.IntVar(&numPeaks, "peaks", 10, "Number of spectral peaks searched for harmonics")
	f.Float64Var(&tol, "tol", 0.01, "Relative frequency tolerance of a harmonic")
	f.Float64Var(&limitDB, "limit-db", 40, "Harmonics closer than this to the carrier are reported")
	f.IntVar(&discard, "discard", 2, "Buffers to discard before the capture")
	return cmd
}

// captureChannel discards n buffers and returns channel ch of the next.
func captureChannel(ctx context.Context, b *bench, ch, n int) ([]complex128, error) {
	for i := 0; i < n; i++ {
		if _, _, err := b.SDR.RX(ctx); err != nil {
			return nil, fmt.Errorf("rx: %w", err)
		}
	}
	rx0, rx1, err := b.SDR.RX(ctx)
	if err != nil {
		return nil, fmt.Errorf("rx: %w", err)
	}
	src := rx0
	if ch == 1 {
		src = rx1
	}
	x := make([]complex128, len(src))
	for i, v := range src {
		x[i] = complex128(v)
	}
	return x, nil
}

func (c *cli) toneCmd() *cobra.Command {
	var (
		freq, scale   float64
		freq2, scale2 float64
		channel       int
		off           bool
	)
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Generate DDS test tones on the receiver's transmit path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withBench(ctx, func(b *bench) error {
				d, err := dds.New(ctx, b.TXAttrs, plutoDDSCore, 2, c.log)
				if err != nil {
					return err
				}
				switch {
				case off:
					err = d.Disable(ctx)
				case freq2 != 0:
					err = d.DualTone(ctx, dds.Tone{Freq: freq, Scale: scale}, dds.Tone{Freq: freq2, Scale: scale2}, channel)
				default:
					err = d.SingleTone(ctx, freq, scale, channel)
				}
				if err != nil {
					return err
				}
				return c.printJSON(d.Channels())
			})
		},
	}
	f := cmd.Flags()
	f.Float64Var(&freq, "freq", 1e6, "Tone frequency in Hz")
	f.Float64Var(&scale, "scale", 0.5, "Tone scale in [0, 1]")
	f.Float64Var(&freq2, "freq2", 0, "Second tone frequency in Hz (0 for a single tone)")
	f.Float64Var(&scale2, "scale2", 0.25, "Second tone scale in [0, 1]")
	f.IntVar(&channel, "channel", 0, "Transmit channel")
	f.BoolVar(&off, "off", false, "Silence every tone")
	return cmd
}

func (c *cli) hb100Cmd() *cobra.Command {
	s := calibration.DefaultHB100Search()
	cmd := &cobra.Command{
		Use:   "hb100",
		Short: "Locate an HB100 emitter by sweeping the PLL and save its frequency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s.RxLO = c.cfg.RxLO
			return c.withBench(cmd.Context(), func(b *bench) error {
				res, err := b.Calibrator.FindHB100(cmd.Context(), s)
				if err != nil {
					return err
				}
				if err := calibration.SaveHB100(c.cfg.HB100Path, res.Freq); err != nil {
					return fmt.Errorf("save hb100: %w", err)
				}
				c.log.Info("hb100 found", logging.F("freq", res.Freq), logging.F("level_db", res.LevelDB), logging.F("path", c.cfg.HB100Path))
				return c.printJSON(res)
			})
		},
	}
	f := cmd.Flags()
	f.Float64Var(&s.Start, "start", s.Start, "Sweep start in Hz")
	f.Float64Var(&s.Stop, "stop", s.Stop, "Sweep stop in Hz")
	f.Float64Var(&s.Step, "step", s.Step, "Sweep step in Hz")
	f.IntVar(&s.Gain, "gain", s.Gain, "Beamformer gain code of every element")
	return cmd
}

// statusReport is the board health printed by the status command.
type statusReport struct {
	Monitor beamformer.MonitorReading `json:"monitor"`
	// Levels are per element peak levels in dBFS, element order.
	Levels []float64 `json:"levels_dbfs,omitempty"`
}

func (c *cli) statusCmd() *cobra.Command {
	var levels bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Read the board supply monitor and per element signal levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withBench(ctx, func(b *bench) error {
				var r statusReport
				var err error
				if r.Monitor, err = b.Phaser.ReadMonitor(ctx); err != nil {
					return fmt.Errorf("read monitor: %w", err)
				}
				if levels {
					if r.Levels, err = b.Calibrator.GetSignalLevels(ctx); err != nil {
						return fmt.Errorf("signal levels: %w", err)
					}
				}
				return c.printJSON(r)
			})
		},
	}
	cmd.Flags().BoolVar(&levels, "levels", true, "Measure every element against the emitter")
	return cmd
}
