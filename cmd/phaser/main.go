// Command phaser calibrates and steers an ADI Phaser (CN0566) array fed by a
// Pluto receiver, and drives multi chip sync on ADRV9002 boards.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/discovery"
	"github.com/rjboer/adiphaser/internal/logging"
)

// version is set at link time.
var version = "dev"

const dialTimeout = 10 * time.Second

// dial and discover are replaced in tests.
var (
	dial = func(ctx context.Context, addr string) (*iiod.Client, error) {
		return iiod.DialTimeout(ctx, addr, dialTimeout)
	}
	discover = discovery.Discover
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, "phaser:", err)
		os.Exit(1)
	}
}

// run loads the persistent config named by args or PHASER_CONFIG, builds
// the command tree on top of it and executes args.
func run(ctx context.Context, args []string, out io.Writer, lookup func(string) (string, bool)) error {
	path := configPathFromArgs(args, lookup)
	defaults, err := loadOrCreateConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	root := newRootCmd(out, lookup, defaults)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// cli is the state shared by every subcommand.
type cli struct {
	cfg    cliConfig
	log    logging.Logger
	out    io.Writer
	lookup func(string) (string, bool)
}

func newRootCmd(out io.Writer, lookup func(string) (string, bool), defaults persistentConfig) *cobra.Command {
	c := &cli{out: out, lookup: lookup}
	root := &cobra.Command{
		Use:           "phaser",
		Short:         "Calibrate and steer an ADI Phaser array",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.Setup(c.cfg.LogLevel, c.cfg.LogFormat)
			if err != nil {
				return err
			}
			c.log = log
			if err := saveConfig(c.cfg.configPath, c.cfg.persistentConfig); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			return nil
		},
	}
	root.SetOut(out)
	bindFlags(root.PersistentFlags(), &c.cfg, lookup, defaults)
	root.AddCommand(
		c.discoverCmd(),
		c.versionCmd(),
		c.calibrateCmd(),
		c.sweepCmd(),
		c.trackCmd(),
		c.sfdrCmd(),
		c.toneCmd(),
		c.hb100Cmd(),
		c.statusCmd(),
		c.mcsCmd(),
	)
	return root
}

// withBench opens the configured board for the duration of fn.
func (c *cli) withBench(ctx context.Context, fn func(*bench) error) error {
	b, err := selectBackend(ctx, c.cfg, c.log)
	if err != nil {
		return fmt.Errorf("select backend: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			c.log.Warn("close backend", logging.Err(err))
		}
	}()
	return fn(b)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
