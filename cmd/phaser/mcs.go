package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/dsp"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/mcs"
	"github.com/rjboer/adiphaser/internal/sshfs"
)

// mcsOptions are the flags of the mcs command.
type mcsOptions struct {
	devices []string
	syncURI string
	syncDev string
	samples int
	capture bool
	command string
}

// mcsResult is printed after a sync. Residual is the progressive phase that
// best combines the aligned channels, close to zero when the alignment holds.
type mcsResult struct {
	Devices  []string          `json:"devices"`
	PCal     []float64         `json:"pcal,omitempty"`
	GCal     []float64         `json:"gcal,omitempty"`
	Residual *dsp.ScanResult   `json:"residual,omitempty"`
	Stdout   map[string]string `json:"stdout,omitempty"`
	Stderr   map[string]string `json:"stderr,omitempty"`
}

func (c *cli) mcsCmd() *cobra.Command {
	var o mcsOptions
	cmd := &cobra.Command{
		Use:   "mcs",
		Short: "Multi chip sync a set of ADRV9002 boards, then capture and align them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(o.devices) == 0 {
				return errors.New("mcs: at least one --device is required")
			}
			if o.samples <= 0 {
				o.samples = c.cfg.NumSamples
			}
			return c.runMCS(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&o.devices, "device", nil, "IIOD URI of a board, primary first (repeatable)")
	f.StringVar(&o.syncURI, "sync-uri", "", "IIOD URI carrying the SYSREF source (defaults to the primary)")
	f.StringVar(&o.syncDev, "sync-dev", "hmc7044", "SYSREF source device")
	f.IntVar(&o.samples, "samples", 0, "Samples per channel to capture (defaults to --num-samples)")
	f.BoolVar(&o.capture, "capture", true, "Capture after sync and compute channel alignment")
	f.StringVar(&o.command, "run", "", "Shell command to run on every board over SSH after sync")
	return cmd
}

// pooledDialer hands out IIOD connections from one pool per address. A
// connection is never handed out twice while in use; a second get for the
// same address dials a new one.
type pooledDialer struct {
	pools map[string]*iiod.ClientPool
	taken map[*iiod.Client]*iiod.ClientPool
}

func newPooledDialer() *pooledDialer {
	return &pooledDialer{pools: map[string]*iiod.ClientPool{}, taken: map[*iiod.Client]*iiod.ClientPool{}}
}

func (d *pooledDialer) get(ctx context.Context, uri string) (*iiod.Client, error) {
	p, ok := d.pools[uri]
	if !ok {
		var err error
		p, err = iiod.NewClientPool(1, func(ctx context.Context) (*iiod.Client, error) {
			return dial(ctx, uri)
		})
		if err != nil {
			return nil, err
		}
		d.pools[uri] = p
	}
	cl, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	d.taken[cl] = p
	return cl, nil
}

// release hands a client back to its pool.
func (d *pooledDialer) release(cl *iiod.Client) error {
	p, ok := d.taken[cl]
	if !ok {
		return cl.Close()
	}
	delete(d.taken, cl)
	return p.Put(cl)
}

// Close returns every outstanding client and closes the pools.
func (d *pooledDialer) Close() error {
	var errs []error
	for cl := range d.taken {
		if err := d.release(cl); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range d.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *cli) runMCS(ctx context.Context, o mcsOptions) error {
	var (
		nodes     []*mcs.Node
		receivers []*mcs.BufferReceiver
		shells    []*sshfs.Client
	)
	dialer := newPooledDialer()
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		for _, r := range receivers {
			if cerr := r.Close(cleanup); cerr != nil {
				c.log.Warn("close buffer", logging.Err(cerr))
			}
		}
		for _, s := range shells {
			s.Close()
		}
		if err := dialer.Close(); err != nil {
			c.log.Warn("close iiod pools", logging.Err(err))
		}
	}()

	for _, uri := range o.devices {
		client, err := dialer.get(ctx, uri)
		if err != nil {
			return fmt.Errorf("%s: %w", uri, err)
		}
		rx := mcs.NewBufferReceiver(client, mcs.ADRV9002RxCore, o.samples)
		receivers = append(receivers, rx)
		node := mcs.NewADRV9002Node(uri, client, rx)
		if o.command != "" {
			sc, err := c.sshConfigFor(uri)
			if err != nil {
				return err
			}
			sh, err := sshfs.New(sc, c.log)
			if err != nil {
				return err
			}
			shells = append(shells, sh)
			node.SSH = sh
		}
		nodes = append(nodes, node)
	}

	// the SYSREF source always gets a connection of its own, even on the
	// primary, since the primary's is busy with multi_chip_sync
	syncURI := o.syncURI
	if syncURI == "" {
		syncURI = o.devices[0]
	}
	syncDev, err := dialer.get(ctx, syncURI)
	if err != nil {
		return fmt.Errorf("sync %s: %w", syncURI, err)
	}
	orch := mcs.New(nodes[0], nodes[1:], &mcs.Sync{Device: syncDev, Dev: o.syncDev}, c.log)
	if err := orch.Setup(ctx); err != nil {
		return err
	}

	res := mcsResult{Devices: o.devices}
	if o.capture {
		chans, err := orch.Capture(ctx)
		if err != nil {
			return err
		}
		if err := orch.Align(chans); err != nil {
			return err
		}
		res.PCal, res.GCal = orch.PCal, orch.GCal
		if err := orch.Apply(chans); err != nil {
			return err
		}
		scan := dsp.PhaseScan(chans, 0, 0, 1, nil)
		res.Residual = &scan
	}
	if o.command != "" {
		stdout, stderr, err := orch.Run(ctx, o.command)
		res.Stdout, res.Stderr = stdout, stderr
		if err != nil {
			c.printJSON(res)
			return err
		}
	}
	return c.printJSON(res)
}

// sshConfigFor points the SSH settings at the host of uri.
func (c *cli) sshConfigFor(uri string) (sshfs.Config, error) {
	addr, err := iiod.ParseURI(uri)
	if err != nil {
		return sshfs.Config{}, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return sshfs.Config{}, err
	}
	return sshfs.Config{Host: host, User: c.cfg.SSHUser, KeyPath: c.cfg.SSHKeyPath}, nil
}
