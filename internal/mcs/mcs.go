// Package mcs synchronizes several transceivers sharing one clock board.
// Every device is put into multi-chip sync state concurrently, a SYSREF
// pulse train is requested from the HMC7044 and the devices are awaited
// until each reports the sync complete.
package mcs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/logging"
)

// DMA and DAC core registers.
const (
	RegTxArm        = 0x80000044
	RegRxArm        = 0x80000048
	RegDACDataSel   = 0x80000418
	DACChannelPitch = 0x40
	ArmValue        = 0x2
	DACSelZero      = 0x3
	DACChannels     = 4
)

// Defaults of an Orchestrator.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultSettle        = time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSysrefRetries = 6
)

// Device is the attribute access one transceiver context provides.
// *iiod.Client implements it.
type Device interface {
	SetTimeout(ctx context.Context, d time.Duration) error
	WriteDeviceAttr(ctx context.Context, dev, attr, value string) error
	RegWrite(ctx context.Context, dev string, addr, val uint32) error
}

var _ Device = (*iiod.Client)(nil)

// Receiver captures the two receive channels of one transceiver.
type Receiver interface {
	// ResetRX discards the current buffer and prepares a new one that
	// fills on the next SYSREF.
	ResetRX(ctx context.Context) error
	RX(ctx context.Context) ([]complex64, []complex64, error)
}

// Runner runs a shell command on the device host.
type Runner interface {
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
}

// Node is one transceiver taking part in the sync.
type Node struct {
	URI    string
	Device Device
	// RX is optional and only needed for Capture.
	RX Receiver
	// SSH is optional and only needed for Run.
	SSH Runner

	PHY    string
	RxCore string
	TxCore string
}

// ADRV9002 device names.
const (
	ADRV9002PHY    = "adrv9002-phy"
	ADRV9002RxCore = "axi-adrv9002-rx-lpc"
	ADRV9002TxCore = "axi-adrv9002-tx-lpc"
)

// NewADRV9002Node describes an ADRV9002 reached through dev.
func NewADRV9002Node(uri string, dev Device, rx Receiver) *Node {
	return &Node{URI: uri, Device: dev, RX: rx, PHY: ADRV9002PHY, RxCore: ADRV9002RxCore, TxCore: ADRV9002TxCore}
}

// Sync is the SYSREF source.
type Sync struct {
	Device interface {
		WriteDeviceAttr(ctx context.Context, dev, attr, value string) error
	}
	Dev string
}

// Request issues one SYSREF request.
func (s *Sync) Request(ctx context.Context) error {
	dev := s.Dev
	if dev == "" {
		dev = "hmc7044"
	}
	return s.Device.WriteDeviceAttr(ctx, dev, "sysref_request", "1")
}

// Orchestrator coordinates a primary and any number of secondaries.
type Orchestrator struct {
	Primary     *Node
	Secondaries []*Node
	Sync        *Sync

	Timeout       time.Duration
	Settle        time.Duration
	PollInterval  time.Duration
	SysrefRetries int
	// SysrefBackoff is the wait between failed SYSREF requests.
	SysrefBackoff time.Duration

	// PCal and GCal hold the per channel phase (degrees) and gain
	// corrections from the last Align.
	PCal []float64
	GCal []float64

	log logging.Logger
}

// New returns an orchestrator with default timing.
func New(primary *Node, secondaries []*Node, sync *Sync, log logging.Logger) *Orchestrator {
	return &Orchestrator{
		Primary:       primary,
		Secondaries:   secondaries,
		Sync:          sync,
		Timeout:       DefaultTimeout,
		Settle:        DefaultSettle,
		PollInterval:  DefaultPollInterval,
		SysrefRetries: DefaultSysrefRetries,
		SysrefBackoff: 100 * time.Millisecond,
		log:           logging.Or(log),
	}
}

// Nodes returns the primary followed by the secondaries.
func (o *Orchestrator) Nodes() []*Node {
	return append([]*Node{o.Primary}, o.Secondaries...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// requestSysref retries the SYSREF request up to SysrefRetries times.
func (o *Orchestrator) requestSysref(ctx context.Context) error {
	retries := o.SysrefRetries
	if retries < 1 {
		retries = 1
	}
	attempt := 0
	op := func() error {
		attempt++
		o.log.Info("requesting sysref", logging.F("attempt", attempt))
		err := o.Sync.Request(ctx)
		if err != nil {
			o.log.Warn("sysref request failed", logging.F("attempt", attempt), logging.Err(err))
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.SysrefBackoff), uint64(retries-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("request sysref: %w", cerr)
		}
		return fmt.Errorf("request sysref after %d attempts: %w", attempt, err)
	}
	return nil
}

// sharesConn reports whether a and b are the same IIOD connection. A
// connection runs one command at a time, so a SYSREF request queued behind
// a blocking multi_chip_sync write would never be sent.
func sharesConn(a, b any) bool {
	ca, ok := a.(*iiod.Client)
	if !ok || ca == nil {
		return false
	}
	cb, ok := b.(*iiod.Client)
	return ok && ca == cb
}

type syncResult struct {
	uri string
	err error
}

// Setup runs multi-chip sync. A single device needs none; its driver syncs
// internally when the profile loads. Once every device reports done the
// DAC data sources are muted.
func (o *Orchestrator) Setup(ctx context.Context) error {
	nodes := o.Nodes()
	if len(nodes) == 1 {
		o.log.Info("mcs not required", logging.F("uri", o.Primary.URI))
		return nil
	}
	if o.Sync == nil {
		return errors.New("mcs: no sysref source")
	}
	for _, n := range nodes {
		if sharesConn(o.Sync.Device, n.Device) {
			return fmt.Errorf("mcs: sysref source shares the connection of %s, it needs its own", n.URI)
		}
	}
	for _, n := range nodes {
		if err := n.Device.SetTimeout(ctx, o.Timeout); err != nil {
			return fmt.Errorf("%s: set timeout: %w", n.URI, err)
		}
	}

	// the writes block until the pulse train arrives, bounded by Timeout
	// rather than the client's command deadline
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	syncCtx, cancel := context.WithTimeout(ctx, timeout+o.Settle)
	defer cancel()
	results := make(chan syncResult, len(nodes))
	pending := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		pending[n.URI] = true
		o.log.Info("setting up mcs", logging.F("uri", n.URI))
		go func(n *Node) {
			// returns once the pulse train arrived or the server timed out
			err := n.Device.WriteDeviceAttr(syncCtx, n.PHY, "multi_chip_sync", "1")
			results <- syncResult{uri: n.URI, err: err}
		}(n)
	}

	var errs []error
	collect := func(r syncResult) {
		delete(pending, r.uri)
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: multi_chip_sync: %w", r.uri, r.err))
		} else {
			o.log.Info("mcs done", logging.F("uri", r.uri))
		}
	}
	drain := func() {
		for len(pending) > 0 {
			collect(<-results)
		}
	}

	if err := sleepCtx(ctx, o.Settle); err != nil {
		cancel()
		drain()
		return errors.Join(append([]error{err}, errs...)...)
	}
	if err := o.requestSysref(ctx); err != nil {
		cancel()
		drain()
		return errors.Join(append([]error{err}, errs...)...)
	}

	poll := o.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for len(pending) > 0 {
		select {
		case r := <-results:
			collect(r)
		case <-ticker.C:
			waiting := make([]string, 0, len(pending))
			for uri := range pending {
				waiting = append(waiting, uri)
			}
			sort.Strings(waiting)
			o.log.Info("waiting for mcs done", logging.F("pending", waiting))
		case <-ctx.Done():
			cancel()
			drain()
			return errors.Join(append([]error{ctx.Err()}, errs...)...)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return o.MuteDACDataSources(ctx)
}

func (o *Orchestrator) regWriteAll(ctx context.Context, core func(*Node) string, addr, val uint32) error {
	var errs []error
	for _, n := range o.Nodes() {
		if err := n.Device.RegWrite(ctx, core(n), addr, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: reg 0x%X: %w", n.URI, addr, err))
		}
	}
	return errors.Join(errs...)
}

func rxCore(n *Node) string { return n.RxCore }
func txCore(n *Node) string { return n.TxCore }

// MuteDACDataSources selects zero data on every DAC channel.
func (o *Orchestrator) MuteDACDataSources(ctx context.Context) error {
	o.log.Info("muting dac data sources")
	for ch := uint32(0); ch < DACChannels; ch++ {
		if err := o.regWriteAll(ctx, txCore, RegDACDataSel+ch*DACChannelPitch, DACSelZero); err != nil {
			return err
		}
	}
	return nil
}

// ArmRX arms the receive DMA of every device for the next SYSREF.
func (o *Orchestrator) ArmRX(ctx context.Context) error {
	o.log.Debug("arm rx transfer path")
	return o.regWriteAll(ctx, rxCore, RegRxArm, ArmValue)
}

// ArmTX arms the transmit DMA of every device for the next SYSREF.
func (o *Orchestrator) ArmTX(ctx context.Context) error {
	o.log.Debug("arm tx transfer path")
	return o.regWriteAll(ctx, txCore, RegTxArm, ArmValue)
}

// Run executes cmd on every device over SSH. Outputs are keyed by URI.
func (o *Orchestrator) Run(ctx context.Context, cmd string) (map[string]string, map[string]string, error) {
	stdout := make(map[string]string)
	stderr := make(map[string]string)
	var errs []error
	for _, n := range o.Nodes() {
		if n.SSH == nil {
			errs = append(errs, fmt.Errorf("%s: no ssh configured", n.URI))
			continue
		}
		out, errOut, err := n.SSH.Run(ctx, cmd)
		stdout[n.URI], stderr[n.URI] = out, errOut
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.URI, err))
		}
	}
	return stdout, stderr, errors.Join(errs...)
}
