package beamformer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/dsp"
)

// ADAR1000 register map (subset used by the Phaser).
const (
	RegInterfaceConfigA = 0x00
	RegRxGain           = 0x10 // + channel
	RegTxGain           = 0x1C // + channel
	RegLatch            = 0x28
	RegPABiasOn         = 0x29 // + channel
	RegLNABiasOn        = 0x2D
	RegRxEnables        = 0x2E
	RegTxEnables        = 0x2F
	RegMiscEnables      = 0x30
	RegSwCtrl           = 0x31
	RegBiasRxLNA        = 0x34
	RegBiasRx           = 0x35
	RegBiasTx           = 0x36
	RegBiasTxDrv        = 0x37
	RegMemCtrl          = 0x38
	RegLDOTrim          = 0x400
)

const (
	softReset    = 0x81
	ldoTrimValue = 0x55
	latchRx      = 0x01
	latchTx      = 0x02
	gainNoAtten  = 0x80
	memBypass    = 0x60 // beam and bias RAM bypassed, SPI control

	swPol      = 1 << 0
	swTRSPI    = 1 << 1
	swTRSource = 1 << 2
	swEnPol    = 1 << 3
	swEnTR     = 1 << 4
	swRxEn     = 1 << 5
	swTxEn     = 1 << 6
	swTRState  = 1 << 7
)

// MaxGain is the largest VGA code of a channel.
const MaxGain = 127

// ChannelsPerChip is the number of RF channels on one ADAR1000.
const ChannelsPerChip = 4

// Mode selects the transmit/receive configuration of a chip.
type Mode string

const (
	ModeRx Mode = "rx"
	ModeTx Mode = "tx"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRx, ModeTx:
		return Mode(s), nil
	}
	return "", fmt.Errorf("beamformer: unsupported device mode %q", s)
}

type chanState struct {
	gain  int
	atten bool
}

// ADAR1000 is one four channel beamformer chip.
type ADAR1000 struct {
	io    AttrIO
	dev   string
	label string
	rx    [ChannelsPerChip]chanState
	tx    [ChannelsPerChip]chanState
}

// NewADAR1000 binds a chip by label (BEAM0, BEAM1, ...).
func NewADAR1000(ctx context.Context, io AttrIO, label string) (*ADAR1000, error) {
	dev, err := ResolveDevice(ctx, io, label)
	if err != nil {
		return nil, err
	}
	a := &ADAR1000{io: io, dev: dev, label: label}
	for i := range a.rx {
		a.rx[i] = chanState{gain: MaxGain}
		a.tx[i] = chanState{gain: MaxGain}
	}
	return a, nil
}

// Label returns the chip label.
func (a *ADAR1000) Label() string { return a.label }

// Device returns the IIO device id.
func (a *ADAR1000) Device() string { return a.dev }

func channelID(ch int) string { return "voltage" + strconv.Itoa(ch) }

func checkChannel(ch int) error {
	if ch < 0 || ch >= ChannelsPerChip {
		return fmt.Errorf("beamformer: channel %d out of range", ch)
	}
	return nil
}

func gainByte(s chanState) uint32 {
	v := uint32(s.gain) & 0x7F
	if !s.atten {
		v |= gainNoAtten
	}
	return v
}

func clampGain(g int) int { return min(max(g, 0), MaxGain) }

func (a *ADAR1000) reg(ctx context.Context, addr, val uint32) error {
	if err := a.io.RegWrite(ctx, a.dev, addr, val); err != nil {
		return fmt.Errorf("%s reg 0x%X: %w", a.label, addr, err)
	}
	return nil
}

// SetRxGain sets the receive VGA code (0..127) of ch.
func (a *ADAR1000) SetRxGain(ctx context.Context, ch, gain int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	a.rx[ch].gain = clampGain(gain)
	return a.reg(ctx, RegRxGain+uint32(ch), gainByte(a.rx[ch]))
}

// SetRxAttenuator enables the receive step attenuator of ch.
func (a *ADAR1000) SetRxAttenuator(ctx context.Context, ch int, on bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	a.rx[ch].atten = on
	return a.reg(ctx, RegRxGain+uint32(ch), gainByte(a.rx[ch]))
}

// SetRxGainAtten writes gain and attenuator state in one register write.
func (a *ADAR1000) SetRxGainAtten(ctx context.Context, ch, gain int, atten bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	a.rx[ch] = chanState{gain: clampGain(gain), atten: atten}
	return a.reg(ctx, RegRxGain+uint32(ch), gainByte(a.rx[ch]))
}

// RxGain returns the last programmed receive gain of ch.
func (a *ADAR1000) RxGain(ch int) (gain int, atten bool) {
	if checkChannel(ch) != nil {
		return 0, false
	}
	return a.rx[ch].gain, a.rx[ch].atten
}

// SetTxGain sets the transmit VGA code of ch.
func (a *ADAR1000) SetTxGain(ctx context.Context, ch, gain int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	a.tx[ch].gain = clampGain(gain)
	return a.reg(ctx, RegTxGain+uint32(ch), gainByte(a.tx[ch]))
}

// SetRxPhase programs the receive vector modulator of ch in degrees.
func (a *ADAR1000) SetRxPhase(ctx context.Context, ch int, deg float64) error {
	return a.setPhase(ctx, false, ch, deg)
}

// SetTxPhase programs the transmit vector modulator of ch in degrees.
func (a *ADAR1000) SetTxPhase(ctx context.Context, ch int, deg float64) error {
	return a.setPhase(ctx, true, ch, deg)
}

func (a *ADAR1000) setPhase(ctx context.Context, output bool, ch int, deg float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	deg = dsp.WrapPhase360(deg)
	if err := a.io.WriteChannelAttr(ctx, a.dev, output, channelID(ch), "phase", iiod.FormatFloat(deg)); err != nil {
		return fmt.Errorf("%s %s phase: %w", a.label, channelID(ch), err)
	}
	return nil
}

// RxPhase reads back the receive phase of ch.
func (a *ADAR1000) RxPhase(ctx context.Context, ch int) (float64, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	return readChanFloat(ctx, a.io, a.dev, false, channelID(ch), "phase")
}

// LatchRx transfers the receive settings to the working registers.
func (a *ADAR1000) LatchRx(ctx context.Context) error { return a.reg(ctx, RegLatch, latchRx) }

// LatchTx transfers the transmit settings to the working registers.
func (a *ADAR1000) LatchTx(ctx context.Context) error { return a.reg(ctx, RegLatch, latchTx) }

// Reset performs a soft reset of the chip.
func (a *ADAR1000) Reset(ctx context.Context) error { return a.reg(ctx, RegInterfaceConfigA, softReset) }

// Temperature returns the raw on-chip temperature sensor code.
func (a *ADAR1000) Temperature(ctx context.Context) (int64, error) {
	return readChanInt(ctx, a.io, a.dev, false, "temp0", "raw")
}

// BiasDACCode converts a negative bias voltage into the 8 bit bias DAC
// code (4.8 V full scale).
func BiasDACCode(volts float64) uint32 {
	code := int(-volts / 4.8 * 256)
	return uint32(min(max(code, 0), 255))
}

// Configure resets the chip and writes the Phaser device settings for mode:
// SPI control of beam and bias state, TR switch driven from SPI, all
// amplifiers enabled, and every channel of the selected path at full gain.
func (a *ADAR1000) Configure(ctx context.Context, mode Mode) error {
	sw := uint32(swEnTR | swTRState)
	switch mode {
	case ModeRx:
		sw |= swRxEn
	case ModeTx:
		sw |= swTxEn | swTRSPI
	default:
		return fmt.Errorf("beamformer: unsupported device mode %q", mode)
	}
	steps := []struct{ addr, val uint32 }{
		{RegInterfaceConfigA, softReset},
		{RegLDOTrim, ldoTrimValue},
		{RegMemCtrl, memBypass},
		{RegSwCtrl, sw},
		{RegRxEnables, 0x7F},
		{RegBiasRxLNA, 8},
		{RegBiasRx, 22},
		{RegTxEnables, 0x07},
		{RegBiasTx, 6},
		{RegBiasTxDrv, 22},
	}
	if mode == ModeRx {
		// external LNAs stay self biased
		steps = append(steps, struct{ addr, val uint32 }{RegMiscEnables, 0x00})
	} else {
		steps = append(steps, struct{ addr, val uint32 }{RegTxEnables, 0x7F})
	}
	for _, s := range steps {
		if err := a.reg(ctx, s.addr, s.val); err != nil {
			return err
		}
	}
	for ch := 0; ch < ChannelsPerChip; ch++ {
		if mode == ModeRx {
			if err := a.SetRxGainAtten(ctx, ch, MaxGain, false); err != nil {
				return err
			}
			continue
		}
		if err := a.SetTxGain(ctx, ch, MaxGain); err != nil {
			return err
		}
		if err := a.reg(ctx, RegPABiasOn+uint32(ch), BiasDACCode(-2)); err != nil {
			return err
		}
	}
	if mode == ModeRx {
		return a.LatchRx(ctx)
	}
	return a.LatchTx(ctx)
}
