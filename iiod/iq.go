package iiod

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DeinterleaveIQ splits a raw buffer of interleaved 16-bit little endian I/Q
// pairs into numChannels complex streams. Values stay in ADC counts.
func DeinterleaveIQ(raw []byte, numChannels int) ([][]complex64, error) {
	if numChannels <= 0 {
		return nil, errors.New("DeinterleaveIQ: channel count must be positive")
	}
	frame := 4 * numChannels
	if len(raw)%frame != 0 {
		return nil, fmt.Errorf("DeinterleaveIQ: buffer length %d not a multiple of %d", len(raw), frame)
	}
	n := len(raw) / frame
	out := make([][]complex64, numChannels)
	for ch := range out {
		out[ch] = make([]complex64, n)
	}
	for s := 0; s < n; s++ {
		base := s * frame
		for ch := 0; ch < numChannels; ch++ {
			off := base + ch*4
			i16 := int16(binary.LittleEndian.Uint16(raw[off : off+2]))
			q16 := int16(binary.LittleEndian.Uint16(raw[off+2 : off+4]))
			out[ch][s] = complex(float32(i16), float32(q16))
		}
	}
	return out, nil
}

// InterleaveIQ packs complex streams (in DAC counts) into interleaved 16-bit
// little endian I/Q frames. Values outside the int16 range are clamped.
func InterleaveIQ(channels [][]complex64) ([]byte, error) {
	if len(channels) == 0 {
		return nil, errors.New("InterleaveIQ: no channels")
	}
	n := len(channels[0])
	for i, ch := range channels {
		if len(ch) != n {
			return nil, fmt.Errorf("InterleaveIQ: channel %d length %d != %d", i, len(ch), n)
		}
	}
	frame := 4 * len(channels)
	buf := make([]byte, n*frame)
	for s := 0; s < n; s++ {
		for ch, samples := range channels {
			off := s*frame + ch*4
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(clampInt16(real(samples[s]))))
			binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(clampInt16(imag(samples[s]))))
		}
	}
	return buf, nil
}

func clampInt16(v float32) int16 {
	r := math.Round(float64(v))
	if r > math.MaxInt16 {
		return math.MaxInt16
	}
	if r < math.MinInt16 {
		return math.MinInt16
	}
	return int16(r)
}
