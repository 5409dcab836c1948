package beamformer

import (
	"context"
	"fmt"
)

// ElementMap assigns, per chip label, the antenna element numbers wired to
// channels voltage0..3.
type ElementMap map[string][ChannelsPerChip]int

// DefaultElementMap is the CN0566 wiring.
func DefaultElementMap() ElementMap {
	return ElementMap{
		"BEAM0": {7, 8, 5, 6},
		"BEAM1": {3, 4, 1, 2},
	}
}

// ElementRef locates one antenna element.
type ElementRef struct {
	Chip    *ADAR1000
	Channel int
}

// Array groups beamformer chips and resolves element numbers (1-based) to
// chip channels.
type Array struct {
	Chips    []*ADAR1000
	elements map[int]ElementRef
}

// NewArray opens every chip named in labels and builds the element lookup
// from m.
func NewArray(ctx context.Context, io AttrIO, labels []string, m ElementMap) (*Array, error) {
	arr := &Array{elements: make(map[int]ElementRef)}
	for _, label := range labels {
		chip, err := NewADAR1000(ctx, io, label)
		if err != nil {
			return nil, err
		}
		arr.Chips = append(arr.Chips, chip)
		chans, ok := m[label]
		if !ok {
			return nil, fmt.Errorf("beamformer: no element map for %s", label)
		}
		for ch, elem := range chans {
			if _, dup := arr.elements[elem]; dup {
				return nil, fmt.Errorf("beamformer: element %d mapped twice", elem)
			}
			arr.elements[elem] = ElementRef{Chip: chip, Channel: ch}
		}
	}
	return arr, nil
}

// NumElements returns the number of mapped elements.
func (a *Array) NumElements() int { return len(a.elements) }

// Element resolves element number n (1-based).
func (a *Array) Element(n int) (ElementRef, error) {
	ref, ok := a.elements[n]
	if !ok {
		return ElementRef{}, fmt.Errorf("beamformer: no element %d", n)
	}
	return ref, nil
}

// LatchRx latches the receive settings of every chip.
func (a *Array) LatchRx(ctx context.Context) error {
	for _, c := range a.Chips {
		if err := c.LatchRx(ctx); err != nil {
			return err
		}
	}
	return nil
}

// LatchTx latches the transmit settings of every chip.
func (a *Array) LatchTx(ctx context.Context) error {
	for _, c := range a.Chips {
		if err := c.LatchTx(ctx); err != nil {
			return err
		}
	}
	return nil
}
