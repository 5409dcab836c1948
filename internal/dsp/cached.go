package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CachedDSP keeps a window and FFT plan for a fixed buffer size so repeated
// spectra of equally sized captures avoid rebuilding them.
type CachedDSP struct {
	mu        sync.RWMutex
	winFunc   WindowFunc
	window    []float64
	windowSum float64
	fftSize   int
	fft       *fourier.CmplxFFT
}

// NewCachedDSP creates a cache for size point transforms. A nil winFunc
// selects Hamming.
func NewCachedDSP(size int, winFunc WindowFunc) *CachedDSP {
	if winFunc == nil {
		winFunc = Hamming
	}
	c := &CachedDSP{winFunc: winFunc}
	c.rebuild(size)
	return c
}

func (c *CachedDSP) rebuild(size int) {
	c.fftSize = size
	c.window = c.winFunc(size)
	c.windowSum = WindowSum(c.window)
	if size > 0 {
		c.fft = fourier.NewCmplxFFT(size)
	} else {
		c.fft = nil
	}
}

// FFTAndDBFS is the cached form of the package level FFTAndDBFS. Samples of
// a different length fall back to the uncached path.
func (c *CachedDSP) FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	c.mu.RLock()
	size, win, winSum, fft := c.fftSize, c.window, c.windowSum, c.fft
	c.mu.RUnlock()
	if len(samples) != size || fft == nil {
		return FFTAndDBFS(samples)
	}
	// CmplxFFT keeps internal work space and is not safe for concurrent use.
	c.mu.Lock()
	defer c.mu.Unlock()
	return fftAndDBFS(fft, samples, win, winSum)
}

// Window returns a copy of the cached window.
func (c *CachedDSP) Window() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.window...)
}

// UpdateSize rebuilds the cached resources for a new size.
func (c *CachedDSP) UpdateSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuild(size)
}

// Size returns the current transform size.
func (c *CachedDSP) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fftSize
}
