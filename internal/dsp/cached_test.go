package dsp

import (
	"math"
	"math/cmplx"
	"sync"
	"testing"
)

func TestCachedDSPMatchesUncached(t *testing.T) {
	size := 512
	cached := NewCachedDSP(size, nil)

	samples := make([]complex64, size)
	for i := range samples {
		samples[i] = complex(float32(i)/float32(size), 0)
	}

	fft1, dbfs1 := cached.FFTAndDBFS(samples)
	fft2, dbfs2 := FFTAndDBFS(samples)
	if len(fft1) != len(fft2) || len(dbfs1) != len(dbfs2) {
		t.Fatalf("length mismatch")
	}
	for i := range fft1 {
		if diff := cmplx.Abs(fft1[i] - fft2[i]); diff > 1e-10 {
			t.Errorf("FFT mismatch at index %d: diff=%g", i, diff)
		}
		if diff := math.Abs(dbfs1[i] - dbfs2[i]); diff > 1e-6 && !math.IsInf(dbfs1[i], -1) {
			t.Errorf("dBFS mismatch at index %d: diff=%g", i, diff)
		}
	}
}

func TestCachedDSPUpdateSizeAndFallback(t *testing.T) {
	cached := NewCachedDSP(256, Blackman)
	if cached.Size() != 256 || len(cached.Window()) != 256 {
		t.Fatalf("initial size mismatch: %d", cached.Size())
	}
	cached.UpdateSize(512)
	if cached.Size() != 512 {
		t.Fatalf("updated size mismatch: %d", cached.Size())
	}
	fft, _ := cached.FFTAndDBFS(make([]complex64, 512))
	if len(fft) != 512 {
		t.Fatalf("FFT size after update: %d", len(fft))
	}
	fft, _ = cached.FFTAndDBFS(make([]complex64, 100))
	if len(fft) != 100 {
		t.Fatalf("fallback size: %d", len(fft))
	}
}

func TestCachedDSPConcurrentUse(t *testing.T) {
	cached := NewCachedDSP(128, nil)
	samples := make([]complex64, 128)
	for i := range samples {
		samples[i] = complex(float32(math.Cos(float64(i))), 0)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fft, _ := cached.FFTAndDBFS(samples); len(fft) != 128 {
				t.Errorf("unexpected length %d", len(fft))
			}
		}()
	}
	wg.Wait()
}
