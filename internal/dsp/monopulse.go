package dsp

import (
	"math"
	"math/cmplx"
	"runtime"
	"sync"
)

const monoDeadbandRad = 0.5 * math.Pi / 180.0 // ~0.5° deadband for tracking

// binRange clamps [start,end) to [0,n).
// If the resulting interval is empty, it returns (0,0).
func binRange(n, start, end int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// peakInBand returns the maximum of db in [start,end) and its index.
func peakInBand(db []float64, start, end int) (peak float64, bin int, ok bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, 0, false
	}
	peak = math.Inf(-1)
	for i := s; i < e; i++ {
		if db[i] > peak {
			peak = db[i]
			bin = i
		}
	}
	if math.IsInf(peak, -1) {
		return 0, bin, false
	}
	return peak, bin, true
}

// noiseFloor averages [start,end) in dB, skipping the signal bin and its
// neighbours.
func noiseFloor(db []float64, start, end, signalBin int) (float64, bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, false
	}
	var sum float64
	var count int
	for i := s; i < e; i++ {
		if i >= signalBin-1 && i <= signalBin+1 {
			continue
		}
		v := db[i]
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func estimateSNR(db []float64, peak float64, peakBin int, start, end int) float64 {
	noise, ok := noiseFloor(db, start, end, peakBin)
	if !ok {
		return 0
	}
	snr := peak - noise
	if math.IsNaN(snr) || math.IsInf(snr, 0) {
		return 0
	}
	return snr
}

// MonopulsePhase correlates sum and delta FFT bins and returns
// arg(Σ conj(S)·Δ) in radians.
func MonopulsePhase(sumFFT, deltaFFT []complex128, start, end int) float64 {
	n := min(len(sumFFT), len(deltaFFT))
	s, e := binRange(n, start, end)
	if s == e {
		return 0
	}
	var corr complex128
	for i := s; i < e; i++ {
		corr += cmplx.Conj(sumFFT[i]) * deltaFFT[i]
	}
	return cmplx.Phase(corr)
}

// MonopulsePhaseRatio estimates the phase of the |S| weighted mean of Δ/S.
// Bins with negligible sum energy are ignored.
func MonopulsePhaseRatio(sumFFT, deltaFFT []complex128, start, end int) float64 {
	n := min(len(sumFFT), len(deltaFFT))
	s, e := binRange(n, start, end)
	if s == e {
		return 0
	}
	var acc complex128
	var wSum float64
	for i := s; i < e; i++ {
		mag := cmplx.Abs(sumFFT[i])
		if mag < 1e-12 {
			continue
		}
		acc += deltaFFT[i] / sumFFT[i] * complex(mag, 0)
		wSum += mag
	}
	if wSum == 0 {
		return 0
	}
	return cmplx.Phase(acc / complex(wSum, 0))
}

// sumDeltaForms computes sumBuf = a + b and deltaBuf = a - b.
func sumDeltaForms(sumBuf, deltaBuf, a, b []complex64) {
	n := min(len(a), len(b), len(sumBuf), len(deltaBuf))
	for i := 0; i < n; i++ {
		sumBuf[i] = a[i] + b[i]
		deltaBuf[i] = a[i] - b[i]
	}
}

// MonopulseResult summarizes one sum/delta evaluation of two sub-array
// channels.
type MonopulseResult struct {
	SumDBFS   float64 `json:"sum_dbfs"`
	DeltaDBFS float64 `json:"delta_dbfs"`
	Phase     float64 `json:"phase_rad"`
	SNR       float64 `json:"snr_db"`
	PeakBin   int     `json:"peak_bin"`
}

// Monopulse forms the sum and delta beams of rx0 and rx1, transforms both in
// parallel and reports the peak levels and correlation phase inside
// [startBin,endBin). An empty band falls back to the whole spectrum. A nil
// cache uses the uncached transform.
func Monopulse(rx0, rx1 []complex64, startBin, endBin int, cache *CachedDSP) MonopulseResult {
	n := min(len(rx0), len(rx1))
	if n == 0 {
		return MonopulseResult{}
	}
	sumBuf := make([]complex64, n)
	deltaBuf := make([]complex64, n)
	sumDeltaForms(sumBuf, deltaBuf, rx0, rx1)

	transform := FFTAndDBFS
	if cache != nil {
		transform = cache.FFTAndDBFS
	}
	var sumFFT, deltaFFT []complex128
	var sumDB, deltaDB []float64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sumFFT, sumDB = transform(sumBuf)
	}()
	go func() {
		defer wg.Done()
		deltaFFT, deltaDB = transform(deltaBuf)
	}()
	wg.Wait()

	bandStart, bandEnd := startBin, endBin
	peak, bin, ok := peakInBand(sumDB, startBin, endBin)
	if !ok {
		bandStart, bandEnd = 0, len(sumDB)
		peak, bin, ok = peakInBand(sumDB, 0, len(sumDB))
	}
	if !ok {
		return MonopulseResult{}
	}
	return MonopulseResult{
		SumDBFS:   peak,
		DeltaDBFS: deltaDB[bin],
		Phase:     MonopulsePhase(sumFFT, deltaFFT, bandStart, bandEnd),
		SNR:       estimateSNR(sumDB, peak, bin, bandStart, bandEnd),
		PeakBin:   bin,
	}
}

// TrackStep moves lastDelay one step against the sign of the monopulse
// phase. Phases inside the deadband leave the delay unchanged.
func TrackStep(lastDelay, monoPhase, stepDeg float64) float64 {
	switch {
	case monoPhase > monoDeadbandRad:
		return lastDelay - stepDeg
	case monoPhase < -monoDeadbandRad:
		return lastDelay + stepDeg
	default:
		return lastDelay
	}
}

// CorrelationPhase returns the phase of x relative to ref in degrees,
// arg(Σ conj(ref)·x), and the rms amplitude ratio |ref|/|x|.
func CorrelationPhase(ref, x []complex64) (phaseDeg, gainRatio float64) {
	n := min(len(ref), len(x))
	if n == 0 {
		return 0, 1
	}
	var corr complex128
	var pRef, pX float64
	for i := 0; i < n; i++ {
		r := complex128(ref[i])
		v := complex128(x[i])
		corr += cmplx.Conj(r) * v
		pRef += real(r)*real(r) + imag(r)*imag(r)
		pX += real(v)*real(v) + imag(v)*imag(v)
	}
	gainRatio = 1
	if pX > 0 {
		gainRatio = math.Sqrt(pRef / pX)
	}
	return Deg(cmplx.Phase(corr)), gainRatio
}

// ScanResult is the best hypothesis of a PhaseScan.
type ScanResult struct {
	Phase    float64 `json:"phase_deg"`
	PeakDBFS float64 `json:"peak_dbfs"`
	PeakBin  int     `json:"peak_bin"`
	SNR      float64 `json:"snr_db"`
}

type scanJob struct {
	phase float64
	peak  float64
	bin   int
	snr   float64
	ok    bool
}

// PhaseScan sweeps a progressive phase φ over [-180,180) in stepDeg steps,
// rotating channel k by k·φ before summing all channels, and returns the
// hypothesis with the strongest sum inside [startBin,endBin). Hypotheses
// are spread over a worker pool.
func PhaseScan(channels [][]complex64, startBin, endBin int, stepDeg float64, cache *CachedDSP) ScanResult {
	if stepDeg <= 0 {
		stepDeg = 2
	}
	if len(channels) == 0 {
		return ScanResult{}
	}
	n := len(channels[0])
	for _, ch := range channels[1:] {
		n = min(n, len(ch))
	}
	if n == 0 {
		return ScanResult{}
	}

	var phases []float64
	for p := -180.0; p < 180.0; p += stepDeg {
		phases = append(phases, p)
	}

	numWorkers := max(runtime.NumCPU(), 1)
	jobs := make(chan float64)
	results := make(chan scanJob, numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func() {
			combined := make([]complex64, n)
			for phase := range jobs {
				clear(combined)
				for k, ch := range channels {
					rot := complex64(cmplx.Rect(1, Rad(phase*float64(k))))
					for i := 0; i < n; i++ {
						combined[i] += ch[i] * rot
					}
				}
				var db []float64
				if cache != nil {
					_, db = cache.FFTAndDBFS(combined)
				} else {
					_, db = FFTAndDBFS(combined)
				}
				s, e := startBin, endBin
				peak, bin, ok := peakInBand(db, s, e)
				if !ok {
					s, e = 0, len(db)
					peak, bin, ok = peakInBand(db, s, e)
				}
				results <- scanJob{phase: phase, peak: peak, bin: bin, snr: estimateSNR(db, peak, bin, s, e), ok: ok}
			}
		}()
	}
	go func() {
		for _, p := range phases {
			jobs <- p
		}
		close(jobs)
	}()

	best := ScanResult{PeakDBFS: math.Inf(-1)}
	for range phases {
		r := <-results
		if !r.ok {
			continue
		}
		if r.peak > best.PeakDBFS || (r.peak == best.PeakDBFS && math.Abs(r.phase) < math.Abs(best.Phase)) {
			best = ScanResult{Phase: r.phase, PeakDBFS: r.peak, PeakBin: r.bin, SNR: r.snr}
		}
	}
	if math.IsInf(best.PeakDBFS, -1) {
		best.PeakDBFS = 0
	}
	return best
}
