package telemetry

import (
	"net/http"
	"runtime"
	"time"
)

// staleAfter is how old a spectrum may be before health degrades.
const staleAfter = 10 * time.Second

// ProcessMetrics describes the running process.
type ProcessMetrics struct {
	NumGoroutine int     `json:"numGoroutine"`
	HeapAlloc    uint64  `json:"heapAlloc"`
	Uptime       float64 `json:"uptimeSeconds"`
}

// Diagnostics is the payload of /api/diagnostics.
type Diagnostics struct {
	Process  ProcessMetrics   `json:"process"`
	Spectrum SpectrumSnapshot `json:"spectrum"`
	Samples  int              `json:"samples"`
	Config   Config           `json:"config"`
}

// HealthStatus is the payload of /api/diagnostics/health. Status is "ok"
// while a producer keeps the spectrum fresh and "degraded" otherwise.
type HealthStatus struct {
	Status     string         `json:"status"`
	Process    ProcessMetrics `json:"process"`
	LastUpdate time.Time      `json:"lastUpdate"`
	Source     string         `json:"source"`
}

func (h *Hub) processMetrics() ProcessMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessMetrics{
		NumGoroutine: runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		Uptime:       time.Since(h.started).Seconds(),
	}
}

// Health reports whether the spectrum is being refreshed.
func (h *Hub) Health() HealthStatus {
	spec := h.Spectrum()
	status := "degraded"
	if spec.Source != "" && time.Since(spec.UpdatedAt) < staleAfter {
		status = "ok"
	}
	return HealthStatus{Status: status, Process: h.processMetrics(), LastUpdate: spec.UpdatedAt, Source: spec.Source}
}

func (h *Hub) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	h.mu.RLock()
	n := len(h.history)
	h.mu.RUnlock()
	writeJSON(w, Diagnostics{
		Process:  h.processMetrics(),
		Spectrum: h.Spectrum(),
		Samples:  n,
		Config:   h.ConfigSnapshot(),
	})
}

func (h *Hub) handleSpectrumSnapshot(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.Spectrum())
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.Health())
	}
}
