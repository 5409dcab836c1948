// Package telemetry collects steering and calibration telemetry and serves
// it over HTTP as JSON and server sent events.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/adiphaser/internal/logging"
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	SampleRateHz int `json:"sampleRateHz"`
	BufferSize   int `json:"bufferSize"`
	HistoryLimit int `json:"historyLimit"`
}

const (
	minSampleRateHz = 1_000
	maxSampleRateHz = 61_440_000
	minBufferSize   = 64
	maxBufferSize   = 1 << 20
	minHistoryLimit = 1
	maxHistoryLimit = 10_000

	calibrationLimit = 256
)

func defaultConfig() Config {
	return Config{
		SampleRateHz: 30_000_000,
		BufferSize:   1024,
		HistoryLimit: 500,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.SampleRateHz == 0 || base.BufferSize == 0 || base.HistoryLimit == 0 {
		base = defaultConfig()
	}

	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = base.SampleRateHz
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = base.BufferSize
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}

	if cfg.SampleRateHz < minSampleRateHz || cfg.SampleRateHz > maxSampleRateHz {
		return Config{}, fmt.Errorf("sample rate must be between %d and %d Hz", minSampleRateHz, maxSampleRateHz)
	}
	if cfg.BufferSize < minBufferSize || cfg.BufferSize > maxBufferSize {
		return Config{}, fmt.Errorf("buffer size must be between %d and %d", minBufferSize, maxBufferSize)
	}
	if cfg.BufferSize&(cfg.BufferSize-1) != 0 {
		return Config{}, errors.New("buffer size must be a power of two")
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}

	return cfg, nil
}

// Hub keeps telemetry history and fans updates out to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	tracks       MultiTrackSample
	calibration  []CalibrationEvent
	spectrum     SpectrumSnapshot
	subscribers  map[chan Sample]struct{}
	config       Config
	started      time.Time
	log          logging.Logger
}

// NewHub builds a hub keeping at most historyLimit steering samples.
func NewHub(historyLimit int, log logging.Logger) *Hub {
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	if v, err := validateConfig(cfg, defaultConfig()); err == nil {
		cfg = v
	} else {
		cfg = defaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Sample]struct{}),
		config:       cfg,
		started:      time.Now(),
		log:          logging.Or(log),
	}
}

// SetConfig validates cfg against the current configuration and applies it.
func (h *Hub) SetConfig(cfg Config) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := validateConfig(cfg, h.config)
	if err != nil {
		return Config{}, err
	}
	h.applyConfig(v)
	return v, nil
}

// Report implements Reporter.
func (h *Hub) Report(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.history = append(h.history, sample)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

// ReportMultiTrack implements Reporter and keeps the latest track set.
func (h *Hub) ReportMultiTrack(sample MultiTrackSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.tracks = sample
	h.mu.Unlock()
}

// StartRun returns a new calibration run id.
func (h *Hub) StartRun() string {
	id := uuid.NewString()
	h.log.Debug("calibration run started", logging.F("run_id", id))
	return id
}

// ReportCalibration records a calibration stage result.
func (h *Hub) ReportCalibration(ev CalibrationEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.Lock()
	h.calibration = append(h.calibration, ev)
	if len(h.calibration) > calibrationLimit {
		h.calibration = h.calibration[len(h.calibration)-calibrationLimit:]
	}
	h.mu.Unlock()
}

// Calibration returns the recorded calibration events, oldest first.
func (h *Hub) Calibration() []CalibrationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]CalibrationEvent, len(h.calibration))
	copy(out, h.calibration)
	return out
}

// UpdateSpectrumSnapshot replaces the published spectrum.
func (h *Hub) UpdateSpectrumSnapshot(bins []float64, source string) {
	snap := SpectrumSnapshot{Bins: append([]float64(nil), bins...), Source: source, UpdatedAt: time.Now()}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// Spectrum returns the latest spectrum snapshot.
func (h *Hub) Spectrum() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.spectrum
}

// History returns a copy of the stored steering samples.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Tracks returns the latest multi-track sample.
func (h *Hub) Tracks() MultiTrackSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tracks
}

// ConfigSnapshot returns the current configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live samples.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.History())
	}
}

func (h *Hub) handleTracks(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.Tracks())
	}
}

func (h *Hub) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.Calibration())
	}
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.ConfigSnapshot())
	}
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}
	cfg, err := h.SetConfig(incoming)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, cfg)
}

func writeEvent(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// history first for immediate display
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
