package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rjboer/adiphaser/internal/logging"
)

const indexPage = `<!doctype html>
<html><head><title>phaser telemetry</title></head>
<body>
<h1>phaser telemetry</h1>
<pre id="live"></pre>
<script>
const live = document.getElementById("live");
new EventSource("/api/live").onmessage = (e) => {
  const s = JSON.parse(e.data);
  live.textContent = "angle " + s.angleDeg.toFixed(2) + " deg  phase " + s.phaseDeg.toFixed(2) +
    " deg  peak " + s.peak.toFixed(1) + " dBFS  " + (s.lockState || "");
};
</script>
</body></html>
`

// WebServer serves the hub over HTTP.
type WebServer struct {
	srv *http.Server
	hub *Hub
	log logging.Logger
}

// Handler returns the routes of the hub.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/history", h.handleHistory)
	mux.HandleFunc("/api/tracks", h.handleTracks)
	mux.HandleFunc("/api/calibration", h.handleCalibration)
	mux.HandleFunc("/api/live", h.handleLive)
	mux.HandleFunc("/api/config", h.handleGetConfig)
	mux.HandleFunc("/api/config/update", h.handleSetConfig)
	mux.HandleFunc("/api/diagnostics", h.handleDiagnostics)
	mux.HandleFunc("/api/diagnostics/spectrum", h.handleSpectrumSnapshot)
	mux.HandleFunc("/api/diagnostics/health", h.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(indexPage))
	})
	return mux
}

// NewWebServer builds a server for hub listening on addr.
func NewWebServer(addr string, hub *Hub) *WebServer {
	return &WebServer{
		hub: hub,
		srv: &http.Server{Addr: addr, Handler: hub.Handler(), ReadHeaderTimeout: 5 * time.Second},
		log: hub.log,
	}
}

// Start serves until ctx is canceled.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		return err
	}
	return w.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (w *WebServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web telemetry shutdown", logging.Err(err))
		}
	}()
	w.log.Info("web telemetry listening", logging.F("addr", ln.Addr().String()))
	if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
