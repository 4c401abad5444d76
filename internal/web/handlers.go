package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/logic/capture"
	"github.com/cjeanneret/fotobox/internal/logic/dispatch"
	"github.com/cjeanneret/fotobox/internal/post/printer"
)

const maxBodyBytes = 1 << 20

// Camera is the capture controller as seen by the HTTP layer.
type Camera interface {
	Capture(ctx context.Context, req capture.Request) capture.Result
	Probe(ctx context.Context) (capture.DeviceState, error)
	Capturing() bool
}

// StatsSource reports dispatch counters.
type StatsSource interface {
	Stats() map[dispatch.Kind]dispatch.Stats
}

// PrinterLister lists the available print queues.
type PrinterLister interface {
	Printers(ctx context.Context) ([]printer.Info, error)
}

// Handlers holds dependencies for HTTP handlers. Nil dependencies make
// their routes answer 503 Service Unavailable.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Camera      Camera
	Dispatch    StatsSource
	Printers    PrinterLister
	staticFS    fs.FS
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(broadcaster *StatusBroadcaster, cam Camera, stats StatsSource, printers PrinterLister, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Camera:      cam,
		Dispatch:    stats,
		Printers:    printers,
		staticFS:    staticFS,
	}
}

// CameraStatus is the GET /api/camera/status body.
type CameraStatus struct {
	capture.DeviceState
	Capturing bool   `json:"capturing"`
	Error     string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleCapture handles POST /api/capture. The capture runs to completion
// even if the client goes away.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req capture.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if h.Camera == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	res := h.Camera.Capture(ctx, req)

	status := http.StatusOK
	switch {
	case res.Success:
		h.broadcast("info", "Photo saved: "+res.Filename)
	case errors.Is(res.Err, capture.ErrCaptureInProgress):
		status = http.StatusConflict
	case errors.Is(res.Err, capture.ErrTargetExists):
		status = http.StatusConflict
		h.broadcast("error", res.Message)
	case errors.Is(res.Err, capture.ErrInvalidFilename):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
		h.broadcast("error", "Capture failed: "+res.Message)
		debug.Warn("web: capture failed: %s", res.Message)
	}
	writeJSON(w, status, res)
}

// HandleCameraStatus handles GET /api/camera/status.
func (h *Handlers) HandleCameraStatus(w http.ResponseWriter, r *http.Request) {
	if h.Camera == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	st, err := h.Camera.Probe(r.Context())
	resp := CameraStatus{DeviceState: st, Capturing: h.Camera.Capturing()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDispatchStats handles GET /api/dispatch/stats.
func (h *Handlers) HandleDispatchStats(w http.ResponseWriter, r *http.Request) {
	if h.Dispatch == nil {
		http.Error(w, "dispatch not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.Dispatch.Stats())
}

// HandlePrinters handles GET /api/printers.
func (h *Handlers) HandlePrinters(w http.ResponseWriter, r *http.Request) {
	if h.Printers == nil {
		http.Error(w, "printing not configured", http.StatusServiceUnavailable)
		return
	}
	list, err := h.Printers.Printers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if list == nil {
		list = []printer.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) broadcast(level, msg string) {
	if h.Broadcaster != nil {
		h.Broadcaster.Broadcast(level, msg)
	}
}
