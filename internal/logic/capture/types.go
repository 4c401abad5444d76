package capture

import (
	"errors"
	"time"
)

var (
	// ErrRetrievalFailed means no usable image reached the target path
	// (missing, undersized or not movable).
	ErrRetrievalFailed = errors.New("capture: retrieval failed")
	// ErrCaptureInProgress rejects a second concurrent capture.
	ErrCaptureInProgress = errors.New("capture: another capture is in progress")
	// ErrInvalidFilename rejects names that are not a plain base name.
	ErrInvalidFilename = errors.New("capture: invalid filename")
	// ErrTargetExists rejects an explicit filename already present in the
	// photo directory.
	ErrTargetExists = errors.New("capture: target file already exists")
)

// Request is one user-initiated capture. Nil flags fall back to the
// configuration: overlay on, print = printing.auto_print, upload =
// upload.auto_upload.
type Request struct {
	Filename     string `json:"filename,omitempty"`
	ApplyOverlay *bool  `json:"apply_overlay,omitempty"`
	AutoPrint    *bool  `json:"auto_print,omitempty"`
	AutoUpload   *bool  `json:"auto_upload,omitempty"`
}

// Attempt is one trigger+retrieve round inside a capture.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Succeeded reports whether the attempt produced the target file.
func (a Attempt) Succeeded() bool { return a.Err == nil }

// Result is returned once per Request. Dispatch flags mean "scheduled", not
// "completed".
type Result struct {
	Success        bool   `json:"success"`
	Filename       string `json:"filename,omitempty"`
	Filepath       string `json:"filepath,omitempty"`
	Message        string `json:"message"`
	Attempts       int    `json:"attempts"`
	OverlayApplied bool   `json:"overlay_applied"`
	PrintQueued    bool   `json:"print_queued"`
	UploadQueued   bool   `json:"upload_queued"`
	Backend        string `json:"backend,omitempty"`

	Err error `json:"-"`
}

// DeviceState is the last known camera presence. Detected is only ever
// true after a successful probe since the last reset. Model is nil (JSON
// null) when no camera was found.
type DeviceState struct {
	Detected  bool      `json:"connected"`
	Backend   string    `json:"backend,omitempty"`
	Model     *string   `json:"model"`
	Port      string    `json:"port,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// ModelName returns the detected model or "".
func (s DeviceState) ModelName() string {
	if s.Model == nil {
		return ""
	}
	return *s.Model
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
