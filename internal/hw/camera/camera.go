package camera

import (
	"context"
	"strings"
)

// Kind ranks a backend family. Lower values are preferred by the Selector.
type Kind int

const (
	KindSDK       Kind = iota // native vendor SDK binding
	KindLibrary               // bundled library binding
	KindCLI                   // external command-line tool
	KindRemote                // wired remote release + drop directory
	KindSimulated             // development only
)

func (k Kind) String() string {
	switch k {
	case KindSDK:
		return "sdk"
	case KindLibrary:
		return "library"
	case KindCLI:
		return "cli"
	case KindRemote:
		return "remote"
	case KindSimulated:
		return "simulated"
	default:
		return "unknown"
	}
}

// Device is one camera reported by a backend's enumeration.
type Device struct {
	Model string
	Port  string
}

// MatchDevice returns the first device whose model contains signature
// (case-insensitive). An empty signature matches any device.
func MatchDevice(devices []Device, signature string) (Device, bool) {
	sig := strings.ToLower(strings.TrimSpace(signature))
	for _, d := range devices {
		if sig == "" || strings.Contains(strings.ToLower(d.Model), sig) {
			return d, true
		}
	}
	return Device{}, false
}

// Backend is the uniform interface every capture backend exposes, regardless
// of how the camera is reached (vendor SDK, library binding, CLI tool, GPIO).
//
// Implementations are not required to be safe for concurrent use; callers
// serialize access.
type Backend interface {
	// Name identifies the backend in logs and results (e.g. "gphoto2").
	Name() string
	Kind() Kind

	// Probe enumerates attached cameras. An empty list with a nil error means
	// "no camera"; an error wrapping ErrBackendUnavailable means the backend
	// itself cannot work.
	Probe(ctx context.Context) ([]Device, error)

	// TriggerCapture fires the shutter. It returns once the device has
	// accepted the command.
	TriggerCapture(ctx context.Context) error

	// RetrieveFiles moves every newly produced file into dir.
	RetrieveFiles(ctx context.Context, dir string) error

	// Reset tears down anything that may hold the device. It is idempotent
	// and safe when nothing is running.
	Reset(ctx context.Context) error
}
