package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cjeanneret/fotobox/internal/hw/camera"
)

// Category classifies a failed attempt.
type Category string

const (
	CategoryBusy        Category = "BUSY"
	CategoryTimeout     Category = "TIMEOUT"
	CategoryNotFound    Category = "NOT_FOUND"
	CategoryUnavailable Category = "UNAVAILABLE"
	CategoryUnknown     Category = "UNKNOWN"
)

// Action is the recovery chosen for a fault.
type Action string

const (
	RetryImmediate  Action = "RETRY_IMMEDIATE"
	RetryAfterReset Action = "RETRY_AFTER_RESET"
	Abort           Action = "ABORT"
)

// FaultEvent is a categorized attempt failure. It lives only until the
// classifier has decided.
type FaultEvent struct {
	Category   Category
	Diagnostic string
	Attempt    int
	Err        error
}

// Decision is the classifier's verdict. Reset asks for backend teardown
// before the next attempt (or before giving up, for timeouts).
type Decision struct {
	Action  Action
	Reset   bool
	Message string
}

var busySignatures = []string{
	"device busy",
	"0x2019", // PTP Device Busy
	"device or resource busy",
	"could not claim the usb device",
	"-110:", // gphoto2 GP_ERROR_IO_IN_PROGRESS
	"i/o in progress",
}

var notFoundSignatures = []string{
	"no camera found",
	"could not detect any camera",
	"camera not found",
}

// Categorize maps an attempt error onto a fault category using sentinel
// errors first and the tool's diagnostic text second.
func Categorize(err error, attempt int) FaultEvent {
	ev := FaultEvent{Category: CategoryUnknown, Diagnostic: diagnostic(err), Attempt: attempt, Err: err}
	text := strings.ToLower(ev.Diagnostic)
	switch {
	case errors.Is(err, camera.ErrBackendUnavailable):
		ev.Category = CategoryUnavailable
	case errors.Is(err, camera.ErrDeviceBusy) || containsAny(text, busySignatures):
		ev.Category = CategoryBusy
	case errors.Is(err, camera.ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded):
		ev.Category = CategoryTimeout
	case errors.Is(err, camera.ErrDeviceNotFound) || containsAny(text, notFoundSignatures):
		ev.Category = CategoryNotFound
	}
	return ev
}

func diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var toolErr *camera.ToolError
	if errors.As(err, &toolErr) {
		if d := toolErr.Diagnostic(); d != "" {
			return d
		}
	}
	return err.Error()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Classifier decides recovery for one capture session. It remembers whether
// an UNKNOWN fault was already retried, so it must not be shared across
// sessions.
type Classifier struct {
	maxAttempts int
	unknownSeen bool
}

// NewClassifier returns a classifier for a session of maxAttempts attempts.
func NewClassifier(maxAttempts int) *Classifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Classifier{maxAttempts: maxAttempts}
}

// Classify picks the recovery action for ev.
func (c *Classifier) Classify(ev FaultEvent) Decision {
	exhausted := ev.Attempt >= c.maxAttempts
	switch ev.Category {
	case CategoryBusy:
		if exhausted {
			return Decision{Action: Abort, Message: fmt.Sprintf(
				"Camera still busy after %d attempts. Switch the camera off and on, reconnect the USB cable, then try again.",
				ev.Attempt)}
		}
		return Decision{Action: RetryAfterReset, Reset: true, Message: "camera busy, resetting"}

	case CategoryTimeout:
		// lingering tool processes are killed even when giving up
		if exhausted {
			return Decision{Action: Abort, Reset: true, Message: fmt.Sprintf(
				"Camera did not respond after %d attempts. Check the camera and perform a hardware reset.",
				ev.Attempt)}
		}
		return Decision{Action: RetryAfterReset, Reset: true, Message: "camera timed out, resetting"}

	case CategoryNotFound:
		return Decision{Action: Abort, Message: "Camera not found. Check that it is switched on and connected."}

	case CategoryUnavailable:
		return Decision{Action: Abort, Message: "Capture backend unavailable: " + ev.Diagnostic}

	default:
		if c.unknownSeen || exhausted {
			return Decision{Action: Abort, Message: "Capture failed: " + camera.FirstLine(ev.Diagnostic)}
		}
		c.unknownSeen = true
		return Decision{Action: RetryImmediate, Message: "unexpected error, retrying"}
	}
}
