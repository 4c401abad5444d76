package camera

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceNotFound means the camera is disconnected or not addressable.
	ErrDeviceNotFound = errors.New("camera: device not found")
	// ErrDeviceBusy means the camera or its driver rejected a command because
	// it is mid-operation or held by another process.
	ErrDeviceBusy = errors.New("camera: device busy")
	// ErrOperationTimeout means a phase or tool invocation exceeded its deadline.
	ErrOperationTimeout = errors.New("camera: operation timed out")
	// ErrBackendUnavailable means the backend cannot work at all (tool not
	// installed, binding missing, no GPIO).
	ErrBackendUnavailable = errors.New("camera: backend unavailable")
)

// ToolError is a nonzero exit of an external tool.
type ToolError struct {
	Op       string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ToolError) Error() string {
	diag := e.Diagnostic()
	if diag == "" {
		return fmt.Sprintf("%s: exit status %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Op, e.ExitCode, FirstLine(diag))
}

// Diagnostic returns the combined tool output, stderr first.
func (e *ToolError) Diagnostic() string {
	return strings.TrimSpace(strings.TrimSpace(e.Stderr) + "\n" + strings.TrimSpace(e.Stdout))
}

// FirstLine returns the first meaningful line of tool output, skipping the
// "*** Error ***" banners gphoto2 prints.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "***") {
			return line
		}
	}
	return strings.TrimSpace(s)
}
