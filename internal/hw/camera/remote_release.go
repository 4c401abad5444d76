package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/hw/gpio"
)

// RemoteReleaseOptions configures the RemoteRelease backend.
type RemoteReleaseOptions struct {
	FocusPin     int
	ShutterPin   int
	FocusDelay   time.Duration // time for autofocus
	ShutterDelay time.Duration // shutter hold time
	DropDir      string        // where the camera's wireless transfer writes files
	Model        string
	Settle       time.Duration // a file is complete once unmodified this long
	Poll         time.Duration
}

// RemoteRelease is a Backend for a camera controlled via its 3-pin remote
// connector, with images arriving in a drop directory (Eye-Fi card, camera
// FTP push, vendor WiFi transfer):
// - GND: connected to Raspberry Pi ground
// - FOCUS: autofocus (activate by setting to LOW)
// - SHUTTER: trigger (activate by setting to LOW)
//
// Trigger sequence:
// 1. FOCUS to LOW (activates autofocus)
// 2. Wait for autofocus to complete
// 3. SHUTTER to LOW (triggers the shot)
// 4. Hold for a moment
// 5. Set SHUTTER and FOCUS back to HIGH
type RemoteRelease struct {
	gpio gpio.Driver
	opts RemoteReleaseOptions
	now  func() time.Time

	mu          sync.Mutex
	triggeredAt time.Time
}

// NewRemoteRelease configures both pins as outputs, idle HIGH.
func NewRemoteRelease(g gpio.Driver, opts RemoteReleaseOptions) (*RemoteRelease, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: no GPIO driver", ErrBackendUnavailable)
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	if opts.Poll <= 0 {
		opts.Poll = 200 * time.Millisecond
	}
	for _, pin := range []int{opts.FocusPin, opts.ShutterPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("%w: setup pin %d: %v", ErrBackendUnavailable, pin, err)
		}
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, fmt.Errorf("%w: idle pin %d: %v", ErrBackendUnavailable, pin, err)
		}
	}
	return &RemoteRelease{gpio: g, opts: opts, now: time.Now}, nil
}

// CheckRemoteRelease verifies the drop directory exists.
func CheckRemoteRelease(dropDir string) error {
	if dropDir == "" {
		return fmt.Errorf("%w: remote_release.drop_dir not set", ErrBackendUnavailable)
	}
	fi, err := os.Stat(dropDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrBackendUnavailable, dropDir)
	}
	return nil
}

func (r *RemoteRelease) Name() string { return "remote_release" }
func (r *RemoteRelease) Kind() Kind   { return KindRemote }

// Probe cannot enumerate a wired release; the camera counts as present when
// its drop directory is reachable.
func (r *RemoteRelease) Probe(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := CheckRemoteRelease(r.opts.DropDir); err != nil {
		debug.Verbose("remote_release: %v", err)
		return nil, nil
	}
	return []Device{{
		Model: r.opts.Model,
		Port:  fmt.Sprintf("gpio:focus=%d,shutter=%d", r.opts.FocusPin, r.opts.ShutterPin),
	}}, nil
}

// TriggerCapture runs FOCUS -> wait for AF -> SHUTTER -> hold -> release.
func (r *RemoteRelease) TriggerCapture(ctx context.Context) error {
	debug.Printf("Camera: triggering shot (focus=%d, shutter=%d)", r.opts.FocusPin, r.opts.ShutterPin)

	r.mu.Lock()
	// mtime granularity on FAT/exFAT cards is coarse
	r.triggeredAt = r.now().Add(-2 * time.Second)
	r.mu.Unlock()

	debug.Verbose("Camera: activating FOCUS (pin %d -> LOW)", r.opts.FocusPin)
	if err := r.gpio.WritePin(r.opts.FocusPin, gpio.Low); err != nil {
		return err
	}

	debug.Verbose("Camera: waiting for autofocus (%v)", r.opts.FocusDelay)
	if err := sleepCtx(ctx, r.opts.FocusDelay); err != nil {
		r.release()
		return err
	}

	debug.Verbose("Camera: activating SHUTTER (pin %d -> LOW)", r.opts.ShutterPin)
	if err := r.gpio.WritePin(r.opts.ShutterPin, gpio.Low); err != nil {
		r.release()
		return err
	}

	debug.Verbose("Camera: holding shutter (%v)", r.opts.ShutterDelay)
	holdErr := sleepCtx(ctx, r.opts.ShutterDelay)

	debug.Verbose("Camera: releasing SHUTTER (pin %d -> HIGH) and FOCUS (pin %d -> HIGH)", r.opts.ShutterPin, r.opts.FocusPin)
	if err := r.release(); err != nil {
		return err
	}
	if holdErr != nil {
		return holdErr
	}

	debug.Print("Camera: shot triggered successfully")
	return nil
}

// RetrieveFiles waits until at least one settled file newer than the last
// trigger shows up in the drop directory, then moves all of them into dir.
func (r *RemoteRelease) RetrieveFiles(ctx context.Context, dir string) error {
	r.mu.Lock()
	since := r.triggeredAt
	r.mu.Unlock()
	if since.IsZero() {
		return fmt.Errorf("remote_release: retrieve before trigger")
	}

	ticker := time.NewTicker(r.opts.Poll)
	defer ticker.Stop()
	for {
		ready, err := r.settledSince(since)
		if err != nil {
			return err
		}
		if len(ready) > 0 {
			for _, src := range ready {
				dst := filepath.Join(dir, filepath.Base(src))
				if err := moveFile(src, dst); err != nil {
					return fmt.Errorf("remote_release: move %s: %w", src, err)
				}
				debug.Verbose("remote_release: picked up %s", filepath.Base(src))
			}
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: no file in %s", ErrOperationTimeout, r.opts.DropDir)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reset returns both lines to idle and forgets the pending trigger.
func (r *RemoteRelease) Reset(ctx context.Context) error {
	r.mu.Lock()
	r.triggeredAt = time.Time{}
	r.mu.Unlock()
	return r.release()
}

func (r *RemoteRelease) release() error {
	errShutter := r.gpio.WritePin(r.opts.ShutterPin, gpio.High)
	errFocus := r.gpio.WritePin(r.opts.FocusPin, gpio.High)
	return errors.Join(errShutter, errFocus)
}

func (r *RemoteRelease) settledSince(since time.Time) ([]string, error) {
	entries, err := os.ReadDir(r.opts.DropDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	now := r.now()
	var ready []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		mt := fi.ModTime()
		if mt.Before(since) || now.Sub(mt) < r.opts.Settle {
			continue
		}
		ready = append(ready, filepath.Join(r.opts.DropDir, e.Name()))
	}
	sort.Strings(ready)
	return ready, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
