package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/hw/camera"
	"github.com/cjeanneret/fotobox/internal/logic/dispatch"
)

// BackendSource yields the active camera backend; *camera.Selector
// implements it.
type BackendSource interface {
	Active() (camera.Backend, error)
	Demote(failed camera.Backend, reason error) (camera.Backend, error)
}

// Dispatcher schedules post-processing; *dispatch.Coordinator implements it.
type Dispatcher interface {
	Dispatch(path string, flags dispatch.Flags, cfg *config.Config) dispatch.Acks
}

// Options wires a Controller.
type Options struct {
	Backends   BackendSource
	Dispatcher Dispatcher    // optional
	Config     config.Source // read once per call

	// Sleep waits for the post-reset cooldown. Defaults to a ctx-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Controller owns the camera: it probes, captures with retries and recovery,
// and hands verified photos to the dispatcher. One capture runs at a time.
type Controller struct {
	backends   BackendSource
	dispatcher Dispatcher
	cfg        config.Source
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	capturing atomic.Bool
	device    sync.Mutex // serializes every backend call

	stateMu sync.RWMutex // written only with device held
	state   DeviceState
}

// New creates a Controller.
func New(opts Options) *Controller {
	c := &Controller{
		backends:   opts.Backends,
		dispatcher: opts.Dispatcher,
		cfg:        opts.Config,
		sleep:      opts.Sleep,
		now:        opts.Now,
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.cfg == nil {
		c.cfg = config.Default
	}
	return c
}

// State returns the last known device state without touching the device.
func (c *Controller) State() DeviceState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Controller) setState(s DeviceState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Capturing reports whether a capture is in flight.
func (c *Controller) Capturing() bool {
	return c.capturing.Load()
}

// Probe checks for a camera on the active backend. "No camera" is a normal
// result; only an unavailable backend is an error (and demotes it). During a
// capture the device is left alone and the cached state is returned.
func (c *Controller) Probe(ctx context.Context) (DeviceState, error) {
	if c.capturing.Load() {
		debug.Verbose("probe: capture in progress, returning cached state")
		return c.State(), nil
	}
	c.device.Lock()
	defer c.device.Unlock()

	b, err := c.backends.Active()
	if err != nil {
		c.setState(DeviceState{CheckedAt: c.now()})
		return c.State(), err
	}
	st, err := c.probeLocked(ctx, c.cfg(), b)
	if err != nil {
		if _, derr := c.backends.Demote(b, err); derr != nil {
			debug.Error(derr)
		}
	}
	return st, err
}

func (c *Controller) probeLocked(ctx context.Context, cfg *config.Config, b camera.Backend) (DeviceState, error) {
	st, err := c.detect(ctx, cfg, b)
	switch {
	case errors.Is(err, camera.ErrBackendUnavailable):
		return st, err
	case err != nil:
		debug.Live("probe: %s reported no camera: %v", b.Name(), err)
	case !st.Detected:
		debug.Live("probe: no %q camera on %s", cfg.Camera.VendorSignature, b.Name())
	}
	return st, nil
}

// detect asks the backend for devices and records the outcome. Backend
// failures are returned as-is so a capture session can classify them.
func (c *Controller) detect(ctx context.Context, cfg *config.Config, b camera.Backend) (DeviceState, error) {
	st := DeviceState{Backend: b.Name(), CheckedAt: c.now()}
	var devices []camera.Device
	err := c.phase(ctx, "probe", cfg.ProbeTimeout(), func(ctx context.Context) error {
		var err error
		devices, err = b.Probe(ctx)
		return err
	})
	if err == nil {
		if d, ok := camera.MatchDevice(devices, cfg.Camera.VendorSignature); ok {
			st.Detected = true
			st.Model = &d.Model
			st.Port = d.Port
			debug.Info("Camera detected: %s on %s (%s)", d.Model, st.Port, st.Backend)
		}
	}
	c.setState(st)
	return st, err
}

// Capture takes one photo. The returned Result always carries a message;
// on failure Err holds the cause and no file is left at the target path.
func (c *Controller) Capture(ctx context.Context, req Request) Result {
	if !c.capturing.CompareAndSwap(false, true) {
		return Result{Message: "A capture is already in progress", Err: ErrCaptureInProgress}
	}
	defer c.capturing.Store(false)
	c.device.Lock()
	defer c.device.Unlock()

	cfg := c.cfg()
	debug.Section("Capture")

	if err := os.MkdirAll(cfg.PhotoDir, 0o755); err != nil {
		return Result{Message: "Cannot create photo directory: " + err.Error(), Err: err}
	}
	name, err := resolveFilename(req.Filename, cfg.PhotoDir, c.now())
	if err != nil {
		return Result{Message: err.Error(), Err: err}
	}
	target := filepath.Join(cfg.PhotoDir, name)

	classifier := NewClassifier(cfg.Camera.MaxAttempts)
	var (
		attempts []Attempt
		backend  camera.Backend
		res      Result
	)
	for n := 1; n <= cfg.Camera.MaxAttempts; n++ {
		at := Attempt{Number: n, StartedAt: c.now()}
		backend, err = c.backends.Active()
		if err == nil {
			debug.Attempt(n, cfg.Camera.MaxAttempts, backend.Name())
			err = c.attempt(ctx, cfg, backend, target)
		}
		at.Err = err
		at.Duration = c.now().Sub(at.StartedAt)
		attempts = append(attempts, at)

		if err == nil {
			res = Result{
				Success:  true,
				Filename: name,
				Filepath: target,
				Message:  "Photo captured successfully",
				Backend:  backend.Name(),
			}
			break
		}

		if ctx.Err() != nil {
			res = Result{Message: "Capture cancelled", Err: ctx.Err()}
			break
		}

		ev := Categorize(err, n)
		d := classifier.Classify(ev)
		debug.Fault(n, string(ev.Category), string(d.Action), ev.Diagnostic)

		if ev.Category == CategoryUnavailable && backend != nil {
			if _, derr := c.backends.Demote(backend, err); derr != nil {
				debug.Error(derr)
			}
		}
		if d.Reset && backend != nil {
			c.resetLocked(ctx, backend)
		}
		if d.Action == Abort {
			res = Result{Message: d.Message, Err: err}
			break
		}
		if d.Action == RetryAfterReset {
			cool := cfg.Cooldown(n)
			debug.Live("Cooling down %v before attempt %d", cool, n+1)
			if serr := c.sleep(ctx, cool); serr != nil {
				res = Result{Message: "Capture cancelled", Err: serr}
				break
			}
		}
		// the loop ending here means this was the last attempt
		res = Result{Message: d.Message, Err: err}
	}

	res.Attempts = len(attempts)
	if res.Backend == "" && backend != nil {
		res.Backend = backend.Name()
	}
	if !res.Success {
		debug.Info("Capture failed after %d attempt(s): %s", res.Attempts, res.Message)
		return res
	}

	debug.Info("Photo saved: %s (%d attempt(s), %s)", res.Filepath, res.Attempts, res.Backend)
	if c.dispatcher != nil {
		acks := c.dispatcher.Dispatch(target, dispatch.Flags{
			Overlay: boolOr(req.ApplyOverlay, true),
			Print:   boolOr(req.AutoPrint, cfg.Printing.AutoPrint),
			Upload:  boolOr(req.AutoUpload, cfg.Upload.AutoUpload),
		}, cfg)
		res.OverlayApplied = acks.Overlay
		res.PrintQueued = acks.Print
		res.UploadQueued = acks.Upload
	}
	return res
}

// attempt runs one probe-if-needed, trigger, retrieve, verify round. On
// failure nothing it created is left behind.
func (c *Controller) attempt(ctx context.Context, cfg *config.Config, b camera.Backend, target string) error {
	if st := c.State(); !st.Detected || st.Backend != b.Name() {
		st, err := c.detect(ctx, cfg, b)
		if err != nil {
			return err
		}
		if !st.Detected {
			return fmt.Errorf("%w: no %q camera on %s", camera.ErrDeviceNotFound, cfg.Camera.VendorSignature, b.Name())
		}
	}

	staging := filepath.Join(cfg.PhotoDir, stagingDirName)
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	debug.Step(1, "trigger")
	if err := c.phase(ctx, "trigger", cfg.TriggerTimeout(), b.TriggerCapture); err != nil {
		return err
	}

	debug.Step(2, "retrieve")
	err := c.phase(ctx, "retrieve", cfg.RetrieveTimeout(), func(ctx context.Context) error {
		return b.RetrieveFiles(ctx, staging)
	})
	if err != nil {
		return err
	}

	src, others, err := newestImage(staging, cfg.Camera.MinFileBytes, cfg.Camera.Extensions)
	for _, o := range others {
		debug.Verbose("Discarding extra download %s", filepath.Base(o))
	}
	if err != nil {
		return err
	}

	debug.Step(3, "store")
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, filepath.Base(target))
	}
	if err := os.Rename(src, target); err != nil {
		return fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	if err := verifyFile(target, cfg.Camera.MinFileBytes); err != nil {
		os.Remove(target)
		return err
	}
	return nil
}

// phase runs fn under its own deadline. An expired deadline becomes
// ErrOperationTimeout; cancellation of the parent is passed through.
func (c *Controller) phase(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := c.now()
	err := fn(pctx)
	debug.Verbose("%s phase took %v", name, c.now().Sub(start).Round(time.Millisecond))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, camera.ErrOperationTimeout) {
		return fmt.Errorf("%w: %s phase exceeded %v", camera.ErrOperationTimeout, name, timeout)
	}
	return err
}

// resetLocked clears the detected flag and tears the backend down.
func (c *Controller) resetLocked(ctx context.Context, b camera.Backend) {
	c.setState(DeviceState{Backend: b.Name(), CheckedAt: c.now()})
	debug.Live("Resetting %s backend", b.Name())
	if err := b.Reset(ctx); err != nil {
		debug.Warn("reset %s: %v", b.Name(), err)
	}
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
