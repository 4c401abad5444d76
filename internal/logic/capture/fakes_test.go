package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/hw/camera"
)

// fakeBackend is a scripted camera. Probe and trigger errors are consumed
// one per call; a nil entry (or an exhausted script) means success, and
// probeErr answers once probeErrs is empty.
type fakeBackend struct {
	mu          sync.Mutex
	name        string
	devices     []camera.Device
	probeErr    error
	probeErrs   []error
	triggerErrs []error
	retrieve    func(dir string) error
	block       bool // trigger waits for ctx
	delay       time.Duration

	probes, triggers, retrieves, resets int
	inFlight, maxInFlight               int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		name:    "fake",
		devices: []camera.Device{{Model: "Canon EOS 2000D", Port: "usb:001,004"}},
		retrieve: func(dir string) error {
			return writeSized(filepath.Join(dir, "capt0000.jpg"), 4096)
		},
	}
}

func (f *fakeBackend) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeBackend) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeBackend) Name() string      { return f.name }
func (f *fakeBackend) Kind() camera.Kind { return camera.KindCLI }

func (f *fakeBackend) Probe(ctx context.Context) ([]camera.Device, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if len(f.probeErrs) > 0 {
		var err error
		err, f.probeErrs = f.probeErrs[0], f.probeErrs[1:]
		return f.devices, err
	}
	return f.devices, f.probeErr
}

func (f *fakeBackend) TriggerCapture(ctx context.Context) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.triggers++
	var err error
	if len(f.triggerErrs) > 0 {
		err, f.triggerErrs = f.triggerErrs[0], f.triggerErrs[1:]
	}
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeBackend) RetrieveFiles(ctx context.Context, dir string) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.retrieves++
	fn := f.retrieve
	f.mu.Unlock()
	return fn(dir)
}

func (f *fakeBackend) Reset(ctx context.Context) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeBackend) counts() (probes, triggers, retrieves, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.triggers, f.retrieves, f.resets
}

func busyError() error {
	return &camera.ToolError{
		Op:       "gphoto2 --capture-image",
		ExitCode: 1,
		Stderr:   "*** Error ***\nPTP Device Busy (0x2019)\n",
	}
}

func writeSized(path string, size int) error {
	return os.WriteFile(path, make([]byte, size), 0o644)
}

func selectorFor(backends ...camera.Backend) *camera.Selector {
	var cands []camera.Candidate
	for _, b := range backends {
		b := b
		cands = append(cands, camera.Candidate{
			Name: b.Name(),
			Kind: b.Kind(),
			Open: func() (camera.Backend, error) { return b, nil },
		})
	}
	return camera.NewSelector(cands...)
}

// sleepRecorder replaces the cooldown wait.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.PhotoDir = t.TempDir()
	return cfg
}

func newTestController(t *testing.T, cfg *config.Config, b camera.Backend, d Dispatcher) (*Controller, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	c := New(Options{
		Backends:   selectorFor(b),
		Dispatcher: d,
		Config:     func() *config.Config { return cfg },
		Sleep:      rec.sleep,
	})
	return c, rec
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func boolPtr(b bool) *bool { return &b }

var errBoom = fmt.Errorf("unexpected firmware response")
