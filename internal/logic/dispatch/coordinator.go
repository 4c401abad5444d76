package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
)

// Coordinator schedules post-processing without blocking the caller. Each
// kind has its own lane (bounded queue + workers), so a slow upload never
// delays a print.
type Coordinator struct {
	svc   Services
	lanes map[Kind]*lane
	now   func() time.Time

	mu     sync.RWMutex // guards closed against sends on closed lanes
	closed bool
	wg     sync.WaitGroup

	subMu sync.Mutex
	subs  map[chan Report]struct{}

	statsMu sync.Mutex
	stats   map[Kind]*Stats
}

type lane struct {
	kind  Kind
	tasks chan Task
}

// New starts workers for every kind with a configured service.
func New(svc Services, queueSize, workers int) *Coordinator {
	if queueSize <= 0 {
		queueSize = 8
	}
	if workers <= 0 {
		workers = 1
	}
	c := &Coordinator{
		svc:   svc,
		lanes: make(map[Kind]*lane),
		now:   time.Now,
		subs:  make(map[chan Report]struct{}),
		stats: make(map[Kind]*Stats),
	}
	for _, k := range Kinds {
		c.stats[k] = &Stats{}
		if !c.hasService(k) {
			continue
		}
		l := &lane{kind: k, tasks: make(chan Task, queueSize)}
		c.lanes[k] = l
		for i := 0; i < workers; i++ {
			c.wg.Add(1)
			go c.worker(l)
		}
	}
	return c
}

func (c *Coordinator) hasService(k Kind) bool {
	switch k {
	case KindOverlay:
		return c.svc.Overlay != nil
	case KindPrint:
		return c.svc.Print != nil
	case KindUpload:
		return c.svc.Upload != nil
	}
	return false
}

// Dispatch validates and enqueues the requested kinds for path. It never
// waits for a task to run. Print and upload use the overlay output when an
// overlay is scheduled in the same call.
func (c *Coordinator) Dispatch(path string, f Flags, cfg *config.Config) Acks {
	var acks Acks
	if !fileExists(path) {
		debug.Warn("dispatch: %s does not exist, nothing scheduled", path)
		return acks
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		debug.Warn("dispatch: coordinator closed, nothing scheduled for %s", filepath.Base(path))
		return acks
	}

	timeout := cfg.TaskTimeout()
	newTask := func(k Kind) Task {
		return Task{ID: uuid.New(), Kind: k, Path: path, ScheduledAt: c.now(), Timeout: timeout}
	}

	var overlayOut chan string
	if f.Overlay && c.enabled(KindOverlay, cfg) {
		t := newTask(KindOverlay)
		overlayOut = make(chan string, 1)
		t.output = overlayOut
		acks.Overlay = c.enqueue(t)
		if !acks.Overlay {
			overlayOut = nil
		}
	}
	if f.Print && c.enabled(KindPrint, cfg) {
		t := newTask(KindPrint)
		t.Copies = cfg.Printing.Copies
		if overlayOut != nil {
			t.input = fanOut(&overlayOut)
		}
		acks.Print = c.enqueue(t)
	}
	if f.Upload && c.enabled(KindUpload, cfg) {
		t := newTask(KindUpload)
		t.Metadata = map[string]string{
			"app_name":          cfg.AppName,
			"original_filename": filepath.Base(path),
		}
		if overlayOut != nil {
			t.input = fanOut(&overlayOut)
		}
		acks.Upload = c.enqueue(t)
	}
	return acks
}

func (c *Coordinator) enabled(k Kind, cfg *config.Config) bool {
	if _, ok := c.lanes[k]; !ok {
		debug.Verbose("dispatch: no %s service configured", k)
		return false
	}
	var on bool
	switch k {
	case KindOverlay:
		on = cfg.Overlay.Enabled
	case KindPrint:
		on = cfg.Printing.Enabled
	case KindUpload:
		on = cfg.Upload.Enabled
	}
	if !on {
		debug.Verbose("dispatch: %s disabled in configuration", k)
	}
	return on
}

// enqueue must be called with mu read-locked.
func (c *Coordinator) enqueue(t Task) bool {
	l := c.lanes[t.Kind]
	select {
	case l.tasks <- t:
		c.count(t.Kind, func(s *Stats) { s.Scheduled++ })
		debug.Live("dispatch: %s task %s queued for %s", t.Kind, t.ID, filepath.Base(t.Path))
		c.publish(Report{TaskID: t.ID, Kind: t.Kind, State: StateQueued, Path: t.Path, At: c.now()})
		return true
	default:
		c.count(t.Kind, func(s *Stats) { s.Dropped++ })
		debug.Warn("dispatch: %s queue full, task for %s dropped", t.Kind, filepath.Base(t.Path))
		c.publish(Report{TaskID: t.ID, Kind: t.Kind, State: StateDropped, Path: t.Path, At: c.now()})
		if t.output != nil {
			close(t.output)
		}
		return false
	}
}

func (c *Coordinator) worker(l *lane) {
	defer c.wg.Done()
	for t := range l.tasks {
		c.run(t)
	}
}

type outcome struct {
	out string
	err error
}

func (c *Coordinator) run(t Task) {
	path := t.Path
	if t.input != nil {
		wait := time.NewTimer(t.Timeout)
		select {
		case p, ok := <-t.input:
			if ok && p != "" {
				path = p
			}
		case <-wait.C:
			debug.Warn("dispatch: overlay result not ready, %s uses the original photo", t.Kind)
		}
		wait.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()
	start := c.now()
	c.publish(Report{TaskID: t.ID, Kind: t.Kind, State: StateRunning, Path: path, At: start})

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("panic: %v", r)}
			}
			done <- o
		}()
		o.out, o.err = c.execute(ctx, t, path)
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = fmt.Errorf("timed out after %v", t.Timeout)
	}

	if t.output != nil {
		if o.err == nil {
			t.output <- o.out
		}
		close(t.output)
	}

	rep := Report{TaskID: t.ID, Kind: t.Kind, Path: path, Output: o.out, Duration: c.now().Sub(start), At: c.now()}
	if o.err != nil {
		rep.State = StateFailed
		rep.Err = fmt.Errorf("%w: %s %s: %w", ErrDispatchFailed, t.Kind, filepath.Base(path), o.err)
		rep.Error = rep.Err.Error()
		c.count(t.Kind, func(s *Stats) { s.Failed++ })
		debug.Error(rep.Err)
	} else {
		rep.State = StateSucceeded
		c.count(t.Kind, func(s *Stats) { s.Succeeded++ })
		debug.Live("dispatch: %s task %s done (%s)", t.Kind, t.ID, o.out)
	}
	c.publish(rep)
}

func (c *Coordinator) execute(ctx context.Context, t Task, path string) (string, error) {
	switch t.Kind {
	case KindOverlay:
		return c.svc.Overlay.Apply(ctx, path)
	case KindPrint:
		return c.svc.Print.Print(ctx, path, t.Copies)
	case KindUpload:
		return c.svc.Upload.Upload(ctx, path, t.Metadata)
	}
	return "", fmt.Errorf("unknown task kind %q", t.Kind)
}

// Subscribe returns a channel receiving every Report and an unsubscribe
// function. Slow subscribers miss reports rather than stall workers.
func (c *Coordinator) Subscribe() (<-chan Report, func()) {
	ch := make(chan Report, 32)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
}

func (c *Coordinator) publish(r Report) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Stats returns a copy of the per-kind counters.
func (c *Coordinator) Stats() map[Kind]Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[Kind]Stats, len(c.stats))
	for k, s := range c.stats {
		out[k] = *s
	}
	return out
}

func (c *Coordinator) count(k Kind, f func(*Stats)) {
	c.statsMu.Lock()
	f(c.stats[k])
	c.statsMu.Unlock()
}

// Close stops accepting tasks and waits for queued ones to finish or ctx to
// expire. Tasks still running when ctx expires are left to complete.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		for _, l := range c.lanes {
			close(l.tasks)
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanOut lets several tasks wait on one overlay result. The first call
// installs a relay; every call returns a fresh receive channel.
func fanOut(src *chan string) <-chan string {
	dst := make(chan string, 1)
	in := *src
	relay := make(chan string, 1)
	*src = relay
	go func() {
		p, ok := <-in
		if ok {
			dst <- p
			relay <- p
		}
		close(dst)
		close(relay)
	}()
	return dst
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
