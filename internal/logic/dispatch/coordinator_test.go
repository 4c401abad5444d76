package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/fotobox/internal/config"
)

type funcOverlay func(ctx context.Context, path string) (string, error)

func (f funcOverlay) Apply(ctx context.Context, path string) (string, error) { return f(ctx, path) }

type funcPrinter func(ctx context.Context, path string, copies int) (string, error)

func (f funcPrinter) Print(ctx context.Context, path string, copies int) (string, error) {
	return f(ctx, path, copies)
}

type funcUploader func(ctx context.Context, path string, meta map[string]string) (string, error)

func (f funcUploader) Upload(ctx context.Context, path string, meta map[string]string) (string, error) {
	return f(ctx, path, meta)
}

func enabledConfig() *config.Config {
	cfg := config.Default()
	cfg.AppName = "Test Booth"
	cfg.Overlay.Enabled = true
	cfg.Printing.Enabled = true
	cfg.Printing.Copies = 2
	cfg.Upload.Enabled = true
	return cfg
}

func photo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))
	return path
}

// collect reads reports until n terminal states arrived or the deadline.
func collect(t *testing.T, ch <-chan Report, n int) map[Kind]Report {
	t.Helper()
	out := make(map[Kind]Report)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-ch:
			if r.State == StateSucceeded || r.State == StateFailed || r.State == StateDropped {
				out[r.Kind] = r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d reports, got %v", n, out)
		}
	}
	return out
}

func TestDispatch_AllKinds(t *testing.T) {
	var (
		mu     sync.Mutex
		copies int
		meta   map[string]string
	)
	c := New(Services{
		Overlay: funcOverlay(func(ctx context.Context, path string) (string, error) {
			return path + ".overlay.jpg", nil
		}),
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) {
			mu.Lock()
			copies = n
			mu.Unlock()
			return "job-7", nil
		}),
		Upload: funcUploader(func(ctx context.Context, path string, m map[string]string) (string, error) {
			mu.Lock()
			meta = m
			mu.Unlock()
			return "https://photos.example.org/1", nil
		}),
	}, 4, 1)
	defer c.Close(context.Background())
	reports, unsubscribe := c.Subscribe()
	defer unsubscribe()

	src := photo(t)
	acks := c.Dispatch(src, Flags{Overlay: true, Print: true, Upload: true}, enabledConfig())
	assert.Equal(t, Acks{Overlay: true, Print: true, Upload: true}, acks)

	got := collect(t, reports, 3)
	assert.Equal(t, StateSucceeded, got[KindOverlay].State)
	assert.Equal(t, src+".overlay.jpg", got[KindPrint].Path, "print uses the overlay output")
	assert.Equal(t, src+".overlay.jpg", got[KindUpload].Path, "upload uses the overlay output")
	assert.Equal(t, "job-7", got[KindPrint].Output)

	mu.Lock()
	assert.Equal(t, 2, copies)
	assert.Equal(t, "Test Booth", meta["app_name"])
	assert.Equal(t, "photo.jpg", meta["original_filename"])
	assert.NotContains(t, meta, "source", "the uploader stamps its own source")
	mu.Unlock()

	stats := c.Stats()
	for _, k := range Kinds {
		assert.Equal(t, Stats{Scheduled: 1, Succeeded: 1}, stats[k], k)
	}
}

func TestDispatch_FailureIsIsolated(t *testing.T) {
	c := New(Services{
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) {
			return "job-1", nil
		}),
		Upload: funcUploader(func(ctx context.Context, path string, m map[string]string) (string, error) {
			return "", errors.New("network unreachable")
		}),
	}, 4, 1)
	defer c.Close(context.Background())
	reports, unsubscribe := c.Subscribe()
	defer unsubscribe()

	acks := c.Dispatch(photo(t), Flags{Print: true, Upload: true}, enabledConfig())
	require.True(t, acks.Print)
	require.True(t, acks.Upload)

	got := collect(t, reports, 2)
	assert.Equal(t, StateSucceeded, got[KindPrint].State)
	assert.Equal(t, StateFailed, got[KindUpload].State)
	assert.ErrorIs(t, got[KindUpload].Err, ErrDispatchFailed)
	assert.Contains(t, got[KindUpload].Error, "network unreachable")
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	c := New(Services{
		Overlay: funcOverlay(func(ctx context.Context, path string) (string, error) {
			panic("decoder exploded")
		}),
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) {
			return "job-2", nil
		}),
	}, 4, 1)
	defer c.Close(context.Background())
	reports, unsubscribe := c.Subscribe()
	defer unsubscribe()

	src := photo(t)
	c.Dispatch(src, Flags{Overlay: true, Print: true}, enabledConfig())

	got := collect(t, reports, 2)
	assert.Equal(t, StateFailed, got[KindOverlay].State)
	assert.Contains(t, got[KindOverlay].Error, "decoder exploded")
	assert.Equal(t, StateSucceeded, got[KindPrint].State)
	assert.Equal(t, src, got[KindPrint].Path, "print falls back to the original photo")
}

func TestDispatch_TaskTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := New(Services{
		Upload: funcUploader(func(ctx context.Context, path string, m map[string]string) (string, error) {
			<-release
			return "late", nil
		}),
	}, 4, 1)
	reports, unsubscribe := c.Subscribe()
	defer unsubscribe()

	cfg := enabledConfig()
	cfg.Dispatch.TaskTimeoutMs = 10
	c.Dispatch(photo(t), Flags{Upload: true}, cfg)

	got := collect(t, reports, 1)
	assert.Equal(t, StateFailed, got[KindUpload].State)
	assert.Contains(t, got[KindUpload].Error, "timed out")
}

func TestDispatch_Validation(t *testing.T) {
	c := New(Services{
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) { return "", nil }),
	}, 4, 1)
	defer c.Close(context.Background())

	cfg := enabledConfig()

	// not requested
	assert.Equal(t, Acks{}, c.Dispatch(photo(t), Flags{}, cfg))
	// no service for overlay/upload
	assert.Equal(t, Acks{Print: true}, c.Dispatch(photo(t), Flags{Overlay: true, Print: true, Upload: true}, cfg))
	// disabled in configuration
	cfg.Printing.Enabled = false
	assert.Equal(t, Acks{}, c.Dispatch(photo(t), Flags{Print: true}, cfg))
	// missing file
	cfg.Printing.Enabled = true
	assert.Equal(t, Acks{}, c.Dispatch(filepath.Join(t.TempDir(), "gone.jpg"), Flags{Print: true}, cfg))
}

func TestDispatch_FullQueueDrops(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	c := New(Services{
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return "", nil
		}),
	}, 1, 1)

	cfg := enabledConfig()
	src := photo(t)
	require.True(t, c.Dispatch(src, Flags{Print: true}, cfg).Print)
	<-started // worker busy, queue empty
	require.True(t, c.Dispatch(src, Flags{Print: true}, cfg).Print)
	assert.False(t, c.Dispatch(src, Flags{Print: true}, cfg).Print, "queue of one is full")

	close(release)
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, Stats{Scheduled: 2, Succeeded: 2, Dropped: 1}, c.Stats()[KindPrint])
}

func TestDispatch_NonBlocking(t *testing.T) {
	release := make(chan struct{})
	c := New(Services{
		Overlay: funcOverlay(func(ctx context.Context, path string) (string, error) {
			<-release
			return path, nil
		}),
	}, 4, 1)

	start := time.Now()
	acks := c.Dispatch(photo(t), Flags{Overlay: true}, enabledConfig())
	assert.True(t, acks.Overlay)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	require.NoError(t, c.Close(context.Background()))
}

func TestClose_RejectsNewTasks(t *testing.T) {
	c := New(Services{
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) { return "", nil }),
	}, 4, 1)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()), "Close is idempotent")

	assert.Equal(t, Acks{}, c.Dispatch(photo(t), Flags{Print: true}, enabledConfig()))
}

func TestClose_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := New(Services{
		Print: funcPrinter(func(ctx context.Context, path string, n int) (string, error) {
			<-release
			return "", nil
		}),
	}, 4, 1)
	c.Dispatch(photo(t), Flags{Print: true}, enabledConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
}
