package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/fotobox/internal/config"
)

var fixedNow = time.Date(2024, 6, 1, 14, 30, 5, 0, time.Local)

func newService(t *testing.T, mutate func(*config.UploadConfig)) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Upload.Enabled = true
	if mutate != nil {
		mutate(&cfg.Upload)
	}
	s := New(func() *config.Config { return cfg }, "1.2.3")
	s.now = func() time.Time { return fixedNow }
	return s
}

func writePhoto(t *testing.T, w, h int, noisy bool) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255}
			if noisy {
				c = color.RGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255}
			}
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(t.TempDir(), "photo_20240601_143000.jpg")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 100}))
	require.NoError(t, f.Close())
	return path
}

func TestUploadHTTP(t *testing.T) {
	var (
		gotAuth  string
		gotMeta  Metadata
		gotPhoto []byte
		gotName  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.Unmarshal([]byte(r.FormValue("metadata")), &gotMeta)
		f, fh, err := r.FormFile("photo")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotName = fh.Filename
		gotPhoto, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"url":"https://photos.example/p/1","id":"1"}`))
	}))
	defer srv.Close()

	s := newService(t, func(u *config.UploadConfig) {
		u.URL = srv.URL
		u.APIKey = "secret"
	})
	photo := writePhoto(t, 64, 48, false)

	loc, err := s.Upload(context.Background(), photo, map[string]string{"source": "capture", "app_name": "Fotobox"})
	require.NoError(t, err)
	assert.Equal(t, "https://photos.example/p/1", loc)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, filepath.Base(photo), gotName)
	want, _ := os.ReadFile(photo)
	assert.Equal(t, want, gotPhoto)

	assert.Equal(t, filepath.Base(photo), gotMeta["filename"])
	assert.Equal(t, "capture", gotMeta["source"], "extra metadata overrides defaults")
	assert.Equal(t, "Fotobox", gotMeta["app_name"])
	assert.Equal(t, "1.2.3", gotMeta["version"])
	assert.Equal(t, float64(64), gotMeta["width"])
	assert.Equal(t, float64(48), gotMeta["height"])
	assert.Equal(t, float64(len(want)), gotMeta["filesize"])
	assert.Equal(t, "2024-06-01", gotMeta["upload_date"])
	assert.Len(t, gotMeta["checksum"], 64)
}

func TestUploadHTTP_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	s := newService(t, func(u *config.UploadConfig) { u.URL = srv.URL })
	_, err := s.Upload(context.Background(), writePhoto(t, 8, 8, false), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 403")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestUploadHTTP_NonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newService(t, func(u *config.UploadConfig) { u.URL = srv.URL })
	loc, err := s.Upload(context.Background(), writePhoto(t, 8, 8, false), nil)
	require.NoError(t, err)
	assert.Empty(t, loc)
}

func TestUploadHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := newService(t, func(u *config.UploadConfig) {
		u.URL = srv.URL
		u.TimeoutMs = 50
	})
	_, err := s.Upload(context.Background(), writePhoto(t, 8, 8, false), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpload_Errors(t *testing.T) {
	photo := writePhoto(t, 8, 8, false)
	tests := []struct {
		name   string
		mutate func(*config.UploadConfig)
		path   string
		want   error
	}{
		{name: "disabled", mutate: func(u *config.UploadConfig) { u.Enabled = false }, want: ErrDisabled},
		{name: "ftp", mutate: func(u *config.UploadConfig) { u.Method = "ftp" }, want: ErrUnsupported},
		{name: "no url", mutate: func(u *config.UploadConfig) { u.URL = "" }, want: ErrNotConfigured},
		{name: "missing photo", path: filepath.Join(t.TempDir(), "gone.jpg"), want: os.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t, tt.mutate)
			path := photo
			if tt.path != "" {
				path = tt.path
			}
			_, err := s.Upload(context.Background(), path, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// memFS records SFTP writes in memory.
type memFS struct {
	dirs   []string
	files  map[string][]byte
	closed bool
}

type memFile struct {
	bytes.Buffer
	fs   *memFS
	name string
}

func (f *memFile) Close() error {
	f.fs.files[f.name] = f.Bytes()
	return nil
}

func (m *memFS) MkdirAll(dir string) error {
	m.dirs = append(m.dirs, dir)
	return nil
}

func (m *memFS) Create(name string) (io.WriteCloser, error) {
	return &memFile{fs: m, name: name}, nil
}

func (m *memFS) Close() error {
	m.closed = true
	return nil
}

func TestUploadSFTP(t *testing.T) {
	fs := &memFS{files: map[string][]byte{}}
	s := newService(t, func(u *config.UploadConfig) {
		u.Method = "sftp"
		u.RemotePath = "/srv/booth"
	})
	var dialed config.UploadConfig
	s.dial = func(_ context.Context, uc config.UploadConfig) (remoteFS, error) {
		dialed = uc
		return fs, nil
	}
	photo := writePhoto(t, 16, 16, false)

	loc, err := s.Upload(context.Background(), photo, nil)
	require.NoError(t, err)

	base := filepath.Base(photo)
	assert.Equal(t, "/srv/booth/2024/06/01/143005_"+base, loc)
	assert.Equal(t, "/srv/booth", dialed.RemotePath)
	assert.Equal(t, []string{"/srv/booth/2024/06/01"}, fs.dirs)
	assert.True(t, fs.closed)

	want, _ := os.ReadFile(photo)
	assert.Equal(t, want, fs.files[loc])

	sidecar := fs.files["/srv/booth/2024/06/01/143005_photo_20240601_143000.json"]
	require.NotNil(t, sidecar)
	var meta Metadata
	require.NoError(t, json.Unmarshal(sidecar, &meta))
	assert.Equal(t, base, meta["filename"])
	assert.Equal(t, "fotobox", meta["source"])
}

func TestUploadSFTP_DialFailure(t *testing.T) {
	s := newService(t, func(u *config.UploadConfig) { u.Method = "sftp" })
	boom := errors.New("connection refused")
	s.dial = func(context.Context, config.UploadConfig) (remoteFS, error) { return nil, boom }

	_, err := s.Upload(context.Background(), writePhoto(t, 8, 8, false), nil)
	assert.ErrorIs(t, err, boom)
}

func TestCheck(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	s := newService(t, func(u *config.UploadConfig) {
		u.URL = srv.URL
		u.APIKey = "k"
	})
	require.NoError(t, s.Check(context.Background()), "any HTTP answer means reachable")
	assert.Equal(t, "Bearer k", gotAuth)

	fs := &memFS{files: map[string][]byte{}}
	s = newService(t, func(u *config.UploadConfig) { u.Method = "sftp" })
	s.dial = func(context.Context, config.UploadConfig) (remoteFS, error) { return fs, nil }
	require.NoError(t, s.Check(context.Background()))
	assert.True(t, fs.closed)

	s = newService(t, func(u *config.UploadConfig) { u.Method = "ftp" })
	assert.ErrorIs(t, s.Check(context.Background()), ErrUnsupported)

	s = newService(t, nil)
	assert.ErrorIs(t, s.Check(context.Background()), ErrNotConfigured)
}

func TestDialSFTP_NotConfigured(t *testing.T) {
	_, err := dialSFTP(context.Background(), config.UploadConfig{Host: "booth.local"})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = dialSFTP(context.Background(), config.UploadConfig{Host: "booth.local", Username: "pi"})
	assert.ErrorIs(t, err, ErrNotConfigured, "no password and no key")
}

func TestClientConfig_BadKey(t *testing.T) {
	key := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(key, []byte("not a key"), 0o600))

	_, err := clientConfig(config.UploadConfig{Username: "pi", KeyPath: key})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse ssh key")
}

func TestClientConfig_Password(t *testing.T) {
	cc, err := clientConfig(config.UploadConfig{Username: "pi", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "pi", cc.User)
	assert.Len(t, cc.Auth, 1)
}

func TestPrepare_Compression(t *testing.T) {
	photo := writePhoto(t, 2600, 1200, true)
	fi, err := os.Stat(photo)
	require.NoError(t, err)
	require.Greater(t, fi.Size(), int64(1<<20), "fixture must exceed 1 MB")

	t.Run("off", func(t *testing.T) {
		got, cleanup := prepare(photo, config.UploadConfig{MaxFileSizeMB: 1})
		defer cleanup()
		assert.Equal(t, photo, got)
	})

	t.Run("below limit", func(t *testing.T) {
		got, cleanup := prepare(photo, config.UploadConfig{CompressImages: true, MaxFileSizeMB: 50, CompressionQuality: 60})
		defer cleanup()
		assert.Equal(t, photo, got)
	})

	t.Run("above limit", func(t *testing.T) {
		got, cleanup := prepare(photo, config.UploadConfig{CompressImages: true, MaxFileSizeMB: 1, CompressionQuality: 10})
		require.NotEqual(t, photo, got)

		f, err := os.Open(got)
		require.NoError(t, err)
		c, err := jpeg.DecodeConfig(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, 2048, c.Width)
		assert.Equal(t, 945, c.Height)

		cleanup()
		_, err = os.Stat(got)
		assert.True(t, os.IsNotExist(err))
	})
}
