// Package upload sends photos to remote storage over HTTP or SFTP.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/post/imageio"
)

var (
	ErrDisabled      = errors.New("upload disabled")
	ErrNotConfigured = errors.New("upload target not configured")
	ErrUnsupported   = errors.New("upload method not supported")
)

const maxDimension = 2048

// Metadata travels with every upload, as a form field or a JSON sidecar.
type Metadata map[string]any

// Service uploads photos using the current upload configuration.
type Service struct {
	cfg     config.Source
	version string
	now     func() time.Time
	client  httpDoer
	dial    dialFunc
}

// New returns a Service. version is reported in the upload metadata.
func New(src config.Source, version string) *Service {
	return &Service{
		cfg:     src,
		version: version,
		now:     time.Now,
		client:  sharedClient,
		dial:    dialSFTP,
	}
}

// Upload sends path and returns where it landed: the URL reported by the
// HTTP endpoint or the remote SFTP path.
func (s *Service) Upload(ctx context.Context, path string, extra map[string]string) (string, error) {
	cfg := s.cfg()
	uc := cfg.Upload
	if !uc.Enabled {
		return "", ErrDisabled
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("photo not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout())
	defer cancel()

	meta, err := s.metadata(path, extra)
	if err != nil {
		return "", err
	}
	file, cleanup := prepare(path, uc)
	defer cleanup()

	start := s.now()
	var loc string
	switch uc.Method {
	case "http":
		loc, err = s.uploadHTTP(ctx, uc, file, meta)
	case "sftp":
		loc, err = s.uploadSFTP(ctx, uc, file, meta)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupported, uc.Method)
	}
	if err != nil {
		return "", err
	}
	debug.Info("upload: %s sent via %s in %v", filepath.Base(path), uc.Method, s.now().Sub(start).Round(time.Millisecond))
	return loc, nil
}

// Check verifies that the configured target is reachable.
func (s *Service) Check(ctx context.Context) error {
	cfg := s.cfg()
	uc := cfg.Upload
	if !uc.Enabled {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.UploadTimeout())
	defer cancel()
	switch uc.Method {
	case "http":
		return s.checkHTTP(ctx, uc)
	case "sftp":
		conn, err := s.dial(ctx, uc)
		if err != nil {
			return err
		}
		return conn.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupported, uc.Method)
	}
}

func (s *Service) metadata(path string, extra map[string]string) (Metadata, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	sum, err := checksum(path)
	if err != nil {
		return nil, err
	}
	now := s.now()
	m := Metadata{
		"filename":         filepath.Base(path),
		"filesize":         fi.Size(),
		"upload_timestamp": now.Format(time.RFC3339),
		"upload_date":      now.Format("2006-01-02"),
		"upload_time":      now.Format("15:04:05"),
		"source":           "fotobox",
		"version":          s.version,
		"checksum":         sum,
	}
	if w, h, format, err := dimensions(path); err == nil {
		m["width"], m["height"], m["format"] = w, h, format
	}
	for k, v := range extra {
		m[k] = v
	}
	return m, nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dimensions(path string) (int, int, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()
	c, format, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, "", err
	}
	return c.Width, c.Height, format, nil
}

// prepare returns a recompressed copy of path when compression is on and the
// photo exceeds the size limit. The original is used whenever the copy
// cannot be made or is still too large.
func prepare(path string, uc config.UploadConfig) (string, func()) {
	noop := func() {}
	if !uc.CompressImages {
		return path, noop
	}
	limit := int64(uc.MaxFileSizeMB) << 20
	fi, err := os.Stat(path)
	if err != nil || fi.Size() <= limit {
		return path, noop
	}

	img, err := imageio.Load(path)
	if err != nil {
		debug.Warn("upload: compression skipped: %v", err)
		return path, noop
	}
	tmp, err := os.CreateTemp("", "fotobox_upload_*.jpg")
	if err != nil {
		debug.Warn("upload: compression skipped: %v", err)
		return path, noop
	}
	name := tmp.Name()
	tmp.Close()
	if err := imageio.Save(name, imageio.FitWithin(img, maxDimension), uc.CompressionQuality); err != nil {
		os.Remove(name)
		debug.Warn("upload: compression skipped: %v", err)
		return path, noop
	}
	if fi, err := os.Stat(name); err != nil || fi.Size() > limit {
		os.Remove(name)
		debug.Verbose("upload: compressed copy still above %d MB, sending original", uc.MaxFileSizeMB)
		return path, noop
	}
	debug.Verbose("upload: compressed %s for transfer", filepath.Base(path))
	return name, func() { os.Remove(name) }
}
