package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// stagingDirName is the per-attempt download directory inside photo_dir.
// Being on the same filesystem keeps the final rename atomic.
const stagingDirName = ".incoming"

// resolveFilename validates an explicit name or builds the default
// photo_YYYYMMDD_HHMMSS.jpg, suffixed _1, _2... when already taken.
func resolveFilename(requested, dir string, now time.Time) (string, error) {
	if requested != "" {
		if err := validateFilename(requested); err != nil {
			return "", err
		}
		if _, err := os.Lstat(filepath.Join(dir, requested)); err == nil {
			return "", fmt.Errorf("%w: %s", ErrTargetExists, requested)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		return requested, nil
	}

	base := "photo_" + now.Format("20060102_150405")
	name := base + ".jpg"
	for i := 1; ; i++ {
		_, err := os.Lstat(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s_%d.jpg", base, i)
	}
}

func validateFilename(name string) error {
	switch {
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q must not contain a path", ErrInvalidFilename, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q must not be hidden", ErrInvalidFilename, name)
	case len(name) > 255:
		return fmt.Errorf("%w: name too long", ErrInvalidFilename)
	}
	return nil
}

// newestImage returns the most recently modified file in dir with an
// accepted extension and a size above minBytes, plus every other regular
// file found.
func newestImage(dir string, minBytes int64, exts []string) (string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	var (
		best     string
		bestTime time.Time
		others   []string
		largest  int64 = -1
	)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		fi, err := e.Info()
		if err != nil || !hasExt(e.Name(), exts) {
			others = append(others, path)
			continue
		}
		if fi.Size() > largest {
			largest = fi.Size()
		}
		if fi.Size() <= minBytes {
			others = append(others, path)
			continue
		}
		mt := fi.ModTime()
		if best == "" || mt.After(bestTime) || (mt.Equal(bestTime) && path > best) {
			if best != "" {
				others = append(others, best)
			}
			best, bestTime = path, mt
			continue
		}
		others = append(others, path)
	}

	switch {
	case best != "":
		return best, others, nil
	case largest < 0:
		return "", others, fmt.Errorf("%w: no image downloaded", ErrRetrievalFailed)
	default:
		return "", others, fmt.Errorf("%w: largest image is %d bytes (minimum %d)", ErrRetrievalFailed, largest, minBytes+1)
	}
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// verifyFile checks the final photo exists and exceeds minBytes.
func verifyFile(path string, minBytes int64) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrRetrievalFailed, path)
	}
	if fi.Size() <= minBytes {
		return fmt.Errorf("%w: %s is %d bytes (minimum %d)", ErrRetrievalFailed, filepath.Base(path), fi.Size(), minBytes+1)
	}
	return nil
}
