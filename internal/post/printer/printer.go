// Package printer sends photos to a CUPS queue with lp.
package printer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/cjeanneret/fotobox/internal/config"
	"github.com/cjeanneret/fotobox/internal/debug"
	"github.com/cjeanneret/fotobox/internal/post/imageio"
)

var (
	ErrDisabled    = errors.New("printing disabled")
	ErrNoPrinter   = errors.New("no printer configured")
	ErrUnsupported = errors.New("printing not supported on this platform")
)

// Paper sizes at 300 DPI, portrait.
var paperSizes = map[string][2]int{
	"10x15cm": {1200, 1800},
	"13x18cm": {1500, 2100},
	"A4":      {2480, 3508},
	"A6":      {1240, 1748},
}

var qualities = map[string]string{
	"draft":  "draft",
	"normal": "normal",
	"high":   "high",
	"photo":  "photo",
}

// Info describes one CUPS queue as reported by lpstat.
type Info struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// RunFunc runs a command and returns its stdout.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Service prints photos using the current printing configuration.
type Service struct {
	cfg  config.Source
	run  RunFunc
	goos string
}

// New returns a Service that shells out to the CUPS client tools.
func New(src config.Source) *Service {
	return &Service{cfg: src, run: execRun, goos: runtime.GOOS}
}

// Print resizes path for the configured paper and submits copies of it.
// The returned job id is empty when lp did not print one.
func (s *Service) Print(ctx context.Context, path string, copies int) (string, error) {
	cfg := s.cfg()
	pc := cfg.Printing
	switch {
	case !pc.Enabled:
		return "", ErrDisabled
	case s.goos == "windows":
		return "", ErrUnsupported
	case pc.PrinterName == "":
		return "", ErrNoPrinter
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("photo not found: %w", err)
	}

	file, cleanup := s.prepare(path, pc.PaperSize)
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, cfg.PrintTimeout())
	defer cancel()

	args := lpArgs(pc, copies, file)
	debug.Verbose("print: lp %s", strings.Join(args, " "))
	out, err := s.run(ctx, "lp", args...)
	if err != nil {
		return "", fmt.Errorf("lp: %w", err)
	}
	id := parseJobID(out)
	debug.Info("print: job %q sent to %s (%d copies)", id, pc.PrinterName, max(copies, 1))
	return id, nil
}

// Printers lists the CUPS queues.
func (s *Service) Printers(ctx context.Context) ([]Info, error) {
	if s.goos == "windows" {
		return nil, ErrUnsupported
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg().PrintTimeout())
	defer cancel()
	out, err := s.run(ctx, "lpstat", "-p")
	if err != nil {
		var exitErr *exec.ExitError
		// lpstat exits 1 when no printers are configured
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lpstat -p: %w", err)
	}
	return parsePrinters(out), nil
}

// prepare writes a print-ready copy of path. On any failure the original is
// printed as is.
func (s *Service) prepare(path, paper string) (string, func()) {
	noop := func() {}
	size, ok := paperSizes[paper]
	if !ok {
		return path, noop
	}
	img, err := imageio.Load(path)
	if err != nil {
		debug.Warn("print: using original photo: %v", err)
		return path, noop
	}
	b := img.Bounds()
	w, h := size[0], size[1]
	if b.Dx() > b.Dy() {
		w, h = h, w
	}

	tmp, err := os.CreateTemp("", "fotobox_print_*.jpg")
	if err != nil {
		debug.Warn("print: using original photo: %v", err)
		return path, noop
	}
	name := tmp.Name()
	tmp.Close()
	if err := imageio.Save(name, imageio.FitCanvas(img, w, h), 95); err != nil {
		os.Remove(name)
		debug.Warn("print: using original photo: %v", err)
		return path, noop
	}
	return name, func() { os.Remove(name) }
}

func lpArgs(pc config.PrintingConfig, copies int, file string) []string {
	args := []string{"-d", pc.PrinterName}
	if copies > 1 {
		args = append(args, "-n", strconv.Itoa(copies))
	}
	if pc.PaperSize != "" {
		args = append(args, "-o", "media="+pc.PaperSize)
	}
	q, ok := qualities[pc.Quality]
	if !ok {
		q = "normal"
	}
	args = append(args, "-o", "quality="+q)
	m := pc.Margins
	if m != [4]int{} {
		args = append(args, "-o", fmt.Sprintf("page-margins=%d,%d,%d,%d", m[0], m[1], m[2], m[3]))
	}
	return append(args, file)
}

// parseJobID extracts X from "request id is X (1 file(s))".
func parseJobID(out []byte) string {
	const marker = "request id is "
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		i := strings.Index(line, marker)
		if i < 0 {
			continue
		}
		if f := strings.Fields(line[i+len(marker):]); len(f) > 0 {
			return f[0]
		}
	}
	return ""
}

// parsePrinters reads "printer NAME is idle.  enabled since ..." lines.
func parsePrinters(out []byte) []Info {
	var list []Info
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 || f[0] != "printer" {
			continue
		}
		status := "unknown"
		if len(f) > 2 {
			status = strings.Join(f[2:], " ")
		}
		list = append(list, Info{Name: f[1], Status: status})
	}
	return list
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}
