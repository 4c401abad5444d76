package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/fotobox/internal/debug"
)

// GPhoto2Options configures the gphoto2 CLI backend.
type GPhoto2Options struct {
	Tool         string   // binary name or path, default "gphoto2"
	KillExtra    []string // extra processes that grab the USB device (gvfs monitors)
	ResetCommand []string // optional argv run after the kill, e.g. a USB reset script
	KillTimeout  time.Duration
	ResetTimeout time.Duration
	Runner       Runner
	Reaper       Reaper
}

// GPhoto2 drives a tethered camera through the gphoto2 command-line tool.
//
// Capture is two separate invocations: --capture-image leaves the file on the
// camera, --get-all-files --delete-after pulls it into the working directory.
type GPhoto2 struct {
	opts GPhoto2Options
}

// NewGPhoto2 creates the CLI backend. Nil Runner/Reaper get the exec and
// gopsutil implementations.
func NewGPhoto2(opts GPhoto2Options) *GPhoto2 {
	if opts.Tool == "" {
		opts.Tool = "gphoto2"
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner()
	}
	if opts.Reaper == nil {
		opts.Reaper = ProcessReaper{}
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 10 * time.Second
	}
	return &GPhoto2{opts: opts}
}

// CheckGPhoto2 reports whether the tool can be found without running it.
func CheckGPhoto2(tool string) error {
	if tool == "" {
		tool = "gphoto2"
	}
	if _, err := exec.LookPath(tool); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (g *GPhoto2) Name() string { return "gphoto2" }
func (g *GPhoto2) Kind() Kind   { return KindCLI }

func (g *GPhoto2) Probe(ctx context.Context) ([]Device, error) {
	out, err := g.opts.Runner.Run(ctx, Command{Name: g.opts.Tool, Args: []string{"--auto-detect"}})
	if err != nil {
		return nil, err
	}
	devices := parseAutoDetect(string(out.Stdout))
	debug.Verbose("gphoto2: auto-detect found %d device(s)", len(devices))
	return devices, nil
}

func (g *GPhoto2) TriggerCapture(ctx context.Context) error {
	_, err := g.opts.Runner.Run(ctx, Command{Name: g.opts.Tool, Args: []string{"--capture-image"}})
	return err
}

func (g *GPhoto2) RetrieveFiles(ctx context.Context, dir string) error {
	_, err := g.opts.Runner.Run(ctx, Command{
		Dir:  dir,
		Name: g.opts.Tool,
		Args: []string{"--get-all-files", "--delete-after"},
	})
	var toolErr *ToolError
	if errors.As(err, &toolErr) && hasFiles(dir) {
		// Some camera/driver combinations exit nonzero when deleting from the
		// card after a complete download.
		debug.Live("gphoto2: download exited %d but files arrived, continuing", toolErr.ExitCode)
		return nil
	}
	return err
}

// Reset kills tracked children, then any stray process by name, then runs
// the optional reset command. Failures are collected, never fatal.
func (g *GPhoto2) Reset(ctx context.Context) error {
	var errs []error

	if n := g.opts.Runner.KillChildren(); n > 0 {
		debug.Live("gphoto2: killed %d tracked child process(es)", n)
	}

	names := append([]string{filepath.Base(g.opts.Tool)}, g.opts.KillExtra...)
	killCtx, cancel := context.WithTimeout(ctx, g.opts.KillTimeout)
	n, err := g.opts.Reaper.KillByName(killCtx, names...)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: killing %v", ErrOperationTimeout, names)
		}
		errs = append(errs, err)
	}
	if n > 0 {
		debug.Live("gphoto2: killed %d stray process(es) matching %v", n, names)
	}

	if len(g.opts.ResetCommand) > 0 {
		resetCtx, cancel := context.WithTimeout(ctx, g.opts.ResetTimeout)
		_, err := g.opts.Runner.Run(resetCtx, Command{
			Name: g.opts.ResetCommand[0],
			Args: g.opts.ResetCommand[1:],
		})
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("reset command: %w", err))
		} else {
			debug.Live("gphoto2: reset command completed")
		}
	}
	return errors.Join(errs...)
}

// parseAutoDetect reads the table printed by `gphoto2 --auto-detect`:
//
//	Model                          Port
//	----------------------------------------------------------
//	Canon EOS 550D                 usb:001,005
func parseAutoDetect(out string) []Device {
	var devices []Device
	sc := bufio.NewScanner(strings.NewReader(out))
	inTable := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if !inTable {
			if strings.HasPrefix(strings.TrimSpace(line), "---") {
				inTable = true
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		port := fields[len(fields)-1]
		model := strings.TrimSpace(line[:strings.LastIndex(line, port)])
		devices = append(devices, Device{Model: model, Port: port})
	}
	return devices
}

func hasFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return true
		}
	}
	return false
}
