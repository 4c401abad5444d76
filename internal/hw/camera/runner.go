package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/fotobox/internal/debug"
)

// Command is one external tool invocation.
type Command struct {
	Dir  string
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Output holds the captured streams of a finished command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Runner executes external tools and can kill the children it started.
type Runner interface {
	Run(ctx context.Context, c Command) (Output, error)
	// KillChildren kills every process started by Run that is still alive
	// and returns how many were signalled.
	KillChildren() int
}

// ExecRunner runs commands with os/exec and tracks live children.
//
// Errors are mapped onto the camera taxonomy: a missing binary wraps
// ErrBackendUnavailable, an expired context deadline wraps ErrOperationTimeout
// and a nonzero exit is a *ToolError.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for pipes after the process is
	// killed. Zero means 2s.
	WaitDelay time.Duration

	mu       sync.Mutex
	children map[int]*os.Process
}

// NewExecRunner returns a ready ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{children: make(map[int]*os.Process)}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Output, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	debug.Verbose("exec: %s (dir=%q)", c, c.Dir)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return Output{}, fmt.Errorf("%w: %s not installed: %v", ErrBackendUnavailable, c.Name, err)
		}
		return Output{}, fmt.Errorf("start %s: %w", c.Name, err)
	}

	pid := cmd.Process.Pid
	r.track(pid, cmd.Process)
	err := cmd.Wait()
	r.untrack(pid)

	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	debug.Verbose("exec: %s finished in %v", c.Name, time.Since(start).Round(time.Millisecond))
	debug.Trace("exec: stdout=%q stderr=%q", out.Stdout, out.Stderr)

	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out, fmt.Errorf("%w: %s", ErrOperationTimeout, c)
		}
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ToolError{
			Op:       c.String(),
			ExitCode: exitErr.ExitCode(),
			Stdout:   string(out.Stdout),
			Stderr:   string(out.Stderr),
		}
	}
	return out, fmt.Errorf("%s: %w", c, err)
}

func (r *ExecRunner) KillChildren() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for pid, p := range r.children {
		if err := p.Kill(); err != nil {
			debug.Verbose("exec: kill child %d: %v", pid, err)
			continue
		}
		debug.Live("exec: killed child process %d", pid)
		n++
	}
	return n
}

func (r *ExecRunner) track(pid int, p *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.children == nil {
		r.children = make(map[int]*os.Process)
	}
	r.children[pid] = p
}

func (r *ExecRunner) untrack(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.children, pid)
}
