package camera

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/cjeanneret/fotobox/internal/debug"
)

// Reaper kills processes by executable name.
//
// Name-based killing is inherently racy: any process with a matching name is
// terminated, including ones this program never started. It is only used as
// the fallback after tracked children have been killed.
type Reaper interface {
	KillByName(ctx context.Context, names ...string) (int, error)
}

// ProcessReaper is a Reaper backed by gopsutil.
type ProcessReaper struct{}

// linux truncates comm to 15 bytes
const commLen = 15

func (ProcessReaper) KillByName(ctx context.Context, names ...string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !matchProcessName(name, names) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			debug.Verbose("reaper: kill %s (pid %d): %v", name, p.Pid, err)
			continue
		}
		debug.Live("reaper: killed %s (pid %d)", name, p.Pid)
		killed++
	}
	return killed, ctx.Err()
}

func matchProcessName(name string, targets []string) bool {
	for _, t := range targets {
		t = filepath.Base(t)
		if name == t {
			return true
		}
		if len(name) == commLen && len(t) > commLen && strings.HasPrefix(t, name) {
			return true
		}
	}
	return false
}
