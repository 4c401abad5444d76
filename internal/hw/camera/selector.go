package camera

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cjeanneret/fotobox/internal/debug"
)

// ErrNoBackend means every candidate failed its check or is demoted.
var ErrNoBackend = fmt.Errorf("%w: no usable capture backend", ErrBackendUnavailable)

// Candidate describes a backend the Selector may choose.
type Candidate struct {
	Name string
	Kind Kind
	// Check looks for the backend's artifacts (tool on PATH, library file,
	// drop directory) without initializing it.
	Check func() error
	// Open initializes the backend.
	Open func() (Backend, error)
}

// Selector picks the most preferred working backend and demotes, one way,
// when the active one fails categorically. It is safe for concurrent use.
type Selector struct {
	mu         sync.Mutex
	candidates []Candidate
	next       int // index of the first candidate not yet tried
	active     Backend
	demotions  []string
}

// NewSelector orders candidates by Kind, keeping the given order inside a tier.
func NewSelector(candidates ...Candidate) *Selector {
	cs := append([]Candidate(nil), candidates...)
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Kind < cs[j].Kind })
	return &Selector{candidates: cs}
}

// Active returns the current backend, selecting one on first use.
func (s *Selector) Active() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return s.active, nil
	}
	return s.selectLocked()
}

// Demote drops failed if it is still the active backend and selects the
// next candidate. Backends are never promoted back.
func (s *Selector) Demote(failed Backend, reason error) (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active != failed {
		// already demoted by someone else
		return s.active, nil
	}
	if s.active != nil {
		debug.Info("Demoting camera backend %s: %v", s.active.Name(), reason)
		s.demotions = append(s.demotions, s.active.Name())
		s.active = nil
	}
	return s.selectLocked()
}

// Demoted lists backends demoted so far, in order.
func (s *Selector) Demoted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.demotions...)
}

func (s *Selector) selectLocked() (Backend, error) {
	var errs []error
	for s.next < len(s.candidates) {
		c := s.candidates[s.next]
		s.next++
		if c.Check != nil {
			if err := c.Check(); err != nil {
				debug.Verbose("Backend %s (%s) unavailable: %v", c.Name, c.Kind, err)
				errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
				continue
			}
		}
		b, err := c.Open()
		if err != nil {
			debug.Verbose("Backend %s (%s) failed to open: %v", c.Name, c.Kind, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		debug.Info("Camera backend: %s (%s)", b.Name(), b.Kind())
		s.active = b
		return b, nil
	}
	if len(errs) == 0 {
		return nil, ErrNoBackend
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}
