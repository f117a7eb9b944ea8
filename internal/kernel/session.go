package kernel

import (
	"context"
	"log/slog"
	"sync"
)

// Capability target names for host- and kernel-initiated comms.
const (
	TargetUI           = "ui"
	TargetHelp         = "help"
	TargetVariables    = "variables"
	TargetDataExplorer = "data_explorer"
)

// Session layers capability-comm caching over a supervised kernel. A comm
// is opened at most once per capability and reused; when the kernel closes
// a cached comm (or announces its own) the cache follows. No state is kept
// for a comm beyond its id.
type Session struct {
	mu sync.Mutex

	kernel *Kernel
	cached map[string]string // target name -> comm id

	log *slog.Logger
}

// NewSession creates a session over an attached kernel. It watches the
// kernel's feeds to adopt announced capability comms and to invalidate
// cache entries for closed comms.
func NewSession(k *Kernel, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		kernel: k,
		cached: make(map[string]string),
		log:    log,
	}
	k.Router().OnOutOfBand(s.cacheAnnounced)
	k.Router().OnCommOpen(s.cacheOpened)
	k.Router().OnCommClose(s.invalidate)
	return s
}

// Kernel returns the underlying supervisor.
func (s *Session) Kernel() *Kernel { return s.kernel }

// Comm returns the cached comm for a capability, opening one when none is
// cached. Concurrent callers for the same capability share one comm.
func (s *Session) Comm(ctx context.Context, target string) (*Comm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.cached[target]; ok {
		if c, live := s.kernel.Comm(id); live {
			return c, nil
		}
		delete(s.cached, target)
	}

	c, err := s.kernel.OpenComm(target, nil)
	if err != nil {
		return nil, err
	}
	s.cached[target] = c.ID()
	return c, nil
}

// VariablesComm returns the current variables comm, opening it on first use.
func (s *Session) VariablesComm(ctx context.Context) (*Comm, error) {
	return s.Comm(ctx, TargetVariables)
}

// UIComm returns the current UI capability comm.
func (s *Session) UIComm(ctx context.Context) (*Comm, error) {
	return s.Comm(ctx, TargetUI)
}

// HelpComm returns the current help comm.
func (s *Session) HelpComm(ctx context.Context) (*Comm, error) {
	return s.Comm(ctx, TargetHelp)
}

// DataExplorerComm returns the current data explorer comm.
func (s *Session) DataExplorerComm(ctx context.Context) (*Comm, error) {
	return s.Comm(ctx, TargetDataExplorer)
}

// cacheAnnounced records capability comms the kernel announced.
func (s *Session) cacheAnnounced(ev Event) {
	target, ok := capabilityTargets[ev.Tag]
	if !ok || ev.CommID == "" {
		return
	}
	s.mu.Lock()
	s.cached[target] = ev.CommID
	s.mu.Unlock()
}

// cacheOpened records kernel-initiated comms that carry a target name.
func (s *Session) cacheOpened(ev Event) {
	if ev.CommID == "" || ev.TargetName == "" {
		return
	}
	s.mu.Lock()
	s.cached[ev.TargetName] = ev.CommID
	s.mu.Unlock()
}

// invalidate drops cache entries pointing at a closed comm.
func (s *Session) invalidate(ev Event) {
	s.mu.Lock()
	for target, id := range s.cached {
		if id == ev.CommID {
			delete(s.cached, target)
		}
	}
	s.mu.Unlock()
}
