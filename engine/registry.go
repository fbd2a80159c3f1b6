package engine

import (
	"sync"
	"time"

	"github.com/outreach-health/fieldsync/internal"
)

// Registry owns every live session and enforces per-device exclusivity.
// Routine and emergency slots are independent: an emergency session may run
// alongside a routine one, but never two of the same kind per device.
// This is the single owner of "active session" state; nothing else holds it.
type Registry struct {
	mu        sync.Mutex
	routine   map[string]*session // device ID -> active routine session
	emergency map[string]*session // device ID -> active emergency session
	sessions  map[string]*session // session ID -> session, terminal kept until pruned
}

func NewRegistry() *Registry {
	return &Registry{
		routine:   make(map[string]*session),
		emergency: make(map[string]*session),
		sessions:  make(map[string]*session),
	}
}

// Acquire claims the device slot for s, failing fast with DeviceBusy if it
// is held. Non-blocking on purpose: callers retry later rather than queueing
// indefinitely against a device that may be mid-sync for minutes.
func (r *Registry) Acquire(s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.routine
	if s.emergency {
		slot = r.emergency
	}
	if _, held := slot[s.DeviceID()]; held {
		return internal.DeviceBusy(s.DeviceID())
	}
	slot[s.DeviceID()] = s
	r.sessions[s.ID()] = s
	return nil
}

// ReleaseTerminal settles the session's terminal status and frees the device
// slot under the registry lock. Acquire serializes against it, so a device
// never shows two live sessions of one kind and a caller that just observed
// the terminal status is admitted rather than bounced. The session stays
// queryable until the janitor prunes it.
func (r *Registry) ReleaseTerminal(s *session, status SessionStatus, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.setStatus(status, errMsg)
	slot := r.routine
	if s.emergency {
		slot = r.emergency
	}
	if slot[s.DeviceID()] == s {
		delete(slot, s.DeviceID())
	}
}

func (r *Registry) Get(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Active returns every non-terminal session.
func (r *Registry) Active() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session
	for _, s := range r.sessions {
		if !s.status().Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// Prune drops terminal sessions that finished before the cutoff, returning
// how many were removed.
func (r *Registry) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		snap := s.Snapshot()
		if snap.Status.Terminal() && snap.FinishedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}
