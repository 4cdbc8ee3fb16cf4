package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
)

// Factory builds the Manager for a new handle.
type Factory func(handle string) *Manager

// Registry holds the open negotiation sessions keyed by an opaque handle.
// Sessions not looked up for longer than the idle TTL are released by Sweep.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Manager
	lastUsed map[string]time.Time
	factory  Factory
	now      func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		sessions: make(map[string]*Manager),
		lastUsed: make(map[string]time.Time),
		factory:  factory,
		now:      time.Now,
	}
}

// Open creates a new session and returns its handle.
func (r *Registry) Open() (string, *Manager) {
	handle := uuid.NewString()
	m := r.factory(handle)

	r.mu.Lock()
	r.sessions[handle] = m
	r.lastUsed[handle] = r.now()
	n := len(r.sessions)
	r.mu.Unlock()

	observability.SetSessionsActive(n)
	return handle, m
}

// Get returns the session for handle and marks it as used.
func (r *Registry) Get(handle string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[handle]
	if ok {
		r.lastUsed[handle] = r.now()
	}
	return m, ok
}

// Close clears and forgets the session. It reports whether handle was known.
func (r *Registry) Close(handle string) bool {
	r.mu.Lock()
	m, ok := r.sessions[handle]
	delete(r.sessions, handle)
	delete(r.lastUsed, handle)
	n := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	m.Close()
	observability.SetSessionsActive(n)
	return true
}

// CloseAll releases every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Manager)
	r.lastUsed = make(map[string]time.Time)
	r.mu.Unlock()

	for _, m := range sessions {
		m.Close()
	}
	observability.SetSessionsActive(0)
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep releases sessions not used for longer than idle and returns their
// handles. Sessions for which inUse reports true are kept and marked used.
func (r *Registry) Sweep(idle time.Duration, inUse func(handle string) bool) []string {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var candidates []string
	for handle, at := range r.lastUsed {
		if at.Before(cutoff) {
			candidates = append(candidates, handle)
		}
	}
	r.mu.Unlock()

	// inUse runs without the registry lock
	var expired []string
	var keep []string
	for _, handle := range candidates {
		if inUse != nil && inUse(handle) {
			keep = append(keep, handle)
			continue
		}
		expired = append(expired, handle)
	}

	var released []*Manager
	var handles []string
	r.mu.Lock()
	now := r.now()
	for _, handle := range keep {
		if _, ok := r.sessions[handle]; ok {
			r.lastUsed[handle] = now
		}
	}
	for _, handle := range expired {
		m, ok := r.sessions[handle]
		// looked up again since the scan
		if !ok || !r.lastUsed[handle].Before(cutoff) {
			continue
		}
		delete(r.sessions, handle)
		delete(r.lastUsed, handle)
		released = append(released, m)
		handles = append(handles, handle)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	for _, m := range released {
		m.Close()
	}
	if len(handles) > 0 {
		observability.SetSessionsActive(n)
	}
	return handles
}

// RunSweeper calls Sweep every interval until ctx is done. onRelease runs for
// each released handle.
func (r *Registry) RunSweeper(ctx context.Context, interval, idle time.Duration, inUse func(handle string) bool, onRelease func(handle string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, handle := range r.Sweep(idle, inUse) {
				log.Printf("negotiation: released idle session %s", handle)
				if onRelease != nil {
					onRelease(handle)
				}
			}
		}
	}
}
