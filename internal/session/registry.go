package session

import (
	"log"
	"sync"
)

// Registry is the single authoritative mapping from session id to
// TerminalSession. One instance per server process, injected where
// needed. It also tracks ids that are mid-handshake so reconnect storms
// cannot exhaust PTYs.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*TerminalSession
	connecting map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*TerminalSession),
		connecting: make(map[string]struct{}),
	}
}

// BeginConnecting marks a session id as mid-handshake. It returns false
// if a handshake for the id is already in flight.
func (r *Registry) BeginConnecting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connecting[id]; ok {
		return false
	}
	r.connecting[id] = struct{}{}
	return true
}

// EndConnecting clears the handshake guard. Must run on every handshake
// exit path, success or failure.
func (r *Registry) EndConnecting(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connecting, id)
}

// Add registers a session. At most one TerminalSession may exist per id.
func (r *Registry) Add(s *TerminalSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return false
	}
	r.sessions[s.ID] = s
	return true
}

func (r *Registry) Get(id string) *TerminalSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Cleanup is the only path that removes a session entry. It is idempotent
// and safe to call concurrently from overlapping exit, close, and error
// triggers: the guard entry is cleared unconditionally, and a second call
// for an already-removed id is a no-op.
func (r *Registry) Cleanup(id string) {
	r.mu.Lock()
	delete(r.connecting, id)
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.cancelResize()
	log.Printf("[session-registry] cleaned up session %s (tmux=%s)", id, s.TmuxName)
}

// CloseAll kills every PTY wrapper and clears the registry. Used on
// shutdown; tmux sessions are left running for later reattachment.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*TerminalSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		if proc := s.Process(); proc != nil {
			proc.Kill()
		}
		r.Cleanup(s.ID)
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
