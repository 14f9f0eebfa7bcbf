package provider

import "sync"

// Registry tracks live provider sessions by id so the coordinator can push
// commands to the provider currently serving a device.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the live session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len reports the number of connected providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Release asks the provider session to release the device on its side.
// Reports whether the command was queued; false means the session is gone
// or its send buffer is stuck.
func (r *Registry) Release(sourceID, udid string) bool {
	s := r.Get(sourceID)
	if s == nil {
		return false
	}
	return s.sendCommand(command{Command: "release", UDID: udid})
}
