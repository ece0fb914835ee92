package process

import (
	"fmt"
	"sync"
)

// Registry maps a session to the handle that owns its engine process. Single
// owner discipline: attaching over a live entry fails, and components other
// than the turn orchestrator must not hold a reference to the registry.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

func (r *Registry) Attach(sessionID string, handle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[sessionID]; exists {
		return fmt.Errorf("session %s already owns a process handle", sessionID)
	}
	r.handles[sessionID] = handle
	return nil
}

func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, sessionID)
}

func (r *Registry) Get(sessionID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[sessionID]
	return handle, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
