// Package registry maps client identifiers to their live connection handles.
// Pure bookkeeping: no policy, last-write-wins per id.
package registry

import (
	"sync"

	"github.com/pscheid92/babelcast/internal/domain"
)

type Registry struct {
	mu      sync.RWMutex
	senders map[string]domain.Sender
}

func New() *Registry {
	return &Registry{senders: make(map[string]domain.Sender)}
}

// Register associates id with sender, replacing any previous handle.
func (r *Registry) Register(id string, sender domain.Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[id] = sender
}

// Lookup returns the handle for id, or (nil, false) if absent.
func (r *Registry) Lookup(id string) (domain.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.senders[id]
	return sender, ok
}

// Unregister removes the handle for id. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.senders, id)
}

// Snapshot returns a copy of the current id-to-handle mapping.
func (r *Registry) Snapshot() map[string]domain.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Sender, len(r.senders))
	for id, sender := range r.senders {
		out[id] = sender
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}
