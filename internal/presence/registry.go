package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry maps user IDs to their single live Handle.
type Registry struct {
	handles map[string]*Handle
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
	}
}

// Register stores h for userID and returns the handle it replaced, if any.
func (r *Registry) Register(userID string, h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.handles[userID]
	r.handles[userID] = h
	return previous
}

func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handles, userID)
}

// Release removes userID only while it still points at h, so a stale
// connection closing after a reconnect leaves the newer handle in place.
func (r *Registry) Release(userID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.handles[userID]; ok && current == h {
		delete(r.handles, userID)
		return true
	}
	return false
}

func (r *Registry) Lookup(userID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[userID]
	return h, ok
}

// Snapshot returns the online user IDs in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := lo.Keys(r.handles)
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.handles)
}

// Close closes every registered handle and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
