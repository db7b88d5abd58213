// Package surface implements the concurrent implied-volatility aggregation engine.
package surface

import (
	"strconv"
	"sync"

	"github.com/coachpo/volsurface/errs"
	"github.com/coachpo/volsurface/internal/domain/schema"
)

// Registry maps request identifiers to the option legs they subscribe to.
// Assignments are write-once; lookups never block on writers for longer than a map access.
type Registry struct {
	mu    sync.RWMutex
	byID  map[schema.RequestID]schema.ContractKey
	byKey map[schema.ContractKey]schema.RequestID
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:    sync.RWMutex{},
		byID:  make(map[schema.RequestID]schema.ContractKey),
		byKey: make(map[schema.ContractKey]schema.RequestID),
	}
}

// Assign records key under id. Reusing an id fails with CodeDuplicateAssignment and leaves the first key intact.
func (r *Registry) Assign(id schema.RequestID, key schema.ContractKey) error {
	if id.Reserved() {
		return errs.New("surface/registry", errs.CodeInvalid,
			errs.WithMessage("reserved request id cannot map to an option leg"),
			errs.WithField("request_id", strconv.Itoa(int(id))))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		return errs.New("surface/registry", errs.CodeDuplicateAssignment,
			errs.WithMessage("request id already assigned"),
			errs.WithField("request_id", strconv.Itoa(int(id))),
			errs.WithField("existing", existing.String()),
			errs.WithField("attempted", key.String()))
	}
	r.byID[id] = key
	if _, ok := r.byKey[key]; !ok {
		r.byKey[key] = id
	}
	return nil
}

// Lookup returns the key assigned to id.
func (r *Registry) Lookup(id schema.RequestID) (schema.ContractKey, bool) {
	r.mu.RLock()
	key, ok := r.byID[id]
	r.mu.RUnlock()
	return key, ok
}

// IDFor returns the first request identifier assigned to key.
func (r *Registry) IDFor(key schema.ContractKey) (schema.RequestID, bool) {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	return id, ok
}

// Len reports the number of assigned identifiers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Entries returns a copy of every assignment.
func (r *Registry) Entries() map[schema.RequestID]schema.ContractKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[schema.RequestID]schema.ContractKey, len(r.byID))
	for id, key := range r.byID {
		out[id] = key
	}
	return out
}
