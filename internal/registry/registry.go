// Package registry implements the Client Registry (spec.md §4.2): the
// process-wide map from instanceId to its adapter, plus the identity
// triplet (instanceId, type, displayName) downstream code can log.
// Modeled on the teacher's AISBackendProvider registry-of-remotes pattern
// (ais/backend/ais.go: a mutex-guarded map, explicit register/unregister,
// no module-level global — the registry is constructed once and passed
// around by reference per spec.md §9).
package registry

import (
	"sync"

	"github.com/got3nks/amule-web-controller-sub002/internal/adapter"
	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/clientid"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

type entry struct {
	adapter     adapter.Adapter
	clientType  model.ClientType
	displayName string
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

type RegisterOpts struct {
	DisplayName string
}

// Register validates the instanceId and type, then attaches the identity
// triplet. Fails with apperr.Config(AlreadyRegistered) on a duplicate id,
// apperr.Config(UnknownType) otherwise.
func (r *Registry) Register(instanceID string, typ model.ClientType, a adapter.Adapter, opts RegisterOpts) error {
	if err := clientid.Validate(instanceID); err != nil {
		return err
	}
	if !captab.IsKnown(typ) {
		return apperr.New(apperr.Config, "unknown client type %q", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[instanceID]; exists {
		return apperr.New(apperr.Config, "instance %q already registered", instanceID)
	}
	r.entries[instanceID] = &entry{adapter: a, clientType: typ, displayName: opts.DisplayName}
	return nil
}

func (r *Registry) Unregister(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, instanceID)
}

func (r *Registry) Get(instanceID string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[instanceID]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

func (r *Registry) DisplayName(instanceID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[instanceID]; ok {
		return e.displayName
	}
	return ""
}

func (r *Registry) GetByType(typ model.ClientType) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Adapter, 0)
	for _, e := range r.entries {
		if e.clientType == typ {
			out = append(out, e.adapter)
		}
	}
	return out
}

func (r *Registry) GetConnected() []adapter.Adapter {
	return r.filter(func(a adapter.Adapter) bool { return a.IsConnected() })
}

func (r *Registry) GetEnabled() []adapter.Adapter {
	return r.filter(func(a adapter.Adapter) bool { return a.IsEnabled() })
}

func (r *Registry) GetAll() []adapter.Adapter {
	return r.filter(func(adapter.Adapter) bool { return true })
}

func (r *Registry) filter(pred func(adapter.Adapter) bool) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(r.entries))
	for _, e := range r.entries {
		if pred(e.adapter) {
			out = append(out, e.adapter)
		}
	}
	return out
}

func (r *Registry) Has(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[instanceID]
	return ok
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = map[string]*entry{}
}

// ConnectedWithCapability returns every connected adapter whose type has
// the given capability flag set, e.g. captab.Features.Categories — the
// fan-out target for category propagation (spec.md §4.3).
func (r *Registry) ConnectedWithCapability(has func(captab.Features) bool) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Adapter, 0)
	for _, e := range r.entries {
		if !e.adapter.IsConnected() {
			continue
		}
		meta, ok := captab.Get(e.clientType)
		if !ok || !has(meta.Features) {
			continue
		}
		out = append(out, e.adapter)
	}
	return out
}
