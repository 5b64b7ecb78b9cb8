package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/loykin/fleetmon/internal/service"
)

// ErrNotFound is returned for lookups of ids that are not registered.
var ErrNotFound = errors.New("service not found")

// ChangeType describes what happened to a registry entry.
type ChangeType string

const (
	ChangeRegistered   ChangeType = "registered"
	ChangeDeregistered ChangeType = "deregistered"
	ChangeHealth       ChangeType = "health"
	ChangeSample       ChangeType = "sample"
	ChangeRunState     ChangeType = "run_state"
)

// Change is delivered to OnChange listeners after a mutation has been applied.
type Change struct {
	Type     ChangeType       `json:"type"`
	ID       string           `json:"id"`
	Snapshot service.Snapshot `json:"snapshot"`
}

// Registry owns every managed service record.
// The map lock only guards membership; each entry has its own lock so that
// probe and sample writers for different services never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	hooksMu sync.RWMutex
	hooks   []func(Change)
}

type entry struct {
	mu      sync.Mutex
	svc     service.Service
	health  service.HealthRecord
	perf    service.Performance
	removed bool
}

func (e *entry) snapshotLocked() service.Snapshot {
	svc := e.svc
	svc.Labels = cloneLabels(svc.Labels)
	return service.Snapshot{
		Service:     svc,
		Health:      e.health.Clone(),
		Performance: e.perf.Clone(),
	}
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// OnChange adds a listener invoked synchronously after every applied mutation.
// Listeners must not call back into mutating registry methods.
func (r *Registry) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) emit(c Change) {
	r.hooksMu.RLock()
	hooks := slices.Clone(r.hooks)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
}

// Register adds a service. Re-registering an existing id replaces its identity
// fields and keeps the accumulated health and performance state.
func (r *Registry) Register(spec service.Spec) (service.Snapshot, error) {
	if err := spec.Validate(); err != nil {
		return service.Snapshot{}, fmt.Errorf("register: %w", err)
	}
	r.mu.Lock()
	e := r.entries[spec.ID]
	if e == nil {
		e = &entry{
			svc:    service.New(spec),
			health: service.NewHealthRecord(),
			perf:   service.NewPerformance(),
		}
		r.entries[spec.ID] = e
		r.mu.Unlock()
		e.mu.Lock()
		snap := e.snapshotLocked()
		e.mu.Unlock()
		r.emit(Change{Type: ChangeRegistered, ID: spec.ID, Snapshot: snap})
		return snap, nil
	}
	r.mu.Unlock()

	e.mu.Lock()
	fresh := service.New(spec)
	e.svc.Spec = fresh.Spec
	snap := e.snapshotLocked()
	e.mu.Unlock()
	r.emit(Change{Type: ChangeRegistered, ID: spec.ID, Snapshot: snap})
	return snap, nil
}

// Deregister removes a service. Unknown ids are a no-op; the return value reports
// whether anything was removed.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	e := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.removed = true
	snap := e.snapshotLocked()
	e.mu.Unlock()
	r.emit(Change{Type: ChangeDeregistered, ID: id, Snapshot: snap})
	return true
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	e := r.entries[id]
	r.mu.RUnlock()
	return e
}

// Get returns a snapshot of one service.
func (r *Registry) Get(id string) (service.Snapshot, bool) {
	e := r.lookup(id)
	if e == nil {
		return service.Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return service.Snapshot{}, false
	}
	return e.snapshotLocked(), true
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns snapshots of all services ordered by id.
func (r *Registry) List() []service.Snapshot {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()
	out := make([]service.Snapshot, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// UpdateHealth applies fn to the service and its health record as one atomic step.
// It returns false, without calling fn, when the service is not registered.
func (r *Registry) UpdateHealth(id string, fn func(*service.Service, *service.HealthRecord)) (service.Snapshot, bool) {
	e := r.lookup(id)
	if e == nil {
		return service.Snapshot{}, false
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return service.Snapshot{}, false
	}
	fn(&e.svc, &e.health)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	r.emit(Change{Type: ChangeHealth, ID: id, Snapshot: snap})
	return snap, true
}

// UpdateSample appends s to the service's performance windows.
func (r *Registry) UpdateSample(id string, s service.Sample) (service.Snapshot, bool) {
	e := r.lookup(id)
	if e == nil {
		return service.Snapshot{}, false
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return service.Snapshot{}, false
	}
	e.perf.Append(s)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	r.emit(Change{Type: ChangeSample, ID: id, Snapshot: snap})
	return snap, true
}

// SetRunState records the supervisor-reported run state. Listeners are only
// notified when the state actually changes.
func (r *Registry) SetRunState(id string, st service.RunState) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	changed := e.svc.RunState != st
	e.svc.RunState = st
	snap := e.snapshotLocked()
	e.mu.Unlock()
	if changed {
		r.emit(Change{Type: ChangeRunState, ID: id, Snapshot: snap})
	}
	return true
}

func cloneLabels(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
