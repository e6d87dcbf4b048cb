// Package session owns the per-tenant WhatsApp connection lifecycle:
// pairing, reconnection, phone claiming and teardown.
package session

import (
	"sort"
	"sync"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

// Timer kinds held by a record.
const (
	timerQRExpiry  = "qr-expiry"
	timerReconnect = "reconnect"
)

// record is one tenant's connection. Fields are guarded by the registry
// lock; the manager's per-tenant mutex serializes writers.
type record struct {
	tenantID string
	snap     Snapshot
	handle   transport.Handle
	gen      uint64
	timers   map[string]Task
	// changed is closed and replaced on every snapshot change.
	changed chan struct{}
}

// Registry maps tenants to their live connection state. Only the
// Manager mutates it.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

func (r *Registry) getOrCreate(tenantID string) *record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tenantID]
	if !ok {
		rec = &record{
			tenantID: tenantID,
			snap:     Snapshot{State: model.StateIdle},
			timers:   make(map[string]Task),
			changed:  make(chan struct{}),
		}
		r.records[tenantID] = rec
	}
	return rec
}

// Snapshot returns the tenant's current lifecycle snapshot.
func (r *Registry) Snapshot(tenantID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[tenantID]
	if !ok {
		return Snapshot{State: model.StateIdle}, false
	}
	return rec.snap, true
}

// Handle returns the tenant's handle while it is connected.
func (r *Registry) Handle(tenantID string) (transport.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[tenantID]
	if !ok || rec.handle == nil || rec.snap.State != model.StateConnected {
		return nil, false
	}
	return rec.handle, true
}

// Tenants lists tenants with a record, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CountConnected counts tenants in the CONNECTED state.
func (r *Registry) CountConnected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.snap.State == model.StateConnected {
			n++
		}
	}
	return n
}

func (r *Registry) setSnapshot(rec *record, s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.snap = s
	close(rec.changed)
	rec.changed = make(chan struct{})
}

func (r *Registry) watch(rec *record) (Snapshot, <-chan struct{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rec.snap, rec.changed
}

func (r *Registry) generation(rec *record) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rec.gen
}

// install makes h the record's handle under a new generation.
func (r *Registry) install(rec *record, h transport.Handle) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.gen++
	rec.handle = h
	return rec.gen
}

// detach removes and returns the handle, bumping the generation so events
// still in flight from it are ignored.
func (r *Registry) detach(rec *record) transport.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := rec.handle
	rec.handle = nil
	rec.gen++
	return h
}

func (r *Registry) currentHandle(rec *record) transport.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return rec.handle
}

func (r *Registry) setTimer(rec *record, kind string, t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := rec.timers[kind]; ok {
		old.Stop()
	}
	rec.timers[kind] = t
}

func (r *Registry) cancelTimers(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, t := range rec.timers {
		t.Stop()
		delete(rec.timers, kind)
	}
}

func (r *Registry) timerCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[tenantID]
	if !ok {
		return 0
	}
	return len(rec.timers)
}
