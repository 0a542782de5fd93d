// Package registry is the in-memory record of each supervised server's
// lifecycle state. It is a pure state container: no I/O, no process control.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/voicebridge/mcpfleet/internal/config"
)

// Status is a server lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// ExitInfo records how a child process last exited.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// Record is the lifecycle state for one server id. A process handle is
// present iff the status is starting or running.
type Record struct {
	Def       config.ServerDef
	Status    Status
	Restarts  int
	LastExit  *ExitInfo
	StartedAt time.Time
	PID       int
	Proc      *Process
}

// Registry holds records keyed by server id, safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Ensure returns the record for the definition's id, creating it in the
// starting state if absent. The returned value is a snapshot.
func (r *Registry) Ensure(def config.ServerDef) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[def.ID]
	if !ok {
		rec = &Record{Def: def, Status: StatusStarting}
		r.records[def.ID] = rec
	} else {
		rec.Def = def
	}
	return *rec
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies a patch to the record for id under the registry lock.
// The patch must not block.
func (r *Registry) Update(id string, patch func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	patch(rec)

	// A handle outside starting/running violates the registry invariant.
	if rec.Status != StatusStarting && rec.Status != StatusRunning {
		rec.Proc = nil
	}
	return true
}

// IncrementRestarts bumps the restart counter and returns the new value.
func (r *Registry) IncrementRestarts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return 0
	}
	rec.Restarts++
	return rec.Restarts
}

// ResetRestarts zeroes the restart counter for id.
func (r *Registry) ResetRestarts(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.Restarts = 0
	}
}

// Remove drops the record for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// List returns snapshots of all records, ordered by server id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.ID < out[j].Def.ID })
	return out
}
