// Package policy maintains the operator-controlled revoked-tool set with an
// in-memory audit trail and synchronous change fan-out.
package policy

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Audit actions.
const (
	ActionRevoked  = "revoked"
	ActionRestored = "restored"
)

// AuditEntry records one policy mutation. The trail is operator-facing only;
// it never drives client behavior.
type AuditEntry struct {
	ToolID string    `json:"toolId"`
	Action string    `json:"action"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// Change describes one mutation delivered to subscribers: the ids that
// actually changed state plus the full snapshot after the change.
type Change struct {
	Action   string
	Changed  []string
	Snapshot []string
}

// Subscriber receives policy changes synchronously. Callbacks must return
// quickly and must not issue RPCs.
type Subscriber func(Change)

// Registry is the thread-safe revoked-tool set.
type Registry struct {
	logger *slog.Logger

	mu          sync.Mutex
	revoked     map[string]struct{}
	audit       []AuditEntry
	subscribers map[int]Subscriber
	nextSub     int
}

// NewRegistry creates an empty policy registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger.With("component", "tool_policy"),
		revoked:     make(map[string]struct{}),
		subscribers: make(map[int]Subscriber),
	}
}

// Revoke adds each id not already revoked, appends audit entries, and
// notifies subscribers with the updated snapshot. Returns the ids that
// actually changed state.
func (r *Registry) Revoke(ids []string, reason, actor string) []string {
	return r.mutate(ids, reason, actor, ActionRevoked)
}

// Restore removes each currently revoked id, appends audit entries, and
// notifies subscribers. Returns the ids that actually changed state.
func (r *Registry) Restore(ids []string, reason, actor string) []string {
	return r.mutate(ids, reason, actor, ActionRestored)
}

// Clear restores every revoked id with a synthetic audit entry.
func (r *Registry) Clear(actor string) []string {
	r.mu.Lock()
	all := make([]string, 0, len(r.revoked))
	for id := range r.revoked {
		all = append(all, id)
	}
	r.mu.Unlock()

	sort.Strings(all)
	return r.Restore(all, "policy cleared", actor)
}

func (r *Registry) mutate(ids []string, reason, actor, action string) []string {
	now := time.Now()

	r.mu.Lock()
	var changed []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, present := r.revoked[id]
		if action == ActionRevoked {
			if present {
				continue
			}
			r.revoked[id] = struct{}{}
		} else {
			if !present {
				continue
			}
			delete(r.revoked, id)
		}
		changed = append(changed, id)
		r.audit = append(r.audit, AuditEntry{
			ToolID: id,
			Action: action,
			Reason: reason,
			Actor:  actor,
			At:     now,
		})
	}

	var change Change
	var subs []Subscriber
	if len(changed) > 0 {
		change = Change{Action: action, Changed: changed, Snapshot: r.snapshotLocked()}
		subs = make([]Subscriber, 0, len(r.subscribers))
		for _, s := range r.subscribers {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()

	if len(changed) > 0 {
		r.logger.Info("tool policy updated",
			"action", action,
			"tools", changed,
			"actor", actor,
			"reason", reason)
		for _, s := range subs {
			s(change)
		}
	}
	return changed
}

// IsRevoked reports whether id is currently revoked.
func (r *Registry) IsRevoked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[id]
	return ok
}

// Snapshot returns the sorted revoked set.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []string {
	out := make([]string, 0, len(r.revoked))
	for id := range r.revoked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Audit returns a copy of the audit trail, oldest first.
func (r *Registry) Audit() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEntry(nil), r.audit...)
}

// Subscribe registers a subscriber, delivers an immediate snapshot, and
// returns an unsubscribe func.
func (r *Registry) Subscribe(s Subscriber) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = s
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	s(Change{Action: "snapshot", Snapshot: snapshot})

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}
