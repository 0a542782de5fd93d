// Package cache provides the delivered-event ledger used to deduplicate
// resource-update fan-out.
package cache

import (
	"sync"
	"time"
)

// Ledger records the last delivery time per (server, resource) pair. Entries
// expire after the configured window and the ledger is bounded: when full,
// the oldest entries are evicted first (LRU).
type Ledger struct {
	mu      sync.Mutex
	entries map[string]int64 // key -> unix millis of last delivery
	window  time.Duration
	maxSize int
}

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	// Window is the dedupe window; deliveries within it are duplicates.
	Window time.Duration
	// MaxSize bounds the number of tracked keys.
	MaxSize int
}

// NewLedger creates a delivered-event ledger.
func NewLedger(opts LedgerOptions) *Ledger {
	window := opts.Window
	if window < 0 {
		window = 0
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Ledger{
		entries: make(map[string]int64),
		window:  window,
		maxSize: maxSize,
	}
}

// Key builds the ledger key for a server/resource pair.
func Key(serverID, uri string) string {
	if uri == "" {
		return ""
	}
	if serverID == "" {
		return uri
	}
	return serverID + "|" + uri
}

// Recent reports whether the key was delivered within the window. It does
// not record a delivery.
func (l *Ledger) Recent(key string) bool {
	return l.RecentAt(key, time.Now())
}

// RecentAt is Recent with an explicit clock, for tests.
func (l *Ledger) RecentAt(key string, now time.Time) bool {
	if key == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.entries[key]
	if !ok {
		return false
	}
	if l.window <= 0 {
		return true
	}
	return now.UnixMilli()-last < l.window.Milliseconds()
}

// Record marks the key as delivered now.
func (l *Ledger) Record(key string) {
	l.RecordAt(key, time.Now())
}

// RecordAt is Record with an explicit clock, for tests.
func (l *Ledger) RecordAt(key string, now time.Time) {
	if key == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = now.UnixMilli()
	l.prune(now.UnixMilli())
}

// prune drops expired entries, then evicts oldest-first down to maxSize.
func (l *Ledger) prune(nowMillis int64) {
	if l.window > 0 {
		cutoff := nowMillis - l.window.Milliseconds()
		for key, ts := range l.entries {
			if ts < cutoff {
				delete(l.entries, key)
			}
		}
	}

	for len(l.entries) > l.maxSize {
		var oldestKey string
		oldestTS := int64(^uint64(0) >> 1)
		for k, ts := range l.entries {
			if ts < oldestTS {
				oldestTS = ts
				oldestKey = k
			}
		}
		if oldestKey == "" {
			break
		}
		delete(l.entries, oldestKey)
	}
}

// Clear drops all entries.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]int64)
}

// Size returns the number of tracked keys.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
