// Package replay implements the per-transaction replay window: a bounded
// FIFO of accepted envelopes keyed by seq, evicted by age and by count, and
// served back on REPLAY_REQUEST.
package replay

import (
	"sync"
	"time"

	"github.com/haipio/haip/pkg/protocol"
)

// Defaults for the eviction bounds.
const (
	DefaultMaxAge   = 5 * time.Minute
	DefaultMaxCount = 1000
)

// entry pairs a stored envelope with its insertion time. Eviction uses the
// local receive clock, not the producer's ts field.
type entry struct {
	seq      uint64
	env      *protocol.Envelope
	storedAt time.Time
}

// Window is a bounded ordered history of envelopes for one transaction.
// Entries are evicted when older than the age bound or when the count bound
// is exceeded, oldest first. All methods are safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	maxAge   time.Duration
	maxCount int
	entries  []entry // ascending seq order
	now      func() time.Time
}

// NewWindow creates a Window with the given bounds. Non-positive values fall
// back to the defaults.
func NewWindow(maxAge time.Duration, maxCount int) *Window {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &Window{maxAge: maxAge, maxCount: maxCount, now: time.Now}
}

// Insert stores env under seq and evicts expired or excess entries.
// Envelopes are stored in arrival order; seq gaps are permitted.
func (w *Window) Insert(seq uint64, env *protocol.Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry{seq: seq, env: env, storedAt: w.now()})
	w.evictLocked()
}

// Range returns the stored envelopes with seq in [from, to] in ascending
// order. A to of zero means unbounded. When the earliest surviving entry is
// newer than from, the requested range predates the window and REPLAY_TOO_OLD
// is returned.
func (w *Window) Range(from, to uint64) ([]*protocol.Envelope, *protocol.Error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked()

	if len(w.entries) == 0 || w.entries[0].seq > from {
		return nil, protocol.Errorf(protocol.CodeReplayTooOld,
			"replay from seq %d is no longer in the window", from)
	}

	var out []*protocol.Envelope
	for _, e := range w.entries {
		if e.seq < from {
			continue
		}
		if to > 0 && e.seq > to {
			break
		}
		out = append(out, e.env)
	}
	return out, nil
}

// Len returns the number of surviving entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked()
	return len(w.entries)
}

// evictLocked drops entries older than maxAge, then trims from the front
// until the count bound holds. Caller holds w.mu.
func (w *Window) evictLocked() {
	cutoff := w.now().Add(-w.maxAge)
	firstLive := 0
	for firstLive < len(w.entries) && w.entries[firstLive].storedAt.Before(cutoff) {
		firstLive++
	}
	if excess := len(w.entries) - firstLive - w.maxCount; excess > 0 {
		firstLive += excess
	}
	if firstLive > 0 {
		w.entries = append([]entry(nil), w.entries[firstLive:]...)
	}
}
