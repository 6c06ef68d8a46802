package gate

import (
	"sync"
	"time"

	"github.com/MrWong99/kizuki/pkg/label"
)

// Entry is one accepted detection held in [RecentDetections].
type Entry struct {
	LabelID    string         `json:"label_id"`
	Confidence float64        `json:"confidence"`
	Evidence   label.Evidence `json:"evidence"`
	At         time.Time      `json:"at"`
}

// RecentDetections is a bounded, time-windowed record of detections that
// passed the confidence floors. Entries older than the window are dropped on
// every access and the oldest entry is dropped when the buffer overflows.
//
// All methods are safe for concurrent use.
type RecentDetections struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	window   time.Duration
}

// NewRecentDetections creates a buffer holding at most capacity entries no
// older than window.
func NewRecentDetections(capacity int, window time.Duration) *RecentDetections {
	capacity = max(capacity, 1)
	return &RecentDetections{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		window:   window,
	}
}

// Record compacts the buffer relative to e.At and appends e.
func (r *RecentDetections) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.compact(e.At)
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		r.shrink(len(r.entries) - r.capacity)
	}
}

// Hits returns how many retained entries carry labelID as of now.
func (r *RecentDetections) Hits(labelID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.compact(now)
	n := 0
	for _, e := range r.entries {
		if e.LabelID == labelID {
			n++
		}
	}
	return n
}

// Entries compacts the buffer relative to now and returns a copy of the
// remaining entries, oldest first.
func (r *RecentDetections) Entries(now time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.compact(now)
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries retained at the last compaction.
func (r *RecentDetections) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset drops all entries.
func (r *RecentDetections) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make([]Entry, 0, r.capacity)
}

// compact drops entries older than the window. Must be called with r.mu held.
func (r *RecentDetections) compact(now time.Time) {
	cutoff := now.Add(-r.window)
	start := 0
	for start < len(r.entries) && r.entries[start].At.Before(cutoff) {
		start++
	}
	if start > 0 {
		r.shrink(start)
	}
}

// shrink drops the n oldest entries, copying the survivors to a fresh
// backing array. Must be called with r.mu held.
func (r *RecentDetections) shrink(n int) {
	fresh := make([]Entry, len(r.entries)-n, r.capacity+1)
	copy(fresh, r.entries[n:])
	r.entries = fresh
}
