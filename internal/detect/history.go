package detect

import (
	"sync"
	"time"
)

// Utterance is a single accepted transcript.
type Utterance struct {
	Text string
	At   time.Time
}

// History keeps the recent transcripts of a session. Hint generation and
// the chat classifier read it as conversation context.
//
// The history enforces both a maximum entry count and a maximum age. Entries
// that exceed either limit are evicted on every [History.Add] call.
//
// All methods are safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []Utterance
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

// NewHistory creates a history that retains at most maxSize entries no
// older than maxAge. A nil now selects [time.Now].
func NewHistory(maxSize int, maxAge time.Duration, now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{
		entries: make([]Utterance, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     now,
	}
}

// Add appends text and evicts entries over the size or age limit.
func (h *History) Add(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, Utterance{Text: text, At: h.now()})
	h.evict()
}

// Texts returns the transcripts within the age window, oldest first.
func (h *History) Texts() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := h.now().Add(-h.maxAge)
	out := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		if e.At.Before(cutoff) {
			continue
		}
		out = append(out, e.Text)
	}
	return out
}

// Entries returns all entries in chronological order.
func (h *History) Entries() []Utterance {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Utterance, len(h.entries))
	copy(out, h.entries)
	return out
}

// Reset drops every entry.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make([]Utterance, 0, h.maxSize)
}

// evict removes entries that are too old or exceed maxSize. Must be called
// with h.mu held.
//
// Surviving entries are copied to a fresh backing array so evicted
// transcripts can be garbage collected.
func (h *History) evict() {
	cutoff := h.now().Add(-h.maxAge)

	start := 0
	for start < len(h.entries) && h.entries[start].At.Before(cutoff) {
		start++
	}

	keep := h.entries[start:]
	if len(keep) > h.maxSize {
		keep = keep[len(keep)-h.maxSize:]
	}

	if start > 0 || len(keep) < len(h.entries) {
		fresh := make([]Utterance, len(keep), h.maxSize)
		copy(fresh, keep)
		h.entries = fresh
	}
}
