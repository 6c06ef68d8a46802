// Package status maintains the current continuous and momentary labels of a
// session and notifies subscribers when they change.
package status

import (
	"sync"
	"time"

	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/pkg/label"
)

// Track is the current label of one category.
type Track struct {
	LabelID     string    `json:"label_id"`
	DisplayName string    `json:"display_name"`
	ChangedAt   time.Time `json:"changed_at"`
}

// LabelRecord is the last accepted detection of a single label.
type LabelRecord struct {
	DetectedAt time.Time      `json:"detected_at"`
	Confidence float64        `json:"confidence"`
	Evidence   label.Evidence `json:"evidence"`
	Expression string         `json:"expression,omitempty"`
}

// Snapshot is an immutable view of the session status.
type Snapshot struct {
	Version    uint64                 `json:"version"`
	Continuous *Track                 `json:"continuous,omitempty"`
	Momentary  *Track                 `json:"momentary,omitempty"`
	Recent     []gate.Entry           `json:"recent"`
	Labels     map[string]LabelRecord `json:"labels,omitempty"`
}

// Reconciler owns the session status. Each category has its own track: a
// momentary confirmation never touches the continuous track. Both tracks
// start unset.
//
// All methods are safe for concurrent use.
type Reconciler struct {
	mu         sync.Mutex
	version    uint64
	continuous *Track
	momentary  *Track
	labels     map[string]LabelRecord
	recent     *gate.RecentDetections
	now        func() time.Time
	subs       map[chan Snapshot]struct{}
}

// NewReconciler returns a Reconciler that reports recent as the ring buffer
// contents of its snapshots. recent may be nil.
func NewReconciler(recent *gate.RecentDetections, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		labels: make(map[string]LabelRecord),
		recent: recent,
		now:    now,
		subs:   make(map[chan Snapshot]struct{}),
	}
}

// Apply moves the track of def's category to def.
func (r *Reconciler) Apply(def label.Definition, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Track{LabelID: def.ID, DisplayName: def.DisplayName, ChangedAt: at}
	switch def.Category {
	case label.Continuous:
		r.continuous = t
	case label.Momentary:
		r.momentary = t
	default:
		return
	}
	r.changed()
}

// Record stores d as the latest detection of its label.
func (r *Reconciler) Record(d label.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.labels[d.LabelID] = LabelRecord{
		DetectedAt: d.ObservedAt,
		Confidence: d.Confidence,
		Evidence:   d.Evidence,
		Expression: d.Expression,
	}
	r.changed()
}

// Current returns the continuous track, or nil before the first
// continuous confirmation.
func (r *Reconciler) Current() *Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.continuous == nil {
		return nil
	}
	t := *r.continuous
	return &t
}

// Reset clears both tracks and all label records. Resetting an already
// empty reconciler does not bump the version.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.continuous == nil && r.momentary == nil && len(r.labels) == 0 {
		return
	}
	r.continuous, r.momentary = nil, nil
	clear(r.labels)
	r.changed()
}

// Version returns the change counter.
func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Snapshot returns the current status.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Subscribe returns a channel that receives a snapshot after every change,
// and a cancel function that closes it. Slow subscribers miss intermediate
// snapshots; the buffered value is always replaced by the latest one.
func (r *Reconciler) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// changed bumps the version and notifies subscribers. Must be called with
// r.mu held.
func (r *Reconciler) changed() {
	r.version++
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshot()
	for ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// snapshot builds a deep copy. Must be called with r.mu held.
func (r *Reconciler) snapshot() Snapshot {
	s := Snapshot{Version: r.version, Recent: []gate.Entry{}}
	if r.continuous != nil {
		t := *r.continuous
		s.Continuous = &t
	}
	if r.momentary != nil {
		t := *r.momentary
		s.Momentary = &t
	}
	if r.recent != nil {
		s.Recent = r.recent.Entries(r.now())
	}
	if len(r.labels) > 0 {
		s.Labels = make(map[string]LabelRecord, len(r.labels))
		for k, v := range r.labels {
			s.Labels[k] = v
		}
	}
	return s
}
