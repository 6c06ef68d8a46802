package status

import (
	"testing"
	"time"

	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/pkg/label"
)

var (
	t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	hearing = label.Definition{ID: "hearing", DisplayName: "ヒアリング", Category: label.Continuous}
	closing = label.Definition{ID: "closing", DisplayName: "クロージング", Category: label.Continuous}
	price   = label.Definition{ID: "price", DisplayName: "価格の質問", Category: label.Momentary}
)

func fixedNow() time.Time { return t0 }

func TestTracksStartUnset(t *testing.T) {
	t.Parallel()

	r := NewReconciler(nil, fixedNow)
	s := r.Snapshot()
	if s.Continuous != nil || s.Momentary != nil {
		t.Fatalf("fresh snapshot has tracks: %+v", s)
	}
	if r.Current() != nil {
		t.Error("Current() != nil before first confirmation")
	}
	if s.Recent == nil {
		t.Error("Recent must be an empty slice, not nil")
	}
}

func TestTracksAreIndependent(t *testing.T) {
	t.Parallel()

	r := NewReconciler(nil, fixedNow)
	r.Apply(hearing, t0)
	r.Apply(price, t0.Add(time.Second))

	s := r.Snapshot()
	if s.Continuous == nil || s.Continuous.LabelID != "hearing" {
		t.Fatalf("continuous = %+v, want hearing", s.Continuous)
	}
	if s.Momentary == nil || s.Momentary.LabelID != "price" {
		t.Fatalf("momentary = %+v, want price", s.Momentary)
	}

	r.Apply(closing, t0.Add(2*time.Second))
	s = r.Snapshot()
	if s.Continuous.LabelID != "closing" || !s.Continuous.ChangedAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("continuous = %+v, want closing at +2s", s.Continuous)
	}
	if s.Momentary.LabelID != "price" {
		t.Errorf("momentary changed by continuous confirmation: %+v", s.Momentary)
	}
}

func TestVersionAndReset(t *testing.T) {
	t.Parallel()

	r := NewReconciler(nil, fixedNow)
	r.Apply(hearing, t0)
	r.Record(label.Detection{LabelID: "hearing", Confidence: 0.9, Evidence: label.EvidenceExplicit, ObservedAt: t0})
	if v := r.Version(); v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
	if rec := r.Snapshot().Labels["hearing"]; rec.Confidence != 0.9 {
		t.Errorf("label record = %+v", rec)
	}

	r.Reset()
	first := r.Snapshot()
	r.Reset()
	second := r.Snapshot()
	if first.Version != second.Version {
		t.Errorf("second reset bumped version: %d -> %d", first.Version, second.Version)
	}
	if second.Continuous != nil || second.Momentary != nil || len(second.Labels) != 0 {
		t.Errorf("snapshot after reset = %+v", second)
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	r := NewReconciler(nil, fixedNow)
	ch, cancel := r.Subscribe()

	r.Apply(hearing, t0)
	r.Apply(closing, t0.Add(time.Second))

	select {
	case s := <-ch:
		if s.Continuous == nil || s.Continuous.LabelID != "closing" {
			t.Fatalf("latest snapshot = %+v, want closing", s.Continuous)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	r.Apply(price, t0)
}

func TestSnapshotIncludesRecent(t *testing.T) {
	t.Parallel()

	recent := gate.NewRecentDetections(10, 1500*time.Millisecond)
	recent.Record(gate.Entry{LabelID: "price", Confidence: 0.8, Evidence: label.EvidenceImplicit, At: t0.Add(-time.Minute)})
	recent.Record(gate.Entry{LabelID: "hearing", Confidence: 0.8, Evidence: label.EvidenceImplicit, At: t0})

	r := NewReconciler(recent, fixedNow)
	s := r.Snapshot()
	if len(s.Recent) != 1 || s.Recent[0].LabelID != "hearing" {
		t.Fatalf("recent = %+v, want only hearing", s.Recent)
	}
}
