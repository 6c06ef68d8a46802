package gate

import (
	"time"

	"github.com/MrWong99/kizuki/pkg/label"
)

// Path is the confirmation route Gate C assigns to a detection.
type Path int

const (
	// PathRejected means the detection failed a hard floor and must cause no
	// state change.
	PathRejected Path = iota

	// PathImmediate is a single strong, explicit detection.
	PathImmediate

	// PathMultiHit is a detection corroborated by earlier hits on the same
	// label within the window.
	PathMultiHit

	// PathProvisional is an isolated passing detection that waits for the
	// confirm timer.
	PathProvisional
)

// String returns the metric label for p.
func (p Path) String() string {
	switch p {
	case PathRejected:
		return "rejected"
	case PathImmediate:
		return "immediate"
	case PathMultiHit:
		return "multi_hit"
	case PathProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// ConfirmsNow reports whether the path confirms without waiting.
func (p Path) ConfirmsNow() bool { return p == PathImmediate || p == PathMultiHit }

// Gate C rejection reasons.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonWeakEvidence  = "weak_evidence"
)

// ConfirmPolicy holds the Gate C thresholds.
type ConfirmPolicy struct {
	MinConfidence  float64
	HighConfidence float64

	// Window is how long a hit counts towards multi-hit corroboration.
	Window time.Duration

	// MultiHitCount is the number of hits, including the current one, that
	// confirms a label below HighConfidence.
	MultiHitCount int

	// Capacity bounds the ring buffer.
	Capacity int
}

// DefaultConfirmPolicy returns the stock Gate C thresholds.
func DefaultConfirmPolicy() ConfirmPolicy {
	return ConfirmPolicy{
		MinConfidence:  0.75,
		HighConfidence: 0.85,
		Window:         1500 * time.Millisecond,
		MultiHitCount:  2,
		Capacity:       10,
	}
}

// Decision is the outcome of [Confirmer.Evaluate].
type Decision struct {
	Path Path

	// Hits is the number of same-label hits in the window, including this one.
	// It is zero for rejected detections.
	Hits int

	// Reason is set for rejected detections.
	Reason string
}

// Confirmer implements Gate C over a per-session ring buffer.
type Confirmer struct {
	policy ConfirmPolicy
	recent *RecentDetections
}

// NewConfirmer returns a Confirmer with an empty ring buffer.
func NewConfirmer(policy ConfirmPolicy) *Confirmer {
	return &Confirmer{
		policy: policy,
		recent: NewRecentDetections(policy.Capacity, policy.Window),
	}
}

// Evaluate applies the hard floors to d, records it and picks a path.
// Rejected detections leave the ring buffer untouched.
func (c *Confirmer) Evaluate(d label.Detection) Decision {
	evidence := d.Evidence
	if evidence == "" {
		evidence = label.EvidenceWeak
	}
	if d.Confidence < c.policy.MinConfidence {
		return Decision{Path: PathRejected, Reason: ReasonLowConfidence}
	}
	if evidence == label.EvidenceWeak {
		return Decision{Path: PathRejected, Reason: ReasonWeakEvidence}
	}

	c.recent.Record(Entry{
		LabelID:    d.LabelID,
		Confidence: d.Confidence,
		Evidence:   evidence,
		At:         d.ObservedAt,
	})
	hits := c.recent.Hits(d.LabelID, d.ObservedAt)

	switch {
	case d.Confidence >= c.policy.HighConfidence && evidence == label.EvidenceExplicit:
		return Decision{Path: PathImmediate, Hits: hits}
	case hits >= c.policy.MultiHitCount:
		return Decision{Path: PathMultiHit, Hits: hits}
	default:
		return Decision{Path: PathProvisional, Hits: hits}
	}
}

// Recent exposes the ring buffer for status snapshots.
func (c *Confirmer) Recent() *RecentDetections { return c.recent }

// Reset empties the ring buffer.
func (c *Confirmer) Reset() { c.recent.Reset() }
