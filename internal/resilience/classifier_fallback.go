package resilience

import (
	"context"

	"github.com/MrWong99/kizuki/pkg/provider/classifier"
)

// ClassifierFallback implements [classifier.Provider]. Failover happens when
// a session opens its classifier: if the preferred backend cannot be opened
// (for example the realtime endpoint is unreachable), the next one is used
// for the whole session.
type ClassifierFallback struct {
	group *FallbackGroup[classifier.Provider]
}

var _ classifier.Provider = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a [ClassifierFallback] with primary as the
// preferred backend.
func NewClassifierFallback(primary classifier.Provider, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional classifier backend.
func (f *ClassifierFallback) AddFallback(name string, p classifier.Provider) {
	f.group.AddFallback(name, p)
}

// Open opens a classifier on the first healthy backend.
func (f *ClassifierFallback) Open(ctx context.Context, cfg classifier.Config) (classifier.Classifier, error) {
	return ExecuteWithResult(f.group, func(p classifier.Provider) (classifier.Classifier, error) {
		return p.Open(ctx, cfg)
	})
}

// Healthy reports whether at least one backend's breaker is not open.
func (f *ClassifierFallback) Healthy() bool { return f.group.Healthy() }
