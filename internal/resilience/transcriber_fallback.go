package resilience

import (
	"context"

	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] with automatic failover
// across multiple transcription backends, each behind its own circuit breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcriber.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe sends seg to the first healthy backend.
func (f *TranscriberFallback) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	return ExecuteWithResult(f.group, func(t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, seg)
	})
}

// Healthy reports whether at least one backend's breaker is not open.
func (f *TranscriberFallback) Healthy() bool { return f.group.Healthy() }

// States returns the breaker state of every backend.
func (f *TranscriberFallback) States() []EntryState { return f.group.States() }
