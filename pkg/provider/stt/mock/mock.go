// Package mock provides a test double for the stt.Transcriber interface.
//
// Example:
//
//	tr := &mock.Transcriber{Texts: []string{"見積もりはいくらですか"}}
//	text, _ := tr.Transcribe(ctx, seg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx     context.Context
	Segment audio.Segment
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Texts is consumed one entry per call. Once exhausted, Default is
	// returned.
	Texts []string

	// Default is returned when Texts is empty.
	Default string

	// Err, if non-nil, is returned by every call.
	Err error

	// Block, if non-nil, makes Transcribe wait until Block is closed or ctx is
	// cancelled.
	Block chan struct{}

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted text.
func (m *Transcriber) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, TranscribeCall{Ctx: ctx, Segment: seg})
	block := m.Block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Texts) > 0 {
		t := m.Texts[0]
		m.Texts = m.Texts[1:]
		return t, nil
	}
	return m.Default, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Segments returns a copy of every segment received so far.
func (m *Transcriber) Segments() []audio.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audio.Segment, len(m.Calls))
	for i, c := range m.Calls {
		out[i] = c.Segment
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
