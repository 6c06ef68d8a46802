// Package labelstore loads label-set snapshots by mode.
//
// Label sets are configuration, not state: every backend is read-only from
// the point of view of a running session. Authoring happens elsewhere.
package labelstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/kizuki/pkg/label"
)

// ErrModeNotFound is returned by [Store.Load] when no label set exists for a
// mode.
var ErrModeNotFound = errors.New("labelstore: mode not found")

// Store provides read access to label sets keyed by mode ID.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns a snapshot of the label set for modeID. The caller owns
	// the returned value. Returns an error wrapping [ErrModeNotFound] if the
	// mode does not exist.
	Load(ctx context.Context, modeID string) (*label.Set, error)

	// Modes returns the known mode IDs in ascending order.
	Modes(ctx context.Context) ([]string, error)
}

// Memory is an in-memory [Store]. It is used in tests and for label sets
// supplied inline in the configuration file.
type Memory struct {
	mu   sync.RWMutex
	sets map[string]*label.Set
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store seeded with sets. Sets are validated and
// cloned.
func NewMemory(sets ...*label.Set) (*Memory, error) {
	m := &Memory{sets: make(map[string]*label.Set, len(sets))}
	for _, s := range sets {
		if err := m.Put(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put validates set and stores a copy of it under its mode ID.
func (m *Memory) Put(set *label.Set) error {
	if set == nil || set.ModeID == "" {
		return errors.New("labelstore: mode id is required")
	}
	if err := set.Validate(); err != nil {
		return fmt.Errorf("labelstore: mode %q: %w", set.ModeID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[set.ModeID] = set.Clone()
	return nil
}

// Delete drops modeID. Deleting an unknown mode is a no-op.
func (m *Memory) Delete(modeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, modeID)
}

// Load implements [Store].
func (m *Memory) Load(_ context.Context, modeID string) (*label.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sets[modeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModeNotFound, modeID)
	}
	return s.Clone(), nil
}

// Modes implements [Store].
func (m *Memory) Modes(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets))
	for id := range m.sets {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
