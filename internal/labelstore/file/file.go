// Package file implements a label store backed by a directory of YAML
// documents, one per mode.
//
// A document looks like:
//
//	mode_id: sales
//	labels:
//	  - id: price
//	    display_name: 価格提示
//	    category: continuous
//	    hint_kind: fixed
//	    fixed_hint: 根拠を添えて提示する
//	    enabled: true
//
// mode_id defaults to the file name without extension. The directory is
// polled for changes; see [Store.Watch].
package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/kizuki/internal/labelstore"
	"github.com/MrWong99/kizuki/pkg/label"
)

// DefaultInterval is the default polling interval of [Store.Watch].
const DefaultInterval = 5 * time.Second

type document struct {
	path  string
	mtime time.Time
	hash  [sha256.Size]byte
	set   *label.Set
}

// Store is a [labelstore.Store] reading *.yaml and *.yml files from a
// directory.
type Store struct {
	dir      string
	interval time.Duration

	mu   sync.RWMutex
	docs map[string]*document // keyed by file path
	sets map[string]*label.Set
}

var _ labelstore.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithInterval sets the polling interval used by [Store.Watch].
func WithInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New loads every document in dir. Invalid documents fail the initial load.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		interval: DefaultInterval,
		docs:     make(map[string]*document),
		sets:     make(map[string]*label.Set),
	}
	for _, o := range opts {
		o(s)
	}
	paths, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		doc, err := readDocument(p)
		if err != nil {
			return nil, err
		}
		if prev, dup := s.sets[doc.set.ModeID]; dup {
			return nil, fmt.Errorf("labelstore/file: mode %q defined twice (%s)", prev.ModeID, p)
		}
		s.docs[p] = doc
		s.sets[doc.set.ModeID] = doc.set
	}
	return s, nil
}

// Load implements [labelstore.Store].
func (s *Store) Load(_ context.Context, modeID string) (*label.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[modeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", labelstore.ErrModeNotFound, modeID)
	}
	return set.Clone(), nil
}

// Modes implements [labelstore.Store].
func (s *Store) Modes(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sets))
	for id := range s.sets {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// Watch polls the directory until ctx is cancelled and calls onChange with
// every label set whose document changed. A document that fails to parse or
// validate is logged and the previous snapshot stays in effect. Removed
// documents drop their mode but do not trigger onChange.
func (s *Store) Watch(ctx context.Context, onChange func(*label.Set)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, set := range s.Reload() {
				if onChange != nil {
					onChange(set.Clone())
				}
			}
		}
	}
}

// Reload rescans the directory once and returns the label sets that changed.
func (s *Store) Reload() []*label.Set {
	paths, err := s.list()
	if err != nil {
		slog.Warn("label store: cannot list directory", "dir", s.dir, "err", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(paths))
	var changed []*label.Set
	for _, p := range paths {
		seen[p] = true
		info, err := os.Stat(p)
		if err != nil {
			slog.Warn("label store: cannot stat file", "path", p, "err", err)
			continue
		}
		prev := s.docs[p]
		if prev != nil && info.ModTime().Equal(prev.mtime) {
			continue
		}
		doc, err := readDocument(p)
		if err != nil {
			slog.Warn("label store: keeping previous label set", "path", p, "err", err)
			continue
		}
		if prev != nil && doc.hash == prev.hash {
			prev.mtime = doc.mtime
			continue
		}
		if other, ok := s.sets[doc.set.ModeID]; ok && (prev == nil || prev.set.ModeID != doc.set.ModeID) {
			slog.Warn("label store: duplicate mode ignored", "path", p, "mode", other.ModeID)
			continue
		}
		if prev != nil && prev.set.ModeID != doc.set.ModeID {
			delete(s.sets, prev.set.ModeID)
		}
		s.docs[p] = doc
		s.sets[doc.set.ModeID] = doc.set
		changed = append(changed, doc.set)
		slog.Info("label store: label set reloaded", "path", p, "mode", doc.set.ModeID)
	}

	for p, doc := range s.docs {
		if seen[p] {
			continue
		}
		delete(s.docs, p)
		delete(s.sets, doc.set.ModeID)
		slog.Info("label store: label set removed", "path", p, "mode", doc.set.ModeID)
	}
	return changed
}

func (s *Store) list() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("labelstore/file: read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(s.dir, e.Name()))
		}
	}
	return out, nil
}

func readDocument(path string) (*document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("labelstore/file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("labelstore/file: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("labelstore/file: read %s: %w", path, err)
	}

	set, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("labelstore/file: %s: %w", path, err)
	}
	if set.ModeID == "" {
		set.ModeID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if set.UpdatedAt.IsZero() {
		set.UpdatedAt = info.ModTime()
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("labelstore/file: %s: %w", path, err)
	}
	return &document{path: path, mtime: info.ModTime(), hash: sha256.Sum256(data), set: set}, nil
}

func decode(data []byte) (*label.Set, error) {
	var set label.Set
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty document")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &set, nil
}
