// Package app wires the kizuki subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the label store and
// prepares the session manager, Run watches label documents until the
// context ends, and Shutdown closes every live session and the store.
//
// For testing, inject doubles via functional options (WithLabelStore,
// WithMetrics, ...). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/kizuki/internal/config"
	"github.com/MrWong99/kizuki/internal/detect"
	"github.com/MrWong99/kizuki/internal/hint"
	"github.com/MrWong99/kizuki/internal/labelstore"
	"github.com/MrWong99/kizuki/internal/labelstore/file"
	"github.com/MrWong99/kizuki/internal/labelstore/postgres"
	"github.com/MrWong99/kizuki/internal/observe"
	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
	"github.com/MrWong99/kizuki/pkg/provider/llm"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
	"github.com/MrWong99/kizuki/pkg/provider/vad"
)

// Providers holds one collaborator per slot. LLM may be nil, in which case
// generated hints fall back to their fixed text. Populated by main.go via the
// config registry.
type Providers struct {
	Transcriber stt.Transcriber
	Classifier  classifier.Provider
	LLM         llm.Provider

	// VAD is optional; the level engine is used when nil.
	VAD vad.Engine

	// Names labels collaborator metrics.
	Names detect.ProviderNames
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	log       *slog.Logger

	labels   labelstore.Store
	watcher  labelWatcher
	memory   *labelstore.Memory
	pinger   pinger
	metrics  *observe.Metrics
	sched    hint.Scheduler
	sessions *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// labelWatcher is implemented by stores that notice document edits.
type labelWatcher interface {
	Watch(ctx context.Context, onChange func(*label.Set)) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLabelStore injects a label store instead of opening one from config.
func WithLabelStore(s labelstore.Store) Option {
	return func(a *App) { a.labels = s }
}

// WithMetrics sets the metrics instance handed to every session.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithScheduler sets the hint confirm scheduler of every session.
func WithScheduler(s hint.Scheduler) Option {
	return func(a *App) { a.sched = s }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. The providers struct comes from main.go (populated via
// the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transcriber == nil || providers.Classifier == nil {
		return nil, fmt.Errorf("app: transcriber and classifier providers are required")
	}
	a := &App{
		providers: providers,
		log:       slog.Default(),
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.labels == nil {
		if err := a.initLabels(ctx, cfg.Labels); err != nil {
			return nil, err
		}
	}

	a.sessions = newSessionManager(a)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLabels opens the configured label store.
func (a *App) initLabels(ctx context.Context, lc config.LabelsConfig) error {
	switch lc.Store {
	case config.LabelStoreFile:
		s, err := file.New(lc.Dir, file.WithInterval(lc.PollInterval))
		if err != nil {
			return fmt.Errorf("app: open label directory: %w", err)
		}
		a.labels = s
		a.watcher = s

	case config.LabelStorePostgres:
		s, err := postgres.Connect(ctx, lc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: connect label database: %w", err)
		}
		a.labels = s
		a.pinger = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })

	case config.LabelStoreInline:
		sets := make([]*label.Set, len(lc.Sets))
		for i := range lc.Sets {
			sets[i] = &lc.Sets[i]
		}
		m, err := labelstore.NewMemory(sets...)
		if err != nil {
			return fmt.Errorf("app: inline label sets: %w", err)
		}
		a.labels = m
		a.memory = m

	default:
		return fmt.Errorf("app: unknown label store %q", lc.Store)
	}
	a.log.Info("label store ready", "kind", lc.Store)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the current configuration.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Labels returns the label store.
func (a *App) Labels() labelstore.Store { return a.labels }

// Providers returns the collaborators.
func (a *App) Providers() *Providers { return a.providers }

// Pinger returns the database connection behind the label store, or nil
// when the store is not database-backed.
func (a *App) Pinger() interface{ Ping(context.Context) error } {
	if a.pinger == nil {
		return nil
	}
	return a.pinger
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run watches the label store for document edits until ctx is cancelled.
// Edited label sets replace the labels of live sessions in that mode.
func (a *App) Run(ctx context.Context) error {
	if a.watcher == nil {
		<-ctx.Done()
		return nil
	}
	return a.watcher.Watch(ctx, func(set *label.Set) {
		a.onLabelsChanged(ctx, set)
	})
}

func (a *App) onLabelsChanged(ctx context.Context, set *label.Set) {
	n := a.sessions.ReplaceMode(ctx, set)
	a.log.Info("label set updated", "mode", set.ModeID, "sessions", n)
}

// ApplyConfig takes over a reloaded configuration. Gating and hint settings
// apply to sessions started afterwards; edited inline label sets replace the
// labels of live sessions at once.
func (a *App) ApplyConfig(ctx context.Context, old, updated *config.Config) config.ConfigDiff {
	d := config.Diff(old, updated)
	a.cfg.Store(updated)

	if d.RestartRequired {
		a.log.Warn("configuration change needs a restart to take effect")
	}
	if d.GatingChanged || d.HintsChanged {
		a.log.Info("gating updated for new sessions")
	}
	if a.memory == nil || len(d.ModesChanged) == 0 {
		return d
	}

	byMode := make(map[string]*label.Set, len(updated.Labels.Sets))
	for i := range updated.Labels.Sets {
		byMode[updated.Labels.Sets[i].ModeID] = &updated.Labels.Sets[i]
	}
	for _, mode := range d.ModesChanged {
		set, ok := byMode[mode]
		if !ok {
			a.memory.Delete(mode)
			a.log.Info("label set removed", "mode", mode)
			continue
		}
		if err := a.memory.Put(set); err != nil {
			a.log.Warn("inline label set rejected", "mode", mode, "err", err)
			continue
		}
		a.onLabelsChanged(ctx, set.Clone())
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every session, then the subsystems in init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))

		a.sessions.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
