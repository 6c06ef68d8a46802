// Command kizuki is the main entry point for the kizuki detection server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kizuki/internal/app"
	"github.com/MrWong99/kizuki/internal/config"
	"github.com/MrWong99/kizuki/internal/detect"
	"github.com/MrWong99/kizuki/internal/health"
	"github.com/MrWong99/kizuki/internal/observe"
	"github.com/MrWong99/kizuki/internal/resilience"
	"github.com/MrWong99/kizuki/internal/server"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
	"github.com/MrWong99/kizuki/pkg/provider/classifier/chat"
	"github.com/MrWong99/kizuki/pkg/provider/classifier/realtime"
	"github.com/MrWong99/kizuki/pkg/provider/llm"
	"github.com/MrWong99/kizuki/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/kizuki/pkg/provider/llm/openai"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
	oaistt "github.com/MrWong99/kizuki/pkg/provider/stt/openai"
	"github.com/MrWong99/kizuki/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(&level))

	// ── Load configuration ────────────────────────────────────────────────────
	// The reload callback needs the application, which is built below from
	// the first loaded config.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		if application == nil {
			return
		}
		d := application.ApplyConfig(context.Background(), old, updated)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kizuki: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kizuki: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("kizuki starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "kizuki",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	built, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err = app.New(ctx, cfg, built.providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := server.New(application, server.WithCheckers(built.checkers...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the chat backends served through any-llm-go. All of them
// take an optional API key and base URL.
var anyllmBackends = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native client, which supports JSON mode for the chat
	// classifier.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oaistt.WithPrompt(prompt))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Classifier ────────────────────────────────────────────────────────────

	reg.RegisterClassifier("realtime", func(entry config.ProviderEntry, _ llm.Provider) (classifier.Provider, error) {
		var opts []realtime.Option
		if entry.Model != "" {
			opts = append(opts, realtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, realtime.WithBaseURL(entry.BaseURL))
		}
		return realtime.New(entry.APIKey, opts...)
	})

	reg.RegisterClassifier("chat", func(_ config.ProviderEntry, model llm.Provider) (classifier.Provider, error) {
		if model == nil {
			return nil, errors.New("chat classifier needs providers.llm")
		}
		return chat.New(model), nil
	})

	for _, kind := range []string{"stt", "classifier", "llm"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// builtProviders is the result of [buildProviders].
type builtProviders struct {
	providers *app.Providers

	// checkers report the breaker health of every collaborator chain.
	checkers []health.Checker
}

// buildProviders instantiates all providers named in cfg using the registry.
// Each collaborator slot is wrapped in a fallback chain with one circuit
// breaker per backend, even when no fallback is configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*builtProviders, error) {
	pc := cfg.Providers
	fc := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  pc.Breaker.MaxFailures,
		ResetTimeout: pc.Breaker.ResetTimeout,
		HalfOpenMax:  pc.Breaker.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "backend", name, "from", from, "to", to)
		},
	}}

	out := &builtProviders{providers: &app.Providers{}}
	names := detect.ProviderNames{STT: pc.STT.Name, Classifier: pc.Classifier.Name}

	// ── LLM (optional, built first: the chat classifier uses it) ─────────────
	var model llm.Provider
	if !pc.LLM.IsZero() {
		primary, err := reg.CreateLLM(pc.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", pc.LLM.Name, err)
		}
		chain := resilience.NewLLMFallback(primary, "llm/"+pc.LLM.Name, fc)
		for i, e := range pc.LLMFallback {
			p, err := reg.CreateLLM(e)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %d %q: %w", i, e.Name, err)
			}
			chain.AddFallback("llm/"+e.Name, p)
		}
		model = chain
		names.LLM = pc.LLM.Name
		out.providers.LLM = chain
		out.checkers = append(out.checkers, health.Collaborator("llm", chain))
		slog.Info("provider created", "kind", "llm", "name", pc.LLM.Name, "fallbacks", len(pc.LLMFallback))
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	primarySTT, err := reg.CreateTranscriber(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", pc.STT.Name, err)
	}
	sttChain := resilience.NewTranscriberFallback(primarySTT, "stt/"+pc.STT.Name, fc)
	for i, e := range pc.STTFallback {
		t, err := reg.CreateTranscriber(e)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %d %q: %w", i, e.Name, err)
		}
		sttChain.AddFallback("stt/"+e.Name, t)
	}
	out.providers.Transcriber = sttChain
	out.checkers = append(out.checkers, health.Collaborator("stt", sttChain))
	slog.Info("provider created", "kind", "stt", "name", pc.STT.Name, "fallbacks", len(pc.STTFallback))

	// ── Classifier ────────────────────────────────────────────────────────────
	primaryCls, err := reg.CreateClassifier(pc.Classifier, model)
	if err != nil {
		return nil, fmt.Errorf("create classifier provider %q: %w", pc.Classifier.Name, err)
	}
	clsChain := resilience.NewClassifierFallback(primaryCls, "classifier/"+pc.Classifier.Name, fc)
	for i, e := range pc.ClassifierFallback {
		c, err := reg.CreateClassifier(e, model)
		if err != nil {
			return nil, fmt.Errorf("create classifier fallback %d %q: %w", i, e.Name, err)
		}
		clsChain.AddFallback("classifier/"+e.Name, c)
	}
	out.providers.Classifier = clsChain
	out.checkers = append(out.checkers, health.Collaborator("classifier", clsChain))
	slog.Info("provider created", "kind", "classifier", "name", pc.Classifier.Name, "fallbacks", len(pc.ClassifierFallback))

	out.providers.Names = names
	return out, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        kizuki startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Classifier", cfg.Providers.Classifier.Name, cfg.Providers.Classifier.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  Label store     : %-19s ║\n", cfg.Labels.Store)
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Audio.SampleRate)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger on stderr whose level follows lvl, so a
// config reload can change verbosity without rebuilding handlers.
func newLogger(lvl *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration reads a duration such as "30s" from provider Options. Invalid
// values are logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
