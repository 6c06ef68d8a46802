package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/kizuki/internal/config"
	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
	clsmock "github.com/MrWong99/kizuki/pkg/provider/classifier/mock"
	"github.com/MrWong99/kizuki/pkg/provider/llm"
	llmmock "github.com/MrWong99/kizuki/pkg/provider/llm/mock"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
	sttmock "github.com/MrWong99/kizuki/pkg/provider/stt/mock"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml + "\nlabels: {dir: ./labels}\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// fakeRegistry registers mocks under the built-in names. The primary
// transcriber always fails so fallback wiring is observable.
func fakeRegistry(gotModel *llm.Provider) (*config.Registry, *sttmock.Transcriber) {
	reg := config.NewRegistry()
	backup := &sttmock.Transcriber{Default: "バックアップ"}
	reg.RegisterTranscriber("openai", func(config.ProviderEntry) (stt.Transcriber, error) {
		return &sttmock.Transcriber{Err: errors.New("upstream down")}, nil
	})
	reg.RegisterTranscriber("whisper", func(config.ProviderEntry) (stt.Transcriber, error) {
		return backup, nil
	})
	reg.RegisterClassifier("realtime", func(config.ProviderEntry, llm.Provider) (classifier.Provider, error) {
		return &clsmock.Provider{}, nil
	})
	reg.RegisterClassifier("chat", func(_ config.ProviderEntry, model llm.Provider) (classifier.Provider, error) {
		*gotModel = model
		return &clsmock.Provider{}, nil
	})
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	return reg, backup
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	cfg := loadConfig(t, `
providers:
  stt: {name: openai}
  stt_fallback: [{name: whisper}]
  classifier: {name: chat}
  llm: {name: openai}
`)
	var model llm.Provider
	reg, backup := fakeRegistry(&model)

	built, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	p := built.providers
	if p.Transcriber == nil || p.Classifier == nil || p.LLM == nil {
		t.Fatalf("providers = %+v", p)
	}
	if model == nil || model != p.LLM {
		t.Error("chat classifier did not receive the llm chain")
	}
	if p.Names.STT != "openai" || p.Names.Classifier != "chat" || p.Names.LLM != "openai" {
		t.Errorf("Names = %+v", p.Names)
	}
	if len(built.checkers) != 3 {
		t.Errorf("checkers = %d, want 3", len(built.checkers))
	}

	text, err := p.Transcriber.Transcribe(context.Background(), audio.Segment{SampleRate: 24000})
	if err != nil || text != "バックアップ" {
		t.Errorf("Transcribe = %q, %v; want the fallback result", text, err)
	}
	if backup.CallCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", backup.CallCount())
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unregistered stt",
			yaml: "providers:\n  stt: {name: deepgram}\n  classifier: {name: realtime}\n",
			want: `stt provider "deepgram"`,
		},
		{
			name: "unregistered classifier fallback",
			yaml: "providers:\n  stt: {name: openai}\n  classifier: {name: realtime}\n  classifier_fallback: [{name: local}]\n",
			want: `classifier fallback 0 "local"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var model llm.Provider
			reg, _ := fakeRegistry(&model)
			_, err := buildProviders(loadConfig(t, tt.yaml), reg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %s", err, tt.want)
			}
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for kind, want := range config.ValidProviderNames {
		got := reg.Names(kind)
		if len(got) != len(want) {
			t.Errorf("Names(%q) = %v, want %v", kind, got, want)
		}
	}

	if _, err := reg.CreateClassifier(config.ProviderEntry{Name: "chat"}, nil); err == nil {
		t.Error("chat classifier without llm: expected error")
	}
	if _, err := reg.CreateTranscriber(config.ProviderEntry{Name: "openai"}); err == nil {
		t.Error("openai transcriber without api key: expected error")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"language": "ja", "timeout": "30s", "bad": "soon", "n": 3}

	if got := optString(opts, "language"); got != "ja" {
		t.Errorf("optString(language) = %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("optString(n) = %q, want empty", got)
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}
	if got := optDuration(opts, "timeout"); got != 30*time.Second {
		t.Errorf("optDuration(timeout) = %v", got)
	}
	if got := optDuration(opts, "bad"); got != 0 {
		t.Errorf("optDuration(bad) = %v, want 0", got)
	}
}
