package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/MrWong99/kizuki/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name: "missing providers",
			yaml: `
labels:
  dir: ./labels
`,
			wantErr: []string{"providers.stt.name is required", "providers.classifier.name is required"},
		},
		{
			name: "chat classifier without llm",
			yaml: `
providers:
  stt: {name: openai}
  classifier: {name: realtime}
  classifier_fallback:
    - name: chat
labels:
  dir: ./labels
`,
			wantErr: []string{"chat classifier requires providers.llm"},
		},
		{
			name: "llm fallback without primary",
			yaml: `
providers:
  stt: {name: openai}
  classifier: {name: realtime}
  llm_fallback:
    - name: ollama
labels:
  dir: ./labels
`,
			wantErr: []string{"llm_fallback is set but providers.llm is not"},
		},
		{
			name: "unnamed fallback",
			yaml: `
providers:
  stt: {name: openai}
  stt_fallback:
    - model: base
  classifier: {name: realtime}
labels:
  dir: ./labels
`,
			wantErr: []string{"providers.stt_fallback[0].name is required"},
		},
		{
			name: "invalid log level and half tls",
			yaml: `
server:
  log_level: verbose
  tls:
    cert_file: cert.pem
providers:
  stt: {name: openai}
  classifier: {name: realtime}
labels:
  dir: ./labels
`,
			wantErr: []string{"server.log_level", "server.tls requires both"},
		},
		{
			name: "store requirements",
			yaml: `
providers:
  stt: {name: openai}
  classifier: {name: realtime}
labels:
  store: postgres
`,
			wantErr: []string{"labels.postgres_dsn is required"},
		},
		{
			name: "unknown store",
			yaml: `
providers:
  stt: {name: openai}
  classifier: {name: realtime}
labels:
  store: redis
`,
			wantErr: []string{`labels.store "redis" is invalid`},
		},
		{
			name: "inline sets invalid",
			yaml: `
providers:
  stt: {name: openai}
  classifier: {name: realtime}
labels:
  store: inline
  sets:
    - labels:
        - id: a
          display_name: A
          category: continuous
          hint_kind: generated
    - mode_id: m
      labels:
        - id: a
          display_name: A
          category: sometimes
          hint_kind: generated
    - mode_id: n
      labels: []
    - mode_id: n
      labels: []
`,
			wantErr: []string{"labels.sets[0].mode_id is required", "labels.sets[1]", "category", `labels.sets[3].mode_id "n" is a duplicate`},
		},
		{
			name: "gating out of range",
			yaml: `
providers:
  stt: {name: openai}
  classifier: {name: realtime}
labels:
  dir: ./labels
gating:
  vad:
    speech_threshold_db: -50
  chunk:
    min_voiced_ratio: 1.5
  confirm:
    min_confidence: 0.9
    high_confidence: 0.8
    multi_hit_count: 4
    capacity: 2
  hallucination_patterns:
    - "("
`,
			wantErr: []string{
				"gating.vad",
				"gating.chunk.min_voiced_ratio",
				"gating.confirm: need",
				"gating.confirm.capacity 2 is smaller than multi_hit_count 4",
				"gating.hallucination_patterns",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should contain %q, got:\n%v", want, err)
				}
			}
		})
	}
}

func TestValidate_FileStoreWithChat(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
providers:
  stt: {name: whisper, base_url: "http://localhost:8081"}
  classifier: {name: chat}
  llm: {name: openai, model: gpt-4o-mini}
labels:
  dir: ./labels
`)
	if cfg.Labels.Store != config.LabelStoreFile {
		t.Errorf("store = %q, want file", cfg.Labels.Store)
	}
}

func TestValidateGating(t *testing.T) {
	t.Parallel()
	g := config.DefaultGating()
	if err := config.ValidateGating("start.gating", g, 24000); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	g.Confirm.MinConfidence = 2
	err := config.ValidateGating("start.gating", g, 24000)
	if err == nil || !strings.Contains(err.Error(), "start.gating.confirm") {
		t.Errorf("err = %v, want start.gating.confirm error", err)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "kizuki.yaml")
	writeFile(t, path, minimalYAML)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.Name != "openai" {
		t.Errorf("stt = %q", cfg.Providers.STT.Name)
	}

	if _, err := config.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(bad); err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("err = %v, want parse error naming the file", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load(example.yaml): %v", err)
	}
	if cfg.Labels.Store != config.LabelStoreFile || cfg.Providers.Classifier.Name != "realtime" {
		t.Errorf("unexpected example config: %+v", cfg)
	}
	if want := withPatterns(config.DefaultGating(), cfg.Gating.HallucinationPatterns); !reflect.DeepEqual(cfg.Gating, want) {
		t.Errorf("example gating drifted from the defaults:\n got %+v\nwant %+v", cfg.Gating, config.DefaultGating())
	}
}

func withPatterns(g config.Gating, p []string) config.Gating {
	g.HallucinationPatterns = p
	return g
}
