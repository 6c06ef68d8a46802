package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/kizuki/internal/gate"
	"github.com/MrWong99/kizuki/internal/hintgen"
	"github.com/MrWong99/kizuki/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultLogLevel   = LogInfo
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"openai", "whisper"},
	"classifier": {"realtime", "chat"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults replaces zero values in cfg with the stock settings.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Labels.Store == "" {
		cfg.Labels.Store = LabelStoreFile
	}
	if cfg.Hints.HistoryLines == 0 {
		cfg.Hints.HistoryLines = hintgen.DefaultHistoryLines
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = audio.DefaultFrameSamples
	}
	cfg.Gating.ApplyDefaults()
}

// ApplyDefaults replaces zero thresholds in g with [DefaultGating].
func (g *Gating) ApplyDefaults() {
	d := DefaultGating()

	orDefault(&g.VAD.SpeechThresholdDB, d.VAD.SpeechThresholdDB)
	orDefault(&g.VAD.SilenceThresholdDB, d.VAD.SilenceThresholdDB)
	orDefault(&g.VAD.MinSpeech, d.VAD.MinSpeech)
	orDefault(&g.VAD.MinSilence, d.VAD.MinSilence)
	orDefault(&g.VAD.MaxSegment, d.VAD.MaxSegment)

	orDefault(&g.Chunk.MinDuration, d.Chunk.MinDuration)
	orDefault(&g.Chunk.MinVoicedRatio, d.Chunk.MinVoicedRatio)
	orDefault(&g.Chunk.MinLevelDB, d.Chunk.MinLevelDB)

	orDefault(&g.Transcript.MinScore, d.Transcript.MinScore)
	orDefault(&g.Transcript.MinRunes, d.Transcript.MinRunes)
	orDefault(&g.Transcript.StockSimilarity, d.Transcript.StockSimilarity)
	orDefault(&g.Transcript.MaxPunctuationRatio, d.Transcript.MaxPunctuationRatio)

	orDefault(&g.Confirm.MinConfidence, d.Confirm.MinConfidence)
	orDefault(&g.Confirm.HighConfidence, d.Confirm.HighConfidence)
	orDefault(&g.Confirm.Window, d.Confirm.Window)
	orDefault(&g.Confirm.MultiHitCount, d.Confirm.MultiHitCount)
	orDefault(&g.Confirm.Capacity, d.Confirm.Capacity)

	orDefault(&g.Hint.Debounce, d.Hint.Debounce)
	orDefault(&g.Hint.ConfirmDelay, d.Hint.ConfirmDelay)

	orDefault(&g.MinTranscriptRunes, d.MinTranscriptRunes)
}

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	p := cfg.Providers
	if p.STT.IsZero() {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if p.Classifier.IsZero() {
		errs = append(errs, errors.New("providers.classifier.name is required"))
	}
	validateProviderName("stt", p.STT.Name)
	validateProviderName("classifier", p.Classifier.Name)
	validateProviderName("llm", p.LLM.Name)
	for i, e := range p.STTFallback {
		errs = append(errs, validateFallback(fmt.Sprintf("providers.stt_fallback[%d]", i), "stt", e)...)
	}
	for i, e := range p.ClassifierFallback {
		errs = append(errs, validateFallback(fmt.Sprintf("providers.classifier_fallback[%d]", i), "classifier", e)...)
	}
	for i, e := range p.LLMFallback {
		errs = append(errs, validateFallback(fmt.Sprintf("providers.llm_fallback[%d]", i), "llm", e)...)
	}
	if p.LLM.IsZero() {
		if usesChat(p) {
			errs = append(errs, errors.New("providers: the chat classifier requires providers.llm"))
		}
		if len(p.LLMFallback) > 0 {
			errs = append(errs, errors.New("providers.llm_fallback is set but providers.llm is not"))
		}
		slog.Warn("no LLM provider configured; generated hints fall back to their fixed text")
	}

	// Gating
	errs = append(errs, validateGating("gating", cfg.Gating, cfg.Audio.SampleRate)...)

	// Labels
	switch cfg.Labels.Store {
	case LabelStoreFile:
		if cfg.Labels.Dir == "" {
			errs = append(errs, errors.New("labels.dir is required when store is file"))
		}
	case LabelStorePostgres:
		if cfg.Labels.PostgresDSN == "" {
			errs = append(errs, errors.New("labels.postgres_dsn is required when store is postgres"))
		}
	case LabelStoreInline:
		if len(cfg.Labels.Sets) == 0 {
			errs = append(errs, errors.New("labels.sets must not be empty when store is inline"))
		}
	default:
		errs = append(errs, fmt.Errorf("labels.store %q is invalid; valid values: file, postgres, inline", cfg.Labels.Store))
	}
	modesSeen := make(map[string]int, len(cfg.Labels.Sets))
	for i := range cfg.Labels.Sets {
		set := &cfg.Labels.Sets[i]
		prefix := fmt.Sprintf("labels.sets[%d]", i)
		if set.ModeID == "" {
			errs = append(errs, fmt.Errorf("%s.mode_id is required", prefix))
			continue
		}
		if err := set.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}
		if prev, ok := modesSeen[set.ModeID]; ok {
			errs = append(errs, fmt.Errorf("%s.mode_id %q is a duplicate of labels.sets[%d]", prefix, set.ModeID, prev))
		}
		modesSeen[set.ModeID] = i
	}
	if cfg.Labels.PollInterval < 0 {
		errs = append(errs, errors.New("labels.poll_interval must not be negative"))
	}

	// Hints
	if cfg.Hints.HistoryLines < 0 {
		errs = append(errs, fmt.Errorf("hints.history_lines %d must not be negative", cfg.Hints.HistoryLines))
	}
	if cfg.Hints.HistorySize < 0 || cfg.Hints.HistoryAge < 0 {
		errs = append(errs, errors.New("hints.history_size and hints.history_age must not be negative"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}

	return errors.Join(errs...)
}

// ValidateGating checks a set of thresholds, for example one overridden by
// a session start command. Fields are reported under prefix.
func ValidateGating(prefix string, g Gating, sampleRate int) error {
	return errors.Join(validateGating(prefix, g, sampleRate)...)
}

func validateGating(prefix string, g Gating, sampleRate int) []error {
	var errs []error
	if sampleRate > 0 {
		if err := g.VAD.Config(sampleRate).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.vad: %w", prefix, err))
		}
	}
	if r := g.Chunk.MinVoicedRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("%s.chunk.min_voiced_ratio %.2f is out of range [0, 1]", prefix, r))
	}
	if s := g.Transcript.MinScore; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("%s.transcript.min_score %.2f is out of range [0, 1]", prefix, s))
	}
	c := g.Confirm
	if c.MinConfidence < 0 || c.HighConfidence > 1 || c.MinConfidence > c.HighConfidence {
		errs = append(errs, fmt.Errorf("%s.confirm: need 0 <= min_confidence (%.2f) <= high_confidence (%.2f) <= 1",
			prefix, c.MinConfidence, c.HighConfidence))
	}
	if c.MultiHitCount < 1 {
		errs = append(errs, fmt.Errorf("%s.confirm.multi_hit_count %d must be positive", prefix, c.MultiHitCount))
	}
	if c.Capacity < c.MultiHitCount {
		errs = append(errs, fmt.Errorf("%s.confirm.capacity %d is smaller than multi_hit_count %d", prefix, c.Capacity, c.MultiHitCount))
	}
	if g.Hint.Debounce < 0 || g.Hint.ConfirmDelay < 0 {
		errs = append(errs, fmt.Errorf("%s.hint timings must not be negative", prefix))
	}
	if _, err := gate.NewHallucinationFilter(g.MinTranscriptRunes, g.HallucinationPatterns...); err != nil {
		errs = append(errs, fmt.Errorf("%s.hallucination_patterns: %w", prefix, err))
	}
	return errs
}

func validateFallback(prefix, kind string, e ProviderEntry) []error {
	if e.IsZero() {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	validateProviderName(kind, e.Name)
	return nil
}

func usesChat(p ProvidersConfig) bool {
	if p.Classifier.Name == "chat" {
		return true
	}
	return slices.ContainsFunc(p.ClassifierFallback, func(e ProviderEntry) bool { return e.Name == "chat" })
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
