// Package openai provides a transcriber backed by the OpenAI audio
// transcriptions endpoint.
//
// Segments are uploaded as WAV files. The default model is
// gpt-4o-mini-transcribe with language "ja".
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/kizuki/pkg/audio"
	"github.com/MrWong99/kizuki/pkg/provider/stt"
)

const (
	// DefaultModel is used when New is called with an empty model.
	DefaultModel = "gpt-4o-mini-transcribe"

	defaultLanguage = "ja"
)

var _ stt.Transcriber = (*Transcriber)(nil)

type config struct {
	baseURL string
	timeout time.Duration
	opts    stt.Options
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithLanguage overrides the recognition language. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(c *config) { c.opts.Language = lang }
}

// WithPrompt sets a vocabulary prompt sent with every request.
func WithPrompt(prompt string) Option {
	return func(c *config) { c.opts.Prompt = prompt }
}

// Transcriber implements stt.Transcriber using the OpenAI API.
type Transcriber struct {
	client oai.Client
	model  string
	opts   stt.Options
}

// New constructs a Transcriber. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{opts: stt.Options{Language: defaultLanguage}}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Transcriber{
		client: oai.NewClient(reqOpts...),
		model:  model,
		opts:   cfg.opts,
	}, nil
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, seg audio.Segment) (string, error) {
	if len(seg.PCM) == 0 {
		return "", errors.New("openai: empty segment")
	}
	wav := audio.EncodeWAV(seg.PCM, seg.SampleRate, 1)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(t.model),
	}
	if t.opts.Language != "" {
		params.Language = param.NewOpt(t.opts.Language)
	}
	if t.opts.Prompt != "" {
		params.Prompt = param.NewOpt(t.opts.Prompt)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
