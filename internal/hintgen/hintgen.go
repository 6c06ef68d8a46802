// Package hintgen produces short coaching hints for labels whose hint kind
// is "generated".
//
// A [Generator] asks an llm.Provider for a hint based on the detected label,
// the quoted expression and the last few lines of conversation. It never
// returns an empty string: when the model answers with nothing, or the call
// fails, a fixed fallback text is returned together with the error.
package hintgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/kizuki/pkg/provider/llm"
)

const (
	// DefaultPrompt is used when the configured generation prompt is empty.
	DefaultPrompt = "検出された内容に応じて、営業マンとして次にやるべきことの適切なヒントを、10文字以内で出して"

	// FallbackEmpty is returned when the model produced no text.
	FallbackEmpty = "ヒントを生成できませんでした"

	// FallbackError is returned when the completion failed.
	FallbackError = "ヒント生成エラー"

	// DefaultHistoryLines is the number of history lines given to the model.
	DefaultHistoryLines = 10

	temperature = 0.7
	maxTokens   = 50
)

// Request describes one hint to generate.
type Request struct {
	// Phrase is the display name of the detected label.
	Phrase string

	// Expression is the utterance the classifier quoted.
	Expression string

	// History holds recent accepted transcripts, oldest first.
	History []string
}

// Generator generates hint text with an LLM.
type Generator struct {
	llm          llm.Provider
	prompt       string
	historyLines int
}

// Option configures a Generator.
type Option func(*Generator)

// WithPrompt overrides [DefaultPrompt].
func WithPrompt(prompt string) Option {
	return func(g *Generator) {
		if prompt != "" {
			g.prompt = prompt
		}
	}
}

// WithHistoryLines overrides [DefaultHistoryLines]. Values below 1 are
// ignored.
func WithHistoryLines(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.historyLines = n
		}
	}
}

// New returns a Generator backed by p.
func New(p llm.Provider, opts ...Option) *Generator {
	g := &Generator{llm: p, prompt: DefaultPrompt, historyLines: DefaultHistoryLines}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate returns the hint text for req. The returned string is never
// empty; err is non-nil only when the completion failed, in which case the
// text is [FallbackError].
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: g.systemPrompt(req),
		Messages:     []llm.Message{llm.UserMessage("適切なヒントを生成してください。")},
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return FallbackError, fmt.Errorf("hintgen: generate: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return FallbackEmpty, nil
	}
	return text, nil
}

func (g *Generator) systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("あなたはヒント生成AIです。以下の条件に従ってヒントを生成してください。\n\n")
	b.WriteString("【ヒント生成指示】\n" + g.prompt + "\n\n")
	b.WriteString("【検出されたフレーズ】\n" + req.Phrase + "\n\n")
	b.WriteString("【実際の発話内容】\n" + req.Expression + "\n\n")

	history := req.History
	if len(history) > g.historyLines {
		history = history[len(history)-g.historyLines:]
	}
	if len(history) > 0 {
		b.WriteString("【会話履歴】\n" + strings.Join(history, "\n") + "\n\n")
	}
	b.WriteString("上記の情報を元に、指示に従ったヒントを生成してください。ヒントのみを出力し、説明や前置きは不要です。")
	return b.String()
}
