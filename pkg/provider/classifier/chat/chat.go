// Package chat implements a classifier on top of a plain chat-completion
// LLM in JSON mode.
//
// The model sees the enabled labels as a topic list together with the last
// ten lines of conversation and answers {"topic": ..., "reason": ...}. The
// topic "未確定" (undetermined) means abstain. Because the model reports no
// confidence of its own, every resolved topic is returned as an explicit
// detection with confidence 0.9.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/kizuki/pkg/label"
	"github.com/MrWong99/kizuki/pkg/provider/classifier"
	"github.com/MrWong99/kizuki/pkg/provider/llm"
)

const (
	// Undetermined is the topic the model answers when nothing matches.
	Undetermined = "未確定"

	// Confidence is reported on every detection.
	Confidence = 0.9

	historyLines = 10
	temperature  = 0.3
	maxTokens    = 100
)

var _ classifier.Provider = (*Provider)(nil)

// Provider opens chat classifiers backed by an llm.Provider.
type Provider struct {
	llm llm.Provider
}

// New returns a Provider using p for completions.
func New(p llm.Provider) *Provider {
	return &Provider{llm: p}
}

// Open implements classifier.Provider. No connection is held.
func (p *Provider) Open(_ context.Context, cfg classifier.Config) (classifier.Classifier, error) {
	return &Classifier{llm: p.llm, labels: cfg.Labels, status: cfg.Status}, nil
}

// Classifier is a chat-completion classifier handle.
type Classifier struct {
	llm llm.Provider

	mu     sync.Mutex
	labels *label.Set
	status classifier.Status
	closed bool
}

// Configure implements classifier.Classifier.
func (c *Classifier) Configure(_ context.Context, labels *label.Set, status classifier.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return classifier.ErrClosed
	}
	c.labels = labels
	c.status = status
	return nil
}

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, req classifier.Request) (*label.Detection, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, classifier.ErrClosed
	}
	labels, status := c.labels, c.status
	c.mu.Unlock()

	if labels == nil || len(labels.Enabled()) == 0 {
		return nil, nil
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(labels, status),
		Messages:     []llm.Message{llm.UserMessage(userPrompt(req))},
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: complete: %w", err)
	}

	topic, reason := parseAnswer(resp.Content)
	if topic == "" || topic == Undetermined {
		return nil, nil
	}
	def, ok := classifier.Resolve(labels, topic)
	if !ok {
		return nil, nil
	}

	expr := req.Transcript
	if expr == "" {
		expr = reason
	}
	return &label.Detection{
		LabelID:    def.ID,
		Confidence: Confidence,
		Evidence:   label.EvidenceExplicit,
		Expression: expr,
	}, nil
}

// Close implements classifier.Classifier.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func systemPrompt(labels *label.Set, status classifier.Status) string {
	var topics strings.Builder
	current := Undetermined
	for i, d := range labels.Enabled() {
		fmt.Fprintf(&topics, "%d. %s", i+1, d.DisplayName)
		if d.Description != "" {
			topics.WriteString(": " + d.Description)
		}
		topics.WriteString("\n")
		if d.ID == status.ContinuousID {
			current = d.DisplayName
		}
	}

	return `あなたは会話のトピック判定AIです。以下の会話履歴を分析し、現在の会話がどのトピックに該当するかを判定してください。

【判定可能なトピック一覧】
` + topics.String() + `
【判定ルール】
- 会話の文脈から最も適切なトピックを1つ選んでください
- 明確にトピックが特定できない場合は「` + Undetermined + `」と回答してください
- トピックは順番に進むとは限りません。会話の内容に基づいて判定してください
- 現在のトピック: ` + current + `

【出力形式】
JSON形式で出力してください:
{"topic": "トピック名", "reason": "判定理由（会話のどの部分からそう判断したか、20文字以内）"}
判定できない場合は:
{"topic": "` + Undetermined + `", "reason": "理由"}`
}

func userPrompt(req classifier.Request) string {
	lines := req.History
	if req.Transcript != "" && (len(lines) == 0 || lines[len(lines)-1] != req.Transcript) {
		lines = append(append([]string(nil), lines...), req.Transcript)
	}
	if len(lines) > historyLines {
		lines = lines[len(lines)-historyLines:]
	}
	history := strings.Join(lines, "\n")
	if history == "" {
		history = "（会話なし）"
	}
	return "【会話履歴】\n" + history + "\n\n現在のトピックを判定してください。"
}

// parseAnswer decodes the JSON answer. Content that is not JSON is taken as
// the topic itself.
func parseAnswer(content string) (topic, reason string) {
	content = strings.TrimSpace(content)
	var ans struct {
		Topic  string `json:"topic"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &ans); err != nil {
		return content, ""
	}
	return strings.TrimSpace(ans.Topic), ans.Reason
}
