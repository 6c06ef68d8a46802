package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/kizuki/pkg/label"
)

// ToolName is the function the realtime backend exposes to the model.
const ToolName = "detect_phrase"

// TranscriptPrefix marks transcripts sent as conversation items.
const TranscriptPrefix = "【文字起こし】"

const noLabelsInstructions = `あなたは会話のステータスを判定するシステムです。
通常のテキスト返答は一切行わないでください。
現在、判定対象のステータスは登録されていません。`

const instructionsHeader = `あなたは会話の進行状況を追跡し、現在のステータスを判定するシステムです。

【重要なルール】
- 通常のテキスト返答は一切行わないでください
- ステータスの移行、または単発フレーズを検出した場合のみ detect_phrase 関数を呼び出してください
- 何も検出されなかった場合は何も返さないでください（abstain）
- 会話は基本的に順番通りに進みますが、前後したり戻ったりする可能性もあります

【確信度と根拠タイプのルール】
detect_phrase を呼び出す際は、必ず confidence と evidence_type を正確に評価してください：

confidence（確信度）:
- 0.85以上: 非常に高い確信（明確な言及がある）
- 0.75-0.84: 高い確信（文脈から強く推測できる）
- 0.75未満: 不十分 → detect_phrase を呼び出さないこと

evidence_type（根拠タイプ）:
- explicit: 話者が明示的にその内容を述べた
- implicit: 直接的な言及はないが、文脈から高い確度で推測できる
- weak: 弱い根拠や推測のみ → detect_phrase を呼び出さないこと

【絶対に守ること】
- confidence < 0.75 の場合は絶対に detect_phrase を呼び出さない
- evidence_type = 'weak' の場合は絶対に detect_phrase を呼び出さない
- 曖昧な場合、推測の場合は何も返さない（過検出より見逃しを選ぶ）
`

// Instructions renders the system instructions for labels and status.
func Instructions(labels *label.Set, status Status) string {
	if labels == nil || len(labels.Enabled()) == 0 {
		return noLabelsInstructions
	}
	continuous, momentary := labels.Partition()

	var b strings.Builder
	b.WriteString(instructionsHeader)

	b.WriteString("\n【現在のステータス】\n")
	b.WriteString(currentStatusLine(labels, continuous, status))
	b.WriteString("\n")

	if len(continuous) > 0 {
		b.WriteString("\n【ステータス一覧】（順番に進む想定だが、前後する可能性あり）\n")
		for i, d := range continuous {
			fmt.Fprintf(&b, "%d. 「%s」%s", i+1, d.DisplayName, describeSuffix(d))
			if d.ID == status.ContinuousID {
				b.WriteString(" ← 現在")
			}
			b.WriteString("\n")
		}
	}
	if len(momentary) > 0 {
		b.WriteString("\n【単発フレーズ一覧】（ステータスとは独立して検出）\n")
		for i, d := range momentary {
			fmt.Fprintf(&b, "%d. 「%s」%s\n", i+1, d.DisplayName, describeSuffix(d))
		}
	}

	b.WriteString("\n→ 検出した場合、detected_expression に実際に聞こえた発話内容を正確に引用してください。\n")
	return b.String()
}

func currentStatusLine(labels *label.Set, continuous []label.Definition, status Status) string {
	for i, d := range continuous {
		if d.ID == status.ContinuousID {
			return fmt.Sprintf("%d. 「%s」", i+1, d.DisplayName)
		}
	}
	first := ""
	if len(continuous) > 0 {
		first = continuous[0].DisplayName
	} else if en := labels.Enabled(); len(en) > 0 {
		first = en[0].DisplayName
	}
	return "会話開始前（最初のステータス「" + first + "」への移行を待機中）"
}

func describeSuffix(d label.Definition) string {
	if d.Description == "" {
		return ""
	}
	return ": " + d.Description
}

// Tool is a function definition in the OpenAI Realtime wire format.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// DetectTool returns the detect_phrase tool for the enabled labels, or nil
// when none are enabled.
func DetectTool(labels *label.Set) *Tool {
	if labels == nil {
		return nil
	}
	enabled := labels.Enabled()
	if len(enabled) == 0 {
		return nil
	}
	names := make([]string, len(enabled))
	for i, d := range enabled {
		names[i] = d.DisplayName
	}

	return &Tool{
		Type: "function",
		Name: ToolName,
		Description: `会話のステータス移行、または単発フレーズを検出した場合に呼び出す。
【重要】confidence >= 0.75 かつ evidence_type != 'weak' の場合のみ呼び出すこと。
少しでも曖昧な場合は呼び出さず、何も返さないこと（abstain）。`,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phrase": map[string]any{
					"type":        "string",
					"description": "検出したステータスまたはフレーズ名",
					"enum":        names,
				},
				"detected_expression": map[string]any{
					"type":        "string",
					"description": "検出の根拠となる発話内容（実際に聞こえた言葉を引用）",
				},
				"confidence": map[string]any{
					"type":        "number",
					"description": "確信度（0.0〜1.0）。0.75未満なら呼び出さないこと。",
					"minimum":     0,
					"maximum":     1,
				},
				"evidence_type": map[string]any{
					"type":        "string",
					"description": "根拠タイプ: explicit=明示的な言及, implicit=文脈からの推測, weak=弱い根拠",
					"enum":        []string{string(label.EvidenceExplicit), string(label.EvidenceImplicit), string(label.EvidenceWeak)},
				},
			},
			"required": []string{"phrase", "detected_expression", "confidence", "evidence_type"},
		},
	}
}

// DetectArgs are the arguments of a detect_phrase call.
type DetectArgs struct {
	Phrase     string   `json:"phrase"`
	Expression string   `json:"detected_expression"`
	Confidence *float64 `json:"confidence"`
	Evidence   string   `json:"evidence_type"`
}

// defaultConfidence is assumed when the model omits confidence.
const defaultConfidence = 0.5

// ParseDetectArgs decodes raw tool-call arguments and resolves the phrase
// against labels. It returns nil when the phrase matches no enabled label.
// A missing confidence defaults to 0.5 and a missing evidence type to weak.
func ParseDetectArgs(raw string, labels *label.Set) (*label.Detection, error) {
	var args DetectArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("classifier: parse %s arguments: %w", ToolName, err)
	}
	def, ok := Resolve(labels, args.Phrase)
	if !ok {
		return nil, nil
	}
	conf := defaultConfidence
	if args.Confidence != nil {
		conf = min(max(*args.Confidence, 0), 1)
	}
	return &label.Detection{
		LabelID:    def.ID,
		Confidence: conf,
		Evidence:   label.ParseEvidence(args.Evidence),
		Expression: args.Expression,
	}, nil
}
