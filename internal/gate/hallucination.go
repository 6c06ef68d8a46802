package gate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Hallucination rejection reasons.
const (
	ReasonBlank       = "blank"
	ReasonFewRunes    = "few_runes"
	ReasonPattern     = "pattern"
	ReasonRepeatedRun = "repeated_rune"
)

// defaultHallucinationPatterns are phrases the transcription model tends to
// produce on silence or noise.
var defaultHallucinationPatterns = []string{
	// video outros
	`ご視聴ありがとうございました`,
	`字幕.*作成`,
	`チャンネル登録`,
	`高評価.*お願い`,
	`ご覧いただき.*ありがとう`,
	`次回.*お楽しみ`,
	`チャンネル.*登録`,
	`グッド.*ボタン`,
	`コメント.*お願い`,
	`動画.*見て`,

	// greetings and closings
	`おやすみなさい`,
	`ありがとうございました`,
	`お疲れ様でした`,

	// punctuation only
	`^\.+$`,
	`^…+$`,
	`^[、。,.!?！？\s]+$`,

	`^.{1,2}$`,

	// vocal noise
	`^[あうえおん]+$`,
	`^ん+$`,
	`^はい+$`,
	`^えー+$`,
	`^あー+$`,
	`^うー+$`,
}

// stockPhrases are the literal outro and greeting phrases. Gate B compares
// transcripts against them to catch near misses the patterns do not.
var stockPhrases = []string{
	"ご視聴ありがとうございました",
	"チャンネル登録お願いします",
	"高評価お願いします",
	"次回もお楽しみに",
	"おやすみなさい",
	"ありがとうございました",
	"お疲れ様でした",
}

// HallucinationFilter rejects transcripts that look like model artifacts
// rather than speech. It is immutable after construction and safe for
// concurrent use.
type HallucinationFilter struct {
	patterns []*regexp.Regexp
	minRunes int
	maxRun   int
}

// NewHallucinationFilter compiles the default patterns plus extra. A
// transcript shorter than minRunes runes is rejected; values below 1 select
// the default of 3.
func NewHallucinationFilter(minRunes int, extra ...string) (*HallucinationFilter, error) {
	if minRunes < 1 {
		minRunes = 3
	}
	f := &HallucinationFilter{minRunes: minRunes, maxRun: 2}
	for _, expr := range append(append([]string{}, defaultHallucinationPatterns...), extra...) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("gate: compile hallucination pattern %q: %w", expr, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// DefaultHallucinationFilter returns a filter with the built-in pattern list.
func DefaultHallucinationFilter() *HallucinationFilter {
	f, err := NewHallucinationFilter(0)
	if err != nil {
		panic(err)
	}
	return f
}

// Check reports whether text must be discarded and why.
func (f *HallucinationFilter) Check(text string) (reject bool, reason string) {
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == "":
		return true, ReasonBlank
	case utf8.RuneCountInString(trimmed) < f.minRunes:
		return true, ReasonFewRunes
	case longestRuneRun(trimmed) > f.maxRun:
		return true, ReasonRepeatedRun
	case f.MatchesPattern(trimmed):
		return true, ReasonPattern
	}
	return false, ""
}

// MatchesPattern reports whether trimmed matches any configured pattern or
// contains a run of three or more identical runes.
func (f *HallucinationFilter) MatchesPattern(trimmed string) bool {
	for _, re := range f.patterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return longestRuneRun(trimmed) > f.maxRun
}

// longestRuneRun returns the length of the longest run of one repeated rune.
// RE2 has no backreferences, so this replaces a (.)\1{2,} pattern. Digits
// never form a run: amounts such as 1000円 are real speech.
func longestRuneRun(s string) int {
	var (
		prev    rune = -1
		run     int
		longest int
	)
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			prev, run = -1, 0
			continue
		case r == prev:
			run++
		default:
			prev, run = r, 1
		}
		longest = max(longest, run)
	}
	return longest
}
