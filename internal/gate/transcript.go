package gate

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

var (
	// lexicalRun matches contiguous hiragana, katakana or CJK ideograph runs.
	lexicalRun = regexp.MustCompile(`[\x{3040}-\x{309F}\x{30A0}-\x{30FF}\x{4E00}-\x{9FFF}]+`)

	fillerOnly = regexp.MustCompile(`^[えあうおんー]+$`)

	punctuation = regexp.MustCompile(`[、。,.!?！？\s]`)
)

// TranscriptPolicy holds the Gate B thresholds.
type TranscriptPolicy struct {
	// MinScore is the lowest score forwarded to the classifier.
	MinScore float64

	// MinRunes is the length below which the short-text penalty applies.
	MinRunes int

	// StockSimilarity is the Jaro-Winkler similarity to a stock phrase at
	// which a transcript counts as a borderline hallucination.
	StockSimilarity float64

	// MaxPunctuationRatio is the share of punctuation and whitespace runes
	// above which the punctuation penalty applies.
	MaxPunctuationRatio float64
}

// DefaultTranscriptPolicy returns the stock Gate B thresholds.
func DefaultTranscriptPolicy() TranscriptPolicy {
	return TranscriptPolicy{
		MinScore:            0.5,
		MinRunes:            6,
		StockSimilarity:     0.88,
		MaxPunctuationRatio: 0.3,
	}
}

// Penalty factors applied by [TranscriptScorer.Score].
const (
	penaltyRepeatedUnit = 0.4
	penaltyPattern      = 0.2
	penaltyBorderline   = 0.5
	penaltyFiller       = 0.3
	penaltyPunctuation  = 0.5
)

// TranscriptScorer implements Gate B. It is safe for concurrent use.
type TranscriptScorer struct {
	policy TranscriptPolicy
	filter *HallucinationFilter
}

// NewTranscriptScorer returns a scorer that uses filter for its pattern
// penalty. A nil filter selects [DefaultHallucinationFilter].
func NewTranscriptScorer(policy TranscriptPolicy, filter *HallucinationFilter) *TranscriptScorer {
	if filter == nil {
		filter = DefaultHallucinationFilter()
	}
	return &TranscriptScorer{policy: policy, filter: filter}
}

// Score returns the reliability of text in [0, 1].
func (s *TranscriptScorer) Score(text string) float64 {
	trimmed := strings.TrimSpace(text)
	n := utf8.RuneCountInString(trimmed)
	if n < 3 {
		return 0
	}

	score := 1.0
	if s.policy.MinRunes > 0 && n < s.policy.MinRunes {
		score *= 0.3 + float64(n)/float64(s.policy.MinRunes)*0.4
	}
	if repeatedLexicalUnit(trimmed) {
		score *= penaltyRepeatedUnit
	}

	matched := s.filter.MatchesPattern(trimmed)
	if matched {
		score *= penaltyPattern
	} else if s.nearStockPhrase(trimmed) {
		score *= penaltyBorderline
	}

	if fillerOnly.MatchString(trimmed) {
		score *= penaltyFiller
	}
	punct := len(punctuation.FindAllStringIndex(trimmed, -1))
	if float64(punct)/float64(n) > s.policy.MaxPunctuationRatio {
		score *= penaltyPunctuation
	}
	return max(0, min(1, score))
}

// Accept scores text and reports whether it may reach the classifier.
func (s *TranscriptScorer) Accept(text string) (float64, bool) {
	score := s.Score(text)
	return score, score >= s.policy.MinScore
}

func (s *TranscriptScorer) nearStockPhrase(trimmed string) bool {
	if s.policy.StockSimilarity <= 0 {
		return false
	}
	for _, phrase := range stockPhrases {
		if matchr.JaroWinkler(trimmed, phrase, false) >= s.policy.StockSimilarity {
			return true
		}
	}
	return false
}

// repeatedLexicalUnit reports whether text reduces to one kana/kanji unit
// said at least twice, either as separate words ("はい、はい") or fused into
// one run ("そうそう").
func repeatedLexicalUnit(text string) bool {
	words := lexicalRun.FindAllString(text, -1)
	if len(words) == 0 {
		return false
	}
	if len(words) >= 2 {
		for _, w := range words[1:] {
			if w != words[0] {
				return false
			}
		}
		return true
	}
	return periodicRunes([]rune(words[0]))
}

// periodicRunes reports whether r consists of one shorter unit repeated at
// least twice.
func periodicRunes(r []rune) bool {
	n := len(r)
	for unit := 1; unit <= n/2; unit++ {
		if n%unit != 0 {
			continue
		}
		ok := true
		for i := unit; i < n; i++ {
			if r[i] != r[i-unit] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
