package classifier

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/kizuki/pkg/label"
)

// ResolveSimilarity is the minimum Jaro-Winkler similarity for a fuzzy
// display-name match.
const ResolveSimilarity = 0.9

// Resolve maps a model-reported name onto an enabled label. It tries an
// exact display-name or ID match, then containment of a display name in the
// reported text (longest name wins), then the closest Jaro-Winkler match at
// or above [ResolveSimilarity].
func Resolve(labels *label.Set, name string) (label.Definition, bool) {
	if labels == nil {
		return label.Definition{}, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return label.Definition{}, false
	}
	enabled := labels.Enabled()

	for _, d := range enabled {
		if d.DisplayName == name || d.ID == name {
			return d, true
		}
	}

	var (
		best    label.Definition
		bestLen int
	)
	for _, d := range enabled {
		if n := len(d.DisplayName); n > bestLen && strings.Contains(name, d.DisplayName) {
			best, bestLen = d, n
		}
	}
	if bestLen > 0 {
		return best, true
	}

	bestScore := 0.0
	for _, d := range enabled {
		if s := matchr.JaroWinkler(name, d.DisplayName, false); s > bestScore {
			best, bestScore = d, s
		}
	}
	if bestScore >= ResolveSimilarity {
		return best, true
	}
	return label.Definition{}, false
}
