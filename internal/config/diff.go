package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Gating, hints and the log level are applied to sessions started after the
// reload; provider and server changes need a restart and are only reported.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GatingChanged bool
	HintsChanged  bool

	// ModesChanged lists inline label-set modes that were added, removed or
	// edited.
	ModesChanged []string

	// RestartRequired is set when a field that cannot be hot-reloaded
	// changed.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GatingChanged && !d.HintsChanged &&
		len(d.ModesChanged) == 0 && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.GatingChanged = !gatingEqual(old.Gating, new.Gating)
	d.HintsChanged = old.Hints != new.Hints

	oldSets := make(map[string]int, len(old.Labels.Sets))
	for i := range old.Labels.Sets {
		oldSets[old.Labels.Sets[i].ModeID] = i
	}
	seen := make(map[string]bool, len(new.Labels.Sets))
	for i := range new.Labels.Sets {
		ns := &new.Labels.Sets[i]
		seen[ns.ModeID] = true
		j, ok := oldSets[ns.ModeID]
		if !ok || !reflect.DeepEqual(old.Labels.Sets[j].Definitions, ns.Definitions) {
			d.ModesChanged = append(d.ModesChanged, ns.ModeID)
		}
	}
	for mode := range oldSets {
		if !seen[mode] {
			d.ModesChanged = append(d.ModesChanged, mode)
		}
	}
	slices.Sort(d.ModesChanged)

	d.RestartRequired = old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) ||
		!reflect.DeepEqual(old.Providers, new.Providers) ||
		old.Labels.Store != new.Labels.Store ||
		old.Labels.Dir != new.Labels.Dir ||
		old.Labels.PostgresDSN != new.Labels.PostgresDSN ||
		old.Audio != new.Audio

	return d
}

func gatingEqual(a, b Gating) bool {
	return a.VAD == b.VAD &&
		a.Chunk == b.Chunk &&
		a.Transcript == b.Transcript &&
		a.Confirm == b.Confirm &&
		a.Hint == b.Hint &&
		a.MinTranscriptRunes == b.MinTranscriptRunes &&
		slices.Equal(a.HallucinationPatterns, b.HallucinationPatterns)
}
