// Package label defines the label definitions a detection session is
// configured with, and the detection events a classifier produces against
// them.
//
// A label is either a continuous status (a conversation stage that persists
// until another continuous label replaces it) or a momentary phrase (a
// one-off utterance such as an objection). Label definitions are read-only
// inputs: they are loaded from a [Set] snapshot before a session starts and
// may only be swapped wholesale.
package label

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Category partitions labels into independent tracks.
type Category string

const (
	// Continuous labels describe the current stage of the conversation.
	Continuous Category = "continuous"

	// Momentary labels describe a single utterance and do not replace the
	// current continuous stage.
	Momentary Category = "momentary"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	return c == Continuous || c == Momentary
}

// HintKind selects how a label's hint text is produced.
type HintKind string

const (
	// HintFixed uses the label's FixedHint verbatim.
	HintFixed HintKind = "fixed"

	// HintGenerated asks the hint generator for a short text based on the
	// detected expression and recent conversation.
	HintGenerated HintKind = "generated"
)

// Evidence is the classifier-reported basis for a detection.
type Evidence string

const (
	EvidenceExplicit Evidence = "explicit"
	EvidenceImplicit Evidence = "implicit"
	EvidenceWeak     Evidence = "weak"
)

// ParseEvidence maps a raw classifier value onto an [Evidence]. Unknown or
// empty values are treated as weak so that they never pass the confirmation
// gate.
func ParseEvidence(s string) Evidence {
	switch Evidence(strings.ToLower(strings.TrimSpace(s))) {
	case EvidenceExplicit:
		return EvidenceExplicit
	case EvidenceImplicit:
		return EvidenceImplicit
	default:
		return EvidenceWeak
	}
}

// Definition describes a single detectable label.
type Definition struct {
	ID          string   `yaml:"id" json:"id" validate:"required,max=64"`
	DisplayName string   `yaml:"display_name" json:"display_name" validate:"required,max=64"`
	Description string   `yaml:"description" json:"description,omitempty" validate:"max=500"`
	Category    Category `yaml:"category" json:"category" validate:"required,oneof=continuous momentary"`
	HintKind    HintKind `yaml:"hint_kind" json:"hint_kind" validate:"required,oneof=fixed generated"`

	// FixedHint is shown when HintKind is fixed.
	FixedHint string `yaml:"fixed_hint" json:"fixed_hint,omitempty" validate:"required_if=HintKind fixed"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Detection is a single classifier verdict.
type Detection struct {
	LabelID    string
	Confidence float64
	Evidence   Evidence

	// Expression is the quoted utterance the classifier based its verdict on.
	Expression string

	ObservedAt time.Time
}

// Set is an immutable snapshot of label definitions for one mode.
type Set struct {
	ModeID      string       `yaml:"mode_id" json:"mode_id"`
	Definitions []Definition `yaml:"labels" json:"labels" validate:"dive"`
	UpdatedAt   time.Time    `yaml:"updated_at,omitempty" json:"updated_at,omitzero"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks every definition and rejects duplicate IDs or display
// names. It returns a joined error listing all problems found.
func (s *Set) Validate() error {
	var errs []error
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				errs = append(errs, fmt.Errorf("%s %s", e.Namespace(), describe(e)))
			}
		} else {
			errs = append(errs, err)
		}
	}

	ids := make(map[string]int, len(s.Definitions))
	names := make(map[string]int, len(s.Definitions))
	for i, d := range s.Definitions {
		if prev, ok := ids[d.ID]; ok && d.ID != "" {
			errs = append(errs, fmt.Errorf("labels[%d].id %q duplicates labels[%d]", i, d.ID, prev))
		}
		ids[d.ID] = i
		if prev, ok := names[d.DisplayName]; ok && d.DisplayName != "" {
			errs = append(errs, fmt.Errorf("labels[%d].display_name %q duplicates labels[%d]", i, d.DisplayName, prev))
		}
		names[d.DisplayName] = i
	}
	return errors.Join(errs...)
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation %q", e.Tag())
	}
}

// Enabled returns the enabled definitions in configuration order.
func (s *Set) Enabled() []Definition {
	out := make([]Definition, 0, len(s.Definitions))
	for _, d := range s.Definitions {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Partition splits the enabled definitions by category.
func (s *Set) Partition() (continuous, momentary []Definition) {
	for _, d := range s.Enabled() {
		switch d.Category {
		case Continuous:
			continuous = append(continuous, d)
		case Momentary:
			momentary = append(momentary, d)
		}
	}
	return continuous, momentary
}

// Lookup returns the definition with the given ID.
func (s *Set) Lookup(id string) (Definition, bool) {
	for _, d := range s.Definitions {
		if d.ID == id {
			return d, true
		}
	}
	return Definition{}, false
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	c := *s
	c.Definitions = append([]Definition(nil), s.Definitions...)
	return &c
}
