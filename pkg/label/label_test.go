package label

import (
	"strings"
	"testing"
)

func testSet() *Set {
	return &Set{
		ModeID: "sales",
		Definitions: []Definition{
			{ID: "greeting", DisplayName: "挨拶", Category: Continuous, HintKind: HintFixed, FixedHint: "自己紹介", Enabled: true},
			{ID: "needs", DisplayName: "ニーズ確認", Category: Continuous, HintKind: HintGenerated, Enabled: true},
			{ID: "objection", DisplayName: "反論", Category: Momentary, HintKind: HintGenerated, Enabled: true},
			{ID: "closing", DisplayName: "クロージング", Category: Continuous, HintKind: HintGenerated, Enabled: false},
		},
	}
}

func TestSet_ValidateOK(t *testing.T) {
	if err := testSet().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSet_ValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Set)
		wantSub string
	}{
		{
			name:    "missing id",
			mutate:  func(s *Set) { s.Definitions[0].ID = "" },
			wantSub: "id is required",
		},
		{
			name:    "bad category",
			mutate:  func(s *Set) { s.Definitions[1].Category = "stage" },
			wantSub: "must be one of: continuous momentary",
		},
		{
			name:    "fixed without text",
			mutate:  func(s *Set) { s.Definitions[0].FixedHint = "" },
			wantSub: "fixed_hint is required",
		},
		{
			name:    "duplicate id",
			mutate:  func(s *Set) { s.Definitions[1].ID = "greeting" },
			wantSub: `id "greeting" duplicates labels[0]`,
		},
		{
			name:    "duplicate display name",
			mutate:  func(s *Set) { s.Definitions[2].DisplayName = "挨拶" },
			wantSub: `display_name "挨拶" duplicates labels[0]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSet()
			tt.mutate(s)
			err := s.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestSet_Partition(t *testing.T) {
	cont, mom := testSet().Partition()
	if len(cont) != 2 {
		t.Fatalf("continuous = %d, want 2 (disabled label excluded)", len(cont))
	}
	if cont[0].ID != "greeting" || cont[1].ID != "needs" {
		t.Errorf("continuous order = %v", cont)
	}
	if len(mom) != 1 || mom[0].ID != "objection" {
		t.Errorf("momentary = %v", mom)
	}
}

func TestSet_LookupAndClone(t *testing.T) {
	s := testSet()
	d, ok := s.Lookup("objection")
	if !ok || d.Category != Momentary {
		t.Fatalf("Lookup(objection) = %+v, %v", d, ok)
	}
	if _, ok := s.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}

	c := s.Clone()
	c.Definitions[0].DisplayName = "changed"
	if s.Definitions[0].DisplayName == "changed" {
		t.Error("Clone shares definitions with the original")
	}
}

func TestParseEvidence(t *testing.T) {
	tests := map[string]Evidence{
		"explicit":  EvidenceExplicit,
		" Implicit": EvidenceImplicit,
		"weak":      EvidenceWeak,
		"":          EvidenceWeak,
		"strong":    EvidenceWeak,
	}
	for in, want := range tests {
		if got := ParseEvidence(in); got != want {
			t.Errorf("ParseEvidence(%q) = %q, want %q", in, got, want)
		}
	}
}
