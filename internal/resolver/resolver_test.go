package resolver

import (
	"testing"

	"github.com/threatcalc/threatcalc/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)

	if _, err := reg.AddActor(registry.ThreatActorGroup{
		Name:    "Lazarus Group",
		Aliases: []string{"HIDDEN COBRA"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddActor(registry.ThreatActorGroup{Name: "APT29", Aliases: []string{"Cozy Bear"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddIndustry(registry.Industry{Name: "Banking", Keywords: []string{"bank", "credit union"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddIndustry(registry.Industry{Name: "Healthcare", Keywords: []string{"hospital"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddTechnique(registry.Technique{Code: "T1059", Name: "Command and Scripting Interpreter"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddTechnique(registry.Technique{Code: "T1059.001", Name: "PowerShell"}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestResolveActor_NameAliasAndFuzzyHitSameGroup(t *testing.T) {
	reg := testRegistry(t)
	res := New(reg, Levenshtein{}, 3, nil)

	want, _ := reg.ActorByName("Lazarus Group")

	tests := []struct {
		input  string
		method Method
	}{
		{"Lazarus Group", MethodExactName},
		{"lazarus group", MethodExactName},
		{"HIDDEN COBRA", MethodAlias},
		{"hidden cobra", MethodAlias},
		{"Lazarus Grop", MethodFuzzy}, // one edit away
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := res.Resolve(tt.input, KindActor)
			if !got.Matched {
				t.Fatalf("no match, reason %s", got.Reason)
			}
			if got.EntityID != want.ID {
				t.Errorf("resolved to wrong actor")
			}
			if got.Method != tt.method {
				t.Errorf("method = %s, want %s", got.Method, tt.method)
			}
		})
	}
}

func TestResolveActor_NoMatchReasons(t *testing.T) {
	reg := testRegistry(t)
	res := New(reg, Levenshtein{}, 3, nil)

	tests := []struct {
		name   string
		input  string
		reason NoMatchReason
	}{
		{"empty input", "   ", ReasonEmptyInput},
		{"nothing close", "Sandworm Team", ReasonNoCandidate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := res.Resolve(tt.input, KindActor)
			if got.Matched {
				t.Fatal("expected no match")
			}
			if got.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", got.Reason, tt.reason)
			}
		})
	}
}

func TestResolveActor_AmbiguousTieIsNoMatch(t *testing.T) {
	reg := registry.New(nil)
	if _, err := reg.AddActor(registry.ThreatActorGroup{Name: "APT10"}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.AddActor(registry.ThreatActorGroup{Name: "APT19"}); err != nil {
		t.Fatal(err)
	}
	res := New(reg, Levenshtein{}, 3, nil)

	// "APT1x" is distance 1 from both; picking either would be a guess.
	got := res.Resolve("APT1x", KindActor)
	if got.Matched {
		t.Fatal("ambiguous input should not match")
	}
	if got.Reason != ReasonAmbiguous {
		t.Errorf("reason = %s, want %s", got.Reason, ReasonAmbiguous)
	}
}

func TestResolveActor_AliasTieWithinSameGroupStillMatches(t *testing.T) {
	reg := registry.New(nil)
	actor, err := reg.AddActor(registry.ThreatActorGroup{
		Name:    "Turla",
		Aliases: []string{"Turlas"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := New(reg, Levenshtein{}, 3, nil)

	// "Turlaz" is distance 1 from both the name and the alias. Both
	// candidate strings belong to the same entity, so the tie is not
	// ambiguous.
	got := res.Resolve("Turlaz", KindActor)
	if !got.Matched || got.EntityID != actor.ID {
		t.Fatalf("same-entity tie should match: %+v", got)
	}
}

func TestResolveIndustry_KeywordAndAmbiguity(t *testing.T) {
	reg := testRegistry(t)
	res := New(reg, Levenshtein{}, 3, nil)

	banking, _ := reg.IndustryByName("Banking")

	got := res.Resolve("a major retail bank was breached", KindIndustry)
	if !got.Matched || got.EntityID != banking.ID || got.Method != MethodKeyword {
		t.Fatalf("keyword resolution failed: %+v", got)
	}

	// Text hitting two distinct industries is ambiguous for single-entity
	// resolution.
	got = res.Resolve("bank and hospital systems affected", KindIndustry)
	if got.Matched || got.Reason != ReasonAmbiguous {
		t.Fatalf("multi-industry text should be ambiguous: %+v", got)
	}

	// The multi-match form returns both.
	all := res.ResolveIndustries("bank and hospital systems affected")
	if len(all) != 2 {
		t.Errorf("ResolveIndustries returned %d industries, want 2", len(all))
	}
}

func TestResolveTechnique_PatternExtraction(t *testing.T) {
	reg := testRegistry(t)
	res := New(reg, Levenshtein{}, 3, nil)

	sub, _ := reg.TechniqueByCode("T1059.001")

	got := res.Resolve("uses t1059.001 for execution", KindTechnique)
	if !got.Matched || got.EntityID != sub.ID || got.Method != MethodCode {
		t.Fatalf("technique resolution failed: %+v", got)
	}

	tests := []struct {
		name   string
		input  string
		reason NoMatchReason
	}{
		{"empty", "", ReasonEmptyInput},
		{"no code present", "spearphishing attachment", ReasonMalformedCode},
		{"code not registered", "T9999", ReasonUnknownCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := res.Resolve(tt.input, KindTechnique)
			if got.Matched || got.Reason != tt.reason {
				t.Errorf("got %+v, want reason %s", got, tt.reason)
			}
		})
	}
}

func TestExtractTechniqueCodes(t *testing.T) {
	got := ExtractTechniqueCodes("T1059.001 then t1566, T1059.001 again and T1486")
	want := []string{"T1059.001", "T1566", "T1486"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("code[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
