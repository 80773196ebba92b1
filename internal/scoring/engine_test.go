package scoring

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/threatcalc/threatcalc/internal/confidence"
	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/registry"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

const tolerance = 1e-9

type fixture struct {
	reg    *registry.Registry
	ledger *evidence.Ledger
	engine *Engine

	banking  registry.Industry
	finsvc   registry.Industry
	lazarus  registry.ThreatActorGroup
	apt29    registry.ThreatActorGroup
	powershl registry.Technique
	cisa     registry.Source
	mandiant registry.Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New(nil)
	finsvc, err := reg.AddIndustry(registry.Industry{Name: "Financial Services"})
	if err != nil {
		t.Fatal(err)
	}
	banking, err := reg.AddIndustry(registry.Industry{Name: "Banking", ParentID: &finsvc.ID})
	if err != nil {
		t.Fatal(err)
	}
	lazarus, err := reg.AddActor(registry.ThreatActorGroup{Name: "Lazarus Group"})
	if err != nil {
		t.Fatal(err)
	}
	apt29, err := reg.AddActor(registry.ThreatActorGroup{Name: "APT29"})
	if err != nil {
		t.Fatal(err)
	}
	powershl, err := reg.AddTechnique(registry.Technique{Code: "T1059.001", Name: "PowerShell"})
	if err != nil {
		t.Fatal(err)
	}
	cisa, err := reg.AddSource(registry.Source{Name: "CISA", Category: registry.SourceAdvisory, ReliabilityWeight: 10})
	if err != nil {
		t.Fatal(err)
	}
	mandiant, err := reg.AddSource(registry.Source{Name: "Mandiant", Category: registry.SourceAdvisory, ReliabilityWeight: 8})
	if err != nil {
		t.Fatal(err)
	}

	ledger := evidence.NewLedger(evidence.NewMemoryBackend(), nil)
	ledger.Now = func() time.Time { return testNow }

	classifier := confidence.NewClassifier(confidence.DefaultThresholds())
	classifier.Now = func() time.Time { return testNow }

	engine := NewEngine(ledger, reg, NewMemoryScoreStore(), DefaultParams(), classifier, nil)
	engine.Now = func() time.Time { return testNow }

	return &fixture{
		reg:      reg,
		ledger:   ledger,
		engine:   engine,
		banking:  banking,
		finsvc:   finsvc,
		lazarus:  lazarus,
		apt29:    apt29,
		powershl: powershl,
		cisa:     cisa,
		mandiant: mandiant,
	}
}

func (f *fixture) admit(t *testing.T, item evidence.Item) {
	t.Helper()
	out, err := f.ledger.Admit(context.Background(), item)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Admitted {
		t.Fatalf("item not admitted: %+v", out)
	}
}

func daysBefore(d int) *time.Time {
	t := testNow.AddDate(0, 0, -d)
	return &t
}

func TestRecencyWeight(t *testing.T) {
	p := DefaultParams()

	tests := []struct {
		name      string
		published *time.Time
		want      float64
	}{
		{"published today", daysBefore(0), 1.0},
		{"one year old", daysBefore(365), 1.5},
		{"capped at two years", daysBefore(1000), 2.0},
		{"future date clamps to base", daysBefore(-10), 1.0},
		{"missing date is neutral", nil, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.RecencyWeight(tt.published, testNow)
			if math.Abs(got-tt.want) > tolerance {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestSourceWeight(t *testing.T) {
	if got := SourceWeight(registry.Source{ReliabilityWeight: 10}, true); got != 1.0 {
		t.Errorf("weight 10: got %f", got)
	}
	if got := SourceWeight(registry.Source{ReliabilityWeight: 7}, true); math.Abs(got-0.7) > tolerance {
		t.Errorf("weight 7: got %f", got)
	}
	if got := SourceWeight(registry.Source{}, false); got != 0.5 {
		t.Errorf("unknown source: got %f", got)
	}
}

func TestRecomputeFull_PairScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three items from two sources, all recent.
	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, SourceID: f.cisa.ID,
		SourceURL: "https://cisa.gov/a1", Published: daysBefore(0),
	})
	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, SourceID: f.mandiant.ID,
		SourceURL: "https://mandiant.com/b1", Published: daysBefore(365),
	})
	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, SourceID: f.cisa.ID,
		SourceURL: "https://cisa.gov/a2", Published: nil,
	})

	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}

	ranked, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 {
		t.Fatalf("got %d ranked actors, want 1", len(ranked))
	}

	// 1.0*1.0 (today, cisa) + 1.5*0.8 (1y, mandiant) + 1.0*1.0 (undated, cisa)
	want := 1.0 + 1.2 + 1.0
	if math.Abs(ranked[0].Score-want) > tolerance {
		t.Errorf("score = %f, want %f", ranked[0].Score, want)
	}
	if ranked[0].EvidenceCount != 3 {
		t.Errorf("evidence count = %d, want 3", ranked[0].EvidenceCount)
	}
	// 3 items, 2 sources, recent, avg reliability (10+8+10)/3 > 7 but only
	// 3 items: Medium.
	if ranked[0].Confidence != confidence.Medium {
		t.Errorf("confidence = %s, want Medium", ranked[0].Confidence)
	}
}

func TestRecomputeFull_IsDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, src := range []registry.Source{f.cisa, f.mandiant, f.cisa, f.mandiant} {
		f.admit(t, evidence.Item{
			ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, SourceID: src.ID,
			SourceURL: "https://example.com/r" + string(rune('a'+i)), Published: daysBefore(30 * i),
		})
	}

	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}
	first, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("ranking size changed between rebuilds")
	}
	for i := range first {
		if first[i].Score != second[i].Score || first[i].Actor.ID != second[i].Actor.ID {
			t.Errorf("row %d differs between identical rebuilds", i)
		}
	}
}

func TestRecomputeDirty_MatchesFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items := []evidence.Item{
		{ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, SourceID: f.cisa.ID,
			SourceURL: "https://cisa.gov/1", Published: daysBefore(10)},
		{ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, TechniqueID: &f.powershl.ID, SourceID: f.mandiant.ID,
			SourceURL: "https://mandiant.com/1", Published: daysBefore(100)},
		{ActorID: f.apt29.ID, IndustryID: &f.banking.ID, SourceID: f.mandiant.ID,
			SourceURL: "https://mandiant.com/2", Published: daysBefore(50)},
	}
	for _, item := range items {
		f.admit(t, item)
	}

	// Incremental pass over the dirty aggregates.
	if err := f.engine.Recompute(ctx, ScopeDirty); err != nil {
		t.Fatal(err)
	}
	incremental, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}

	// Full rebuild over the same ledger must land on identical values.
	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}
	full, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(incremental) != len(full) {
		t.Fatalf("incremental %d rows, full %d rows", len(incremental), len(full))
	}
	for i := range full {
		if incremental[i].Actor.ID != full[i].Actor.ID {
			t.Errorf("row %d: actor differs", i)
		}
		if math.Abs(incremental[i].Score-full[i].Score) > tolerance {
			t.Errorf("row %d: incremental %f, full %f", i, incremental[i].Score, full[i].Score)
		}
		if incremental[i].EvidenceCount != full[i].EvidenceCount {
			t.Errorf("row %d: counts differ", i)
		}
	}
}

func TestTopActors_TieBreaks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Identical score and count for both actors; the name decides.
	for _, actor := range []registry.ThreatActorGroup{f.lazarus, f.apt29} {
		f.admit(t, evidence.Item{
			ActorID: actor.ID, IndustryID: &f.banking.ID, SourceID: f.cisa.ID,
			SourceURL: "https://cisa.gov/" + actor.Name, Published: daysBefore(10),
		})
	}

	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}
	ranked, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 2 {
		t.Fatalf("got %d rows, want 2", len(ranked))
	}
	if ranked[0].Actor.Name != "APT29" || ranked[1].Actor.Name != "Lazarus Group" {
		t.Errorf("tie should order by name: got %s, %s", ranked[0].Actor.Name, ranked[1].Actor.Name)
	}
}

func TestTopActors_ParentIndustryFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Evidence exists only at the parent level.
	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, IndustryID: &f.finsvc.ID, SourceID: f.cisa.ID,
		SourceURL: "https://cisa.gov/parent", Published: daysBefore(10),
	})
	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}

	ranked, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 || ranked[0].Actor.ID != f.lazarus.ID {
		t.Fatalf("expected parent fallback to surface Lazarus, got %d rows", len(ranked))
	}
}

func TestTopActors_LimitApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, actor := range []registry.ThreatActorGroup{f.lazarus, f.apt29} {
		f.admit(t, evidence.Item{
			ActorID: actor.ID, IndustryID: &f.banking.ID, SourceID: f.cisa.ID,
			SourceURL: "https://cisa.gov/l-" + actor.Name, Published: daysBefore(5),
		})
	}
	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}

	ranked, err := f.engine.TopActors(ctx, f.banking.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 1 {
		t.Errorf("limit 1 returned %d rows", len(ranked))
	}
}

func TestTopTechniques_IndustryScopeAndBonus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One banking-scoped technique item, one unscoped.
	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, IndustryID: &f.banking.ID, TechniqueID: &f.powershl.ID,
		SourceID: f.cisa.ID, SourceURL: "https://cisa.gov/t1", Published: daysBefore(0),
	})
	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, TechniqueID: &f.powershl.ID,
		SourceID: f.cisa.ID, SourceURL: "https://cisa.gov/t2", Published: daysBefore(0),
	})

	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}

	// Unscoped query sees only the unscoped aggregate.
	unscoped, err := f.engine.TopTechniques(ctx, f.lazarus.ID, uuid.Nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unscoped) != 1 {
		t.Fatalf("unscoped: got %d rows", len(unscoped))
	}
	if math.Abs(unscoped[0].Score-1.0) > tolerance {
		t.Errorf("unscoped score = %f, want 1.0", unscoped[0].Score)
	}

	// Banking-scoped query merges the scoped aggregate (with the industry
	// match bonus) and the unscoped one: 1.0*1.5 + 1.0.
	scoped, err := f.engine.TopTechniques(ctx, f.lazarus.ID, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 {
		t.Fatalf("scoped: got %d rows", len(scoped))
	}
	if math.Abs(scoped[0].Score-2.5) > tolerance {
		t.Errorf("scoped score = %f, want 2.5", scoped[0].Score)
	}
	if scoped[0].EvidenceCount != 2 {
		t.Errorf("scoped evidence count = %d, want 2", scoped[0].EvidenceCount)
	}
}

func TestRecompute_UnknownScope(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Recompute(context.Background(), Scope("weekly")); err == nil {
		t.Fatal("unknown scope should error")
	}
}

func TestActorOnlyEvidenceExcludedFromScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.admit(t, evidence.Item{
		ActorID: f.lazarus.ID, SourceID: f.cisa.ID,
		SourceURL: "https://cisa.gov/actor-only", Published: daysBefore(1),
	})
	if err := f.engine.Recompute(ctx, ScopeFull); err != nil {
		t.Fatal(err)
	}

	ranked, err := f.engine.TopActors(ctx, f.banking.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranked) != 0 {
		t.Errorf("actor-only evidence should not produce pair scores, got %d rows", len(ranked))
	}
}
