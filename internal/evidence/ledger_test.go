package evidence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func datePtr(t time.Time) *time.Time { return &t }

func TestFingerprint_Stability(t *testing.T) {
	actor := uuid.New()
	industry := uuid.New()
	technique := uuid.New()

	a := Fingerprint("https://example.com/report", actor, &industry, &technique)
	b := Fingerprint("https://example.com/report", actor, &industry, &technique)
	if a != b {
		t.Error("same inputs must produce the same fingerprint")
	}
	if len(a) != 32 {
		t.Errorf("fingerprint length = %d, want 32 hex chars", len(a))
	}

	variants := []string{
		Fingerprint("https://example.com/other", actor, &industry, &technique),
		Fingerprint("https://example.com/report", uuid.New(), &industry, &technique),
		Fingerprint("https://example.com/report", actor, nil, &technique),
		Fingerprint("https://example.com/report", actor, &industry, nil),
		Fingerprint("https://example.com/report", actor, nil, nil),
	}
	seen := map[string]bool{a: true}
	for i, v := range variants {
		if seen[v] {
			t.Errorf("variant %d collided", i)
		}
		seen[v] = true
	}
}

func TestAdmit_RequiresActorAndSource(t *testing.T) {
	ledger := NewLedger(NewMemoryBackend(), nil)
	ctx := context.Background()

	if _, err := ledger.Admit(ctx, Item{SourceID: uuid.New()}); err != ErrActorRequired {
		t.Errorf("missing actor: got %v, want ErrActorRequired", err)
	}
	if _, err := ledger.Admit(ctx, Item{ActorID: uuid.New()}); err != ErrSourceRequired {
		t.Errorf("missing source: got %v, want ErrSourceRequired", err)
	}
}

func TestAdmit_DuplicateSameDateRejected(t *testing.T) {
	ledger := NewLedger(NewMemoryBackend(), nil)
	ctx := context.Background()

	published := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	item := Item{
		ActorID:   uuid.New(),
		SourceID:  uuid.New(),
		SourceURL: "https://example.com/advisory",
		Published: datePtr(published),
	}

	first, err := ledger.Admit(ctx, item)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if !first.Admitted {
		t.Fatal("first admission should succeed")
	}

	// Same fingerprint, same day (different hour) is a duplicate.
	item.Published = datePtr(published.Add(5 * time.Hour))
	second, err := ledger.Admit(ctx, item)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if !second.Duplicate || second.Admitted {
		t.Errorf("same-day repeat should be a duplicate: %+v", second)
	}
	if second.EvidenceID != first.EvidenceID {
		t.Error("duplicate outcome should reference the existing item")
	}

	all, _ := ledger.All(ctx)
	if len(all) != 1 {
		t.Errorf("ledger has %d items, want 1", len(all))
	}
}

func TestAdmit_DifferentDateIsAdditionalEvidence(t *testing.T) {
	ledger := NewLedger(NewMemoryBackend(), nil)
	ctx := context.Background()

	item := Item{
		ActorID:   uuid.New(),
		SourceID:  uuid.New(),
		SourceURL: "https://example.com/advisory",
		Published: datePtr(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)),
	}
	if _, err := ledger.Admit(ctx, item); err != nil {
		t.Fatal(err)
	}

	// Re-publication on a later date counts as fresh evidence.
	item.Published = datePtr(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	out, err := ledger.Admit(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Admitted {
		t.Errorf("different-date repeat should be admitted: %+v", out)
	}

	all, _ := ledger.All(ctx)
	if len(all) != 2 {
		t.Errorf("ledger has %d items, want 2", len(all))
	}
}

func TestAdmit_TwoMissingDatesAreDuplicates(t *testing.T) {
	ledger := NewLedger(NewMemoryBackend(), nil)
	ctx := context.Background()

	item := Item{ActorID: uuid.New(), SourceID: uuid.New(), SourceURL: "https://example.com/x"}
	if _, err := ledger.Admit(ctx, item); err != nil {
		t.Fatal(err)
	}
	out, err := ledger.Admit(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Error("two undated items with the same fingerprint should deduplicate")
	}
}

func TestAdmit_ConcurrentSameFingerprintAdmitsOnce(t *testing.T) {
	ledger := NewLedger(NewMemoryBackend(), nil)
	ctx := context.Background()

	item := Item{
		ActorID:   uuid.New(),
		SourceID:  uuid.New(),
		SourceURL: "https://example.com/race",
		Published: datePtr(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)),
	}

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := ledger.Admit(ctx, item)
			if err != nil {
				t.Error(err)
				return
			}
			if out.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("%d concurrent admissions succeeded, want exactly 1", admitted)
	}
	all, _ := ledger.All(ctx)
	if len(all) != 1 {
		t.Errorf("ledger has %d items, want 1", len(all))
	}
}

func TestAdmit_MarksDirtyAggregates(t *testing.T) {
	ledger := NewLedger(NewMemoryBackend(), nil)
	ctx := context.Background()

	actor := uuid.New()
	industry := uuid.New()
	technique := uuid.New()
	source := uuid.New()

	cases := []Item{
		{ActorID: actor, SourceID: source, SourceURL: "https://e.com/1", IndustryID: &industry},
		{ActorID: actor, SourceID: source, SourceURL: "https://e.com/2", TechniqueID: &technique},
		{ActorID: actor, SourceID: source, SourceURL: "https://e.com/3", IndustryID: &industry, TechniqueID: &technique},
		{ActorID: actor, SourceID: source, SourceURL: "https://e.com/4"}, // actor-only
	}
	for _, item := range cases {
		if _, err := ledger.Admit(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	pairs := ledger.Dirty().DrainPairs()
	if len(pairs) != 1 || pairs[0] != (PairKey{ActorID: actor, IndustryID: industry}) {
		t.Errorf("dirty pairs = %v", pairs)
	}

	techs := ledger.Dirty().DrainTechniques()
	if len(techs) != 2 {
		t.Fatalf("dirty technique keys = %v, want 2", techs)
	}
	wantUnscoped := TechniqueKey{ActorID: actor, TechniqueID: technique}
	wantScoped := TechniqueKey{ActorID: actor, TechniqueID: technique, IndustryID: industry}
	found := map[TechniqueKey]bool{techs[0]: true, techs[1]: true}
	if !found[wantUnscoped] || !found[wantScoped] {
		t.Errorf("dirty technique keys = %v", techs)
	}

	// Draining is destructive.
	if got := ledger.Dirty().DrainPairs(); len(got) != 0 {
		t.Errorf("second drain returned %v", got)
	}
}

func TestFilterMatches(t *testing.T) {
	actor := uuid.New()
	industry := uuid.New()
	other := uuid.New()

	item := Item{ActorID: actor, IndustryID: &industry}
	nilIndustry := Item{ActorID: actor}

	if !(Filter{ActorID: &actor}).Matches(item) {
		t.Error("actor filter should match")
	}
	if (Filter{ActorID: &other}).Matches(item) {
		t.Error("different actor should not match")
	}
	if (Filter{IndustryID: &industry}).Matches(nilIndustry) {
		t.Error("industry filter should exclude nil-industry items")
	}
	if !(Filter{IndustryID: &industry, OrNilIndustry: true}).Matches(nilIndustry) {
		t.Error("OrNilIndustry should include nil-industry items")
	}
}
