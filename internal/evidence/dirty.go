package evidence

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// PairKey identifies an (actor, industry) aggregate.
type PairKey struct {
	ActorID    uuid.UUID
	IndustryID uuid.UUID
}

// TechniqueKey identifies an (actor, technique, industry-or-none) aggregate.
// IndustryID is uuid.Nil for the unscoped aggregate.
type TechniqueKey struct {
	ActorID     uuid.UUID
	TechniqueID uuid.UUID
	IndustryID  uuid.UUID
}

// DirtyTracker records aggregates whose scores are stale relative to the
// ledger. Draining is destructive: the scoring engine owns whatever it
// drains.
type DirtyTracker struct {
	mu         sync.Mutex
	pairs      map[PairKey]struct{}
	techniques map[TechniqueKey]struct{}
}

// NewDirtyTracker creates an empty tracker.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{
		pairs:      make(map[PairKey]struct{}),
		techniques: make(map[TechniqueKey]struct{}),
	}
}

// MarkPair flags an (actor, industry) aggregate as stale.
func (d *DirtyTracker) MarkPair(key PairKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pairs[key] = struct{}{}
}

// MarkTechnique flags an (actor, technique, industry) aggregate as stale.
func (d *DirtyTracker) MarkTechnique(key TechniqueKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.techniques[key] = struct{}{}
}

// DrainPairs removes and returns all stale pairs in deterministic order.
func (d *DirtyTracker) DrainPairs() []PairKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PairKey, 0, len(d.pairs))
	for key := range d.pairs {
		out = append(out, key)
	}
	d.pairs = make(map[PairKey]struct{})

	sort.Slice(out, func(i, j int) bool {
		if out[i].ActorID != out[j].ActorID {
			return out[i].ActorID.String() < out[j].ActorID.String()
		}
		return out[i].IndustryID.String() < out[j].IndustryID.String()
	})
	return out
}

// DrainTechniques removes and returns all stale technique keys in
// deterministic order.
func (d *DirtyTracker) DrainTechniques() []TechniqueKey {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]TechniqueKey, 0, len(d.techniques))
	for key := range d.techniques {
		out = append(out, key)
	}
	d.techniques = make(map[TechniqueKey]struct{})

	sort.Slice(out, func(i, j int) bool {
		if out[i].ActorID != out[j].ActorID {
			return out[i].ActorID.String() < out[j].ActorID.String()
		}
		if out[i].TechniqueID != out[j].TechniqueID {
			return out[i].TechniqueID.String() < out[j].TechniqueID.String()
		}
		return out[i].IndustryID.String() < out[j].IndustryID.String()
	})
	return out
}
