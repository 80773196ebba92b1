package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/threatcalc/threatcalc/internal/confidence"
)

// ActorIndustryScore is the precomputed aggregate for one (actor, industry)
// pair. It is a materialized view over the evidence ledger, rebuildable at
// any time, never a source of truth.
type ActorIndustryScore struct {
	ActorID       uuid.UUID
	IndustryID    uuid.UUID
	WeightedScore float64
	EvidenceCount int
	Confidence    confidence.Level
	CalculatedAt  time.Time
}

// ActorTechniqueScore is the precomputed aggregate for one (actor,
// technique, industry-or-none) triple. IndustryID is uuid.Nil for the
// unscoped aggregate.
type ActorTechniqueScore struct {
	ActorID       uuid.UUID
	TechniqueID   uuid.UUID
	IndustryID    uuid.UUID
	WeightedScore float64
	EvidenceCount int
	CalculatedAt  time.Time
}

// ScoreStore owns the two derived score tables. Only the scoring engine
// writes to it.
type ScoreStore interface {
	// ReplaceAll atomically swaps in a full rebuild of both tables.
	ReplaceAll(ctx context.Context, pairs []ActorIndustryScore, techniques []ActorTechniqueScore) error

	UpsertActorIndustry(ctx context.Context, score ActorIndustryScore) error
	UpsertActorTechnique(ctx context.Context, score ActorTechniqueScore) error

	// ActorIndustry returns all pair scores for an industry.
	ActorIndustry(ctx context.Context, industryID uuid.UUID) ([]ActorIndustryScore, error)

	// ActorTechniques returns an actor's technique scores scoped to the
	// given industry plus its unscoped scores. Pass uuid.Nil for unscoped
	// only.
	ActorTechniques(ctx context.Context, actorID, industryID uuid.UUID) ([]ActorTechniqueScore, error)
}

type pairMapKey struct {
	actor    uuid.UUID
	industry uuid.UUID
}

type techMapKey struct {
	actor     uuid.UUID
	technique uuid.UUID
	industry  uuid.UUID
}

// MemoryScoreStore is the in-memory rendition of the score tables.
type MemoryScoreStore struct {
	mu         sync.RWMutex
	pairs      map[pairMapKey]ActorIndustryScore
	techniques map[techMapKey]ActorTechniqueScore
}

// NewMemoryScoreStore creates an empty score store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{
		pairs:      make(map[pairMapKey]ActorIndustryScore),
		techniques: make(map[techMapKey]ActorTechniqueScore),
	}
}

// ReplaceAll implements ScoreStore. The swap is atomic: readers see either
// the old tables or the new ones, never a half-updated mix.
func (m *MemoryScoreStore) ReplaceAll(_ context.Context, pairs []ActorIndustryScore, techniques []ActorTechniqueScore) error {
	newPairs := make(map[pairMapKey]ActorIndustryScore, len(pairs))
	for _, s := range pairs {
		newPairs[pairMapKey{s.ActorID, s.IndustryID}] = s
	}
	newTechs := make(map[techMapKey]ActorTechniqueScore, len(techniques))
	for _, s := range techniques {
		newTechs[techMapKey{s.ActorID, s.TechniqueID, s.IndustryID}] = s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs = newPairs
	m.techniques = newTechs
	return nil
}

// UpsertActorIndustry implements ScoreStore.
func (m *MemoryScoreStore) UpsertActorIndustry(_ context.Context, score ActorIndustryScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[pairMapKey{score.ActorID, score.IndustryID}] = score
	return nil
}

// UpsertActorTechnique implements ScoreStore.
func (m *MemoryScoreStore) UpsertActorTechnique(_ context.Context, score ActorTechniqueScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.techniques[techMapKey{score.ActorID, score.TechniqueID, score.IndustryID}] = score
	return nil
}

// ActorIndustry implements ScoreStore.
func (m *MemoryScoreStore) ActorIndustry(_ context.Context, industryID uuid.UUID) ([]ActorIndustryScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActorIndustryScore
	for key, s := range m.pairs {
		if key.industry == industryID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ActorTechniques implements ScoreStore.
func (m *MemoryScoreStore) ActorTechniques(_ context.Context, actorID, industryID uuid.UUID) ([]ActorTechniqueScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActorTechniqueScore
	for key, s := range m.techniques {
		if key.actor != actorID {
			continue
		}
		if key.industry == industryID || key.industry == uuid.Nil {
			out = append(out, s)
		}
	}
	return out, nil
}
