// Package scoring recomputes the weighted actor-industry and
// actor-technique aggregates from the evidence ledger.
//
// Scores are a pure function of ledger content: the same evidence set always
// produces the same score, whether recomputed in full or incrementally.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/confidence"
	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/registry"
)

// Scope selects how much to recompute.
type Scope string

const (
	// ScopeFull rebuilds every pair from scratch; used after bulk ingestion
	// or on explicit operator request. Idempotent and restartable.
	ScopeFull Scope = "full"
	// ScopeDirty recomputes only the pairs touched by newly admitted
	// evidence; used for routine per-source ingestion runs.
	ScopeDirty Scope = "dirty_only"
)

// ErrUnknownScope reports an unrecognized recompute scope.
var ErrUnknownScope = errors.New("unknown recompute scope")

// RankedActor is one row of an industry's actor ranking.
type RankedActor struct {
	Actor         registry.ThreatActorGroup
	Score         float64
	EvidenceCount int
	Confidence    confidence.Level
}

// RankedTechnique is one row of an actor's technique ranking.
type RankedTechnique struct {
	Technique     registry.Technique
	Score         float64
	EvidenceCount int
}

// Engine owns the derived score tables. Nothing else writes to them.
type Engine struct {
	ledger     *evidence.Ledger
	reg        *registry.Registry
	scores     ScoreStore
	params     Params
	classifier *confidence.Classifier
	logger     *zap.Logger

	// rebuildMu makes the full rebuild a single-writer pass.
	rebuildMu sync.Mutex
	// pairLocks serializes incremental recomputation per aggregate key;
	// independent pairs recompute in parallel.
	pairLocks sync.Map

	// Now is the clock used for recency weighting; replaceable in tests.
	Now func() time.Time
}

// NewEngine creates a scoring engine over the ledger and score store.
func NewEngine(ledger *evidence.Ledger, reg *registry.Registry, scores ScoreStore, params Params, classifier *confidence.Classifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		ledger:     ledger,
		reg:        reg,
		scores:     scores,
		params:     params,
		classifier: classifier,
		logger:     logger,
		Now:        time.Now,
	}
}

// Recompute refreshes the derived score tables for the given scope.
func (e *Engine) Recompute(ctx context.Context, scope Scope) error {
	switch scope {
	case ScopeFull:
		return e.recomputeFull(ctx)
	case ScopeDirty:
		return e.recomputeDirty(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
}

// recomputeFull rebuilds both tables from the entire ledger and swaps them
// in atomically, so a failure partway leaves the previous values intact.
func (e *Engine) recomputeFull(ctx context.Context) error {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	start := e.Now()
	items, err := e.ledger.All(ctx)
	if err != nil {
		return fmt.Errorf("list evidence: %w", err)
	}

	pairGroups := make(map[evidence.PairKey][]evidence.Item)
	techGroups := make(map[evidence.TechniqueKey][]evidence.Item)
	for _, item := range items {
		// Actor-only items are retained in the ledger but excluded from
		// both score tables.
		if item.IndustryID != nil {
			key := evidence.PairKey{ActorID: item.ActorID, IndustryID: *item.IndustryID}
			pairGroups[key] = append(pairGroups[key], item)
		}
		if item.TechniqueID != nil {
			key := evidence.TechniqueKey{ActorID: item.ActorID, TechniqueID: *item.TechniqueID}
			if item.IndustryID != nil {
				key.IndustryID = *item.IndustryID
			}
			techGroups[key] = append(techGroups[key], item)
		}
	}

	asOf := start
	pairs := make([]ActorIndustryScore, 0, len(pairGroups))
	for _, key := range sortedPairKeys(pairGroups) {
		pairs = append(pairs, e.scorePair(key, pairGroups[key], asOf))
	}
	techniques := make([]ActorTechniqueScore, 0, len(techGroups))
	for _, key := range sortedTechKeys(techGroups) {
		techniques = append(techniques, e.scoreTechnique(key, techGroups[key], asOf))
	}

	if err := e.scores.ReplaceAll(ctx, pairs, techniques); err != nil {
		return fmt.Errorf("swap score tables: %w", err)
	}

	e.logger.Info("Full score rebuild complete",
		zap.Int("evidence_items", len(items)),
		zap.Int("actor_industry_pairs", len(pairs)),
		zap.Int("actor_technique_rows", len(techniques)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// recomputeDirty refreshes only the aggregates flagged since the last run.
// One bad pair does not abort the rest.
func (e *Engine) recomputeDirty(ctx context.Context) error {
	dirty := e.ledger.Dirty()
	pairKeys := dirty.DrainPairs()
	techKeys := dirty.DrainTechniques()
	asOf := e.Now()

	var errs []error
	for _, key := range pairKeys {
		if err := e.recomputePair(ctx, key, asOf); err != nil {
			e.logger.Warn("Pair recompute failed",
				zap.String("actor_id", key.ActorID.String()),
				zap.String("industry_id", key.IndustryID.String()),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	for _, key := range techKeys {
		if err := e.recomputeTechniqueKey(ctx, key, asOf); err != nil {
			e.logger.Warn("Technique recompute failed",
				zap.String("actor_id", key.ActorID.String()),
				zap.String("technique_id", key.TechniqueID.String()),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}

	e.logger.Info("Dirty recompute complete",
		zap.Int("pairs", len(pairKeys)),
		zap.Int("technique_rows", len(techKeys)),
		zap.Int("failures", len(errs)),
	)
	return errors.Join(errs...)
}

func (e *Engine) recomputePair(ctx context.Context, key evidence.PairKey, asOf time.Time) error {
	unlock := e.lockKey("pair:" + key.ActorID.String() + ":" + key.IndustryID.String())
	defer unlock()

	industryID := key.IndustryID
	items, err := e.ledger.Items(ctx, evidence.Filter{ActorID: &key.ActorID, IndustryID: &industryID})
	if err != nil {
		return err
	}
	return e.scores.UpsertActorIndustry(ctx, e.scorePair(key, items, asOf))
}

func (e *Engine) recomputeTechniqueKey(ctx context.Context, key evidence.TechniqueKey, asOf time.Time) error {
	unlock := e.lockKey("tech:" + key.ActorID.String() + ":" + key.TechniqueID.String() + ":" + key.IndustryID.String())
	defer unlock()

	filter := evidence.Filter{ActorID: &key.ActorID, TechniqueID: &key.TechniqueID}
	if key.IndustryID != uuid.Nil {
		industryID := key.IndustryID
		filter.IndustryID = &industryID
	}
	items, err := e.ledger.Items(ctx, filter)
	if err != nil {
		return err
	}
	if key.IndustryID == uuid.Nil {
		// The unscoped aggregate covers only industry-less technique
		// evidence; industry-scoped items live in their own rows.
		scoped := items[:0]
		for _, item := range items {
			if item.IndustryID == nil {
				scoped = append(scoped, item)
			}
		}
		items = scoped
	}
	return e.scores.UpsertActorTechnique(ctx, e.scoreTechnique(key, items, asOf))
}

// scorePair computes one (actor, industry) aggregate.
func (e *Engine) scorePair(key evidence.PairKey, items []evidence.Item, asOf time.Time) ActorIndustryScore {
	score := 0.0
	inputs := confidence.Inputs{EvidenceCount: len(items)}
	sources := make(map[uuid.UUID]bool)
	reliabilitySum := 0.0

	for _, item := range items {
		src, ok := e.reg.Source(item.SourceID)
		score += e.params.RecencyWeight(item.Published, asOf) * SourceWeight(src, ok)
		sources[item.SourceID] = true
		if ok {
			reliabilitySum += float64(src.ReliabilityWeight)
		} else {
			reliabilitySum += 5.0
		}
		if item.Published != nil && (inputs.MostRecent == nil || item.Published.After(*inputs.MostRecent)) {
			d := *item.Published
			inputs.MostRecent = &d
		}
	}

	inputs.DistinctSources = len(sources)
	if len(items) > 0 {
		inputs.AvgReliability = reliabilitySum / float64(len(items))
	}

	return ActorIndustryScore{
		ActorID:       key.ActorID,
		IndustryID:    key.IndustryID,
		WeightedScore: score,
		EvidenceCount: len(items),
		Confidence:    e.classifier.Classify(inputs),
		CalculatedAt:  asOf,
	}
}

// scoreTechnique computes one (actor, technique, industry-or-none)
// aggregate. Industry-scoped evidence earns the industry match bonus.
func (e *Engine) scoreTechnique(key evidence.TechniqueKey, items []evidence.Item, asOf time.Time) ActorTechniqueScore {
	score := 0.0
	for _, item := range items {
		src, ok := e.reg.Source(item.SourceID)
		w := e.params.RecencyWeight(item.Published, asOf) * SourceWeight(src, ok)
		if key.IndustryID != uuid.Nil && item.IndustryID != nil && *item.IndustryID == key.IndustryID {
			w *= e.params.IndustryMatchBonus
		}
		score += w
	}
	return ActorTechniqueScore{
		ActorID:       key.ActorID,
		TechniqueID:   key.TechniqueID,
		IndustryID:    key.IndustryID,
		WeightedScore: score,
		EvidenceCount: len(items),
		CalculatedAt:  asOf,
	}
}

// TopActors returns an industry's actor ranking, ordered by score
// descending, then evidence count descending, then actor name ascending.
// A sub-industry with no scored pairs falls back to its parent.
func (e *Engine) TopActors(ctx context.Context, industryID uuid.UUID, limit int) ([]RankedActor, error) {
	rows, err := e.scores.ActorIndustry(ctx, industryID)
	if err != nil {
		return nil, err
	}

	// Query-side parent fallback only; resolution never asserts ancestors.
	cur := industryID
	for len(rows) == 0 {
		ind, ok := e.reg.Industry(cur)
		if !ok || ind.ParentID == nil {
			break
		}
		cur = *ind.ParentID
		if rows, err = e.scores.ActorIndustry(ctx, cur); err != nil {
			return nil, err
		}
	}

	ranked := make([]RankedActor, 0, len(rows))
	for _, row := range rows {
		actor, ok := e.reg.Actor(row.ActorID)
		if !ok {
			e.logger.Warn("Score row references unknown actor", zap.String("actor_id", row.ActorID.String()))
			continue
		}
		ranked = append(ranked, RankedActor{
			Actor:         actor,
			Score:         row.WeightedScore,
			EvidenceCount: row.EvidenceCount,
			Confidence:    row.Confidence,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].EvidenceCount != ranked[j].EvidenceCount {
			return ranked[i].EvidenceCount > ranked[j].EvidenceCount
		}
		return ranked[i].Actor.Name < ranked[j].Actor.Name
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// TopTechniques returns an actor's technique ranking, optionally scoped to
// an industry (pass uuid.Nil for unscoped). Industry-scoped and unscoped
// rows for the same technique are merged, mirroring how the aggregates
// partition the evidence.
func (e *Engine) TopTechniques(ctx context.Context, actorID, industryID uuid.UUID, limit int) ([]RankedTechnique, error) {
	rows, err := e.scores.ActorTechniques(ctx, actorID, industryID)
	if err != nil {
		return nil, err
	}

	merged := make(map[uuid.UUID]*RankedTechnique)
	for _, row := range rows {
		tech, ok := e.reg.Technique(row.TechniqueID)
		if !ok {
			e.logger.Warn("Score row references unknown technique", zap.String("technique_id", row.TechniqueID.String()))
			continue
		}
		entry, exists := merged[row.TechniqueID]
		if !exists {
			entry = &RankedTechnique{Technique: tech}
			merged[row.TechniqueID] = entry
		}
		entry.Score += row.WeightedScore
		entry.EvidenceCount += row.EvidenceCount
	}

	ranked := make([]RankedTechnique, 0, len(merged))
	for _, entry := range merged {
		ranked = append(ranked, *entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].EvidenceCount != ranked[j].EvidenceCount {
			return ranked[i].EvidenceCount > ranked[j].EvidenceCount
		}
		if ranked[i].Technique.Name != ranked[j].Technique.Name {
			return ranked[i].Technique.Name < ranked[j].Technique.Name
		}
		return ranked[i].Technique.Code < ranked[j].Technique.Code
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// lockKey acquires the per-aggregate mutex and returns its unlock func.
func (e *Engine) lockKey(key string) func() {
	muIface, _ := e.pairLocks.LoadOrStore(key, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func sortedPairKeys(groups map[evidence.PairKey][]evidence.Item) []evidence.PairKey {
	keys := make([]evidence.PairKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ActorID != keys[j].ActorID {
			return keys[i].ActorID.String() < keys[j].ActorID.String()
		}
		return keys[i].IndustryID.String() < keys[j].IndustryID.String()
	})
	return keys
}

func sortedTechKeys(groups map[evidence.TechniqueKey][]evidence.Item) []evidence.TechniqueKey {
	keys := make([]evidence.TechniqueKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ActorID != keys[j].ActorID {
			return keys[i].ActorID.String() < keys[j].ActorID.String()
		}
		if keys[i].TechniqueID != keys[j].TechniqueID {
			return keys[i].TechniqueID.String() < keys[j].TechniqueID.String()
		}
		return keys[i].IndustryID.String() < keys[j].IndustryID.String()
	})
	return keys
}
