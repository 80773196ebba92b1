// Package evidence provides the append-only evidence ledger and the
// deduplicator that gates admission into it.
package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrActorRequired  = errors.New("evidence item requires an actor reference")
	ErrSourceRequired = errors.New("evidence item requires a source reference")
)

// Item is one admitted, source-attributed fact linking an actor to an
// industry and/or technique. Items are immutable once admitted; they are
// never deleted except by explicit operator purge.
type Item struct {
	ID          uuid.UUID
	ActorID     uuid.UUID
	IndustryID  *uuid.UUID
	TechniqueID *uuid.UUID
	SourceID    uuid.UUID
	SourceURL   string
	SourceTitle string
	// Published is nil when the source date could not be parsed; such items
	// score with a neutral recency weight.
	Published   *time.Time
	Excerpt     string
	Fingerprint string
	NeedsReview bool
	AdmittedAt  time.Time
}

// Filter selects evidence items. Nil fields match everything.
type Filter struct {
	ActorID     *uuid.UUID
	IndustryID  *uuid.UUID
	TechniqueID *uuid.UUID
	// OrNilIndustry widens an IndustryID filter to also include items with
	// no industry, the shape technique scoring queries need.
	OrNilIndustry bool
}

// Backend is the abstract relational store behind the ledger. The in-memory
// implementation below is authoritative for tests; internal/storage provides
// the Postgres one.
type Backend interface {
	Append(ctx context.Context, item Item) error
	ByFingerprint(ctx context.Context, fp string) ([]Item, error)
	List(ctx context.Context, f Filter) ([]Item, error)
	All(ctx context.Context) ([]Item, error)
}

// Outcome reports an admission decision. A duplicate is a normal outcome,
// not an error.
type Outcome struct {
	Admitted   bool
	Duplicate  bool
	EvidenceID uuid.UUID
}

// Ledger is the append-only evidence store. Admission is serialized at the
// fingerprint level: two concurrent admissions with the same fingerprint
// cannot both succeed.
type Ledger struct {
	mu      sync.Mutex
	backend Backend
	dirty   *DirtyTracker
	logger  *zap.Logger

	// Now is the clock used for admission timestamps; replaceable in tests.
	Now func() time.Time
}

// NewLedger creates a ledger over a backend.
func NewLedger(backend Backend, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		backend: backend,
		dirty:   NewDirtyTracker(),
		logger:  logger,
		Now:     time.Now,
	}
}

// Admit applies the deduplication rule and appends the item if it is new.
// An item with an already-recorded fingerprint is rejected as a duplicate
// unless its publication date differs, in which case it is admitted as an
// additional item: re-publication is itself evidence of persistence.
func (l *Ledger) Admit(ctx context.Context, item Item) (Outcome, error) {
	if item.ActorID == uuid.Nil {
		return Outcome{}, ErrActorRequired
	}
	if item.SourceID == uuid.Nil {
		return Outcome{}, ErrSourceRequired
	}
	if item.Fingerprint == "" {
		item.Fingerprint = Fingerprint(item.SourceURL, item.ActorID, item.IndustryID, item.TechniqueID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.backend.ByFingerprint(ctx, item.Fingerprint)
	if err != nil {
		return Outcome{}, err
	}
	for _, prev := range existing {
		if sameDate(prev.Published, item.Published) {
			l.logger.Debug("Duplicate evidence rejected",
				zap.String("fingerprint", item.Fingerprint),
				zap.String("url", item.SourceURL),
			)
			return Outcome{Duplicate: true, EvidenceID: prev.ID}, nil
		}
	}

	item.ID = uuid.New()
	item.AdmittedAt = l.Now().UTC()
	if err := l.backend.Append(ctx, item); err != nil {
		return Outcome{}, err
	}

	l.markDirty(item)
	return Outcome{Admitted: true, EvidenceID: item.ID}, nil
}

// markDirty records the aggregates invalidated by the new item. Actor-only
// items touch no aggregate.
func (l *Ledger) markDirty(item Item) {
	if item.IndustryID != nil {
		l.dirty.MarkPair(PairKey{ActorID: item.ActorID, IndustryID: *item.IndustryID})
	}
	if item.TechniqueID != nil {
		key := TechniqueKey{ActorID: item.ActorID, TechniqueID: *item.TechniqueID}
		if item.IndustryID != nil {
			key.IndustryID = *item.IndustryID
		}
		l.dirty.MarkTechnique(key)
	}
}

// Items lists evidence matching the filter.
func (l *Ledger) Items(ctx context.Context, f Filter) ([]Item, error) {
	return l.backend.List(ctx, f)
}

// All lists every admitted item.
func (l *Ledger) All(ctx context.Context) ([]Item, error) {
	return l.backend.All(ctx)
}

// Dirty exposes the tracker of stale aggregates for the scoring engine.
func (l *Ledger) Dirty() *DirtyTracker {
	return l.dirty
}

// sameDate compares publication dates at day granularity; two missing dates
// are equal.
func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Matches reports whether an item satisfies a filter.
func (f Filter) Matches(item Item) bool {
	if f.ActorID != nil && item.ActorID != *f.ActorID {
		return false
	}
	if f.IndustryID != nil {
		if item.IndustryID == nil {
			if !f.OrNilIndustry {
				return false
			}
		} else if *item.IndustryID != *f.IndustryID {
			return false
		}
	}
	if f.TechniqueID != nil {
		if item.TechniqueID == nil || *item.TechniqueID != *f.TechniqueID {
			return false
		}
	}
	return true
}
