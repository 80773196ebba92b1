// Package storage provides the Postgres persistence for the evidence ledger
// and the derived score tables.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/confidence"
	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/scoring"
)

// schema is applied by Migrate. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS evidence_items (
	id           UUID PRIMARY KEY,
	actor_id     UUID NOT NULL,
	industry_id  UUID,
	technique_id UUID,
	source_id    UUID NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	source_title TEXT NOT NULL DEFAULT '',
	published    TIMESTAMPTZ,
	excerpt      TEXT NOT NULL DEFAULT '',
	fingerprint  TEXT NOT NULL,
	needs_review BOOLEAN NOT NULL DEFAULT FALSE,
	admitted_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_fingerprint ON evidence_items (fingerprint);
CREATE INDEX IF NOT EXISTS idx_evidence_actor ON evidence_items (actor_id);
CREATE INDEX IF NOT EXISTS idx_evidence_industry ON evidence_items (industry_id);

CREATE TABLE IF NOT EXISTS actor_industry_scores (
	actor_id       UUID NOT NULL,
	industry_id    UUID NOT NULL,
	weighted_score DOUBLE PRECISION NOT NULL,
	evidence_count INTEGER NOT NULL,
	confidence     TEXT NOT NULL,
	calculated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (actor_id, industry_id)
);

CREATE TABLE IF NOT EXISTS actor_technique_scores (
	actor_id       UUID NOT NULL,
	technique_id   UUID NOT NULL,
	industry_id    UUID NOT NULL,
	weighted_score DOUBLE PRECISION NOT NULL,
	evidence_count INTEGER NOT NULL,
	calculated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (actor_id, technique_id, industry_id)
);
`

// Store is the Postgres implementation of evidence.Backend and
// scoring.ScoreStore. The unscoped technique aggregate stores the zero UUID
// in industry_id so the composite key stays non-null.
type Store struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *zap.Logger
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
		logger:  logger,
	}, nil
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append implements evidence.Backend.
func (s *Store) Append(ctx context.Context, item evidence.Item) error {
	_, err := s.builder.
		Insert("evidence_items").
		Columns("id", "actor_id", "industry_id", "technique_id", "source_id",
			"source_url", "source_title", "published", "excerpt",
			"fingerprint", "needs_review", "admitted_at").
		Values(item.ID, item.ActorID, nullableUUID(item.IndustryID), nullableUUID(item.TechniqueID),
			item.SourceID, item.SourceURL, item.SourceTitle, nullableTime(item.Published),
			item.Excerpt, item.Fingerprint, item.NeedsReview, item.AdmittedAt).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// ByFingerprint implements evidence.Backend.
func (s *Store) ByFingerprint(ctx context.Context, fp string) ([]evidence.Item, error) {
	return s.queryItems(ctx, s.selectItems().Where(sq.Eq{"fingerprint": fp}))
}

// List implements evidence.Backend.
func (s *Store) List(ctx context.Context, f evidence.Filter) ([]evidence.Item, error) {
	q := s.selectItems()
	if f.ActorID != nil {
		q = q.Where(sq.Eq{"actor_id": *f.ActorID})
	}
	if f.IndustryID != nil {
		if f.OrNilIndustry {
			q = q.Where(sq.Or{
				sq.Eq{"industry_id": *f.IndustryID},
				sq.Eq{"industry_id": nil},
			})
		} else {
			q = q.Where(sq.Eq{"industry_id": *f.IndustryID})
		}
	}
	if f.TechniqueID != nil {
		q = q.Where(sq.Eq{"technique_id": *f.TechniqueID})
	}
	return s.queryItems(ctx, q)
}

// All implements evidence.Backend.
func (s *Store) All(ctx context.Context) ([]evidence.Item, error) {
	return s.queryItems(ctx, s.selectItems())
}

func (s *Store) selectItems() sq.SelectBuilder {
	return s.builder.
		Select("id", "actor_id", "industry_id", "technique_id", "source_id",
			"source_url", "source_title", "published", "excerpt",
			"fingerprint", "needs_review", "admitted_at").
		From("evidence_items").
		OrderBy("admitted_at", "id")
}

func (s *Store) queryItems(ctx context.Context, q sq.SelectBuilder) ([]evidence.Item, error) {
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var items []evidence.Item
	for rows.Next() {
		var (
			item        evidence.Item
			industryID  uuid.NullUUID
			techniqueID uuid.NullUUID
			published   sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.ActorID, &industryID, &techniqueID,
			&item.SourceID, &item.SourceURL, &item.SourceTitle, &published,
			&item.Excerpt, &item.Fingerprint, &item.NeedsReview, &item.AdmittedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		if industryID.Valid {
			id := industryID.UUID
			item.IndustryID = &id
		}
		if techniqueID.Valid {
			id := techniqueID.UUID
			item.TechniqueID = &id
		}
		if published.Valid {
			t := published.Time.UTC()
			item.Published = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ReplaceAll implements scoring.ScoreStore. Both tables are swapped in one
// transaction so readers never see a half-rebuilt state.
func (s *Store) ReplaceAll(ctx context.Context, pairs []scoring.ActorIndustryScore, techniques []scoring.ActorTechniqueScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	builder := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(tx)

	if _, err := tx.ExecContext(ctx, "DELETE FROM actor_industry_scores"); err != nil {
		return fmt.Errorf("clear pair scores: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM actor_technique_scores"); err != nil {
		return fmt.Errorf("clear technique scores: %w", err)
	}

	for _, p := range pairs {
		if _, err := builder.
			Insert("actor_industry_scores").
			Columns("actor_id", "industry_id", "weighted_score", "evidence_count", "confidence", "calculated_at").
			Values(p.ActorID, p.IndustryID, p.WeightedScore, p.EvidenceCount, string(p.Confidence), p.CalculatedAt).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("insert pair score: %w", err)
		}
	}
	for _, t := range techniques {
		if _, err := builder.
			Insert("actor_technique_scores").
			Columns("actor_id", "technique_id", "industry_id", "weighted_score", "evidence_count", "calculated_at").
			Values(t.ActorID, t.TechniqueID, t.IndustryID, t.WeightedScore, t.EvidenceCount, t.CalculatedAt).
			ExecContext(ctx); err != nil {
			return fmt.Errorf("insert technique score: %w", err)
		}
	}

	return tx.Commit()
}

// UpsertActorIndustry implements scoring.ScoreStore.
func (s *Store) UpsertActorIndustry(ctx context.Context, score scoring.ActorIndustryScore) error {
	_, err := s.builder.
		Insert("actor_industry_scores").
		Columns("actor_id", "industry_id", "weighted_score", "evidence_count", "confidence", "calculated_at").
		Values(score.ActorID, score.IndustryID, score.WeightedScore, score.EvidenceCount, string(score.Confidence), score.CalculatedAt).
		Suffix(`ON CONFLICT (actor_id, industry_id) DO UPDATE SET
			weighted_score = EXCLUDED.weighted_score,
			evidence_count = EXCLUDED.evidence_count,
			confidence = EXCLUDED.confidence,
			calculated_at = EXCLUDED.calculated_at`).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upsert pair score: %w", err)
	}
	return nil
}

// UpsertActorTechnique implements scoring.ScoreStore.
func (s *Store) UpsertActorTechnique(ctx context.Context, score scoring.ActorTechniqueScore) error {
	_, err := s.builder.
		Insert("actor_technique_scores").
		Columns("actor_id", "technique_id", "industry_id", "weighted_score", "evidence_count", "calculated_at").
		Values(score.ActorID, score.TechniqueID, score.IndustryID, score.WeightedScore, score.EvidenceCount, score.CalculatedAt).
		Suffix(`ON CONFLICT (actor_id, technique_id, industry_id) DO UPDATE SET
			weighted_score = EXCLUDED.weighted_score,
			evidence_count = EXCLUDED.evidence_count,
			calculated_at = EXCLUDED.calculated_at`).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upsert technique score: %w", err)
	}
	return nil
}

// ActorIndustry implements scoring.ScoreStore.
func (s *Store) ActorIndustry(ctx context.Context, industryID uuid.UUID) ([]scoring.ActorIndustryScore, error) {
	rows, err := s.builder.
		Select("actor_id", "industry_id", "weighted_score", "evidence_count", "confidence", "calculated_at").
		From("actor_industry_scores").
		Where(sq.Eq{"industry_id": industryID}).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pair scores: %w", err)
	}
	defer rows.Close()

	var out []scoring.ActorIndustryScore
	for rows.Next() {
		var (
			score scoring.ActorIndustryScore
			level string
		)
		if err := rows.Scan(&score.ActorID, &score.IndustryID, &score.WeightedScore,
			&score.EvidenceCount, &level, &score.CalculatedAt); err != nil {
			return nil, fmt.Errorf("scan pair score: %w", err)
		}
		score.Confidence = confidence.Level(level)
		out = append(out, score)
	}
	return out, rows.Err()
}

// ActorTechniques implements scoring.ScoreStore.
func (s *Store) ActorTechniques(ctx context.Context, actorID, industryID uuid.UUID) ([]scoring.ActorTechniqueScore, error) {
	rows, err := s.builder.
		Select("actor_id", "technique_id", "industry_id", "weighted_score", "evidence_count", "calculated_at").
		From("actor_technique_scores").
		Where(sq.Eq{"actor_id": actorID}).
		Where(sq.Or{
			sq.Eq{"industry_id": industryID},
			sq.Eq{"industry_id": uuid.Nil},
		}).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query technique scores: %w", err)
	}
	defer rows.Close()

	var out []scoring.ActorTechniqueScore
	for rows.Next() {
		var score scoring.ActorTechniqueScore
		if err := rows.Scan(&score.ActorID, &score.TechniqueID, &score.IndustryID,
			&score.WeightedScore, &score.EvidenceCount, &score.CalculatedAt); err != nil {
			return nil, fmt.Errorf("scan technique score: %w", err)
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
