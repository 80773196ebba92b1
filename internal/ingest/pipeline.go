// Package ingest turns raw source mentions into ledger evidence.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/metrics"
	"github.com/threatcalc/threatcalc/internal/registry"
	"github.com/threatcalc/threatcalc/internal/resolver"
)

// ErrUnknownSource reports a mention batch for a source the registry has
// never seen.
var ErrUnknownSource = errors.New("unknown ingestion source")

// Mention is one raw threat-intel observation as extracted from a source,
// before any normalization.
type Mention struct {
	ActorName     string `json:"actor_name"`
	IndustryText  string `json:"industry_text"`
	TechniqueText string `json:"technique_text"`
	SourceURL     string `json:"source_url"`
	Title         string `json:"title"`
	Published     string `json:"published"`
	Excerpt       string `json:"excerpt"`
}

// Stats summarizes one ingestion run.
type Stats struct {
	Processed     int
	Admitted      int
	Duplicates    int
	Failed        int
	ActorsCreated int
}

func (s *Stats) add(other Stats) {
	s.Processed += other.Processed
	s.Admitted += other.Admitted
	s.Duplicates += other.Duplicates
	s.Failed += other.Failed
	s.ActorsCreated += other.ActorsCreated
}

// Pipeline normalizes mentions and admits the resulting evidence. Sources
// are processed in parallel; within a source, mentions stay sequential so a
// source's own ordering is preserved.
type Pipeline struct {
	resolver         *resolver.Resolver
	reg              *registry.Registry
	ledger           *evidence.Ledger
	metrics          *metrics.Metrics
	logger           *zap.Logger
	autoCreateActors bool
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(res *resolver.Resolver, reg *registry.Registry, ledger *evidence.Ledger, m *metrics.Metrics, logger *zap.Logger, autoCreateActors bool) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		resolver:         res,
		reg:              reg,
		ledger:           ledger,
		metrics:          m,
		logger:           logger,
		autoCreateActors: autoCreateActors,
	}
}

// Run processes every source batch in parallel and aggregates the stats.
// A failing source does not stop the others.
func (p *Pipeline) Run(ctx context.Context, batches map[string][]Mention) Stats {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total Stats
	)

	for name, mentions := range batches {
		wg.Add(1)
		go func(name string, mentions []Mention) {
			defer wg.Done()
			stats, err := p.ProcessSource(ctx, name, mentions)
			if err != nil {
				p.logger.Error("Source ingestion failed",
					zap.String("source", name),
					zap.Error(err),
				)
			}
			mu.Lock()
			total.add(stats)
			mu.Unlock()
		}(name, mentions)
	}
	wg.Wait()
	return total
}

// ProcessSource ingests one source's mentions sequentially. A mention that
// fails to normalize is counted and skipped, never aborts the batch.
func (p *Pipeline) ProcessSource(ctx context.Context, sourceName string, mentions []Mention) (Stats, error) {
	src, ok := p.reg.SourceByName(sourceName)
	if !ok {
		return Stats{}, fmt.Errorf("%w: %q", ErrUnknownSource, sourceName)
	}

	var stats Stats
	for _, m := range mentions {
		stats.Processed++
		outcome, err := p.processMention(ctx, src, m)
		if err != nil {
			stats.Failed++
			p.metrics.MentionsProcessed.WithLabelValues(sourceName, "failed").Inc()
			p.logger.Warn("Mention skipped",
				zap.String("source", sourceName),
				zap.String("actor", m.ActorName),
				zap.Error(err),
			)
			continue
		}
		stats.Admitted += outcome.admitted
		stats.Duplicates += outcome.duplicates
		stats.ActorsCreated += outcome.actorsCreated
		p.metrics.MentionsProcessed.WithLabelValues(sourceName, "ok").Inc()
		p.metrics.EvidenceAdmitted.WithLabelValues(sourceName).Add(float64(outcome.admitted))
		p.metrics.EvidenceDuplicates.WithLabelValues(sourceName).Add(float64(outcome.duplicates))
	}

	p.logger.Info("Source batch ingested",
		zap.String("source", sourceName),
		zap.Int("processed", stats.Processed),
		zap.Int("admitted", stats.Admitted),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}

type mentionOutcome struct {
	admitted      int
	duplicates    int
	actorsCreated int
}

// processMention normalizes one mention into evidence items. A mention
// naming several industries and techniques expands into the full cross
// product so each combination accumulates evidence independently.
func (p *Pipeline) processMention(ctx context.Context, src registry.Source, m Mention) (mentionOutcome, error) {
	var out mentionOutcome

	actorID, created, err := p.resolveActor(m.ActorName)
	if err != nil {
		return out, err
	}
	if created {
		out.actorsCreated++
	}

	industries := p.resolver.ResolveIndustries(m.IndustryText)
	techniques := p.resolveTechniques(m.TechniqueText)
	published := ParseDate(m.Published)

	admit := func(industryID, techniqueID *uuid.UUID) error {
		outcome, err := p.ledger.Admit(ctx, evidence.Item{
			ActorID:     actorID,
			IndustryID:  industryID,
			TechniqueID: techniqueID,
			SourceID:    src.ID,
			SourceURL:   m.SourceURL,
			SourceTitle: m.Title,
			Published:   published,
			Excerpt:     m.Excerpt,
			NeedsReview: created,
		})
		if err != nil {
			return err
		}
		if outcome.Duplicate {
			out.duplicates++
		} else {
			out.admitted++
		}
		return nil
	}

	switch {
	case len(industries) == 0 && len(techniques) == 0:
		// Actor-only evidence: kept for the actor's record, excluded from
		// the score tables.
		if err := admit(nil, nil); err != nil {
			return out, err
		}
	case len(techniques) == 0:
		for i := range industries {
			if err := admit(&industries[i].ID, nil); err != nil {
				return out, err
			}
		}
	case len(industries) == 0:
		for i := range techniques {
			if err := admit(nil, &techniques[i].ID); err != nil {
				return out, err
			}
		}
	default:
		for i := range industries {
			for j := range techniques {
				if err := admit(&industries[i].ID, &techniques[j].ID); err != nil {
					return out, err
				}
			}
		}
	}
	return out, nil
}

// resolveActor maps the mention's actor name to a canonical group,
// auto-creating a provisional one when enabled and no confident match
// exists. Provisional groups are flagged for analyst review.
func (p *Pipeline) resolveActor(name string) (uuid.UUID, bool, error) {
	result := p.resolver.Resolve(name, resolver.KindActor)
	if result.Matched {
		return result.EntityID, false, nil
	}

	p.metrics.ResolutionFailures.WithLabelValues(string(resolver.KindActor), string(result.Reason)).Inc()
	if result.Reason == resolver.ReasonEmptyInput || !p.autoCreateActors {
		return uuid.Nil, false, fmt.Errorf("actor %q unresolved: %s", name, result.Reason)
	}

	actor, err := p.reg.AddActor(registry.ThreatActorGroup{
		Name:        strings.TrimSpace(name),
		AutoCreated: true,
		NeedsReview: true,
	})
	if err != nil {
		// A concurrent batch may have created it first.
		if existing, ok := p.reg.ActorByName(name); ok {
			return existing.ID, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("auto-create actor %q: %w", name, err)
	}

	p.metrics.ActorsAutoCreated.Inc()
	p.logger.Info("Provisional actor created",
		zap.String("name", actor.Name),
		zap.String("actor_id", actor.ID.String()),
	)
	return actor.ID, true, nil
}

// resolveTechniques extracts every technique code from the text and keeps
// the ones the registry knows. Unknown codes are counted and dropped.
func (p *Pipeline) resolveTechniques(text string) []registry.Technique {
	var out []registry.Technique
	for _, code := range resolver.ExtractTechniqueCodes(text) {
		tech, ok := p.reg.TechniqueByCode(code)
		if !ok {
			p.metrics.ResolutionFailures.WithLabelValues(string(resolver.KindTechnique), string(resolver.ReasonUnknownCode)).Inc()
			p.logger.Debug("Unknown technique code dropped", zap.String("code", code))
			continue
		}
		out = append(out, tech)
	}
	return out
}

// dateLayouts are tried in order when parsing publication dates.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseDate parses a source's publication date leniently. Unparsable input
// yields nil; the item still scores, at neutral recency weight.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
