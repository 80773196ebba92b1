package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/evidence"
	"github.com/threatcalc/threatcalc/internal/ingest"
	"github.com/threatcalc/threatcalc/internal/registry"
	"github.com/threatcalc/threatcalc/internal/resolver"
	"github.com/threatcalc/threatcalc/internal/scoring"
)

// maxCitations caps the source URLs attached to each ranked actor.
const maxCitations = 5

type industryResponse struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Code      string     `json:"code,omitempty"`
	NAICSCode string     `json:"naics_code,omitempty"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Keywords  []string   `json:"keywords,omitempty"`
}

type actorResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Aliases     []string  `json:"aliases,omitempty"`
	MitreID     string    `json:"mitre_id,omitempty"`
	AutoCreated bool      `json:"auto_created,omitempty"`
	NeedsReview bool      `json:"needs_review,omitempty"`
}

type rankedActorResponse struct {
	Actor         actorResponse `json:"actor"`
	Score         float64       `json:"score"`
	EvidenceCount int           `json:"evidence_count"`
	Confidence    string        `json:"confidence"`
	Citations     []string      `json:"citations,omitempty"`
}

type rankedTechniqueResponse struct {
	ID            uuid.UUID `json:"id"`
	Code          string    `json:"code"`
	Name          string    `json:"name"`
	Tactic        string    `json:"tactic,omitempty"`
	Score         float64   `json:"score"`
	EvidenceCount int       `json:"evidence_count"`
}

type evidenceResponse struct {
	ID          uuid.UUID  `json:"id"`
	ActorID     uuid.UUID  `json:"actor_id"`
	IndustryID  *uuid.UUID `json:"industry_id,omitempty"`
	TechniqueID *uuid.UUID `json:"technique_id,omitempty"`
	SourceID    uuid.UUID  `json:"source_id"`
	SourceURL   string     `json:"source_url,omitempty"`
	SourceTitle string     `json:"source_title,omitempty"`
	Published   *time.Time `json:"published,omitempty"`
	Excerpt     string     `json:"excerpt,omitempty"`
	NeedsReview bool       `json:"needs_review,omitempty"`
	AdmittedAt  time.Time  `json:"admitted_at"`
}

func toActorResponse(a registry.ThreatActorGroup) actorResponse {
	return actorResponse{
		ID:          a.ID,
		Name:        a.Name,
		Aliases:     a.Aliases,
		MitreID:     a.MitreID,
		AutoCreated: a.AutoCreated,
		NeedsReview: a.NeedsReview,
	}
}

func toIndustryResponse(ind registry.Industry) industryResponse {
	return industryResponse{
		ID:        ind.ID,
		Name:      ind.Name,
		Code:      ind.Code,
		NAICSCode: ind.NAICSCode,
		ParentID:  ind.ParentID,
		Keywords:  ind.Keywords,
	}
}

func toEvidenceResponse(item evidence.Item) evidenceResponse {
	return evidenceResponse{
		ID:          item.ID,
		ActorID:     item.ActorID,
		IndustryID:  item.IndustryID,
		TechniqueID: item.TechniqueID,
		SourceID:    item.SourceID,
		SourceURL:   item.SourceURL,
		SourceTitle: item.SourceTitle,
		Published:   item.Published,
		Excerpt:     item.Excerpt,
		NeedsReview: item.NeedsReview,
		AdmittedAt:  item.AdmittedAt,
	}
}

type resolveRequest struct {
	Text string `json:"text"`
	Kind string `json:"kind"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.resolver.Resolve(req.Text, resolver.Kind(req.Kind))
	resp := map[string]interface{}{"matched": result.Matched}
	if result.Matched {
		resp["entity_id"] = result.EntityID
		resp["method"] = result.Method
	} else {
		resp["reason"] = result.Reason
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	Source   string           `json:"source"`
	Mentions []ingest.Mention `json:"mentions"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	s.ingestMentions(w, r, req.Source, req.Mentions)
}

func (s *Server) handleIngestFeed(w http.ResponseWriter, r *http.Request) {
	sourceName := r.URL.Query().Get("source")
	if sourceName == "" {
		s.writeError(w, http.StatusBadRequest, "source query parameter is required")
		return
	}

	mentions, err := ingest.ParseFeed(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.ingestMentions(w, r, sourceName, mentions)
}

// ingestMentions runs one source batch, refreshes the touched aggregates,
// and drops stale cached rankings.
func (s *Server) ingestMentions(w http.ResponseWriter, r *http.Request, sourceName string, mentions []ingest.Mention) {
	stats, err := s.pipeline.ProcessSource(r.Context(), sourceName, mentions)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownSource) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.engine.Recompute(r.Context(), scoring.ScopeDirty); err != nil {
		s.logger.Error("Incremental recompute failed", zap.Error(err))
	}
	s.cache.Invalidate(r.Context(), cacheKeyPrefix)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":         sourceName,
		"processed":      stats.Processed,
		"admitted":       stats.Admitted,
		"duplicates":     stats.Duplicates,
		"failed":         stats.Failed,
		"actors_created": stats.ActorsCreated,
	})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	scope := scoring.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = scoring.ScopeFull
	}

	start := time.Now()
	err := s.engine.Recompute(r.Context(), scope)
	s.metrics.RecomputeDuration.WithLabelValues(string(scope)).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, scoring.ErrUnknownScope) {
			s.metrics.RecomputeRuns.WithLabelValues(string(scope), "rejected").Inc()
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.metrics.RecomputeRuns.WithLabelValues(string(scope), "failed").Inc()
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.RecomputeRuns.WithLabelValues(string(scope), "ok").Inc()
	s.cache.Invalidate(r.Context(), cacheKeyPrefix)

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "recomputed",
		"scope":  string(scope),
	})
}

func (s *Server) handleListIndustries(w http.ResponseWriter, r *http.Request) {
	industries := s.reg.Industries()
	out := make([]industryResponse, 0, len(industries))
	for _, ind := range industries {
		out = append(out, toIndustryResponse(ind))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"industries": out,
		"count":      len(out),
	})
}

func (s *Server) handleIndustryActors(w http.ResponseWriter, r *http.Request) {
	industryID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid industry id")
		return
	}
	if _, ok := s.reg.Industry(industryID); !ok {
		s.writeError(w, http.StatusNotFound, "industry not found")
		return
	}
	limit := queryInt(r, "limit", 10)

	cacheKey := fmt.Sprintf("%sindustry:%s:actors:%d", cacheKeyPrefix, industryID, limit)
	var cached map[string]interface{}
	if s.cache.GetJSON(r.Context(), cacheKey, &cached) {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	ranked, err := s.engine.TopActors(r.Context(), industryID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]rankedActorResponse, 0, len(ranked))
	for _, ra := range ranked {
		out = append(out, rankedActorResponse{
			Actor:         toActorResponse(ra.Actor),
			Score:         ra.Score,
			EvidenceCount: ra.EvidenceCount,
			Confidence:    string(ra.Confidence),
			Citations:     s.citations(r, ra.Actor.ID, industryID),
		})
	}

	resp := map[string]interface{}{
		"industry_id": industryID,
		"actors":      out,
		"count":       len(out),
	}
	s.cache.SetJSON(r.Context(), cacheKey, resp)
	s.writeJSON(w, http.StatusOK, resp)
}

// citations returns the deduplicated source URLs backing an actor's ranking
// within an industry. When the ranking came from a parent-industry fallback
// the scoped filter finds nothing, so it widens to the actor's evidence.
func (s *Server) citations(r *http.Request, actorID, industryID uuid.UUID) []string {
	items, err := s.ledger.Items(r.Context(), evidence.Filter{ActorID: &actorID, IndustryID: &industryID})
	if err != nil || len(items) == 0 {
		items, err = s.ledger.Items(r.Context(), evidence.Filter{ActorID: &actorID})
		if err != nil {
			return nil
		}
	}

	seen := make(map[string]bool)
	var urls []string
	for _, item := range items {
		if item.SourceURL == "" || seen[item.SourceURL] {
			continue
		}
		seen[item.SourceURL] = true
		urls = append(urls, item.SourceURL)
		if len(urls) == maxCitations {
			break
		}
	}
	return urls
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	actors := s.reg.Actors()
	out := make([]actorResponse, 0, len(actors))
	for _, a := range actors {
		out = append(out, toActorResponse(a))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"actors": out,
		"count":  len(out),
	})
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	actorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid actor id")
		return
	}
	actor, ok := s.reg.Actor(actorID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "actor not found")
		return
	}

	items, err := s.ledger.Items(r.Context(), evidence.Filter{ActorID: &actorID})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"actor":          toActorResponse(actor),
		"evidence_count": len(items),
	})
}

func (s *Server) handleActorTechniques(w http.ResponseWriter, r *http.Request) {
	actorID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid actor id")
		return
	}
	if _, ok := s.reg.Actor(actorID); !ok {
		s.writeError(w, http.StatusNotFound, "actor not found")
		return
	}

	industryID := uuid.Nil
	if raw := r.URL.Query().Get("industry_id"); raw != "" {
		industryID, err = uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid industry id")
			return
		}
	}
	limit := queryInt(r, "limit", 10)

	ranked, err := s.engine.TopTechniques(r.Context(), actorID, industryID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]rankedTechniqueResponse, 0, len(ranked))
	for _, rt := range ranked {
		out = append(out, rankedTechniqueResponse{
			ID:            rt.Technique.ID,
			Code:          rt.Technique.Code,
			Name:          rt.Technique.Name,
			Tactic:        rt.Technique.Tactic,
			Score:         rt.Score,
			EvidenceCount: rt.EvidenceCount,
		})
	}

	resp := map[string]interface{}{
		"actor_id":   actorID,
		"techniques": out,
		"count":      len(out),
	}
	if industryID != uuid.Nil {
		resp["industry_id"] = industryID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	var filter evidence.Filter
	for _, q := range []struct {
		name string
		dest **uuid.UUID
	}{
		{"actor_id", &filter.ActorID},
		{"industry_id", &filter.IndustryID},
		{"technique_id", &filter.TechniqueID},
	} {
		raw := r.URL.Query().Get(q.name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid "+q.name)
			return
		}
		*q.dest = &id
	}

	items, err := s.ledger.Items(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]evidenceResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toEvidenceResponse(item))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"evidence": out,
		"count":    len(out),
	})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func decodeJSON(r *http.Request, dest interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dest)
}
