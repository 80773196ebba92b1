// Package resolver maps raw extracted strings to canonical entities.
//
// Resolution never guesses: an ambiguous fuzzy match (two candidates tied
// within the threshold) is reported as no-match and left to the caller to
// log, drop, or queue for review.
package resolver

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/threatcalc/threatcalc/internal/registry"
)

// Kind selects the entity vocabulary to resolve against.
type Kind string

const (
	KindActor     Kind = "actor"
	KindIndustry  Kind = "industry"
	KindTechnique Kind = "technique"
)

// Method records how a match was found.
type Method string

const (
	MethodExactName Method = "exact-name"
	MethodAlias     Method = "alias"
	MethodFuzzy     Method = "fuzzy"
	MethodKeyword   Method = "keyword"
	MethodCode      Method = "code"
)

// NoMatchReason explains a no-match result.
type NoMatchReason string

const (
	ReasonEmptyInput    NoMatchReason = "empty-input"
	ReasonNoCandidate   NoMatchReason = "no-candidate"
	ReasonAmbiguous     NoMatchReason = "ambiguous"
	ReasonMalformedCode NoMatchReason = "malformed-code"
	ReasonUnknownCode   NoMatchReason = "unknown-code"
	ReasonUnknownKind   NoMatchReason = "unknown-kind"
)

// Result is the outcome of one resolution attempt.
type Result struct {
	Matched  bool
	EntityID uuid.UUID
	Method   Method
	Reason   NoMatchReason
}

func noMatch(reason NoMatchReason) Result {
	return Result{Reason: reason}
}

func match(id uuid.UUID, method Method) Result {
	return Result{Matched: true, EntityID: id, Method: method}
}

// techniqueCodeRe extracts external technique identifiers: a letter-prefixed
// four-digit code, optionally with a dotted sub-identifier.
var techniqueCodeRe = regexp.MustCompile(`T\d{4}(?:\.\d{3})?`)

// Resolver resolves raw mentions against the canonical registry.
type Resolver struct {
	reg       *registry.Registry
	matcher   Matcher
	threshold int
	logger    *zap.Logger
}

// New creates a resolver. A match is accepted when its distance is strictly
// below threshold.
func New(reg *registry.Registry, matcher Matcher, threshold int, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{reg: reg, matcher: matcher, threshold: threshold, logger: logger}
}

// Resolve maps a raw string to a canonical entity of the given kind, or
// reports no confident match.
func (r *Resolver) Resolve(raw string, kind Kind) Result {
	switch kind {
	case KindActor:
		return r.resolveActor(raw)
	case KindIndustry:
		return r.resolveIndustry(raw)
	case KindTechnique:
		return r.resolveTechnique(raw)
	default:
		r.logger.Debug("Unknown entity kind", zap.String("kind", string(kind)))
		return noMatch(ReasonUnknownKind)
	}
}

func (r *Resolver) resolveActor(raw string) Result {
	name := strings.TrimSpace(raw)
	if name == "" {
		return noMatch(ReasonEmptyInput)
	}

	if actor, ok := r.reg.ActorByName(name); ok {
		return match(actor.ID, MethodExactName)
	}
	if actor, ok := r.reg.ActorByAlias(name); ok {
		return match(actor.ID, MethodAlias)
	}
	return r.fuzzy(name, r.reg.ActorCandidates())
}

func (r *Resolver) resolveIndustry(raw string) Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return noMatch(ReasonEmptyInput)
	}

	if ind, ok := r.reg.IndustryByName(text); ok {
		return match(ind.ID, MethodExactName)
	}

	// Keyword-set membership. Multiple distinct industries hitting the same
	// text is ambiguous for single-entity resolution; callers that want the
	// full set use ResolveIndustries.
	byKeyword := r.reg.IndustriesMatchingKeywords(text)
	if len(byKeyword) == 1 {
		return match(byKeyword[0].ID, MethodKeyword)
	}
	if len(byKeyword) > 1 {
		r.logger.Debug("Industry keyword match ambiguous",
			zap.String("text", text),
			zap.Int("candidates", len(byKeyword)),
		)
		return noMatch(ReasonAmbiguous)
	}

	return r.fuzzy(text, r.reg.IndustryCandidates())
}

func (r *Resolver) resolveTechnique(raw string) Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return noMatch(ReasonEmptyInput)
	}

	// Techniques resolve by pattern extraction, never fuzzy text matching.
	code := techniqueCodeRe.FindString(strings.ToUpper(text))
	if code == "" {
		r.logger.Debug("Malformed technique code", zap.String("text", text))
		return noMatch(ReasonMalformedCode)
	}
	tech, ok := r.reg.TechniqueByCode(code)
	if !ok {
		r.logger.Debug("Unknown technique code", zap.String("code", code))
		return noMatch(ReasonUnknownCode)
	}
	return match(tech.ID, MethodCode)
}

// fuzzy accepts the single best candidate under the threshold. A second
// distinct entity tying at the best distance is ambiguous, not a pick.
func (r *Resolver) fuzzy(input string, candidates []registry.Candidate) Result {
	bestDist := r.threshold
	var bestID uuid.UUID
	tied := false

	for _, c := range candidates {
		d := r.matcher.Distance(input, c.Text)
		if d >= r.threshold {
			continue
		}
		switch {
		case bestID == uuid.Nil || d < bestDist:
			bestDist = d
			bestID = c.EntityID
			tied = false
		case d == bestDist && c.EntityID != bestID:
			tied = true
		}
	}

	if bestID == uuid.Nil {
		return noMatch(ReasonNoCandidate)
	}
	if tied {
		r.logger.Debug("Fuzzy match ambiguous",
			zap.String("input", input),
			zap.Int("distance", bestDist),
		)
		return noMatch(ReasonAmbiguous)
	}
	return match(bestID, MethodFuzzy)
}

// ResolveIndustries returns every industry whose keywords or name match the
// text. Resolving an industry never implicitly asserts its ancestors; each
// level of the hierarchy must be separately evidenced.
func (r *Resolver) ResolveIndustries(text string) []registry.Industry {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	seen := make(map[uuid.UUID]bool)
	var out []registry.Industry

	if ind, ok := r.reg.IndustryByName(text); ok {
		seen[ind.ID] = true
		out = append(out, ind)
	}
	for _, ind := range r.reg.IndustriesMatchingKeywords(text) {
		if !seen[ind.ID] {
			seen[ind.ID] = true
			out = append(out, ind)
		}
	}
	return out
}

// ExtractTechniqueCodes returns all technique identifiers found in the text,
// uppercased, in order of appearance, deduplicated.
func ExtractTechniqueCodes(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, code := range techniqueCodeRe.FindAllString(strings.ToUpper(text), -1) {
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out
}
