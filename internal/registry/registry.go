// Package registry holds the canonical identities for threat actor groups,
// industries, techniques, and sources, with the alias and keyword indices
// that entity resolution runs against.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Common errors.
var (
	ErrNotFound           = errors.New("entity not found")
	ErrDuplicateName      = errors.New("name already registered")
	ErrAliasConflict      = errors.New("alias registered to another actor group")
	ErrHierarchyCycle     = errors.New("industry parent chain forms a cycle")
	ErrInvalidReliability = errors.New("source reliability weight outside [1,10]")
	ErrInvalidTechnique   = errors.New("invalid technique identifier")
)

// techniqueCodePattern matches external technique identifiers such as
// "T1059" or "T1059.001".
var techniqueCodePattern = regexp.MustCompile(`^T\d{4}(?:\.\d{3})?$`)

// Industry is a canonical industry sector. Industries form a tree via
// ParentID; names must be unique among siblings.
type Industry struct {
	ID        uuid.UUID
	Name      string
	Code      string
	NAICSCode string
	ParentID  *uuid.UUID
	Keywords  []string
}

// ThreatActorGroup is a canonical threat actor identity. No two groups may
// share an alias.
type ThreatActorGroup struct {
	ID          uuid.UUID
	Name        string
	Aliases     []string
	MitreID     string
	FirstSeen   *time.Time
	LastSeen    *time.Time
	AutoCreated bool
	NeedsReview bool
}

// Technique is a canonical attack technique keyed by its external
// identifier.
type Technique struct {
	ID          uuid.UUID
	Code        string // e.g. "T1059.001"
	Name        string
	Tactic      string
	Description string
}

// SourceCategory classifies an evidence source.
type SourceCategory string

const (
	SourceStructuredFeed SourceCategory = "structured-feed"
	SourceAdvisory       SourceCategory = "advisory"
	SourcePressReport    SourceCategory = "press-report"
	SourceScrapedReport  SourceCategory = "scraped-report"
)

// Source is an evidence source with a static reliability weight in [1,10]
// assigned at configuration time.
type Source struct {
	ID                uuid.UUID
	Name              string
	Category          SourceCategory
	ReliabilityWeight int
	LastCheckedAt     *time.Time
}

// Candidate pairs a matchable string with the entity it resolves to. The
// resolver iterates candidates when fuzzy matching.
type Candidate struct {
	Text     string
	EntityID uuid.UUID
}

// Registry is the in-memory canonical entity registry. All lookups are
// case-insensitive.
type Registry struct {
	mu sync.RWMutex

	industries map[uuid.UUID]*Industry
	actors     map[uuid.UUID]*ThreatActorGroup
	techniques map[uuid.UUID]*Technique
	sources    map[uuid.UUID]*Source

	actorByName     map[string]uuid.UUID // lowercased canonical name
	actorByAlias    map[string]uuid.UUID // lowercased alias
	industryByName  map[string]uuid.UUID
	techniqueByCode map[string]uuid.UUID // uppercased code
	sourceByName    map[string]uuid.UUID

	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		industries:      make(map[uuid.UUID]*Industry),
		actors:          make(map[uuid.UUID]*ThreatActorGroup),
		techniques:      make(map[uuid.UUID]*Technique),
		sources:         make(map[uuid.UUID]*Source),
		actorByName:     make(map[string]uuid.UUID),
		actorByAlias:    make(map[string]uuid.UUID),
		industryByName:  make(map[string]uuid.UUID),
		techniqueByCode: make(map[string]uuid.UUID),
		sourceByName:    make(map[string]uuid.UUID),
		logger:          logger,
	}
}

// AddIndustry registers an industry. Sibling names must be unique and the
// parent chain must be acyclic.
func (r *Registry) AddIndustry(ind Industry) (Industry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(ind.Name) == "" {
		return Industry{}, fmt.Errorf("%w: industry name is required", ErrNotFound)
	}
	if ind.ID == uuid.Nil {
		ind.ID = uuid.New()
	}
	if ind.ParentID != nil {
		if _, ok := r.industries[*ind.ParentID]; !ok {
			return Industry{}, fmt.Errorf("parent industry %s: %w", ind.ParentID, ErrNotFound)
		}
		if err := r.checkCycleLocked(ind.ID, *ind.ParentID); err != nil {
			return Industry{}, err
		}
	}
	for _, other := range r.industries {
		if sameParent(other.ParentID, ind.ParentID) && strings.EqualFold(other.Name, ind.Name) {
			return Industry{}, fmt.Errorf("industry %q: %w", ind.Name, ErrDuplicateName)
		}
	}

	stored := ind
	r.industries[stored.ID] = &stored
	r.industryByName[strings.ToLower(stored.Name)] = stored.ID
	return stored, nil
}

// SetIndustryParent reparents an industry, rejecting cycles.
func (r *Registry) SetIndustryParent(id uuid.UUID, parentID *uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ind, ok := r.industries[id]
	if !ok {
		return fmt.Errorf("industry %s: %w", id, ErrNotFound)
	}
	if parentID != nil {
		if _, ok := r.industries[*parentID]; !ok {
			return fmt.Errorf("parent industry %s: %w", parentID, ErrNotFound)
		}
		if err := r.checkCycleLocked(id, *parentID); err != nil {
			return err
		}
	}
	ind.ParentID = parentID
	return nil
}

// checkCycleLocked walks the parent chain from candidate upward and fails if
// it reaches id.
func (r *Registry) checkCycleLocked(id, candidate uuid.UUID) error {
	seen := map[uuid.UUID]bool{id: true}
	cur := candidate
	for {
		if seen[cur] {
			return ErrHierarchyCycle
		}
		seen[cur] = true
		parent, ok := r.industries[cur]
		if !ok || parent.ParentID == nil {
			return nil
		}
		cur = *parent.ParentID
	}
}

// AddActor registers a threat actor group. The canonical name must be
// globally unique and no alias may collide with another group's name or
// alias.
func (r *Registry) AddActor(a ThreatActorGroup) (ThreatActorGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := strings.TrimSpace(a.Name)
	if name == "" {
		return ThreatActorGroup{}, fmt.Errorf("%w: actor name is required", ErrNotFound)
	}
	lower := strings.ToLower(name)
	if _, exists := r.actorByName[lower]; exists {
		return ThreatActorGroup{}, fmt.Errorf("actor %q: %w", name, ErrDuplicateName)
	}
	if owner, exists := r.actorByAlias[lower]; exists {
		return ThreatActorGroup{}, fmt.Errorf("actor name %q collides with alias of %s: %w", name, owner, ErrAliasConflict)
	}
	for _, alias := range a.Aliases {
		al := strings.ToLower(strings.TrimSpace(alias))
		if al == "" {
			continue
		}
		if _, exists := r.actorByName[al]; exists {
			return ThreatActorGroup{}, fmt.Errorf("alias %q collides with a canonical name: %w", alias, ErrAliasConflict)
		}
		if owner, exists := r.actorByAlias[al]; exists {
			return ThreatActorGroup{}, fmt.Errorf("alias %q already registered to %s: %w", alias, owner, ErrAliasConflict)
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Name = name
	stored := a
	r.actors[stored.ID] = &stored
	r.actorByName[lower] = stored.ID
	for _, alias := range stored.Aliases {
		al := strings.ToLower(strings.TrimSpace(alias))
		if al != "" {
			r.actorByAlias[al] = stored.ID
		}
	}
	return stored, nil
}

// AddTechnique registers a technique. The external code must be well-formed
// and unique.
func (r *Registry) AddTechnique(t Technique) (Technique, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := strings.ToUpper(strings.TrimSpace(t.Code))
	if !techniqueCodePattern.MatchString(code) {
		return Technique{}, fmt.Errorf("%w: %q", ErrInvalidTechnique, t.Code)
	}
	if _, exists := r.techniqueByCode[code]; exists {
		return Technique{}, fmt.Errorf("technique %s: %w", code, ErrDuplicateName)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Code = code
	stored := t
	r.techniques[stored.ID] = &stored
	r.techniqueByCode[code] = stored.ID
	return stored, nil
}

// AddSource registers an evidence source.
func (r *Registry) AddSource(s Source) (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(s.Name) == "" {
		return Source{}, fmt.Errorf("%w: source name is required", ErrNotFound)
	}
	if s.ReliabilityWeight < 1 || s.ReliabilityWeight > 10 {
		return Source{}, fmt.Errorf("source %q: %w (%d)", s.Name, ErrInvalidReliability, s.ReliabilityWeight)
	}
	if _, exists := r.sourceByName[strings.ToLower(s.Name)]; exists {
		return Source{}, fmt.Errorf("source %q: %w", s.Name, ErrDuplicateName)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	stored := s
	r.sources[stored.ID] = &stored
	r.sourceByName[strings.ToLower(stored.Name)] = stored.ID
	return stored, nil
}

// Industry returns an industry by id.
func (r *Registry) Industry(id uuid.UUID) (Industry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ind, ok := r.industries[id]
	if !ok {
		return Industry{}, false
	}
	return *ind, true
}

// Actor returns an actor group by id.
func (r *Registry) Actor(id uuid.UUID) (ThreatActorGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[id]
	if !ok {
		return ThreatActorGroup{}, false
	}
	return *a, true
}

// Technique returns a technique by id.
func (r *Registry) Technique(id uuid.UUID) (Technique, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.techniques[id]
	if !ok {
		return Technique{}, false
	}
	return *t, true
}

// Source returns a source by id.
func (r *Registry) Source(id uuid.UUID) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return *s, true
}

// SourceByName returns a source by case-insensitive name.
func (r *Registry) SourceByName(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sourceByName[strings.ToLower(name)]
	if !ok {
		return Source{}, false
	}
	return *r.sources[id], true
}

// ActorByName returns an actor by case-insensitive canonical name.
func (r *Registry) ActorByName(name string) (ThreatActorGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.actorByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return ThreatActorGroup{}, false
	}
	return *r.actors[id], true
}

// ActorByAlias returns an actor by case-insensitive alias.
func (r *Registry) ActorByAlias(alias string) (ThreatActorGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.actorByAlias[strings.ToLower(strings.TrimSpace(alias))]
	if !ok {
		return ThreatActorGroup{}, false
	}
	return *r.actors[id], true
}

// IndustryByName returns an industry by case-insensitive name.
func (r *Registry) IndustryByName(name string) (Industry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.industryByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Industry{}, false
	}
	return *r.industries[id], true
}

// TechniqueByCode returns a technique by its external identifier.
func (r *Registry) TechniqueByCode(code string) (Technique, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.techniqueByCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Technique{}, false
	}
	return *r.techniques[id], true
}

// ActorCandidates returns every matchable actor string (canonical names and
// aliases) with its entity id, sorted for deterministic iteration.
func (r *Registry) ActorCandidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.actorByName)+len(r.actorByAlias))
	for _, a := range r.actors {
		out = append(out, Candidate{Text: a.Name, EntityID: a.ID})
		for _, alias := range a.Aliases {
			if strings.TrimSpace(alias) != "" {
				out = append(out, Candidate{Text: alias, EntityID: a.ID})
			}
		}
	}
	sortCandidates(out)
	return out
}

// IndustryCandidates returns every matchable industry name with its id.
func (r *Registry) IndustryCandidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.industries))
	for _, ind := range r.industries {
		out = append(out, Candidate{Text: ind.Name, EntityID: ind.ID})
	}
	sortCandidates(out)
	return out
}

// IndustriesMatchingKeywords returns industries whose configured keywords
// appear as substrings of the text. Matching an industry never implicitly
// asserts its ancestors.
func (r *Registry) IndustriesMatchingKeywords(text string) []Industry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(text)
	var out []Industry
	for _, ind := range r.industries {
		for _, kw := range ind.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				out = append(out, *ind)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Industries returns all industries sorted by name.
func (r *Registry) Industries() []Industry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Industry, 0, len(r.industries))
	for _, ind := range r.industries {
		out = append(out, *ind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Actors returns all actor groups sorted by name.
func (r *Registry) Actors() []ThreatActorGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ThreatActorGroup, 0, len(r.actors))
	for _, a := range r.actors {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Text != cs[j].Text {
			return cs[i].Text < cs[j].Text
		}
		return cs[i].EntityID.String() < cs[j].EntityID.String()
	})
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
