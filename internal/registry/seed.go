package registry

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML shape of the pre-seeded vocabularies. Industries may
// reference a parent by name; parents must appear before children.
type Seed struct {
	Industries []SeedIndustry  `yaml:"industries"`
	Actors     []SeedActor     `yaml:"actors"`
	Techniques []SeedTechnique `yaml:"techniques"`
	Sources    []SeedSource    `yaml:"sources"`
}

// SeedIndustry declares an industry and its keyword set.
type SeedIndustry struct {
	Name      string   `yaml:"name"`
	Code      string   `yaml:"code"`
	NAICSCode string   `yaml:"naics_code"`
	Parent    string   `yaml:"parent"`
	Keywords  []string `yaml:"keywords"`
}

// SeedActor declares a threat actor group and its aliases.
type SeedActor struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	MitreID string   `yaml:"mitre_id"`
}

// SeedTechnique declares a technique by external code.
type SeedTechnique struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Tactic      string `yaml:"tactic"`
	Description string `yaml:"description"`
}

// SeedSource declares an evidence source and its reliability weight.
type SeedSource struct {
	Name              string `yaml:"name"`
	Category          string `yaml:"category"`
	ReliabilityWeight int    `yaml:"reliability_weight"`
}

// LoadSeed reads a seed file and populates the registry. Invalid entries
// abort the load: the pre-seeded vocabularies must be consistent before any
// ingestion runs.
func (r *Registry) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	return r.ApplySeed(seed)
}

// ApplySeed populates the registry from an already-parsed seed.
func (r *Registry) ApplySeed(seed Seed) error {
	for _, si := range seed.Industries {
		ind := Industry{
			Name:      si.Name,
			Code:      si.Code,
			NAICSCode: si.NAICSCode,
			Keywords:  si.Keywords,
		}
		if si.Parent != "" {
			parent, ok := r.IndustryByName(si.Parent)
			if !ok {
				return fmt.Errorf("industry %q: parent %q: %w", si.Name, si.Parent, ErrNotFound)
			}
			pid := parent.ID
			ind.ParentID = &pid
		}
		if _, err := r.AddIndustry(ind); err != nil {
			return fmt.Errorf("seed industry %q: %w", si.Name, err)
		}
	}

	for _, sa := range seed.Actors {
		if _, err := r.AddActor(ThreatActorGroup{
			Name:    sa.Name,
			Aliases: sa.Aliases,
			MitreID: sa.MitreID,
		}); err != nil {
			return fmt.Errorf("seed actor %q: %w", sa.Name, err)
		}
	}

	for _, st := range seed.Techniques {
		if _, err := r.AddTechnique(Technique{
			Code:        st.Code,
			Name:        st.Name,
			Tactic:      st.Tactic,
			Description: st.Description,
		}); err != nil {
			return fmt.Errorf("seed technique %q: %w", st.Code, err)
		}
	}

	for _, ss := range seed.Sources {
		if _, err := r.AddSource(Source{
			Name:              ss.Name,
			Category:          SourceCategory(ss.Category),
			ReliabilityWeight: ss.ReliabilityWeight,
		}); err != nil {
			return fmt.Errorf("seed source %q: %w", ss.Name, err)
		}
	}

	r.logger.Info("Registry seeded",
		zap.Int("industries", len(seed.Industries)),
		zap.Int("actors", len(seed.Actors)),
		zap.Int("techniques", len(seed.Techniques)),
		zap.Int("sources", len(seed.Sources)),
	)
	return nil
}
