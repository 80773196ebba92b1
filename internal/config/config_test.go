package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_AppliesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
resolver:
  algorithm: token-set
  distance_threshold: 2
sources:
  - name: CISA Advisories
    category: advisory
    reliability_weight: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Resolver.Algorithm != "token-set" || cfg.Resolver.DistanceThreshold != 2 {
		t.Errorf("resolver = %+v", cfg.Resolver)
	}
	// Untouched sections keep their defaults.
	if cfg.Scoring.IndustryMatchBonus != 1.5 {
		t.Errorf("industry match bonus = %f", cfg.Scoring.IndustryMatchBonus)
	}
	if cfg.Schedule.RecomputeSpec != "0 3 * * *" {
		t.Errorf("recompute spec = %q", cfg.Schedule.RecomputeSpec)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].ReliabilityWeight != 10 {
		t.Errorf("sources = %+v", cfg.Sources)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("missing file should error")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown algorithm", func(c *Config) { c.Resolver.Algorithm = "soundex" }},
		{"zero threshold", func(c *Config) { c.Resolver.DistanceThreshold = 0 }},
		{"cap below base", func(c *Config) { c.Scoring.RecencyCap = 0.5 }},
		{"zero divisor", func(c *Config) { c.Scoring.RecencyDivisorDays = 0 }},
		{"bonus below one", func(c *Config) { c.Scoring.IndustryMatchBonus = 0.9 }},
		{"inverted medium band", func(c *Config) { c.Confidence.MediumMinEvidence = 5; c.Confidence.MediumMaxEvidence = 2 }},
		{"nameless source", func(c *Config) { c.Sources = []SourceConfig{{ReliabilityWeight: 5}} }},
		{"source weight out of range", func(c *Config) { c.Sources = []SourceConfig{{Name: "x", ReliabilityWeight: 11}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
