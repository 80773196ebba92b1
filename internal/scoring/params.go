package scoring

import (
	"time"

	"github.com/threatcalc/threatcalc/internal/registry"
)

// Params are the evidence weighting parameters, injected at construction
// time so tests can pin deterministic values.
type Params struct {
	RecencyBase        float64
	RecencyCap         float64
	RecencyDivisorDays float64
	RecencyFactor      float64
	IndustryMatchBonus float64
}

// DefaultParams returns the shipped weighting parameters.
func DefaultParams() Params {
	return Params{
		RecencyBase:        1.0,
		RecencyCap:         2.0,
		RecencyDivisorDays: 365,
		RecencyFactor:      0.5,
		IndustryMatchBonus: 1.5,
	}
}

// RecencyWeight is monotonically non-decreasing in age, capped: older
// evidence counts as corroborating persistence rather than being penalized.
// At age 0 it equals the base; with default parameters age 365d gives 1.5
// and the cap is 2.0. Items without a parsable date get the neutral base
// weight.
func (p Params) RecencyWeight(published *time.Time, asOf time.Time) float64 {
	if published == nil {
		return p.RecencyBase
	}
	days := asOf.Sub(*published).Hours() / 24
	if days < 0 {
		days = 0
	}
	w := p.RecencyBase + days/p.RecencyDivisorDays*p.RecencyFactor
	if w > p.RecencyCap {
		w = p.RecencyCap
	}
	return w
}

// SourceWeight maps a source's static reliability in [1,10] onto [0.1,1.0].
// An unknown source counts at half weight.
func SourceWeight(src registry.Source, ok bool) float64 {
	if !ok {
		return 0.5
	}
	return float64(src.ReliabilityWeight) / 10.0
}
