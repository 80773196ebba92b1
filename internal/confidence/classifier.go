// Package confidence derives a discrete High/Medium/Low label from an
// aggregate's evidentiary inputs.
package confidence

import "time"

// Level is a confidence label.
type Level string

const (
	High   Level = "High"
	Medium Level = "Medium"
	Low    Level = "Low"
)

// Thresholds holds the classification cut-offs. All externally overridable;
// DefaultThresholds gives the shipped values.
type Thresholds struct {
	HighMinEvidence    int
	HighMinSources     int
	HighRecencyDays    int
	HighMinReliability float64
	MediumMinEvidence  int
	MediumMaxEvidence  int
	MediumRecencyDays  int
}

// DefaultThresholds returns the shipped classification cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighMinEvidence:    5,
		HighMinSources:     2,
		HighRecencyDays:    180,
		HighMinReliability: 7.0,
		MediumMinEvidence:  2,
		MediumMaxEvidence:  4,
		MediumRecencyDays:  365,
	}
}

// Inputs are the aggregate facts a label derives from.
type Inputs struct {
	EvidenceCount   int
	DistinctSources int
	// MostRecent is the newest publication date in the aggregate; nil when
	// no item carried a parsable date.
	MostRecent     *time.Time
	AvgReliability float64
}

// Classifier labels aggregates. It is a pure function of its inputs and the
// clock.
type Classifier struct {
	thresholds Thresholds

	// Now is the clock used for recency checks; replaceable in tests.
	Now func() time.Time
}

// NewClassifier creates a classifier with the given thresholds.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{thresholds: t, Now: time.Now}
}

// Classify returns exactly one label. High is checked first, then Medium;
// anything failing both is Low.
func (c *Classifier) Classify(in Inputs) Level {
	now := c.Now()

	if in.EvidenceCount >= c.thresholds.HighMinEvidence &&
		in.DistinctSources >= c.thresholds.HighMinSources &&
		c.within(in.MostRecent, now, c.thresholds.HighRecencyDays) &&
		in.AvgReliability >= c.thresholds.HighMinReliability {
		return High
	}

	if in.EvidenceCount >= c.thresholds.MediumMinEvidence &&
		in.EvidenceCount <= c.thresholds.MediumMaxEvidence &&
		in.DistinctSources >= 1 &&
		c.within(in.MostRecent, now, c.thresholds.MediumRecencyDays) {
		return Medium
	}

	return Low
}

func (c *Classifier) within(date *time.Time, now time.Time, days int) bool {
	if date == nil {
		return false
	}
	return now.Sub(*date) <= time.Duration(days)*24*time.Hour
}
