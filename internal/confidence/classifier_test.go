package confidence

import (
	"testing"
	"time"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestClassifier() *Classifier {
	c := NewClassifier(DefaultThresholds())
	c.Now = func() time.Time { return now }
	return c
}

func daysAgo(d int) *time.Time {
	t := now.AddDate(0, 0, -d)
	return &t
}

func TestClassify_High(t *testing.T) {
	c := newTestClassifier()

	got := c.Classify(Inputs{
		EvidenceCount:   5,
		DistinctSources: 2,
		MostRecent:      daysAgo(30),
		AvgReliability:  8.0,
	})
	if got != High {
		t.Errorf("got %s, want High", got)
	}
}

func TestClassify_HighRequiresEveryCondition(t *testing.T) {
	c := newTestClassifier()

	base := Inputs{
		EvidenceCount:   5,
		DistinctSources: 2,
		MostRecent:      daysAgo(30),
		AvgReliability:  8.0,
	}

	tests := []struct {
		name   string
		mutate func(*Inputs)
		want   Level
	}{
		{"too few items", func(in *Inputs) { in.EvidenceCount = 4 }, Low},
		{"single source", func(in *Inputs) { in.DistinctSources = 1 }, Low},
		{"stale", func(in *Inputs) { in.MostRecent = daysAgo(181) }, Low},
		{"low reliability", func(in *Inputs) { in.AvgReliability = 6.9 }, Low},
		{"no date", func(in *Inputs) { in.MostRecent = nil }, Low},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			if got := c.Classify(in); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_Medium(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name string
		in   Inputs
		want Level
	}{
		{
			"lower bound of band",
			Inputs{EvidenceCount: 2, DistinctSources: 1, MostRecent: daysAgo(300)},
			Medium,
		},
		{
			"upper bound of band",
			Inputs{EvidenceCount: 4, DistinctSources: 1, MostRecent: daysAgo(10)},
			Medium,
		},
		{
			"five items failing High fall to Low, not Medium",
			Inputs{EvidenceCount: 5, DistinctSources: 1, MostRecent: daysAgo(10), AvgReliability: 9},
			Low,
		},
		{
			"single item",
			Inputs{EvidenceCount: 1, DistinctSources: 1, MostRecent: daysAgo(10)},
			Low,
		},
		{
			"too old for Medium",
			Inputs{EvidenceCount: 3, DistinctSources: 1, MostRecent: daysAgo(400)},
			Low,
		},
		{
			"no date",
			Inputs{EvidenceCount: 3, DistinctSources: 1},
			Low,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.in); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_HighCheckedBeforeMedium(t *testing.T) {
	c := newTestClassifier()

	// Satisfies High; the Medium band would reject count 5, so ordering
	// matters.
	got := c.Classify(Inputs{
		EvidenceCount:   5,
		DistinctSources: 3,
		MostRecent:      daysAgo(1),
		AvgReliability:  10,
	})
	if got != High {
		t.Errorf("got %s, want High", got)
	}
}
