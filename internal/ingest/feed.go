package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// feedDocument is the wire shape of a structured advisory feed. Fields the
// engine does not use are ignored.
type feedDocument struct {
	Advisories []feedAdvisory `json:"advisories"`
}

type feedAdvisory struct {
	Actor      string   `json:"actor"`
	Sectors    []string `json:"sectors"`
	Techniques []string `json:"techniques"`
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Published  string   `json:"published"`
	Summary    string   `json:"summary"`
}

// ParseFeed decodes a structured advisory feed into raw mentions. Sector and
// technique lists are flattened into the free-text fields the resolver
// expects, so feed input and scraped input normalize identically.
func ParseFeed(r io.Reader) ([]Mention, error) {
	var doc feedDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode advisory feed: %w", err)
	}

	mentions := make([]Mention, 0, len(doc.Advisories))
	for _, adv := range doc.Advisories {
		mentions = append(mentions, Mention{
			ActorName:     adv.Actor,
			IndustryText:  strings.Join(adv.Sectors, ", "),
			TechniqueText: strings.Join(adv.Techniques, " "),
			SourceURL:     adv.URL,
			Title:         adv.Title,
			Published:     adv.Published,
			Excerpt:       adv.Summary,
		})
	}
	return mentions, nil
}
