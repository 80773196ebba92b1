package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FetcherConfig holds HTTP settings for remote feed retrieval.
type FetcherConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	UserAgent  string        `yaml:"user_agent"`
}

// DefaultFetcherConfig returns sensible defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:    30 * time.Second,
		RetryCount: 3,
		UserAgent:  "threatcalc/1.0",
	}
}

// Fetcher pulls structured advisory feeds over HTTP.
type Fetcher struct {
	config     FetcherConfig
	httpClient *http.Client
}

// NewFetcher creates a feed fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch retrieves and parses a remote advisory feed, retrying transient
// failures with linear backoff.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]Mention, error) {
	var lastErr error
	attempts := f.config.RetryCount + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		mentions, err := f.fetchOnce(ctx, feedURL)
		if err == nil {
			return mentions, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch feed %s: %w", feedURL, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, feedURL string) ([]Mention, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return ParseFeed(resp.Body)
}
