package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxforge/taskengine/internal/task"
)

// HTTPFetcher pulls task descriptors from an upstream HTTP endpoint returning
// a JSON array of tasks. The default Fetcher wired by cmd/taskengine when
// INGEST_URL is set; other upstreams (queue consumers, file watchers)
// implement Fetcher themselves.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher builds a fetcher against url. A nil client gets a default
// with a 10s timeout so a hung upstream can't stall the ingest tick forever.
func NewHTTPFetcher(url string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{url: url, client: client}
}

// Fetch performs one GET and decodes the response body into task records.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]*task.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ingest: fetch %s: unexpected status %d", f.url, resp.StatusCode)
	}

	var tasks []*task.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("ingest: decode response: %w", err)
	}
	return tasks, nil
}
