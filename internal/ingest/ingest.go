// Package ingest periodically pulls externally-defined tasks from a
// pluggable fetcher, deduplicated by ExternalKey so the same upstream event
// never creates two Task records. The dedup cache lives in memory by
// default, with an optional durable backend.
package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fluxforge/taskengine/internal/observability"
	"github.com/fluxforge/taskengine/internal/task"
)

// Fetcher retrieves the next batch of externally-defined tasks to admit.
// Implementations own their own upstream (HTTP poll, queue consume, file
// watch); ingest only calls Fetch on a schedule and dedups the result.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*task.Task, error)
}

// DedupBackend is the optional durable half of the dedup cache (implemented
// by internal/durablestore's Redis backend). A nil backend keeps everything
// in the in-memory fallback.
type DedupBackend interface {
	Seen(ctx context.Context, externalKey string) (bool, error)
	MarkSeen(ctx context.Context, externalKey string) error
}

// Ingest periodically fetches and admits external tasks.
type Ingest struct {
	fetcher  Fetcher
	store    *task.Store
	backend  DedupBackend
	interval time.Duration
	limiter  *rate.Limiter
	source   string

	mu   sync.Mutex
	seen map[string]bool
}

// New builds an Ingest. ratePerSecond bounds how many tasks it will admit
// per second regardless of fetch batch size, so a misbehaving upstream can't
// flood the store in one tick.
func New(source string, fetcher Fetcher, store *task.Store, backend DedupBackend, interval time.Duration, ratePerSecond float64) *Ingest {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	return &Ingest{
		source:   source,
		fetcher:  fetcher,
		store:    store,
		backend:  backend,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
		seen:     make(map[string]bool),
	}
}

// Start runs the fetch loop until ctx is cancelled.
func (i *Ingest) Start(ctx context.Context) {
	go i.loop(ctx)
}

func (i *Ingest) loop(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Tick(ctx)
		}
	}
}

// Tick performs one fetch-and-admit cycle, exported for tests and for a
// manual "ingest now" trigger.
func (i *Ingest) Tick(ctx context.Context) {
	tasks, err := i.fetcher.Fetch(ctx)
	if err != nil {
		log.Printf("ingest[%s]: fetch failed: %v", i.source, err)
		return
	}

	for _, t := range tasks {
		if t.ExternalKey == "" {
			log.Printf("ingest[%s]: dropping task %q with no externalKey (dedup requires one)", i.source, t.Name)
			continue
		}
		if !i.limiter.Allow() {
			log.Printf("ingest[%s]: rate limit hit, deferring remaining tasks to next tick", i.source)
			break
		}

		dup, err := i.isDuplicate(ctx, t.ExternalKey)
		if err != nil {
			log.Printf("ingest[%s]: dedup check failed for %s: %v", i.source, t.ExternalKey, err)
			continue
		}
		if dup {
			observability.IngestDuplicatesDropped.WithLabelValues(i.source).Inc()
			continue
		}

		if _, err := i.store.Add(t); err != nil {
			log.Printf("ingest[%s]: failed to admit externally ingested task %q: %v", i.source, t.Name, err)
			continue
		}
		i.markSeen(ctx, t.ExternalKey)
	}
}

func (i *Ingest) isDuplicate(ctx context.Context, key string) (bool, error) {
	if i.backend != nil {
		return i.backend.Seen(ctx, key)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seen[key], nil
}

func (i *Ingest) markSeen(ctx context.Context, key string) {
	if i.backend != nil {
		if err := i.backend.MarkSeen(ctx, key); err != nil {
			log.Printf("ingest[%s]: failed to persist dedup marker for %s: %v", i.source, key, err)
		}
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seen[key] = true
}
