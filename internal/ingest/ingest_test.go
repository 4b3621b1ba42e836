package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxforge/taskengine/internal/task"
)

type fakeFetcher struct {
	batch []*task.Task
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]*task.Task, error) {
	return f.batch, f.err
}

func TestTickAdmitsNewExternalTasks(t *testing.T) {
	tk := task.New("webhook-event")
	tk.ExternalKey = "evt-1"
	fetcher := &fakeFetcher{batch: []*task.Task{tk}}
	store := task.NewStore(nil)

	ing := New("test", fetcher, store, nil, time.Minute, 100)
	ing.Tick(context.Background())

	require.Len(t, store.List(), 1)
}

func TestTickDedupsByExternalKeyAcrossTicks(t *testing.T) {
	tk := task.New("webhook-event")
	tk.ExternalKey = "evt-1"
	fetcher := &fakeFetcher{batch: []*task.Task{tk}}
	store := task.NewStore(nil)

	ing := New("test", fetcher, store, nil, time.Minute, 100)
	ing.Tick(context.Background())
	ing.Tick(context.Background())

	require.Len(t, store.List(), 1)
}

func TestTickDropsTaskWithoutExternalKey(t *testing.T) {
	fetcher := &fakeFetcher{batch: []*task.Task{task.New("no-key")}}
	store := task.NewStore(nil)

	ing := New("test", fetcher, store, nil, time.Minute, 100)
	ing.Tick(context.Background())

	require.Empty(t, store.List())
}

type fakeDedupBackend struct {
	seen map[string]bool
}

func (b *fakeDedupBackend) Seen(ctx context.Context, key string) (bool, error) {
	return b.seen[key], nil
}

func (b *fakeDedupBackend) MarkSeen(ctx context.Context, key string) error {
	b.seen[key] = true
	return nil
}

func TestTickUsesDurableBackendWhenConfigured(t *testing.T) {
	backend := &fakeDedupBackend{seen: make(map[string]bool)}
	tk := task.New("webhook-event")
	tk.ExternalKey = "evt-1"
	fetcher := &fakeFetcher{batch: []*task.Task{tk}}
	store := task.NewStore(nil)

	ing := New("test", fetcher, store, backend, time.Minute, 100)
	ing.Tick(context.Background())
	require.True(t, backend.seen["evt-1"])

	ing.Tick(context.Background())
	require.Len(t, store.List(), 1)
}
