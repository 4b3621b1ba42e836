package durablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxforge/taskengine/internal/snapshot"
	"github.com/fluxforge/taskengine/internal/task"
)

// RedisBackend serves two roles: the ingest package's DedupBackend
// (external-key idempotency with a TTL window) and an alternative snapshot
// sink for deployments that prefer Redis over a local file.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend opens a client against addr and verifies connectivity.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("durablestore: redis ping: %w", err)
	}

	return &RedisBackend{client: client, ttl: 24 * time.Hour}, nil
}

// Close releases the client connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Seen implements ingest.DedupBackend: reports whether externalKey has
// already been admitted inside the dedup TTL window.
func (b *RedisBackend) Seen(ctx context.Context, externalKey string) (bool, error) {
	n, err := b.client.Exists(ctx, dedupKey(externalKey)).Result()
	if err != nil {
		return false, fmt.Errorf("durablestore: redis exists: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records externalKey as admitted, with a TTL so the dedup set
// doesn't grow without bound.
func (b *RedisBackend) MarkSeen(ctx context.Context, externalKey string) error {
	if err := b.client.Set(ctx, dedupKey(externalKey), "1", b.ttl).Err(); err != nil {
		return fmt.Errorf("durablestore: redis set: %w", err)
	}
	return nil
}

func dedupKey(externalKey string) string {
	return "taskengine:ingest:seen:" + externalKey
}

// SnapshotSink returns a task.SnapshotWriter that stores the engine's
// snapshot document in Redis instead of a local file. Wired by
// cmd/taskengine when STORAGE_PATH is empty and REDIS_ADDR is set.
func (b *RedisBackend) SnapshotSink() *RedisSnapshotSink {
	return &RedisSnapshotSink{backend: b}
}

// RedisSnapshotSink adapts the backend's snapshot key to the store's
// SnapshotWriter contract, with a matching Load for startup recovery.
type RedisSnapshotSink struct {
	backend *RedisBackend
}

// Write serializes live+history and replaces the snapshot key.
func (s *RedisSnapshotSink) Write(live, history []*task.Task) error {
	data, err := json.Marshal(snapshot.Document{Live: live, History: history})
	if err != nil {
		return fmt.Errorf("durablestore: marshal snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.backend.WriteSnapshot(ctx, data)
}

// Load reads back the stored document. An absent key yields an empty
// document, not an error, mirroring a missing snapshot file.
func (s *RedisSnapshotSink) Load(ctx context.Context) (snapshot.Document, error) {
	data, err := s.backend.ReadSnapshot(ctx)
	if err != nil {
		return snapshot.Document{}, err
	}
	if data == nil {
		return snapshot.Document{}, nil
	}
	var doc snapshot.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return snapshot.Document{}, fmt.Errorf("durablestore: unmarshal snapshot: %w", err)
	}
	return doc, nil
}

// WriteSnapshot stores the raw snapshot document under a single Redis key,
// for deployments where engine instances share durable state via REDIS_ADDR.
func (b *RedisBackend) WriteSnapshot(ctx context.Context, data []byte) error {
	if err := b.client.Set(ctx, "taskengine:snapshot", data, 0).Err(); err != nil {
		return fmt.Errorf("durablestore: redis snapshot write: %w", err)
	}
	return nil
}

// ReadSnapshot loads the most recently written snapshot document, or nil if
// none has been written yet.
func (b *RedisBackend) ReadSnapshot(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, "taskengine:snapshot").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durablestore: redis snapshot read: %w", err)
	}
	return data, nil
}
