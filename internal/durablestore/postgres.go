// Package durablestore holds the engine's optional durable backends: a
// Postgres execution-history archive and a Redis dedup/snapshot backend.
// Both are opt-in; the engine runs entirely in-memory + file snapshot
// without either.
package durablestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxforge/taskengine/internal/task"
)

// PostgresHistoryArchive appends completed tasks to a durable execution
// history table, supplementing the in-memory history log.
type PostgresHistoryArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresHistoryArchive opens a pool against connString and verifies
// connectivity.
func NewPostgresHistoryArchive(ctx context.Context, connString string) (*PostgresHistoryArchive, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("durablestore: parse connection string: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("durablestore: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("durablestore: ping: %w", err)
	}
	return &PostgresHistoryArchive{pool: pool}, nil
}

// Close releases the connection pool.
func (a *PostgresHistoryArchive) Close() {
	a.pool.Close()
}

// Append inserts one completed task's terminal record. Parameters are
// marshalled to JSONB before binding.
func (a *PostgresHistoryArchive) Append(ctx context.Context, t *task.Task) error {
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("durablestore: marshal parameters: %w", err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO task_history (id, name, owner, status, priority, parameters, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id, version) DO NOTHING
	`, t.ID.String(), t.Name, t.Owner, string(t.Status), int(t.Priority), params, t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return fmt.Errorf("durablestore: insert task_history: %w", err)
	}
	return nil
}
