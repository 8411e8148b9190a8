package metrics

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBackend persists round snapshots as rows in a round_metrics
// table, for operators who want a durable, queryable audit trail
// across coordinator restarts.
type PostgresBackend struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS round_metrics (
	round_id BIGINT PRIMARY KEY,
	snapshot JSONB NOT NULL,
	exported_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresBackend opens dsn (a libpq connection string) and ensures
// the round_metrics table exists.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("metrics: postgres backend requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("metrics: open postgres: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: create round_metrics table: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// Export upserts snapshot as a row keyed by round id.
func (b *PostgresBackend) Export(snapshot RoundSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("metrics: marshal snapshot for postgres: %w", err)
	}

	const upsertSQL = `
INSERT INTO round_metrics (round_id, snapshot)
VALUES ($1, $2)
ON CONFLICT (round_id) DO UPDATE SET snapshot = EXCLUDED.snapshot, exported_at = now()`

	if _, err := b.db.Exec(upsertSQL, snapshot.RoundID, data); err != nil {
		return fmt.Errorf("metrics: upsert round %d: %w", snapshot.RoundID, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
