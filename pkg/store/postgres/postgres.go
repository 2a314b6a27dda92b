// Package postgres implements pkg/store.Store over the hosted
// key/partition table service, backed by a single Postgres table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"overlaycaster/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS partition_rows (
	partition  TEXT NOT NULL,
	row_key    TEXT NOT NULL,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (partition, row_key)
)`

// Store is a pkg/store.Store backed by a Postgres connection.
type Store struct {
	db *sql.DB
}

// New wraps an existing *sql.DB, creating the backing table if absent.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, partition, row string) (json.RawMessage, error) {
	var data json.RawMessage
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM partition_rows WHERE partition = $1 AND row_key = $2`,
		partition, row,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Upsert is the single atomic write every core mutator relies on as
// the final, lock-free step of its operation (§5).
func (s *Store) Upsert(ctx context.Context, partition, row string, data json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partition_rows (partition, row_key, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (partition, row_key)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`, partition, row, data)
	return err
}

func (s *Store) List(ctx context.Context, partition string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM partition_rows WHERE partition = $1`, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data json.RawMessage
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, partition, row string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM partition_rows WHERE partition = $1 AND row_key = $2`,
		partition, row)
	return err
}
