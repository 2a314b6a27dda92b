// Package store defines the pluggable partition/row persistence
// contract the core consumes. Two implementations satisfy it:
// pkg/store/postgres (hosted key/partition table service) and
// pkg/store/boltstore (local file-backed mirror).
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by Get when no row exists at (partition, row).
var ErrNotFound = errors.New("store: not found")

// Store is the Get/Upsert/List/Delete contract every core component
// persists through. Partitions isolate tenants; there are no multi-row
// transactions (§5).
type Store interface {
	// Get returns the row's raw JSON, or ErrNotFound.
	Get(ctx context.Context, partition, row string) (json.RawMessage, error)

	// Upsert replaces the row's JSON, inserting it if absent. It is the
	// single atomic write operation every mutator issues as the last
	// step of its work (§5) — callers never hold an in-process lock
	// across this call.
	Upsert(ctx context.Context, partition, row string, data json.RawMessage) error

	// List returns every row under a partition, in unspecified order.
	List(ctx context.Context, partition string) ([]json.RawMessage, error)

	// Delete removes a single row. It is a no-op, not an error, if the
	// row is already absent.
	Delete(ctx context.Context, partition, row string) error
}

// PutJSON marshals v and upserts it, a convenience wrapper used by
// every typed repository built on top of Store.
func PutJSON(ctx context.Context, s Store, partition, row string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Upsert(ctx, partition, row, data)
}

// GetJSON fetches a row and unmarshals it into v. Returns ErrNotFound
// unchanged so callers can map it to corerr.NotFound.
func GetJSON(ctx context.Context, s Store, partition, row string, v interface{}) error {
	raw, err := s.Get(ctx, partition, row)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
