// Package boltstore implements pkg/store.Store as a local file-backed
// mirror of the hosted service, using an embedded bbolt database. Each
// partition is a top-level bucket; each row is a key within it holding
// the JSON-encoded record.
package boltstore

import (
	"context"
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"overlaycaster/pkg/store"
)

// Store is a pkg/store.Store backed by a single bbolt file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(_ context.Context, partition, row string) (json.RawMessage, error) {
	var data json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return store.ErrNotFound
		}
		v := b.Get([]byte(row))
		if v == nil {
			return store.ErrNotFound
		}
		data = append(json.RawMessage(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) Upsert(_ context.Context, partition, row string, data json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		return b.Put([]byte(row), data)
	})
}

func (s *Store) List(_ context.Context, partition string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			out = append(out, append(json.RawMessage(nil), v...))
			return nil
		})
	})
	return out, err
}

func (s *Store) Delete(_ context.Context, partition, row string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(partition))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(row))
	})
}
