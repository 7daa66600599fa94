// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/duplicator/journal"
	"github.com/dgraph-io/badger/v4"
)

var _ journal.Store = (*Store)(nil)

// Key format:
//   - Log:   journal:log:{seq:020d}:{id} -> record JSON
//   - Index: journal:id:{id}             -> log key
const (
	logPrefix   = "journal:log:"
	indexPrefix = "journal:id:"
	seqKey      = "journal:seq"
)

// Store persists journal records in BadgerDB, ordered by append sequence.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	closed bool
	mu     sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string
	InMemory bool
}

// New opens a BadgerDB-backed journal.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open journal sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func logKey(seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", logPrefix, seq, id))
}

func indexKey(id string) []byte {
	return []byte(indexPrefix + id)
}

// Append stores r, replacing an existing record with the same ID.
func (s *Store) Append(ctx context.Context, r journal.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	key := logKey(n, r.ID)

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(r.ID))
		switch {
		case err == nil:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(old); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(r.ID), key)
	})
}

func (s *Store) Get(ctx context.Context, id string) (journal.Record, error) {
	var r journal.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return journal.ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return journal.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	return r, err
}

func (s *Store) List(ctx context.Context, f journal.Filter) ([]journal.Record, error) {
	records := make([]journal.Record, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(logPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && (f.Limit == 0 || len(records) < f.Limit); it.Next() {
			var r journal.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return err
			}
			if f.Match(r) {
				records = append(records, r)
			}
		}
		return nil
	})

	return records, err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return journal.ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
}

// Close releases the sequence and closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.seq.Release()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
