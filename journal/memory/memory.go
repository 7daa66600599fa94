// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/duplicator/journal"
)

var _ journal.Store = (*Store)(nil)

// Store keeps records in memory in append order.
type Store struct {
	mu      sync.RWMutex
	order   []string
	records map[string]journal.Record
}

// New returns an empty in-memory journal.
func New() *Store {
	return &Store{records: make(map[string]journal.Record)}
}

func (s *Store) Append(ctx context.Context, r journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = r
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (journal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return journal.Record{}, journal.ErrNotFound
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, f journal.Filter) ([]journal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]journal.Record, 0)
	for _, id := range s.order {
		r := s.records[id]
		if !f.Match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return journal.ErrNotFound
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
