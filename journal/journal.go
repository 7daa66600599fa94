// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package journal persists the terminal report of every duplication request so
// failures can be inspected and replayed.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/duplicator/duplication"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("journal record not found")

// Record is one persisted duplication report.
type Record struct {
	ID          string           `json:"id"`
	FromStoreID string           `json:"from_store_id"`
	ToStoreID   string           `json:"to_store_id"`
	Type        duplication.Type `json:"type"`
	SpaceID     string           `json:"space_id"`
	ContentID   string           `json:"content_id,omitempty"`
	Checksum    string           `json:"checksum,omitempty"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	Attempts    int              `json:"attempts"`
	ReportedAt  time.Time        `json:"reported_at"`
}

// FromEvent builds a record from a reported event.
func FromEvent(e duplication.Event) Record {
	id := e.ID
	if id == "" {
		id = uuid.New().String()
	}
	return Record{
		ID:          id,
		FromStoreID: e.FromStoreID,
		ToStoreID:   e.ToStoreID,
		Type:        e.Type,
		SpaceID:     e.SpaceID,
		ContentID:   e.ContentID,
		Checksum:    e.Checksum,
		Success:     !e.Failed,
		Error:       e.Error,
		Attempts:    e.Attempts,
		ReportedAt:  time.Now().UTC(),
	}
}

// Event returns a fresh first-attempt event for the same work.
func (r Record) Event() duplication.Event {
	return duplication.NewEvent(r.FromStoreID, r.ToStoreID, r.Type, r.SpaceID, r.ContentID)
}

// Filter narrows List results.
type Filter struct {
	FailedOnly bool
	// Limit caps the number of records; zero means no limit.
	Limit int
}

// Match reports whether r passes the filter, ignoring Limit.
func (f Filter) Match(r Record) bool {
	return !f.FailedOnly || !r.Success
}

// Store persists records. List returns records oldest first.
type Store interface {
	Append(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

const appendTimeout = 5 * time.Second

// Listener appends every reported event to a store.
type Listener struct {
	store  Store
	logger *slog.Logger
}

var _ duplication.ResultListener = (*Listener)(nil)

// NewListener creates a journaling result listener.
func NewListener(store Store, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{store: store, logger: logger}
}

// ProcessResult records e. Storage errors are logged and dropped.
func (l *Listener) ProcessResult(e duplication.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	r := FromEvent(e)
	if err := l.store.Append(ctx, r); err != nil {
		l.logger.Error("failed to journal duplication result",
			slog.String("id", r.ID),
			slog.String("space_id", r.SpaceID),
			slog.String("content_id", r.ContentID),
			slog.String("error", err.Error()))
	}
}

// Submitter resubmits events for duplication.
type Submitter interface {
	Submit(ctx context.Context, e duplication.Event) error
}

// Replay resubmits the record with the given id and removes it from the store.
// The record is kept when resubmission fails.
func Replay(ctx context.Context, store Store, s Submitter, id string) (Record, error) {
	r, err := store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := s.Submit(ctx, r.Event()); err != nil {
		return r, err
	}
	if err := store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return r, err
	}
	return r, nil
}
