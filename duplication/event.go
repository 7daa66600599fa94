// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the duplication action an event carries.
type Type string

// Event types.
const (
	SpaceCreate   Type = "SPACE_CREATE"
	SpaceUpdate   Type = "SPACE_UPDATE"
	SpaceDelete   Type = "SPACE_DELETE"
	ContentCreate Type = "CONTENT_CREATE"
	ContentUpdate Type = "CONTENT_UPDATE"
	ContentDelete Type = "CONTENT_DELETE"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case SpaceCreate, SpaceUpdate, SpaceDelete, ContentCreate, ContentUpdate, ContentDelete:
		return true
	}
	return false
}

// IsSpace reports whether t is a space-level type.
func (t Type) IsSpace() bool {
	return t == SpaceCreate || t == SpaceUpdate || t == SpaceDelete
}

// Key is the identity of an event. Two events with equal keys describe the same work.
type Key struct {
	FromStoreID string
	ToStoreID   string
	Type        Type
	SpaceID     string
	ContentID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s/%s (%s -> %s)", k.Type, k.SpaceID, k.ContentID, k.FromStoreID, k.ToStoreID)
}

// Event describes one pending, retried or finished duplication action.
type Event struct {
	ID          string        `json:"id"`
	FromStoreID string        `json:"from_store_id"`
	ToStoreID   string        `json:"to_store_id"`
	Type        Type          `json:"type"`
	SpaceID     string        `json:"space_id"`
	ContentID   string        `json:"content_id,omitempty"`
	Checksum    string        `json:"checksum,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Attempts    int           `json:"attempts"`
	Failed      bool          `json:"failed"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NewEvent creates a first-attempt event.
func NewEvent(from, to string, typ Type, spaceID, contentID string) Event {
	return Event{
		ID:          uuid.New().String(),
		FromStoreID: from,
		ToStoreID:   to,
		Type:        typ,
		SpaceID:     spaceID,
		ContentID:   contentID,
		CreatedAt:   time.Now().UTC(),
	}
}

// Key returns the identity of e.
func (e Event) Key() Key {
	return Key{
		FromStoreID: e.FromStoreID,
		ToStoreID:   e.ToStoreID,
		Type:        e.Type,
		SpaceID:     e.SpaceID,
		ContentID:   e.ContentID,
	}
}

// Equal reports whether e and o describe the same work.
func (e Event) Equal(o Event) bool {
	return e.Key() == o.Key()
}

// Success reports whether e finished without failure.
func (e Event) Success() bool {
	return !e.Failed
}

// fail returns a copy of e marked as abandoned with msg. The failure is set only once.
func (e Event) fail(msg string) Event {
	if e.Failed {
		return e
	}
	e.Failed = true
	e.Error = msg
	return e
}
