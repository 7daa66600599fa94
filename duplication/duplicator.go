// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"fmt"
	"sync"
)

// Duplicator routes space operations to a SpaceDuplicator and content
// operations to a ContentDuplicator.
type Duplicator struct {
	spaces   SpaceDuplicator
	content  ContentDuplicator
	stopOnce sync.Once
}

// New creates a Duplicator.
func New(spaces SpaceDuplicator, content ContentDuplicator) *Duplicator {
	return &Duplicator{
		spaces:  spaces,
		content: content,
	}
}

// CreateSpace copies a space and its properties to the destination.
func (d *Duplicator) CreateSpace(ctx context.Context, spaceID string) error {
	return d.spaces.CreateSpace(ctx, spaceID)
}

// UpdateSpace pushes the source space properties and access to the destination.
func (d *Duplicator) UpdateSpace(ctx context.Context, spaceID string) error {
	return d.spaces.UpdateSpace(ctx, spaceID)
}

// DeleteSpace removes the space from the destination.
func (d *Duplicator) DeleteSpace(ctx context.Context, spaceID string) error {
	return d.spaces.DeleteSpace(ctx, spaceID)
}

// CreateContent copies a content item. An asynchronous content duplicator
// returns an empty checksum and reports the real one to its listener.
func (d *Duplicator) CreateContent(ctx context.Context, spaceID, contentID string) (string, error) {
	return d.content.CreateContent(ctx, spaceID, contentID)
}

// UpdateContent pushes the source content properties to the destination.
func (d *Duplicator) UpdateContent(ctx context.Context, spaceID, contentID string) error {
	return d.content.UpdateContent(ctx, spaceID, contentID)
}

// DeleteContent removes a content item from the destination.
func (d *Duplicator) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	return d.content.DeleteContent(ctx, spaceID, contentID)
}

// FromStoreID returns the source store ID.
func (d *Duplicator) FromStoreID() string {
	return d.content.FromStoreID()
}

// ToStoreID returns the destination store ID.
func (d *Duplicator) ToStoreID() string {
	return d.content.ToStoreID()
}

// Submit dispatches an event by type. The event's store pair must match the duplicator's.
func (d *Duplicator) Submit(ctx context.Context, e Event) error {
	if e.FromStoreID != "" && e.FromStoreID != d.FromStoreID() {
		return fmt.Errorf("%w: source store %q not served", ErrUnknownStore, e.FromStoreID)
	}
	if e.ToStoreID != "" && e.ToStoreID != d.ToStoreID() {
		return fmt.Errorf("%w: destination store %q not served", ErrUnknownStore, e.ToStoreID)
	}

	switch e.Type {
	case SpaceCreate:
		return d.CreateSpace(ctx, e.SpaceID)
	case SpaceUpdate:
		return d.UpdateSpace(ctx, e.SpaceID)
	case SpaceDelete:
		return d.DeleteSpace(ctx, e.SpaceID)
	case ContentCreate:
		_, err := d.CreateContent(ctx, e.SpaceID, e.ContentID)
		return err
	case ContentUpdate:
		return d.UpdateContent(ctx, e.SpaceID, e.ContentID)
	case ContentDelete:
		return d.DeleteContent(ctx, e.SpaceID, e.ContentID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// Pending returns the content backlog when the content duplicator is asynchronous.
func (d *Duplicator) Pending() Backlog {
	if p, ok := d.content.(interface{ Pending() Backlog }); ok {
		return p.Pending()
	}
	return Backlog{}
}

// Stop stops the content duplicator, then the space duplicator.
func (d *Duplicator) Stop() {
	d.stopOnce.Do(func() {
		d.content.Stop()
		d.spaces.Stop()
	})
}
