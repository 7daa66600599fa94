// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Common errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrSpaceNotFound    = fmt.Errorf("space %w", ErrNotFound)
	ErrContentNotFound  = fmt.Errorf("content %w", ErrNotFound)
	ErrSpaceExists      = errors.New("space already exists")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrClosed           = errors.New("store closed")
)

// Well-known property names shared by all storage providers.
const (
	PropertyMimeType = "content-mimetype"
	PropertySize     = "content-size"
	PropertyChecksum = "content-checksum"
	PropertyMD5      = "content-md5"
	PropertyModified = "content-modified"
	PropertyCreated  = "space-created"

	DefaultMimeType = "application/octet-stream"
)

// Access is the visibility of a space.
type Access string

const (
	AccessOpen   Access = "OPEN"
	AccessClosed Access = "CLOSED"
)

// Valid reports whether a is a known access value.
func (a Access) Valid() bool {
	return a == AccessOpen || a == AccessClosed
}

// Properties is the metadata attached to a space or content item.
type Properties map[string]string

// Clone returns a copy of p. A nil map clones to an empty one.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MimeType returns the content mime type, if present.
func (p Properties) MimeType() string {
	return p[PropertyMimeType]
}

// Checksum returns the content checksum, preferring PropertyChecksum over PropertyMD5.
func (p Properties) Checksum() string {
	if v := p[PropertyChecksum]; v != "" {
		return v
	}
	return p[PropertyMD5]
}

// Size returns the content size and whether a valid size was present.
func (p Properties) Size() (int64, bool) {
	raw, ok := p[PropertySize]
	if !ok || raw == "" {
		return 0, false
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}

// Content is a content item read from a store. The caller owns Body and must close it.
type Content struct {
	Body       io.ReadCloser
	Properties Properties
}

// Close closes the content body if there is one.
func (c *Content) Close() error {
	if c == nil || c.Body == nil {
		return nil
	}
	return c.Body.Close()
}

// Client is the capability a duplicator needs from a storage backend.
//
// Implementations must return errors satisfying errors.Is(err, ErrSpaceNotFound) or
// errors.Is(err, ErrContentNotFound) when the addressed space or content item is absent,
// so callers can tell structural failures from transient ones.
type Client interface {
	// StoreID identifies the store instance.
	StoreID() string

	// ProviderType names the backend kind; used for log messages only.
	ProviderType() string

	GetSpaceProperties(ctx context.Context, spaceID string) (Properties, error)
	SetSpaceProperties(ctx context.Context, spaceID string, props Properties) error
	GetSpaceAccess(ctx context.Context, spaceID string) (Access, error)
	SetSpaceAccess(ctx context.Context, spaceID string, access Access) error
	CreateSpace(ctx context.Context, spaceID string, props Properties) error
	DeleteSpace(ctx context.Context, spaceID string) error

	GetContent(ctx context.Context, spaceID, contentID string) (*Content, error)
	GetContentProperties(ctx context.Context, spaceID, contentID string) (Properties, error)
	SetContentProperties(ctx context.Context, spaceID, contentID string, props Properties) error

	// AddContent stores the bytes read from r. When checksum is not empty the store
	// verifies it against the received bytes. It returns the checksum of the stored item.
	AddContent(ctx context.Context, spaceID, contentID string, r io.Reader, size int64, mimeType, checksum string, props Properties) (string, error)
	DeleteContent(ctx context.Context, spaceID, contentID string) error
}

// ChecksumsMatch compares two hex checksums ignoring case.
func ChecksumsMatch(a, b string) bool {
	return strings.EqualFold(a, b)
}

// IsNotFound reports whether err is a space or content not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
