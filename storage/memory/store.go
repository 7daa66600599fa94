// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/duplicator/storage"
)

var _ storage.Client = (*Store)(nil)

// ProviderType is reported by in-memory stores.
const ProviderType = "memory"

// Store is an in-memory storage client. It is safe for concurrent use.
type Store struct {
	id     string
	mu     sync.RWMutex
	spaces map[string]*space
}

type space struct {
	props  storage.Properties
	access storage.Access
	items  map[string]*item
}

type item struct {
	data     []byte
	mimeType string
	checksum string
	modified time.Time
	props    storage.Properties
}

// New creates a new in-memory store identified by id.
func New(id string) *Store {
	return &Store{
		id:     id,
		spaces: make(map[string]*space),
	}
}

// StoreID returns the store identifier.
func (s *Store) StoreID() string {
	return s.id
}

// Close is a no-op; the data lives as long as the Store.
func (s *Store) Close() error {
	return nil
}

// ProviderType returns "memory".
func (s *Store) ProviderType() string {
	return ProviderType
}

// GetSpaceProperties returns a copy of the space properties.
func (s *Store) GetSpaceProperties(ctx context.Context, spaceID string) (storage.Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil, storage.ErrSpaceNotFound
	}
	return sp.props.Clone(), nil
}

// SetSpaceProperties replaces the space properties.
func (s *Store) SetSpaceProperties(ctx context.Context, spaceID string, props storage.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return storage.ErrSpaceNotFound
	}
	sp.props = props.Clone()
	return nil
}

// GetSpaceAccess returns the space access setting.
func (s *Store) GetSpaceAccess(ctx context.Context, spaceID string) (storage.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return "", storage.ErrSpaceNotFound
	}
	return sp.access, nil
}

// SetSpaceAccess updates the space access setting.
func (s *Store) SetSpaceAccess(ctx context.Context, spaceID string, access storage.Access) error {
	if !access.Valid() {
		return fmt.Errorf("invalid access %q", access)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return storage.ErrSpaceNotFound
	}
	sp.access = access
	return nil
}

// CreateSpace creates an empty, closed space.
func (s *Store) CreateSpace(ctx context.Context, spaceID string, props storage.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.spaces[spaceID]; ok {
		return storage.ErrSpaceExists
	}
	p := props.Clone()
	if _, ok := p[storage.PropertyCreated]; !ok {
		p[storage.PropertyCreated] = time.Now().UTC().Format(time.RFC3339)
	}
	s.spaces[spaceID] = &space{
		props:  p,
		access: storage.AccessClosed,
		items:  make(map[string]*item),
	}
	return nil
}

// DeleteSpace removes a space and all of its content.
func (s *Store) DeleteSpace(ctx context.Context, spaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.spaces[spaceID]; !ok {
		return storage.ErrSpaceNotFound
	}
	delete(s.spaces, spaceID)
	return nil
}

// GetContent returns the content bytes and properties.
func (s *Store) GetContent(ctx context.Context, spaceID, contentID string) (*storage.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, err := s.itemLocked(spaceID, contentID)
	if err != nil {
		return nil, err
	}
	data := append([]byte(nil), it.data...)
	return &storage.Content{
		Body:       io.NopCloser(bytes.NewReader(data)),
		Properties: it.properties(),
	}, nil
}

// GetContentProperties returns the content properties including system properties.
func (s *Store) GetContentProperties(ctx context.Context, spaceID, contentID string) (storage.Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, err := s.itemLocked(spaceID, contentID)
	if err != nil {
		return nil, err
	}
	return it.properties(), nil
}

// SetContentProperties replaces user properties. Size and checksum are not writable;
// the mime type is updated when present.
func (s *Store) SetContentProperties(ctx context.Context, spaceID, contentID string, props storage.Properties) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.itemLocked(spaceID, contentID)
	if err != nil {
		return err
	}
	p := props.Clone()
	if mt := p.MimeType(); mt != "" {
		it.mimeType = mt
	}
	for _, k := range []string{storage.PropertyMimeType, storage.PropertySize, storage.PropertyChecksum, storage.PropertyMD5, storage.PropertyModified} {
		delete(p, k)
	}
	it.props = p
	it.modified = time.Now().UTC()
	return nil
}

// AddContent stores content, verifying the supplied checksum and size.
func (s *Store) AddContent(ctx context.Context, spaceID, contentID string, r io.Reader, size int64, mimeType, checksum string, props storage.Properties) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d, received %d", size, len(data))
	}
	sum := md5.Sum(data)
	computed := hex.EncodeToString(sum[:])
	if checksum != "" && !storage.ChecksumsMatch(checksum, computed) {
		return "", fmt.Errorf("%w: expected %s, computed %s", storage.ErrChecksumMismatch, checksum, computed)
	}
	if mimeType == "" {
		mimeType = storage.DefaultMimeType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return "", storage.ErrSpaceNotFound
	}
	p := props.Clone()
	for _, k := range []string{storage.PropertyMimeType, storage.PropertySize, storage.PropertyChecksum, storage.PropertyMD5, storage.PropertyModified} {
		delete(p, k)
	}
	sp.items[contentID] = &item{
		data:     data,
		mimeType: mimeType,
		checksum: computed,
		modified: time.Now().UTC(),
		props:    p,
	}
	return computed, nil
}

// DeleteContent removes a content item.
func (s *Store) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return storage.ErrSpaceNotFound
	}
	if _, ok := sp.items[contentID]; !ok {
		return storage.ErrContentNotFound
	}
	delete(sp.items, contentID)
	return nil
}

// ContentIDs returns the ids of all items in a space.
func (s *Store) ContentIDs(spaceID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(sp.items))
	for id := range sp.items {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) itemLocked(spaceID, contentID string) (*item, error) {
	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil, storage.ErrSpaceNotFound
	}
	it, ok := sp.items[contentID]
	if !ok {
		return nil, storage.ErrContentNotFound
	}
	return it, nil
}

func (it *item) properties() storage.Properties {
	p := it.props.Clone()
	p[storage.PropertyMimeType] = it.mimeType
	p[storage.PropertySize] = strconv.Itoa(len(it.data))
	p[storage.PropertyChecksum] = it.checksum
	p[storage.PropertyModified] = it.modified.Format(time.RFC3339)
	return p
}
