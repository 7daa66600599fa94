// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/duplicator/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

var _ storage.Client = (*Store)(nil)

// ProviderType is reported by BadgerDB-backed stores.
const ProviderType = "badger"

// Key format:
//   - Space:   space/{spaceID}
//   - Meta:    meta/{spaceID}/{contentID}
//   - Data:    data/{spaceID}/{contentID} (zstd compressed)
const (
	spacePrefix = "space/"
	metaPrefix  = "meta/"
	dataPrefix  = "data/"
)

// Store is a storage client persisting spaces and content in BadgerDB.
type Store struct {
	id  string
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	StoreID    string
	Dir        string // Directory for BadgerDB data
	InMemory   bool   // Keep everything in memory, Dir is ignored
	SyncWrites bool
	GCInterval time.Duration
}

type spaceRecord struct {
	Properties storage.Properties `json:"properties"`
	Access     storage.Access     `json:"access"`
}

type contentRecord struct {
	MimeType   string             `json:"mime_type"`
	Checksum   string             `json:"checksum"`
	Size       int64              `json:"size"`
	Modified   time.Time          `json:"modified"`
	Properties storage.Properties `json:"properties"`
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.StoreID == "" {
		return nil, errors.New("store id is required")
	}
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 5 * time.Minute
	}

	s := &Store{
		id:         cfg.StoreID,
		db:         db,
		enc:        enc,
		dec:        dec,
		gcInterval: gcInterval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	go s.runGC(cfg.InMemory)

	return s, nil
}

// StoreID returns the store identifier.
func (s *Store) StoreID() string {
	return s.id
}

// ProviderType returns "badger".
func (s *Store) ProviderType() string {
	return ProviderType
}

// GetSpaceProperties returns the space properties.
func (s *Store) GetSpaceProperties(ctx context.Context, spaceID string) (storage.Properties, error) {
	var rec spaceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, spaceKey(spaceID), &rec, storage.ErrSpaceNotFound)
	})
	if err != nil {
		return nil, err
	}
	return rec.Properties.Clone(), nil
}

// SetSpaceProperties replaces the space properties.
func (s *Store) SetSpaceProperties(ctx context.Context, spaceID string, props storage.Properties) error {
	return s.updateSpace(spaceID, func(rec *spaceRecord) {
		rec.Properties = props.Clone()
	})
}

// GetSpaceAccess returns the space access setting.
func (s *Store) GetSpaceAccess(ctx context.Context, spaceID string) (storage.Access, error) {
	var rec spaceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, spaceKey(spaceID), &rec, storage.ErrSpaceNotFound)
	})
	if err != nil {
		return "", err
	}
	return rec.Access, nil
}

// SetSpaceAccess updates the space access setting.
func (s *Store) SetSpaceAccess(ctx context.Context, spaceID string, access storage.Access) error {
	if !access.Valid() {
		return fmt.Errorf("invalid access %q", access)
	}
	return s.updateSpace(spaceID, func(rec *spaceRecord) {
		rec.Access = access
	})
}

// CreateSpace creates an empty, closed space.
func (s *Store) CreateSpace(ctx context.Context, spaceID string, props storage.Properties) error {
	if spaceID == "" || strings.Contains(spaceID, "/") {
		return fmt.Errorf("invalid space id %q", spaceID)
	}
	p := props.Clone()
	if _, ok := p[storage.PropertyCreated]; !ok {
		p[storage.PropertyCreated] = time.Now().UTC().Format(time.RFC3339)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(spaceKey(spaceID))
		if err == nil {
			return storage.ErrSpaceExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, spaceKey(spaceID), spaceRecord{Properties: p, Access: storage.AccessClosed})
	})
}

// DeleteSpace removes a space and all of its content.
func (s *Store) DeleteSpace(ctx context.Context, spaceID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(spaceKey(spaceID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrSpaceNotFound
			}
			return err
		}
		for _, prefix := range []string{metaPrefix, dataPrefix} {
			if err := deleteByPrefix(txn, []byte(prefix+spaceID+"/")); err != nil {
				return err
			}
		}
		return txn.Delete(spaceKey(spaceID))
	})
}

// GetContent returns the decompressed content and its properties.
func (s *Store) GetContent(ctx context.Context, spaceID, contentID string) (*storage.Content, error) {
	var (
		rec  contentRecord
		data []byte
	)
	err := s.db.View(func(txn *badger.Txn) error {
		if err := s.getMeta(txn, spaceID, contentID, &rec); err != nil {
			return err
		}
		item, err := txn.Get(dataKey(spaceID, contentID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrContentNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out, err := s.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress content: %w", err)
			}
			data = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &storage.Content{
		Body:       io.NopCloser(bytes.NewReader(data)),
		Properties: rec.properties(),
	}, nil
}

// GetContentProperties returns the content properties including system properties.
func (s *Store) GetContentProperties(ctx context.Context, spaceID, contentID string) (storage.Properties, error) {
	var rec contentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return s.getMeta(txn, spaceID, contentID, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.properties(), nil
}

// SetContentProperties replaces user properties and updates the mime type when present.
func (s *Store) SetContentProperties(ctx context.Context, spaceID, contentID string, props storage.Properties) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec contentRecord
		if err := s.getMeta(txn, spaceID, contentID, &rec); err != nil {
			return err
		}
		if mt := props.MimeType(); mt != "" {
			rec.MimeType = mt
		}
		rec.Properties = userProperties(props)
		rec.Modified = time.Now().UTC()
		return setJSON(txn, metaKey(spaceID, contentID), rec)
	})
}

// AddContent stores compressed content, verifying the supplied checksum and size.
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

	rec := contentRecord{
		MimeType:   mimeType,
		Checksum:   computed,
		Size:       int64(len(data)),
		Modified:   time.Now().UTC(),
		Properties: userProperties(props),
	}
	compressed := s.enc.EncodeAll(data, nil)

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(spaceKey(spaceID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrSpaceNotFound
			}
			return err
		}
		if err := setJSON(txn, metaKey(spaceID, contentID), rec); err != nil {
			return err
		}
		return txn.Set(dataKey(spaceID, contentID), compressed)
	})
	if err != nil {
		return "", err
	}
	return computed, nil
}

// DeleteContent removes a content item.
func (s *Store) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec contentRecord
		if err := s.getMeta(txn, spaceID, contentID, &rec); err != nil {
			return err
		}
		if err := txn.Delete(metaKey(spaceID, contentID)); err != nil {
			return err
		}
		return txn.Delete(dataKey(spaceID, contentID))
	})
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(inMemory bool) {
	defer close(s.gcDone)

	if inMemory {
		<-s.gcStopCh
		return
	}

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was reclaimed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func (s *Store) updateSpace(spaceID string, fn func(rec *spaceRecord)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var rec spaceRecord
		if err := getJSON(txn, spaceKey(spaceID), &rec, storage.ErrSpaceNotFound); err != nil {
			return err
		}
		fn(&rec)
		return setJSON(txn, spaceKey(spaceID), rec)
	})
}

func (s *Store) getMeta(txn *badger.Txn, spaceID, contentID string, rec *contentRecord) error {
	if _, err := txn.Get(spaceKey(spaceID)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrSpaceNotFound
		}
		return err
	}
	return getJSON(txn, metaKey(spaceID, contentID), rec, storage.ErrContentNotFound)
}

func (rec contentRecord) properties() storage.Properties {
	p := rec.Properties.Clone()
	p[storage.PropertyMimeType] = rec.MimeType
	p[storage.PropertySize] = strconv.FormatInt(rec.Size, 10)
	p[storage.PropertyChecksum] = rec.Checksum
	p[storage.PropertyModified] = rec.Modified.Format(time.RFC3339)
	return p
}

func userProperties(props storage.Properties) storage.Properties {
	p := props.Clone()
	for _, k := range []string{storage.PropertyMimeType, storage.PropertySize, storage.PropertyChecksum, storage.PropertyMD5, storage.PropertyModified} {
		delete(p, k)
	}
	return p
}

func getJSON(txn *badger.Txn, key []byte, v any, notFound error) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return txn.Set(key, data)
}

func deleteByPrefix(txn *badger.Txn, prefix []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func spaceKey(spaceID string) []byte {
	return []byte(spacePrefix + spaceID)
}

func metaKey(spaceID, contentID string) []byte {
	return []byte(metaPrefix + spaceID + "/" + contentID)
}

func dataKey(spaceID, contentID string) []byte {
	return []byte(dataPrefix + spaceID + "/" + contentID)
}
