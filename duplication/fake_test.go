// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/absmach/duplicator/pkg/retry"
	"github.com/absmach/duplicator/storage"
	"github.com/absmach/duplicator/storage/memory"
)

var errUnavailable = errors.New("store unavailable")

// fakeStore wraps a memory store with call counting and scripted failures.
type fakeStore struct {
	*memory.Store

	mu    sync.Mutex
	calls map[string]int
	errs  map[string][]error

	getContent func(spaceID, contentID string) (*storage.Content, error)
	addContent func(r io.Reader, size int64, checksum string) (string, error)
}

func newFakeStore(id string) *fakeStore {
	return &fakeStore{
		Store: memory.New(id),
		calls: make(map[string]int),
		errs:  make(map[string][]error),
	}
}

// failNext makes the next len(errs) calls of op return errs in order.
func (f *fakeStore) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
}

// failAlways makes op fail n times with err.
func (f *fakeStore) failAlways(op string, err error, n int) {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = err
	}
	f.failNext(op, errs...)
}

func (f *fakeStore) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if q := f.errs[op]; len(q) > 0 {
		f.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeStore) GetSpaceProperties(ctx context.Context, spaceID string) (storage.Properties, error) {
	if err := f.hit("GetSpaceProperties"); err != nil {
		return nil, err
	}
	return f.Store.GetSpaceProperties(ctx, spaceID)
}

func (f *fakeStore) SetSpaceProperties(ctx context.Context, spaceID string, props storage.Properties) error {
	if err := f.hit("SetSpaceProperties"); err != nil {
		return err
	}
	return f.Store.SetSpaceProperties(ctx, spaceID, props)
}

func (f *fakeStore) GetSpaceAccess(ctx context.Context, spaceID string) (storage.Access, error) {
	if err := f.hit("GetSpaceAccess"); err != nil {
		return "", err
	}
	return f.Store.GetSpaceAccess(ctx, spaceID)
}

func (f *fakeStore) SetSpaceAccess(ctx context.Context, spaceID string, access storage.Access) error {
	if err := f.hit("SetSpaceAccess"); err != nil {
		return err
	}
	return f.Store.SetSpaceAccess(ctx, spaceID, access)
}

func (f *fakeStore) CreateSpace(ctx context.Context, spaceID string, props storage.Properties) error {
	if err := f.hit("CreateSpace"); err != nil {
		return err
	}
	return f.Store.CreateSpace(ctx, spaceID, props)
}

func (f *fakeStore) DeleteSpace(ctx context.Context, spaceID string) error {
	if err := f.hit("DeleteSpace"); err != nil {
		return err
	}
	return f.Store.DeleteSpace(ctx, spaceID)
}

func (f *fakeStore) GetContent(ctx context.Context, spaceID, contentID string) (*storage.Content, error) {
	if err := f.hit("GetContent"); err != nil {
		return nil, err
	}
	if f.getContent != nil {
		return f.getContent(spaceID, contentID)
	}
	return f.Store.GetContent(ctx, spaceID, contentID)
}

func (f *fakeStore) GetContentProperties(ctx context.Context, spaceID, contentID string) (storage.Properties, error) {
	if err := f.hit("GetContentProperties"); err != nil {
		return nil, err
	}
	return f.Store.GetContentProperties(ctx, spaceID, contentID)
}

func (f *fakeStore) SetContentProperties(ctx context.Context, spaceID, contentID string, props storage.Properties) error {
	if err := f.hit("SetContentProperties"); err != nil {
		return err
	}
	return f.Store.SetContentProperties(ctx, spaceID, contentID, props)
}

func (f *fakeStore) AddContent(ctx context.Context, spaceID, contentID string, r io.Reader, size int64, mimeType, checksum string, props storage.Properties) (string, error) {
	if err := f.hit("AddContent"); err != nil {
		// Drain like a real upload would before failing.
		_, _ = io.Copy(io.Discard, r)
		return "", err
	}
	if f.addContent != nil {
		return f.addContent(r, size, checksum)
	}
	return f.Store.AddContent(ctx, spaceID, contentID, r, size, mimeType, checksum, props)
}

func (f *fakeStore) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := f.hit("DeleteContent"); err != nil {
		return err
	}
	return f.Store.DeleteContent(ctx, spaceID, contentID)
}

func testCaller() *retry.Caller {
	return retry.New(3, time.Millisecond, retry.WithPermanent(IsStructural))
}

// recorder is a ResultListener collecting every report.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) ProcessResult(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) results() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// scriptedContent is a ContentDuplicator whose outcomes are controlled by the test.
type scriptedContent struct {
	mu      sync.Mutex
	calls   map[Key]int
	fail    func(e Event, call int) error
	block   chan struct{}
	started chan struct{}
	stopped bool
}

func newScriptedContent() *scriptedContent {
	return &scriptedContent{calls: make(map[Key]int)}
}

func (s *scriptedContent) run(typ Type, spaceID, contentID string) error {
	e := NewEvent("source", "dest", typ, spaceID, contentID)
	s.mu.Lock()
	s.calls[e.Key()]++
	call := s.calls[e.Key()]
	fail, block, started := s.fail, s.block, s.started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if fail != nil {
		return fail(e, call)
	}
	return nil
}

func (s *scriptedContent) CreateContent(_ context.Context, spaceID, contentID string) (string, error) {
	if err := s.run(ContentCreate, spaceID, contentID); err != nil {
		return "", err
	}
	return "md5-" + contentID, nil
}

func (s *scriptedContent) UpdateContent(_ context.Context, spaceID, contentID string) error {
	return s.run(ContentUpdate, spaceID, contentID)
}

func (s *scriptedContent) DeleteContent(_ context.Context, spaceID, contentID string) error {
	return s.run(ContentDelete, spaceID, contentID)
}

func (s *scriptedContent) FromStoreID() string { return "source" }

func (s *scriptedContent) ToStoreID() string { return "dest" }

func (s *scriptedContent) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *scriptedContent) callsFor(typ Type, spaceID, contentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[NewEvent("source", "dest", typ, spaceID, contentID).Key()]
}

func (s *scriptedContent) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
