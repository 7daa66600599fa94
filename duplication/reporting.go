// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Defaults for the reporting duplicator.
const (
	DefaultWaitInterval = 30 * time.Second
	DefaultMaxRetries   = 3
)

// Failure reasons reported for abandoned events.
const (
	ReasonMaxRetries       = "max retries exceeded"
	ReasonShutdown         = "service shutdown"
	ReasonShutdownDuringOp = "service shutdown during retry"
)

// ReportingConfig configures a Reporting duplicator.
type ReportingConfig struct {
	// WaitInterval is the idle poll interval and the backoff unit.
	WaitInterval time.Duration
	// MaxRetries is the number of scheduled retries before an event is abandoned.
	MaxRetries int
}

// Backlog describes outstanding work.
type Backlog struct {
	Inbox    int `json:"inbox"`
	Retry    int `json:"retry"`
	Tally    int `json:"tally"`
	InFlight int `json:"in_flight"`
}

// Total returns the sum of all counters.
func (b Backlog) Total() int {
	return b.Inbox + b.Retry + b.Tally + b.InFlight
}

var _ ContentDuplicator = (*Reporting)(nil)

// Reporting duplicates content asynchronously. Requests are queued and processed
// by two workers, one draining the inbox and one draining the retry queue. Every
// accepted request yields exactly one report to the listener.
type Reporting struct {
	content      ContentDuplicator
	listener     ResultListener
	logger       *slog.Logger
	waitInterval time.Duration
	maxRetries   int
	randN        func(n int64) int64

	mu        sync.Mutex
	inbox     []Event
	inboxKeys map[Key]struct{}
	retry     delayQueue
	tally     map[Key]int
	inFlight  int
	stopping  bool

	inboxNotify chan struct{}
	retryNotify chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewReporting wraps a synchronous content duplicator. Call Start to run the workers.
func NewReporting(content ContentDuplicator, listener ResultListener, cfg ReportingConfig, logger *slog.Logger) *Reporting {
	if logger == nil {
		logger = slog.Default()
	}
	if listener == nil {
		listener = LogListener{Logger: logger}
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Reporting{
		content:      content,
		listener:     listener,
		logger:       logger,
		waitInterval: cfg.WaitInterval,
		maxRetries:   cfg.MaxRetries,
		randN:        rand.Int64N,
		inboxKeys:    make(map[Key]struct{}),
		tally:        make(map[Key]int),
		inboxNotify:  make(chan struct{}, 1),
		retryNotify:  make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the inbox and retry workers.
func (r *Reporting) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopping {
			return
		}
		r.wg.Add(2)
		go r.runInbox()
		go r.runRetry()
		r.logger.Info("reporting duplicator started",
			slog.String("from", r.FromStoreID()),
			slog.String("to", r.ToStoreID()),
			slog.Duration("wait_interval", r.waitInterval),
			slog.Int("max_retries", r.maxRetries))
	})
}

// FromStoreID returns the source store ID.
func (r *Reporting) FromStoreID() string {
	return r.content.FromStoreID()
}

// ToStoreID returns the destination store ID.
func (r *Reporting) ToStoreID() string {
	return r.content.ToStoreID()
}

// CreateContent queues a content copy. It never blocks on I/O; the checksum is
// delivered to the listener.
func (r *Reporting) CreateContent(_ context.Context, spaceID, contentID string) (string, error) {
	r.submit(NewEvent(r.FromStoreID(), r.ToStoreID(), ContentCreate, spaceID, contentID))
	return "", nil
}

// UpdateContent queues a content properties update.
func (r *Reporting) UpdateContent(_ context.Context, spaceID, contentID string) error {
	r.submit(NewEvent(r.FromStoreID(), r.ToStoreID(), ContentUpdate, spaceID, contentID))
	return nil
}

// DeleteContent queues a content removal.
func (r *Reporting) DeleteContent(_ context.Context, spaceID, contentID string) error {
	r.submit(NewEvent(r.FromStoreID(), r.ToStoreID(), ContentDelete, spaceID, contentID))
	return nil
}

// submit appends e to the inbox unless an equal event is already waiting there.
func (r *Reporting) submit(e Event) {
	key := e.Key()

	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		r.logger.Warn("duplication request rejected: service stopped", slog.String("event", key.String()))
		r.listener.ProcessResult(e.fail(ReasonShutdown))
		return
	}
	if _, ok := r.inboxKeys[key]; ok {
		r.mu.Unlock()
		r.logger.Debug("duplication request coalesced", slog.String("event", key.String()))
		return
	}
	r.inbox = append(r.inbox, e)
	r.inboxKeys[key] = struct{}{}
	r.mu.Unlock()

	notify(r.inboxNotify)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Reporting) popInbox() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping || len(r.inbox) == 0 {
		return Event{}, false
	}
	e := r.inbox[0]
	r.inbox[0] = Event{}
	r.inbox = r.inbox[1:]
	delete(r.inboxKeys, e.Key())
	r.inFlight++
	return e, true
}

// popRetry returns a ready event, or how long to sleep before the next poll.
func (r *Reporting) popRetry(now time.Time) (Event, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping {
		return Event{}, r.waitInterval, false
	}
	if e, ok := r.retry.popReady(now); ok {
		r.inFlight++
		return e, 0, true
	}
	wait := r.waitInterval
	if at, ok := r.retry.next(); ok {
		if d := at.Sub(now); d < wait {
			wait = d
		}
	}
	return Event{}, wait, false
}

func (r *Reporting) runInbox() {
	defer r.wg.Done()

	for {
		e, ok := r.popInbox()
		if ok {
			r.process(e)
			continue
		}
		if !r.sleep(r.waitInterval, r.inboxNotify) {
			return
		}
	}
}

func (r *Reporting) runRetry() {
	defer r.wg.Done()

	for {
		e, wait, ok := r.popRetry(time.Now())
		if ok {
			r.process(e)
			continue
		}
		if !r.sleep(wait, r.retryNotify) {
			return
		}
	}
}

// sleep waits for d, a wake-up on wake, or Stop. It returns false once stopping.
func (r *Reporting) sleep(d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.stopCh:
		return false
	case <-wake:
	case <-timer.C:
	}
	return true
}

func (r *Reporting) process(e Event) {
	e.Attempts++
	checksum, err := r.dispatch(context.Background(), e)
	if err != nil {
		r.failure(e, err)
	} else {
		r.success(e, checksum)
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

func (r *Reporting) dispatch(ctx context.Context, e Event) (string, error) {
	switch e.Type {
	case ContentCreate:
		return r.content.CreateContent(ctx, e.SpaceID, e.ContentID)
	case ContentUpdate:
		return "", r.content.UpdateContent(ctx, e.SpaceID, e.ContentID)
	case ContentDelete:
		return "", r.content.DeleteContent(ctx, e.SpaceID, e.ContentID)
	default:
		return "", fmt.Errorf("unsupported event type %q", e.Type)
	}
}

func (r *Reporting) success(e Event, checksum string) {
	r.mu.Lock()
	delete(r.tally, e.Key())
	r.mu.Unlock()

	e.Delay = 0
	if e.Type == ContentCreate && checksum != "" {
		e.Checksum = checksum
	}
	r.listener.ProcessResult(e)
}

func (r *Reporting) failure(e Event, err error) {
	key := e.Key()

	r.mu.Lock()
	n := r.tally[key]
	if n >= r.maxRetries {
		delete(r.tally, key)
		r.mu.Unlock()

		r.logger.Error("duplication abandoned",
			slog.String("event", key.String()),
			slog.Int("attempts", e.Attempts),
			slog.String("error", err.Error()))
		r.listener.ProcessResult(e.fail(fmt.Sprintf("%s: %v", ReasonMaxRetries, err)))
		return
	}
	n++
	r.tally[key] = n
	e.Delay = r.backoff(n)
	r.retry.push(e, time.Now())
	r.mu.Unlock()

	r.logger.Warn("duplication failed, retry scheduled",
		slog.String("event", key.String()),
		slog.Int("retry", n),
		slog.Duration("delay", e.Delay),
		slog.String("error", err.Error()))
	notify(r.retryNotify)
}

// backoff returns WaitInterval * rand[0, 3^n). Both the bound and the delay
// saturate at math.MaxInt64.
func (r *Reporting) backoff(n int) time.Duration {
	limit := int64(1)
	for i := 0; i < n && limit <= math.MaxInt64/3; i++ {
		limit *= 3
	}
	draw := r.randN(limit)
	if draw > 0 && int64(r.waitInterval) > math.MaxInt64/draw {
		return time.Duration(math.MaxInt64)
	}
	return r.waitInterval * time.Duration(draw)
}

// Pending returns the outstanding work counters.
func (r *Reporting) Pending() Backlog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Backlog{
		Inbox:    len(r.inbox),
		Retry:    r.retry.len(),
		Tally:    len(r.tally),
		InFlight: r.inFlight,
	}
}

// HasPending reports whether any work is queued, tracked or running.
func (r *Reporting) HasPending() bool {
	return r.Pending().Total() > 0
}

// Stop halts both workers after their current iteration, then reports every
// outstanding event as failed. Stop is idempotent.
func (r *Reporting) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopping = true
		r.mu.Unlock()

		close(r.stopCh)
		r.wg.Wait()

		outstanding := r.drain()
		for _, e := range outstanding {
			r.listener.ProcessResult(e.fail(ReasonShutdownDuringOp))
		}
		r.logger.Info("reporting duplicator stopped",
			slog.String("from", r.FromStoreID()),
			slog.String("to", r.ToStoreID()),
			slog.Int("abandoned", len(outstanding)))

		r.content.Stop()
	})
}

// drain empties the tally, retry queue and inbox into one list without duplicates.
func (r *Reporting) drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued := append(r.retry.drain(), r.inbox...)
	byKey := make(map[Key]Event, len(queued))
	for _, e := range queued {
		if _, ok := byKey[e.Key()]; !ok {
			byKey[e.Key()] = e
		}
	}

	seen := make(map[Key]struct{}, len(byKey)+len(r.tally))
	out := make([]Event, 0, len(byKey)+len(r.tally))
	add := func(e Event) {
		if _, ok := seen[e.Key()]; ok {
			return
		}
		seen[e.Key()] = struct{}{}
		out = append(out, e)
	}

	for key := range r.tally {
		if e, ok := byKey[key]; ok {
			add(e)
			continue
		}
		add(NewEvent(key.FromStoreID, key.ToStoreID, key.Type, key.SpaceID, key.ContentID))
	}
	for _, e := range queued {
		add(e)
	}

	r.inbox = nil
	r.inboxKeys = make(map[Key]struct{})
	r.tally = make(map[Key]int)
	return out
}
