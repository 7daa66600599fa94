// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles writes issued against a destination store.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// StoreLimiter keeps one token bucket per store ID.
type StoreLimiter struct {
	mu       sync.Mutex
	limiters map[string]*storeEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type storeEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewStoreLimiter creates a limiter allowing r operations per second per store with the given burst.
// Entries idle for two cleanup intervals are dropped; a non-positive interval disables cleanup.
func NewStoreLimiter(r float64, burst int, cleanupInterval time.Duration) *StoreLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &StoreLimiter{
		limiters: make(map[string]*storeEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *StoreLimiter) get(storeID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[storeID]
	if !ok {
		entry = &storeEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[storeID] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether an operation against storeID may run now.
func (l *StoreLimiter) Allow(storeID string) bool {
	return l.get(storeID).Allow()
}

// Wait blocks until an operation against storeID may run or ctx is done.
func (l *StoreLimiter) Wait(ctx context.Context, storeID string) error {
	return l.get(storeID).Wait(ctx)
}

// Len returns the number of tracked stores.
func (l *StoreLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *StoreLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *StoreLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *StoreLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Config holds destination write rate limiting settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // writes per second per store
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for idle stores
}

// DefaultConfig returns the default configuration. Limiting is off by default.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            50,
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

// New returns a limiter for cfg, or nil when limiting is disabled.
func New(cfg Config) *StoreLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewStoreLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
}
