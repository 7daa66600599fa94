// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry runs remote operations with a bounded number of attempts and a
// fixed wait between them, optionally guarded by a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Defaults used when a Caller is built with non-positive values.
const (
	DefaultAttempts = 3
	DefaultWait     = time.Second
)

// Caller executes a unit of work against a remote store, retrying transient failures.
type Caller struct {
	attempts    int
	wait        time.Duration
	breaker     *gobreaker.CircuitBreaker
	isPermanent func(error) bool
	logger      *slog.Logger
}

// Option configures a Caller.
type Option func(*Caller)

// WithBreaker routes every attempt through cb.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Caller) {
		c.breaker = cb
	}
}

// WithPermanent sets the classifier for errors that must not be retried.
func WithPermanent(fn func(error) bool) Option {
	return func(c *Caller) {
		c.isPermanent = fn
	}
}

// WithLogger sets the logger used to report failed attempts.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Caller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Caller making at most attempts calls, waiting wait between them.
func New(attempts int, wait time.Duration, opts ...Option) *Caller {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if wait < 0 {
		wait = DefaultWait
	}
	c := &Caller{
		attempts: attempts,
		wait:     wait,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attempts returns the attempt ceiling.
func (c *Caller) Attempts() int {
	return c.attempts
}

// Wait returns the wait between attempts.
func (c *Caller) Wait() time.Duration {
	return c.wait
}

// Do runs fn until it succeeds, returns a permanent error, or attempts are exhausted.
// The last error is returned wrapped, so errors.Is works on it.
func (c *Caller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.call(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if c.isPermanent != nil && c.isPermanent(err) {
			return err
		}
		if attempt == c.attempts {
			break
		}

		c.logger.Debug("retrying failed call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", c.wait),
			slog.String("error", err.Error()))

		timer := time.NewTimer(c.wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled after %d attempts: %w", op, attempt, errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.attempts, lastErr)
}

func (c *Caller) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.breaker == nil {
		return fn(ctx)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Call runs fn through c and returns its result.
func Call[T any](ctx context.Context, c *Caller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Do(ctx, op, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

// BreakerConfig configures a circuit breaker guarding one backend.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// NewBreaker builds a circuit breaker that trips after FailureThreshold consecutive failures.
// Errors classified as permanent do not count as failures.
func NewBreaker(cfg BreakerConfig, isPermanent func(error) bool, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (isPermanent != nil && isPermanent(err))
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("storage circuit breaker state changed",
				slog.String("store", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}
