// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/duplicator/config"
	"github.com/absmach/duplicator/duplication"
	"github.com/sony/gobreaker"
)

var _ duplication.ResultListener = (*Notifier)(nil)

// Notifier posts duplication results to webhook endpoints using a worker pool.
// Each endpoint is guarded by its own circuit breaker.
type Notifier struct {
	cfg        config.WebhookConfig
	instanceID string
	endpoints  []endpointConfig
	queue      chan job
	breakers   map[string]*gobreaker.CircuitBreaker
	sender     Sender
	logger     *slog.Logger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	closed     atomic.Bool
	closeOnce  sync.Once
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	spaceFilters []string
	failuresOnly bool
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type job struct {
	event    duplication.Event
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a webhook notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, instanceID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	for _, ep := range cfg.Endpoints {
		for _, pattern := range ep.Spaces {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("endpoint %s: invalid space pattern %q: %w", ep.Name, pattern, err)
			}
		}
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			spaceFilters: ep.Spaces,
			failuresOnly: ep.FailuresOnly,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retryConfig,
		})
	}

	threshold := cfg.Defaults.CircuitBreaker.FailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:        cfg,
		instanceID: instanceID,
		endpoints:  endpoints,
		queue:      make(chan job, cfg.QueueSize),
		breakers:   breakers,
		sender:     sender,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// ProcessResult queues e for every matching endpoint. It never blocks.
func (n *Notifier) ProcessResult(e duplication.Event) {
	if n.closed.Load() {
		return
	}
	for _, endpoint := range n.endpoints {
		if !shouldNotify(endpoint, e) {
			continue
		}
		n.enqueue(job{event: e, endpoint: endpoint})
	}
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", EventType(j.event)),
		slog.String("endpoint", j.endpoint.name))
}

// shouldNotify applies the endpoint filters to a result.
func shouldNotify(endpoint endpointConfig, e duplication.Event) bool {
	if endpoint.failuresOnly && e.Success() {
		return false
	}
	if len(endpoint.eventFilters) > 0 &&
		!endpoint.eventFilters[EventType(e)] && !endpoint.eventFilters[string(e.Type)] {
		return false
	}
	if len(endpoint.spaceFilters) == 0 {
		return true
	}
	for _, pattern := range endpoint.spaceFilters {
		if ok, _ := path.Match(pattern, e.SpaceID); ok {
			return true
		}
	}
	return false
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			n.flush()
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

// flush delivers whatever is still queued once, without retries.
func (n *Notifier) flush() {
	for {
		select {
		case j := <-n.queue:
			n.process(j)
		default:
			return
		}
	}
}

func (n *Notifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		return
	}

	if j.attempt < j.endpoint.retryConfig.MaxAttempts-1 && !n.closed.Load() {
		j.attempt++
		delay := retryDelay(j.attempt, j.endpoint.retryConfig)

		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", j.endpoint.name),
			slog.String("content_id", j.event.ContentID),
			slog.Int("attempt", j.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			if n.closed.Load() {
				return
			}
			select {
			case n.queue <- j:
			default:
				n.logger.Error("failed to requeue webhook for retry",
					slog.String("endpoint", j.endpoint.name),
					slog.String("content_id", j.event.ContentID))
			}
		})
		return
	}

	n.logger.Error("webhook delivery failed after max retries",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", EventType(j.event)),
		slog.String("space_id", j.event.SpaceID),
		slog.String("content_id", j.event.ContentID),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", err.Error()))
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(Wrap(j.event, n.instanceID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", EventType(j.event)))
	return nil
}

// retryDelay calculates the exponential backoff delay for attempt.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, flushing queued deliveries within the shutdown timeout.
func (n *Notifier) Close() error {
	n.closeOnce.Do(func() {
		n.logger.Info("shutting down webhook notifier")
		n.closed.Store(true)
		n.cancel()

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()

		timeout := n.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-done:
			n.logger.Info("webhook notifier stopped gracefully")
		case <-time.After(timeout):
			n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
				slog.Int("queue_depth", len(n.queue)))
		}
	})
	return nil
}
