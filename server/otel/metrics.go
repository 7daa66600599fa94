// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/duplicator/duplication"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "duplicator"

var _ duplication.ResultListener = (*Metrics)(nil)

// Metrics holds the duplication instruments. It records every result it is handed.
type Metrics struct {
	meter metric.Meter

	resultsTotal metric.Int64Counter
	attempts     metric.Int64Histogram
	backlog      metric.Int64ObservableGauge

	mu           sync.Mutex
	registration metric.Registration
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error
	m.resultsTotal, err = m.meter.Int64Counter(
		"duplication.results.total",
		metric.WithDescription("Duplication results by event type and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resultsTotal counter: %w", err)
	}

	m.attempts, err = m.meter.Int64Histogram(
		"duplication.attempts",
		metric.WithDescription("Retries consumed before a result was reported"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts histogram: %w", err)
	}

	m.backlog, err = m.meter.Int64ObservableGauge(
		"duplication.backlog",
		metric.WithDescription("Outstanding duplication work by queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlog gauge: %w", err)
	}

	return m, nil
}

// ObserveBacklog samples backlog on every collection. Only the last registered function is kept.
func (m *Metrics) ObserveBacklog(backlog func() duplication.Backlog) error {
	if err := m.Close(); err != nil {
		return err
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		b := backlog()
		o.ObserveInt64(m.backlog, int64(b.Inbox), metric.WithAttributes(attribute.String("queue", "inbox")))
		o.ObserveInt64(m.backlog, int64(b.Retry), metric.WithAttributes(attribute.String("queue", "retry")))
		o.ObserveInt64(m.backlog, int64(b.Tally), metric.WithAttributes(attribute.String("queue", "tally")))
		o.ObserveInt64(m.backlog, int64(b.InFlight), metric.WithAttributes(attribute.String("queue", "in_flight")))
		return nil
	}, m.backlog)
	if err != nil {
		return fmt.Errorf("failed to register backlog callback: %w", err)
	}
	m.mu.Lock()
	m.registration = reg
	m.mu.Unlock()
	return nil
}

// ProcessResult records e.
func (m *Metrics) ProcessResult(e duplication.Event) {
	outcome := "success"
	if !e.Success() {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("type", string(e.Type)),
		attribute.String("outcome", outcome),
	)
	ctx := context.Background()
	m.resultsTotal.Add(ctx, 1, attrs)
	m.attempts.Record(ctx, int64(e.Attempts), attrs)
}

// Close unregisters the backlog callback.
func (m *Metrics) Close() error {
	m.mu.Lock()
	reg := m.registration
	m.registration = nil
	m.mu.Unlock()

	if reg == nil {
		return nil
	}
	return reg.Unregister()
}
