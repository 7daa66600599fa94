// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/duplicator/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName     = "duplicator"
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
)

// Provider owns the OTLP-backed tracer and meter providers of one duplicator instance.
type Provider struct {
	tracer trace.Tracer
	meters metric.MeterProvider

	shutdown []func(context.Context) error
}

// InitProvider builds the providers selected by cfg.Server and installs them globally.
// Disabled signals get noop providers.
func InitProvider(cfg *config.Config, instanceID string) (*Provider, error) {
	ctx := context.Background()
	srv := cfg.Server

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(srv.OtelServiceName),
			semconv.ServiceVersionKey.String(srv.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
			attribute.String("duplicator.from_store", cfg.Source.ID),
			attribute.String("duplicator.to_store", cfg.Destination.ID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(tracerName),
		meters: metricnoop.NewMeterProvider(),
	}

	if srv.OtelTracesEnabled {
		tp, err := newTracerProvider(ctx, srv, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		p.tracer = tp.Tracer(tracerName)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	if srv.OtelMetricsEnabled {
		mp, err := newMeterProvider(ctx, srv, res)
		if err != nil {
			p.Shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(mp)
		p.meters = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	return p, nil
}

// Tracer returns the duplicator tracer, a noop one when traces are off.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// MeterProvider returns the provider metrics are recorded on.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meters
}

// Shutdown flushes pending spans and metrics and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, srv config.ServerConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(srv.MetricsAddr),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(srv.OtelTraceSampleRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
	), nil
}

func newMeterProvider(ctx context.Context, srv config.ServerConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(srv.MetricsAddr),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricInterval),
		)),
	), nil
}
