// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Limiter throttles writes against a store.
type Limiter interface {
	Wait(ctx context.Context, storeID string) error
}

type options struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter Limiter
	tempDir string
}

// Option configures the duplicators built by this package.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer enables tracing with t. Tracing is off when no tracer is given.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLimiter makes destination writes wait on l.
func WithLimiter(l Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithTempDir sets the directory for staged content. Defaults to os.TempDir().
func WithTempDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.tempDir = dir
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer(""),
		tempDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
