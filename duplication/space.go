// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/duplicator/pkg/retry"
	"github.com/absmach/duplicator/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpaceDuplicator copies space state from a source store to a destination store.
type SpaceDuplicator interface {
	CreateSpace(ctx context.Context, spaceID string) error
	UpdateSpace(ctx context.Context, spaceID string) error
	DeleteSpace(ctx context.Context, spaceID string) error
	Stop()
}

var _ SpaceDuplicator = (*SpaceSync)(nil)

// SpaceSync duplicates spaces synchronously. Failures are returned as *Error.
type SpaceSync struct {
	from   storage.Client
	to     storage.Client
	caller *retry.Caller
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSpaceSync creates a synchronous space duplicator from one store to another.
func NewSpaceSync(from, to storage.Client, caller *retry.Caller, opts ...Option) *SpaceSync {
	o := newOptions(opts)
	if caller == nil {
		caller = retry.New(retry.DefaultAttempts, retry.DefaultWait, retry.WithPermanent(IsStructural))
	}
	return &SpaceSync{
		from:   from,
		to:     to,
		caller: caller,
		logger: o.logger,
		tracer: o.tracer,
	}
}

// CreateSpace creates the space at the destination using the source properties.
// A destination that already holds the space counts as success.
func (s *SpaceSync) CreateSpace(ctx context.Context, spaceID string) (err error) {
	if s.skip("create", spaceID) {
		return nil
	}
	ctx, span := s.start(ctx, "duplication.CreateSpace", spaceID)
	defer func() { endSpan(span, err) }()

	s.logger.Debug("creating space",
		slog.String("space_id", spaceID),
		slog.String("from", s.from.ProviderType()),
		slog.String("to", s.to.ProviderType()))

	props, err := retry.Call(ctx, s.caller, "get space properties", func(ctx context.Context) (storage.Properties, error) {
		return s.from.GetSpaceProperties(ctx, spaceID)
	})
	if err != nil {
		return spaceError("get properties", spaceID, err)
	}

	err = s.caller.Do(ctx, "create space", func(ctx context.Context) error {
		return s.to.CreateSpace(ctx, spaceID, props)
	})
	switch {
	case errors.Is(err, storage.ErrSpaceExists):
		s.logger.Debug("space already exists at destination", slog.String("space_id", spaceID))
	case err != nil:
		return spaceError("create space", spaceID, err)
	}

	s.copyAccess(ctx, spaceID)
	return nil
}

// copyAccess mirrors the source access setting. Failures are logged only.
func (s *SpaceSync) copyAccess(ctx context.Context, spaceID string) {
	access, err := s.from.GetSpaceAccess(ctx, spaceID)
	if err == nil {
		err = s.to.SetSpaceAccess(ctx, spaceID, access)
	}
	if err != nil {
		s.logger.Warn("failed to copy space access",
			slog.String("space_id", spaceID),
			slog.String("error", err.Error()))
	}
}

// UpdateSpace copies properties, then access, from source to destination.
func (s *SpaceSync) UpdateSpace(ctx context.Context, spaceID string) (err error) {
	if s.skip("update", spaceID) {
		return nil
	}
	ctx, span := s.start(ctx, "duplication.UpdateSpace", spaceID)
	defer func() { endSpan(span, err) }()

	props, err := retry.Call(ctx, s.caller, "get space properties", func(ctx context.Context) (storage.Properties, error) {
		return s.from.GetSpaceProperties(ctx, spaceID)
	})
	if err != nil {
		return spaceError("get properties", spaceID, err)
	}
	err = s.caller.Do(ctx, "set space properties", func(ctx context.Context) error {
		return s.to.SetSpaceProperties(ctx, spaceID, props)
	})
	if err != nil {
		return spaceError("set properties", spaceID, err)
	}

	access, err := retry.Call(ctx, s.caller, "get space access", func(ctx context.Context) (storage.Access, error) {
		return s.from.GetSpaceAccess(ctx, spaceID)
	})
	if err != nil {
		return spaceError("get access", spaceID, err)
	}
	err = s.caller.Do(ctx, "set space access", func(ctx context.Context) error {
		return s.to.SetSpaceAccess(ctx, spaceID, access)
	})
	if err != nil {
		return spaceError("set access", spaceID, err)
	}
	return nil
}

// DeleteSpace removes the space from the destination. A missing space counts as success.
func (s *SpaceSync) DeleteSpace(ctx context.Context, spaceID string) (err error) {
	if s.skip("delete", spaceID) {
		return nil
	}
	ctx, span := s.start(ctx, "duplication.DeleteSpace", spaceID)
	defer func() { endSpan(span, err) }()

	err = s.caller.Do(ctx, "delete space", func(ctx context.Context) error {
		return s.to.DeleteSpace(ctx, spaceID)
	})
	switch {
	case storage.IsNotFound(err):
		s.logger.Debug("space already absent at destination", slog.String("space_id", spaceID))
		return nil
	case err != nil:
		return spaceError("delete space", spaceID, err)
	}
	return nil
}

// Stop is a no-op; SpaceSync holds no background resources.
func (s *SpaceSync) Stop() {}

func (s *SpaceSync) skip(op, spaceID string) bool {
	if spaceID != "" {
		return false
	}
	s.logger.Warn("space duplication skipped: empty space id", slog.String("op", op))
	return true
}

func (s *SpaceSync) start(ctx context.Context, name, spaceID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("space.id", spaceID),
		attribute.String("store.from", s.from.StoreID()),
		attribute.String("store.to", s.to.StoreID()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsStructural reports whether err describes a missing or already present
// space or content item. Such errors are not worth retrying.
func IsStructural(err error) bool {
	return storage.IsNotFound(err) || errors.Is(err, storage.ErrSpaceExists)
}
