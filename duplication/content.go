// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/absmach/duplicator/pkg/retry"
	"github.com/absmach/duplicator/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var errNoBody = errors.New("source returned no content body")

// ContentDuplicator copies content items from a source store to a destination store.
//
// Synchronous implementations return the destination checksum and any failure.
// Asynchronous implementations return immediately and report outcomes to a ResultListener.
type ContentDuplicator interface {
	CreateContent(ctx context.Context, spaceID, contentID string) (string, error)
	UpdateContent(ctx context.Context, spaceID, contentID string) error
	DeleteContent(ctx context.Context, spaceID, contentID string) error
	FromStoreID() string
	ToStoreID() string
	Stop()
}

var _ ContentDuplicator = (*ContentSync)(nil)

// ContentSync duplicates content synchronously. Failures are returned as *Error.
type ContentSync struct {
	from    storage.Client
	to      storage.Client
	spaces  SpaceDuplicator
	caller  *retry.Caller
	limiter Limiter
	staging *stagingCache
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewContentSync creates a synchronous content duplicator. spaces is used to create
// a missing destination space; when nil a SpaceSync over the same stores is used.
func NewContentSync(from, to storage.Client, spaces SpaceDuplicator, caller *retry.Caller, opts ...Option) *ContentSync {
	o := newOptions(opts)
	if caller == nil {
		caller = retry.New(retry.DefaultAttempts, retry.DefaultWait, retry.WithPermanent(IsStructural))
	}
	if spaces == nil {
		spaces = NewSpaceSync(from, to, caller, opts...)
	}
	return &ContentSync{
		from:    from,
		to:      to,
		spaces:  spaces,
		caller:  caller,
		limiter: o.limiter,
		staging: newStagingCache(o.tempDir, o.logger),
		logger:  o.logger,
		tracer:  o.tracer,
	}
}

// FromStoreID returns the source store ID.
func (c *ContentSync) FromStoreID() string {
	return c.from.StoreID()
}

// ToStoreID returns the destination store ID.
func (c *ContentSync) ToStoreID() string {
	return c.to.StoreID()
}

// CreateContent copies a content item and returns the checksum reported by the destination.
//
// When the source properties lack a size or checksum, the stream is staged in a
// temp file to measure both. A missing destination space is created once before
// the write is retried. A nil or unreadable source body is logged and skipped.
func (c *ContentSync) CreateContent(ctx context.Context, spaceID, contentID string) (checksum string, err error) {
	if c.skip("create", spaceID, contentID) {
		return "", nil
	}
	ctx, span := c.start(ctx, "duplication.CreateContent", spaceID, contentID)
	defer func() { endSpan(span, err) }()

	src, err := retry.Call(ctx, c.caller, "get content", func(ctx context.Context) (*storage.Content, error) {
		return c.from.GetContent(ctx, spaceID, contentID)
	})
	if err != nil {
		return "", contentError("get content", spaceID, contentID, err)
	}
	if src == nil || src.Body == nil {
		c.logger.Warn("source content has no body, skipping",
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			slog.String("provider", c.from.ProviderType()))
		return "", nil
	}
	defer src.Close()

	props := src.Properties.Clone()
	mimeType := props.MimeType()
	known := props.Checksum()
	expected := known
	size, hasSize := props.Size()

	var staged *stagedFile
	if !hasSize || known == "" {
		staged, err = c.staging.stage(src.Body)
		if errors.Is(err, errUnreadable) {
			c.logger.Warn("source content unreadable, skipping",
				slog.String("space_id", spaceID),
				slog.String("content_id", contentID),
				slog.String("provider", c.from.ProviderType()),
				slog.String("error", err.Error()))
			return "", nil
		}
		if err != nil {
			return "", contentError("stage content", spaceID, contentID, err)
		}
		defer c.staging.release(staged.path)
		size = staged.size
		expected = staged.checksum
	}

	write := func(ctx context.Context, r io.Reader) (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.to.StoreID()); err != nil {
				return "", err
			}
		}
		return c.to.AddContent(ctx, spaceID, contentID, r, size, mimeType, expected, props)
	}

	var first io.Reader = src.Body
	if staged != nil {
		f, err := staged.open()
		if err != nil {
			return "", contentError("open staged content", spaceID, contentID, err)
		}
		defer f.Close()
		first = f
	}

	checksum, err = write(ctx, first)
	if err != nil {
		if errors.Is(err, storage.ErrSpaceNotFound) {
			c.logger.Info("destination space missing, creating it",
				slog.String("space_id", spaceID),
				slog.String("content_id", contentID),
				slog.String("provider", c.to.ProviderType()))
			if serr := c.spaces.CreateSpace(ctx, spaceID); serr != nil {
				return "", contentError("create destination space", spaceID, contentID, serr)
			}
		} else {
			c.logger.Warn("content write failed, retrying",
				slog.String("space_id", spaceID),
				slog.String("content_id", contentID),
				slog.String("provider", c.to.ProviderType()),
				slog.String("error", err.Error()))
		}

		checksum, err = retry.Call(ctx, c.caller, "add content", func(ctx context.Context) (string, error) {
			r, err := c.reopen(ctx, staged, spaceID, contentID)
			if err != nil {
				return "", err
			}
			defer r.Close()
			return write(ctx, r)
		})
		if err != nil {
			return "", contentError("add content", spaceID, contentID, err)
		}
	}

	if known != "" && !storage.ChecksumsMatch(checksum, known) {
		return "", contentError("verify checksum", spaceID, contentID,
			fmt.Errorf("%w: source %s, destination %s", storage.ErrChecksumMismatch, known, checksum))
	}
	return checksum, nil
}

// reopen returns a fresh stream for a retried write.
func (c *ContentSync) reopen(ctx context.Context, staged *stagedFile, spaceID, contentID string) (io.ReadCloser, error) {
	if staged != nil {
		return staged.open()
	}
	src, err := c.from.GetContent(ctx, spaceID, contentID)
	if err != nil {
		return nil, err
	}
	if src == nil || src.Body == nil {
		return nil, errNoBody
	}
	return src.Body, nil
}

// UpdateContent copies content properties. A content item missing at the
// destination is copied in full instead.
func (c *ContentSync) UpdateContent(ctx context.Context, spaceID, contentID string) (err error) {
	if c.skip("update", spaceID, contentID) {
		return nil
	}
	ctx, span := c.start(ctx, "duplication.UpdateContent", spaceID, contentID)
	defer func() { endSpan(span, err) }()

	props, err := retry.Call(ctx, c.caller, "get content properties", func(ctx context.Context) (storage.Properties, error) {
		return c.from.GetContentProperties(ctx, spaceID, contentID)
	})
	if err != nil {
		return contentError("get properties", spaceID, contentID, err)
	}

	set := func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.to.StoreID()); err != nil {
				return err
			}
		}
		return c.to.SetContentProperties(ctx, spaceID, contentID, props)
	}

	err = set(ctx)
	switch {
	case err == nil:
		return nil
	case storage.IsNotFound(err):
		c.logger.Info("content missing at destination, copying it",
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID))
		_, err = c.CreateContent(ctx, spaceID, contentID)
		return err
	}

	c.logger.Warn("content properties update failed, retrying",
		slog.String("space_id", spaceID),
		slog.String("content_id", contentID),
		slog.String("error", err.Error()))
	if err = c.caller.Do(ctx, "set content properties", set); err != nil {
		return contentError("set properties", spaceID, contentID, err)
	}
	return nil
}

// DeleteContent removes the item from the destination. A missing item counts as success.
func (c *ContentSync) DeleteContent(ctx context.Context, spaceID, contentID string) (err error) {
	if c.skip("delete", spaceID, contentID) {
		return nil
	}
	ctx, span := c.start(ctx, "duplication.DeleteContent", spaceID, contentID)
	defer func() { endSpan(span, err) }()

	err = c.caller.Do(ctx, "delete content", func(ctx context.Context) error {
		return c.to.DeleteContent(ctx, spaceID, contentID)
	})
	switch {
	case storage.IsNotFound(err):
		c.logger.Debug("content already absent at destination",
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID))
		return nil
	case err != nil:
		return contentError("delete content", spaceID, contentID, err)
	}
	return nil
}

// Stop removes staged temp files.
func (c *ContentSync) Stop() {
	c.staging.clear()
}

func (c *ContentSync) skip(op, spaceID, contentID string) bool {
	if spaceID != "" && contentID != "" {
		return false
	}
	c.logger.Warn("content duplication skipped: empty id",
		slog.String("op", op),
		slog.String("space_id", spaceID),
		slog.String("content_id", contentID))
	return true
}

func (c *ContentSync) start(ctx context.Context, name, spaceID, contentID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("space.id", spaceID),
		attribute.String("content.id", contentID),
		attribute.String("store.from", c.from.StoreID()),
		attribute.String("store.to", c.to.StoreID()),
	))
}
