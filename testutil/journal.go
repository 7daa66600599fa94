// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/duplicator/duplication"
	"github.com/absmach/duplicator/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewRecord returns a record for contentID reported now.
func NewRecord(contentID string, success bool) journal.Record {
	r := journal.Record{
		ID:          fmt.Sprintf("rec-%s", contentID),
		FromStoreID: "source",
		ToStoreID:   "dest",
		Type:        duplication.ContentCreate,
		SpaceID:     "space-1",
		ContentID:   contentID,
		Success:     success,
		Attempts:    1,
		ReportedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if success {
		r.Checksum = "md5-" + contentID
	} else {
		r.Error = duplication.ReasonMaxRetries + ": store unavailable"
		r.Attempts = 4
	}
	return r
}

// RunJournalSuite exercises the journal.Store contract against stores built by newStore.
func RunJournalSuite(t *testing.T, newStore func(t *testing.T) journal.Store) {
	t.Run("append and get", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		want := NewRecord("file.txt", false)
		require.NoError(t, s.Append(ctx, want))

		got, err := s.Get(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.SpaceID, got.SpaceID)
		assert.Equal(t, want.ContentID, got.ContentID)
		assert.Equal(t, want.Error, got.Error)
		assert.Equal(t, want.Attempts, got.Attempts)
		assert.False(t, got.Success)
		assert.True(t, want.ReportedAt.Equal(got.ReportedAt))

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, journal.ErrNotFound)
	})

	t.Run("list in append order", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i, ok := range []bool{true, false, true, false, false} {
			require.NoError(t, s.Append(ctx, NewRecord(fmt.Sprintf("file-%d", i), ok)))
		}

		all, err := s.List(ctx, journal.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, r := range all {
			assert.Equal(t, fmt.Sprintf("file-%d", i), r.ContentID)
		}

		failed, err := s.List(ctx, journal.Filter{FailedOnly: true})
		require.NoError(t, err)
		require.Len(t, failed, 3)
		assert.Equal(t, "file-1", failed[0].ContentID)

		limited, err := s.List(ctx, journal.Filter{FailedOnly: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "file-3", limited[1].ContentID)
	})

	t.Run("append replaces", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		r := NewRecord("file.txt", false)
		require.NoError(t, s.Append(ctx, r))
		r.Success = true
		r.Error = ""
		require.NoError(t, s.Append(ctx, r))

		all, err := s.List(ctx, journal.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].Success)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		r := NewRecord("file.txt", false)
		require.NoError(t, s.Append(ctx, r))
		require.NoError(t, s.Delete(ctx, r.ID))

		_, err := s.Get(ctx, r.ID)
		assert.ErrorIs(t, err, journal.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, r.ID), journal.ErrNotFound)

		all, err := s.List(ctx, journal.Filter{})
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}
