// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/duplicator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSpaceFixture(t *testing.T) (*fakeStore, *fakeStore, *SpaceSync) {
	t.Helper()
	from := newFakeStore("source")
	to := newFakeStore("dest")
	return from, to, NewSpaceSync(from, to, testCaller())
}

func TestSpaceSync_CreateSpace(t *testing.T) {
	ctx := context.Background()
	from, to, s := newSpaceFixture(t)

	require.NoError(t, from.Store.CreateSpace(ctx, "space-1", storage.Properties{"owner": "alice"}))
	require.NoError(t, from.Store.SetSpaceAccess(ctx, "space-1", storage.AccessOpen))

	require.NoError(t, s.CreateSpace(ctx, "space-1"))

	props, err := to.Store.GetSpaceProperties(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", props["owner"])

	access, err := to.Store.GetSpaceAccess(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, storage.AccessOpen, access)
}

func TestSpaceSync_CreateSpaceAlreadyExists(t *testing.T) {
	ctx := context.Background()
	from, to, s := newSpaceFixture(t)

	require.NoError(t, from.Store.CreateSpace(ctx, "space-1", nil))
	require.NoError(t, to.Store.CreateSpace(ctx, "space-1", nil))

	assert.NoError(t, s.CreateSpace(ctx, "space-1"))
	assert.Equal(t, 1, to.count("CreateSpace"))
}

func TestSpaceSync_CreateSpaceRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	from, to, s := newSpaceFixture(t)

	require.NoError(t, from.Store.CreateSpace(ctx, "space-1", nil))
	to.failNext("CreateSpace", errUnavailable, errUnavailable)

	require.NoError(t, s.CreateSpace(ctx, "space-1"))
	assert.Equal(t, 3, to.count("CreateSpace"))
}

func TestSpaceSync_CreateSpaceErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing at source", func(t *testing.T) {
		_, to, s := newSpaceFixture(t)
		err := s.CreateSpace(ctx, "space-1")

		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "get properties", derr.Op)
		assert.Equal(t, "space-1", derr.SpaceID)
		assert.ErrorIs(t, err, ErrDuplication)
		assert.ErrorIs(t, err, storage.ErrSpaceNotFound)
		assert.Zero(t, to.count("CreateSpace"))
	})

	t.Run("destination unavailable", func(t *testing.T) {
		from, to, s := newSpaceFixture(t)
		require.NoError(t, from.Store.CreateSpace(ctx, "space-1", nil))
		to.failAlways("CreateSpace", errUnavailable, 3)

		err := s.CreateSpace(ctx, "space-1")
		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "create space", derr.Op)
		assert.ErrorIs(t, err, errUnavailable)
	})
}

func TestSpaceSync_CreateSpaceAccessFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	from, to, s := newSpaceFixture(t)

	require.NoError(t, from.Store.CreateSpace(ctx, "space-1", nil))
	to.failNext("SetSpaceAccess", errUnavailable)

	assert.NoError(t, s.CreateSpace(ctx, "space-1"))
}

func TestSpaceSync_UpdateSpace(t *testing.T) {
	ctx := context.Background()
	from, to, s := newSpaceFixture(t)

	require.NoError(t, from.Store.CreateSpace(ctx, "space-1", nil))
	require.NoError(t, to.Store.CreateSpace(ctx, "space-1", nil))
	require.NoError(t, from.Store.SetSpaceProperties(ctx, "space-1", storage.Properties{"owner": "bob"}))
	require.NoError(t, from.Store.SetSpaceAccess(ctx, "space-1", storage.AccessOpen))

	require.NoError(t, s.UpdateSpace(ctx, "space-1"))

	props, err := to.Store.GetSpaceProperties(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, "bob", props["owner"])
	access, err := to.Store.GetSpaceAccess(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, storage.AccessOpen, access)
}

func TestSpaceSync_UpdateSpaceNamesFailedStep(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc  string
		setup func(from, to *fakeStore)
		op    string
	}{
		{
			desc:  "source properties",
			setup: func(from, to *fakeStore) { from.failAlways("GetSpaceProperties", errUnavailable, 3) },
			op:    "get properties",
		},
		{
			desc:  "destination properties",
			setup: func(from, to *fakeStore) { to.failAlways("SetSpaceProperties", errUnavailable, 3) },
			op:    "set properties",
		},
		{
			desc:  "source access",
			setup: func(from, to *fakeStore) { from.failAlways("GetSpaceAccess", errUnavailable, 3) },
			op:    "get access",
		},
		{
			desc:  "destination access",
			setup: func(from, to *fakeStore) { to.failAlways("SetSpaceAccess", errUnavailable, 3) },
			op:    "set access",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			from, to, s := newSpaceFixture(t)
			require.NoError(t, from.Store.CreateSpace(ctx, "space-1", nil))
			require.NoError(t, to.Store.CreateSpace(ctx, "space-1", nil))
			tc.setup(from, to)

			err := s.UpdateSpace(ctx, "space-1")
			var derr *Error
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tc.op, derr.Op)
			assert.ErrorIs(t, err, errUnavailable)
		})
	}
}

func TestSpaceSync_DeleteSpace(t *testing.T) {
	ctx := context.Background()
	_, to, s := newSpaceFixture(t)

	require.NoError(t, to.Store.CreateSpace(ctx, "space-1", nil))
	require.NoError(t, s.DeleteSpace(ctx, "space-1"))

	_, err := to.Store.GetSpaceProperties(ctx, "space-1")
	assert.ErrorIs(t, err, storage.ErrSpaceNotFound)

	// Already gone.
	assert.NoError(t, s.DeleteSpace(ctx, "space-1"))
}

func TestSpaceSync_DeleteSpaceFailure(t *testing.T) {
	ctx := context.Background()
	_, to, s := newSpaceFixture(t)
	to.failAlways("DeleteSpace", errUnavailable, 3)

	err := s.DeleteSpace(ctx, "space-1")
	assert.ErrorIs(t, err, ErrDuplication)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 3, to.count("DeleteSpace"))
}

func TestSpaceSync_EmptySpaceIDIsNoop(t *testing.T) {
	ctx := context.Background()
	from, to, s := newSpaceFixture(t)

	assert.NoError(t, s.CreateSpace(ctx, ""))
	assert.NoError(t, s.UpdateSpace(ctx, ""))
	assert.NoError(t, s.DeleteSpace(ctx, ""))

	assert.Zero(t, from.total())
	assert.Zero(t, to.total())
}

func TestError_Message(t *testing.T) {
	err := contentError("add content", "space-1", "file.txt", errUnavailable)
	assert.Equal(t, "duplication of space-1/file.txt failed: add content: store unavailable", err.Error())
	assert.True(t, errors.Is(err, ErrDuplication))

	err = spaceError("delete space", "space-1", nil)
	assert.Equal(t, "duplication of space-1 failed: delete space", err.Error())
}
