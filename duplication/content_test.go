// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/absmach/duplicator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type contentFixture struct {
	from *fakeStore
	to   *fakeStore
	c    *ContentSync
	dir  string
}

func newContentFixture(t *testing.T, opts ...Option) contentFixture {
	t.Helper()
	dir := t.TempDir()
	from := newFakeStore("source")
	to := newFakeStore("dest")
	opts = append([]Option{WithTempDir(dir)}, opts...)
	return contentFixture{
		from: from,
		to:   to,
		c:    NewContentSync(from, to, nil, testCaller(), opts...),
		dir:  dir,
	}
}

// seed stores data at the source under space-1.
func (f contentFixture) seed(t *testing.T, contentID, data string, props storage.Properties) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.from.Store.GetSpaceProperties(ctx, "space-1"); err != nil {
		require.NoError(t, f.from.Store.CreateSpace(ctx, "space-1", nil))
	}
	_, err := f.from.Store.AddContent(ctx, "space-1", contentID, strings.NewReader(data), int64(len(data)), "text/plain", "", props)
	require.NoError(t, err)
}

// unmeasured serves data without size or checksum properties.
func unmeasured(data string) func(spaceID, contentID string) (*storage.Content, error) {
	return func(spaceID, contentID string) (*storage.Content, error) {
		return &storage.Content{
			Body:       io.NopCloser(strings.NewReader(data)),
			Properties: storage.Properties{storage.PropertyMimeType: "text/plain"},
		}, nil
	}
}

func stagedFiles(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func readDest(t *testing.T, to *fakeStore, spaceID, contentID string) string {
	t.Helper()
	content, err := to.Store.GetContent(context.Background(), spaceID, contentID)
	require.NoError(t, err)
	defer content.Close()
	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	return string(data)
}

func TestContentSync_StoreIDs(t *testing.T) {
	f := newContentFixture(t)
	assert.Equal(t, "source", f.c.FromStoreID())
	assert.Equal(t, "dest", f.c.ToStoreID())
}

func TestContentSync_CreateContent(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", storage.Properties{"author": "alice"})
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, md5Hex("hello world!"), checksum)
	assert.Equal(t, "hello world!", readDest(t, f.to, "space-1", "file.txt"))

	props, err := f.to.Store.GetContentProperties(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, "alice", props["author"])
	assert.Equal(t, "text/plain", props.MimeType())

	assert.Equal(t, 1, f.to.count("AddContent"))
	assert.Empty(t, stagedFiles(t, f.dir), "measured content must not be staged")
}

func TestContentSync_CreateContentComputesMissingChecksum(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))

	data := "content without metadata"
	f.from.getContent = unmeasured(data)

	var gotSize int64
	var gotChecksum string
	f.to.addContent = func(r io.Reader, size int64, checksum string) (string, error) {
		b, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		gotSize, gotChecksum = size, checksum
		return md5Hex(string(b)), nil
	}

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, md5Hex(data), checksum)
	assert.Equal(t, int64(len(data)), gotSize)
	assert.Equal(t, md5Hex(data), gotChecksum)
	assert.Empty(t, stagedFiles(t, f.dir), "staged file must be released")
	assert.Zero(t, f.c.staging.len())
}

func TestContentSync_CreateContentCreatesMissingSpace(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", nil)

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, md5Hex("hello world!"), checksum)

	assert.Equal(t, 1, f.to.count("CreateSpace"))
	assert.Equal(t, 2, f.to.count("AddContent"))
	assert.Equal(t, 2, f.from.count("GetContent"), "retried write must re-fetch the source stream")
	assert.Equal(t, "hello world!", readDest(t, f.to, "space-1", "file.txt"))
}

func TestContentSync_CreateContentSpaceCreationFails(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", nil)
	f.to.failAlways("CreateSpace", errUnavailable, 3)

	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "create destination space", derr.Op)
	assert.Equal(t, "file.txt", derr.ContentID)
	assert.Equal(t, 1, f.to.count("AddContent"))
}

func TestContentSync_CreateContentRetriesStagedWrite(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))

	data := "staged payload"
	f.from.getContent = unmeasured(data)
	f.to.failNext("AddContent", errUnavailable, errUnavailable)

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, md5Hex(data), checksum)
	assert.Equal(t, 3, f.to.count("AddContent"))
	assert.Equal(t, 1, f.from.count("GetContent"), "staged content must be re-read from disk")
	assert.Equal(t, data, readDest(t, f.to, "space-1", "file.txt"))
}

func TestContentSync_CreateContentPersistentFailure(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", nil)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))
	f.to.failAlways("AddContent", errUnavailable, 4)

	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "add content", derr.Op)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 4, f.to.count("AddContent"))
}

func TestContentSync_CreateContentSourceMissing(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)

	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	assert.ErrorIs(t, err, ErrDuplication)
	assert.ErrorIs(t, err, storage.ErrSpaceNotFound)
	assert.Zero(t, f.to.total())
}

func TestContentSync_CreateContentNilBody(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.from.getContent = func(spaceID, contentID string) (*storage.Content, error) {
		return &storage.Content{Properties: storage.Properties{}}, nil
	}

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	assert.NoError(t, err)
	assert.Empty(t, checksum)
	assert.Zero(t, f.to.total())
}

func TestContentSync_CreateContentUnreadableBody(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.from.getContent = func(spaceID, contentID string) (*storage.Content, error) {
		return &storage.Content{
			Body:       io.NopCloser(iotest.ErrReader(errors.New("connection reset"))),
			Properties: storage.Properties{storage.PropertyMimeType: "text/plain"},
		}, nil
	}

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	assert.NoError(t, err)
	assert.Empty(t, checksum)
	assert.Zero(t, f.to.total())
	assert.Empty(t, stagedFiles(t, f.dir))
}

func TestStagingCache_Errors(t *testing.T) {
	dir := t.TempDir()
	c := newStagingCache(dir, slog.Default())

	_, err := c.stage(iotest.ErrReader(errors.New("connection reset")))
	assert.ErrorIs(t, err, errUnreadable)
	assert.Zero(t, c.len())

	missing := newStagingCache(dir+"/missing", slog.Default())
	_, err = missing.stage(strings.NewReader("payload"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errUnreadable)
}

func TestContentSync_CreateContentChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", nil)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))
	f.to.addContent = func(r io.Reader, size int64, checksum string) (string, error) {
		_, _ = io.Copy(io.Discard, r)
		return md5Hex("something else"), nil
	}

	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "verify checksum", derr.Op)
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestContentSync_CreateContentUpperCaseSourceChecksum(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	data := "hello world!"
	f.from.getContent = func(spaceID, contentID string) (*storage.Content, error) {
		return &storage.Content{
			Body: io.NopCloser(strings.NewReader(data)),
			Properties: storage.Properties{
				storage.PropertyMimeType: "text/plain",
				storage.PropertySize:     fmt.Sprint(len(data)),
				storage.PropertyMD5:      strings.ToUpper(md5Hex(data)),
			},
		}, nil
	}
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))

	checksum, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, md5Hex(data), checksum)
	assert.Equal(t, 1, f.to.count("AddContent"))
	assert.Equal(t, data, readDest(t, f.to, "space-1", "file.txt"))
}

func TestContentSync_UpdateContent(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", storage.Properties{"author": "alice"})
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))
	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)

	require.NoError(t, f.from.Store.SetContentProperties(ctx, "space-1", "file.txt", storage.Properties{"author": "bob"}))
	require.NoError(t, f.c.UpdateContent(ctx, "space-1", "file.txt"))

	props, err := f.to.Store.GetContentProperties(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	assert.Equal(t, "bob", props["author"])
}

func TestContentSync_UpdateContentMissingAtDestination(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", storage.Properties{"author": "alice"})

	require.NoError(t, f.c.UpdateContent(ctx, "space-1", "file.txt"))

	assert.Equal(t, "hello world!", readDest(t, f.to, "space-1", "file.txt"))
	assert.Equal(t, 1, f.to.count("SetContentProperties"))
	assert.Equal(t, 1, f.to.count("CreateSpace"))
}

func TestContentSync_UpdateContentRetries(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", nil)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))
	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)

	f.to.failNext("SetContentProperties", errUnavailable, errUnavailable)
	require.NoError(t, f.c.UpdateContent(ctx, "space-1", "file.txt"))
	assert.Equal(t, 3, f.to.count("SetContentProperties"))

	f.to.failAlways("SetContentProperties", errUnavailable, 4)
	err = f.c.UpdateContent(ctx, "space-1", "file.txt")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "set properties", derr.Op)
}

func TestContentSync_UpdateContentSourceMissing(t *testing.T) {
	f := newContentFixture(t)

	err := f.c.UpdateContent(context.Background(), "space-1", "file.txt")
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "get properties", derr.Op)
	assert.Zero(t, f.to.total())
}

func TestContentSync_DeleteContent(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	f.seed(t, "file.txt", "hello world!", nil)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))
	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)

	require.NoError(t, f.c.DeleteContent(ctx, "space-1", "file.txt"))
	_, err = f.to.Store.GetContent(ctx, "space-1", "file.txt")
	assert.ErrorIs(t, err, storage.ErrContentNotFound)

	// Deleting again is not an error.
	assert.NoError(t, f.c.DeleteContent(ctx, "space-1", "file.txt"))

	f.to.failAlways("DeleteContent", errUnavailable, 3)
	err = f.c.DeleteContent(ctx, "space-1", "file.txt")
	assert.ErrorIs(t, err, ErrDuplication)
	assert.ErrorIs(t, err, errUnavailable)
}

func TestContentSync_EmptyIDsAreNoop(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)

	_, err := f.c.CreateContent(ctx, "", "file.txt")
	assert.NoError(t, err)
	_, err = f.c.CreateContent(ctx, "space-1", "")
	assert.NoError(t, err)
	assert.NoError(t, f.c.UpdateContent(ctx, "", "file.txt"))
	assert.NoError(t, f.c.DeleteContent(ctx, "space-1", ""))

	assert.Zero(t, f.from.total())
	assert.Zero(t, f.to.total())
}

type countingLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *countingLimiter) Wait(ctx context.Context, storeID string) error {
	l.calls.Add(1)
	return l.err
}

func TestContentSync_WritesWaitOnLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := &countingLimiter{}
	f := newContentFixture(t, WithLimiter(limiter))
	f.seed(t, "file.txt", "hello world!", nil)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))

	_, err := f.c.CreateContent(ctx, "space-1", "file.txt")
	require.NoError(t, err)
	require.NoError(t, f.c.UpdateContent(ctx, "space-1", "file.txt"))
	assert.Equal(t, int32(2), limiter.calls.Load())
}

func TestContentSync_ConcurrentStaging(t *testing.T) {
	ctx := context.Background()
	f := newContentFixture(t)
	require.NoError(t, f.to.Store.CreateSpace(ctx, "space-1", nil))
	f.from.getContent = func(spaceID, contentID string) (*storage.Content, error) {
		return &storage.Content{
			Body:       io.NopCloser(bytes.NewBufferString("payload " + contentID)),
			Properties: storage.Properties{},
		}, nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("file-%d", i)
			checksum, err := f.c.CreateContent(ctx, "space-1", id)
			if err == nil && checksum != md5Hex("payload "+id) {
				err = fmt.Errorf("unexpected checksum for %s", id)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, stagedFiles(t, f.dir))
}

func TestContentSync_StopRemovesStagedFiles(t *testing.T) {
	f := newContentFixture(t)

	staged, err := f.c.staging.stage(strings.NewReader("left behind"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("left behind")), staged.size)
	assert.Equal(t, md5Hex("left behind"), staged.checksum)
	assert.Len(t, stagedFiles(t, f.dir), 1)

	f.c.Stop()
	assert.Empty(t, stagedFiles(t, f.dir))
	assert.Zero(t, f.c.staging.len())

	// Stop never fails, even when repeated.
	f.c.Stop()
}
