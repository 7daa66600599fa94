// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// errUnreadable marks a staging failure caused by the source stream rather than the local disk.
var errUnreadable = errors.New("source stream unreadable")

// sourceReader tags read errors, leaving io.EOF untouched.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %w", errUnreadable, err)
	}
	return n, err
}

// stagedFile is a local copy of a content stream with its measured size and MD5.
type stagedFile struct {
	path     string
	size     int64
	checksum string
}

func (f *stagedFile) open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// stagingCache tracks temp files created while measuring content streams.
// It is safe for concurrent use.
type stagingCache struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]struct{}
}

func newStagingCache(dir string, logger *slog.Logger) *stagingCache {
	return &stagingCache{
		dir:    dir,
		logger: logger,
		files:  make(map[string]struct{}),
	}
}

// stage copies r into a new temp file, computing size and MD5 on the way.
func (c *stagingCache) stage(r io.Reader) (*stagedFile, error) {
	f, err := os.CreateTemp(c.dir, "duplication-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	c.mu.Lock()
	c.files[f.Name()] = struct{}{}
	c.mu.Unlock()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), sourceReader{r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		c.release(f.Name())
		return nil, fmt.Errorf("failed to stage content: %w", err)
	}

	return &stagedFile{
		path:     f.Name(),
		size:     n,
		checksum: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// release removes one staged file.
func (c *stagingCache) release(path string) {
	c.mu.Lock()
	_, ok := c.files[path]
	delete(c.files, path)
	c.mu.Unlock()

	if !ok {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove staging file",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}

// clear removes every staged file still tracked.
func (c *stagingCache) clear() {
	c.mu.Lock()
	paths := make([]string, 0, len(c.files))
	for p := range c.files {
		paths = append(paths, p)
	}
	c.mu.Unlock()

	for _, p := range paths {
		c.release(p)
	}
}

func (c *stagingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}
