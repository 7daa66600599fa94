// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"errors"
	"fmt"
)

// ErrDuplication is matched by every error the synchronous duplicators give up with.
var ErrDuplication = errors.New("duplication failed")

var (
	ErrUnknownType  = errors.New("unknown event type")
	ErrUnknownStore = errors.New("unknown store")
)

// Error reports a duplication the synchronous core could not complete.
type Error struct {
	Op        string
	SpaceID   string
	ContentID string
	Err       error
}

func (e *Error) Error() string {
	target := e.SpaceID
	if e.ContentID != "" {
		target += "/" + e.ContentID
	}
	if e.Err == nil {
		return fmt.Sprintf("duplication of %s failed: %s", target, e.Op)
	}
	return fmt.Sprintf("duplication of %s failed: %s: %v", target, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrDuplication
}

func spaceError(op, spaceID string, err error) error {
	return &Error{Op: op, SpaceID: spaceID, Err: err}
}

func contentError(op, spaceID, contentID string, err error) error {
	return &Error{Op: op, SpaceID: spaceID, ContentID: contentID, Err: err}
}
