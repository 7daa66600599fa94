// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package duplication

import (
	"log/slog"
)

// ResultListener receives the terminal report of each accepted duplication request.
type ResultListener interface {
	ProcessResult(event Event)
}

// ListenerFunc adapts a function to ResultListener.
type ListenerFunc func(event Event)

// ProcessResult calls f(event).
func (f ListenerFunc) ProcessResult(event Event) {
	f(event)
}

// Listeners fans a result out to every listener in order.
type Listeners []ResultListener

// ProcessResult forwards event to each non-nil listener.
func (ls Listeners) ProcessResult(event Event) {
	for _, l := range ls {
		if l != nil {
			l.ProcessResult(event)
		}
	}
}

// LogListener logs every result.
type LogListener struct {
	Logger *slog.Logger
}

// ProcessResult logs successes at info and failures at error level.
func (l LogListener) ProcessResult(event Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("space_id", event.SpaceID),
		slog.String("content_id", event.ContentID),
		slog.String("from", event.FromStoreID),
		slog.String("to", event.ToStoreID),
		slog.Int("attempts", event.Attempts),
	}
	if event.Failed {
		logger.Error("duplication failed", append(attrs, slog.String("error", event.Error))...)
		return
	}
	if event.Checksum != "" {
		attrs = append(attrs, slog.String("checksum", event.Checksum))
	}
	logger.Info("duplication succeeded", attrs...)
}
