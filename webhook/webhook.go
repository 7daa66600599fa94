// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers duplication results to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/duplicator/duplication"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSucceeded = "duplication.succeeded"
	TypeFailed    = "duplication.failed"
)

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Envelope is the wrapper posted to every endpoint.
type Envelope struct {
	EventType  string            `json:"event_type"`
	EventID    string            `json:"event_id"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Data       duplication.Event `json:"data"`
}

// EventType returns the envelope type of a duplication result.
func EventType(e duplication.Event) string {
	if e.Success() {
		return TypeSucceeded
	}
	return TypeFailed
}

// Wrap wraps a duplication result in an envelope.
func Wrap(e duplication.Event, instanceID string) *Envelope {
	return &Envelope{
		EventType:  EventType(e),
		EventID:    uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		InstanceID: instanceID,
		Data:       e,
	}
}
