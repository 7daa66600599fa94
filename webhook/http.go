// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent = "Absmach-Duplicator/1.0"

	// Bytes of an error response body kept in the returned error.
	maxErrorBody = 256
)

// ErrStatus is wrapped by Send errors caused by a non-2xx response.
var ErrStatus = errors.New("webhook returned non-2xx status")

var _ Sender = (*HTTPSender)(nil)

// HTTPSender posts JSON payloads over HTTP.
type HTTPSender struct {
	client *http.Client
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithHTTPClient replaces the default client, e.g. to set a TLS configuration.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPSender) {
		if c != nil {
			s.client = c
		}
	}
}

// NewHTTPSender returns a sender with a 30s client timeout unless a client is given.
func NewHTTPSender(opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{client: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send posts payload to url. Any non-2xx response is an error wrapping ErrStatus.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("%w: %d: %s", ErrStatus, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
}
