// Package delivery forwards fetched log batches to a source's webhook.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"auditrelay/internal/fetcher"
)

const maxErrorBody = 512

// Meta identifies the job run a delivery belongs to. It is sent as headers so
// receivers can deduplicate repeated deliveries.
type Meta struct {
	JobID         string
	SourceID      string
	Attempt       int
	CorrelationID string
}

// Error is returned for every failed delivery. Delivery failures are always
// retryable: the receiver may recover.
type Error struct {
	StatusCode int    // 0 when no response was received
	Body       string // first 512 bytes of the response
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("delivery failed: %v", e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("delivery failed: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery failed: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

type Option func(*Client)

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver POSTs batch as a JSON array to callbackURL. Only a 2xx response
// counts as success.
func (c *Client) Deliver(ctx context.Context, callbackURL string, batch fetcher.Batch, meta Meta) error {
	if batch == nil {
		batch = fetcher.Batch{}
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return &Error{Err: fmt.Errorf("encode batch: %w", err)}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", meta.JobID)
	req.Header.Set("X-Source-ID", meta.SourceID)
	req.Header.Set("X-Attempt", strconv.Itoa(meta.Attempt))
	if meta.CorrelationID != "" {
		req.Header.Set("X-Correlation-ID", meta.CorrelationID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Err: err}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &Error{StatusCode: resp.StatusCode, Body: string(snippet)}
}
