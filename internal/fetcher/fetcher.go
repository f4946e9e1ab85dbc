package fetcher

import (
	"context"
	"fmt"
	"time"
)

// Fetcher defines the contract every log source adapter implements.
type Fetcher interface {
	// Fetch returns the log records produced since req.Since, oldest first.
	Fetch(ctx context.Context, req Request) (Batch, error)
}

// Credentials is the decrypted credential bundle. It only ever lives in
// worker memory for the duration of one fetch.
type Credentials struct {
	ClientEmail string
	PrivateKey  string
	Scopes      []string
	Subject     string
}

// Request carries everything an adapter needs for one execution.
type Request struct {
	SourceID    string
	Credentials Credentials
	Since       time.Time
	Until       time.Time
}

// Actor identifies who performed an audited action.
type Actor struct {
	Email     string `json:"email"`
	IPAddress string `json:"ipAddress"`
}

// LogRecord is the wire shape forwarded to callback URLs.
type LogRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     Actor          `json:"actor"`
	EventType string         `json:"eventType"`
	Details   map[string]any `json:"details"`
}

// Batch is the ordered result of one fetch. It may be empty and is forwarded
// as-is.
type Batch []LogRecord

// AdapterError wraps any failure inside an adapter (auth, timeout, malformed
// upstream response). It is always retryable.
type AdapterError struct {
	SourceType string
	Err        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.SourceType, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
