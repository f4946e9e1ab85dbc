// Package events publishes operator-facing notifications on the message bus:
// source removals, dead-lettered jobs and per-fetch metrics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"auditrelay/internal/config"
	"auditrelay/internal/middleware"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Publisher interface {
	Publish(topic string, body []byte) error
}

type SourceRemoved struct {
	SourceID      string `json:"source_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type DeadLettered struct {
	JobID          string    `json:"job_id"`
	SourceID       string    `json:"source_id"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

type FetchReport struct {
	SourceID   string    `json:"source_id"`
	SourceType string    `json:"source_type"`
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	LogsCount  int       `json:"logs_count"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Hostname   string    `json:"hostname"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter encodes events and hands them to a Publisher. A nil Publisher
// turns every call into a no-op, which is how single-process deployments
// without a bus run.
type Emitter struct {
	pub      Publisher
	hostname string
	now      func() time.Time
}

func NewEmitter(pub Publisher) *Emitter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Emitter{pub: pub, hostname: host, now: time.Now}
}

func (e *Emitter) SourceRemoved(ctx context.Context, sourceID string) error {
	return e.publish(ctx, config.TopicSourceRemoved, SourceRemoved{
		SourceID:      sourceID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
}

func (e *Emitter) DeadLettered(ctx context.Context, ev DeadLettered) error {
	if ev.DeadLetteredAt.IsZero() {
		ev.DeadLetteredAt = e.now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = middleware.GetCorrelationID(ctx)
	}
	return e.publish(ctx, config.TopicJobDeadLettered, ev)
}

func (e *Emitter) FetchCompleted(ctx context.Context, r FetchReport) error {
	r.Hostname = e.hostname
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now().UTC()
	}
	return e.publish(ctx, config.TopicFetchMetrics, r)
}

func (e *Emitter) publish(ctx context.Context, topic string, v any) error {
	if e.pub == nil {
		slog.DebugContext(ctx, "no publisher configured, dropping event", "topic", topic)
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	if err := e.pub.Publish(topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
