package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"auditrelay/internal/events"
	"auditrelay/internal/middleware"
)

type Unregisterer interface {
	UnregisterSource(ctx context.Context, id string) error
}

// RemovalConsumer applies source removal notifications from the bus so every
// instance stops triggering a deleted source.
type RemovalConsumer struct {
	scheduler Unregisterer
}

func NewRemovalConsumer(s Unregisterer) *RemovalConsumer {
	return &RemovalConsumer{scheduler: s}
}

func (c *RemovalConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload events.SourceRemoved
	err := json.Unmarshal(m.Body, &payload)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid message format", "error", err)
		return nil // Don't retry invalid messages
	}
	if payload.SourceID == "" {
		slog.ErrorContext(ctx, "missing source_id, dropping")
		return nil
	}

	// Returning the error makes NSQ redeliver; removal is idempotent.
	if err := c.scheduler.UnregisterSource(ctx, payload.SourceID); err != nil {
		slog.ErrorContext(ctx, "failed to unregister source", "source_id", payload.SourceID, "error", err)
		return err
	}
	return nil
}
