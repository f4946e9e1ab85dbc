package worker

import (
	"context"

	"auditrelay/features/source"
	"auditrelay/internal/delivery"
	"auditrelay/internal/events"
	"auditrelay/internal/fetcher"
)

type SourceGetter interface {
	Get(ctx context.Context, id string) (*source.Source, error)
}

type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type AdapterRegistry interface {
	Get(sourceType string) (fetcher.Fetcher, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, callbackURL string, batch fetcher.Batch, meta delivery.Meta) error
}

type EventEmitter interface {
	DeadLettered(ctx context.Context, ev events.DeadLettered) error
	FetchCompleted(ctx context.Context, r events.FetchReport) error
}
