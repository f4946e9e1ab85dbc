package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"auditrelay/features/job"
	"auditrelay/features/source"
	"auditrelay/internal/delivery"
	"auditrelay/internal/events"
	"auditrelay/internal/fetcher"
	"auditrelay/internal/logger"
	"auditrelay/internal/middleware"
	"auditrelay/internal/retry"
)

var errLeaseExhausted = errors.New("lease expired on final attempt")

// FetchWorker executes one leased job end to end: resolve the source, open
// its credentials, fetch, deliver, and report the outcome to the queue.
// It never retries in-process; retries are rescheduled on the queue.
type FetchWorker struct {
	queue        job.Queue
	sources      SourceGetter
	vault        Decrypter
	adapters     AdapterRegistry
	deliverer    Deliverer
	emitter      EventEmitter
	policy       retry.Policy
	fetchTimeout time.Duration
}

func NewFetchWorker(q job.Queue, sources SourceGetter, vault Decrypter, adapters AdapterRegistry, deliverer Deliverer, emitter EventEmitter, policy retry.Policy, fetchTimeout time.Duration) *FetchWorker {
	return &FetchWorker{
		queue:        q,
		sources:      sources,
		vault:        vault,
		adapters:     adapters,
		deliverer:    deliverer,
		emitter:      emitter,
		policy:       policy,
		fetchTimeout: fetchTimeout,
	}
}

// ProcessNext leases one due job and processes it. It reports false when
// nothing was due. Once leased, the job runs to completion even if ctx is
// cancelled.
func (w *FetchWorker) ProcessNext(ctx context.Context) (bool, error) {
	j, err := w.queue.Lease(ctx)
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if j == nil {
		return false, nil
	}
	return true, w.Process(context.WithoutCancel(ctx), j)
}

// Process runs a job that the caller has already leased. The returned error
// is non-nil only when the outcome could not be recorded on the queue.
func (w *FetchWorker) Process(ctx context.Context, j *job.Job) error {
	ctx = middleware.WithCorrelationID(ctx, uuid.New().String())
	ctx = logger.WithJob(ctx, j.ID, j.SourceID)

	report := events.FetchReport{
		SourceID: j.SourceID,
		JobID:    j.ID,
		Attempt:  j.Attempt,
		Status:   events.StatusSuccess,
	}
	start := time.Now()
	defer func() {
		report.DurationMS = time.Since(start).Milliseconds()
		if err := w.emitter.FetchCompleted(ctx, report); err != nil {
			slog.WarnContext(ctx, "failed to emit fetch metrics", "error", err)
		}
	}()

	outcome := w.run(ctx, j, &report)
	if outcome != nil {
		report.Status = events.StatusError
		report.Error = outcome.Error()
	}
	return w.settle(ctx, j, outcome)
}

// run performs the fetch and delivery. Fatal failures come back wrapped in
// fatalError; everything else is retryable.
func (w *FetchWorker) run(ctx context.Context, j *job.Job, report *events.FetchReport) error {
	if w.policy.Exceeded(j.Attempt) {
		return fatal(outcomeDeadLetter, errLeaseExhausted)
	}

	src, err := w.sources.Get(ctx, j.SourceID)
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return fatal(outcomeTerminate, err)
		}
		return fmt.Errorf("resolve source: %w", err)
	}
	report.SourceType = src.Type

	privateKey, err := w.vault.Decrypt(src.Credentials.PrivateKey)
	if err != nil {
		return fatal(outcomeDeadLetter, fmt.Errorf("open credentials: %w", err))
	}

	adapter, err := w.adapters.Get(src.Type)
	if err != nil {
		return fatal(outcomeDeadLetter, err)
	}

	fctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	fireTime := j.CreatedAt
	batch, err := adapter.Fetch(fctx, fetcher.Request{
		SourceID: src.ID,
		Credentials: fetcher.Credentials{
			ClientEmail: src.Credentials.ClientEmail,
			PrivateKey:  privateKey,
			Scopes:      src.Credentials.Scopes,
			Subject:     src.Credentials.Subject,
		},
		Since: fireTime.Add(-src.Interval()),
		Until: fireTime,
	})
	if err != nil {
		var ae *fetcher.AdapterError
		if !errors.As(err, &ae) {
			err = &fetcher.AdapterError{SourceType: src.Type, Err: err}
		}
		return err
	}
	report.LogsCount = len(batch)

	// Deliver to the URL captured now; a later edit or removal of the source
	// does not redirect this run.
	err = w.deliverer.Deliver(ctx, src.CallbackURL, batch, delivery.Meta{
		JobID:         j.ID,
		SourceID:      src.ID,
		Attempt:       j.Attempt,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "batch delivered", "logs", len(batch), "attempt", j.Attempt)
	return nil
}

func (w *FetchWorker) settle(ctx context.Context, j *job.Job, outcome error) error {
	if outcome == nil {
		return w.queue.Ack(ctx, j.ID)
	}

	var fe *fatalError
	if errors.As(outcome, &fe) {
		if fe.action == outcomeTerminate {
			slog.WarnContext(ctx, "job terminated", "error", fe.err)
			return w.queue.Terminate(ctx, j.ID, fe.err)
		}
		slog.ErrorContext(ctx, "job failed fatally", "error", fe.err, "attempt", j.Attempt)
		return w.deadLetter(ctx, j, fe.err)
	}

	decision := w.policy.Decide(j.Attempt)
	if decision.Action == retry.ActionDeadLetter {
		slog.ErrorContext(ctx, "attempts exhausted", "error", outcome, "attempt", j.Attempt)
		return w.deadLetter(ctx, j, outcome)
	}

	slog.WarnContext(ctx, "attempt failed, rescheduling", "error", outcome, "attempt", j.Attempt, "delay", decision.Delay)
	return w.queue.Nack(ctx, j.ID, decision.Delay, outcome)
}

func (w *FetchWorker) deadLetter(ctx context.Context, j *job.Job, cause error) error {
	if err := w.queue.DeadLetter(ctx, j.ID, cause); err != nil {
		return err
	}

	attempts := min(j.Attempt, w.policy.Limit())
	if err := w.emitter.DeadLettered(ctx, events.DeadLettered{
		JobID:     j.ID,
		SourceID:  j.SourceID,
		Attempts:  attempts,
		LastError: cause.Error(),
	}); err != nil {
		slog.WarnContext(ctx, "failed to emit dead-letter event", "error", err)
	}
	return nil
}

type outcomeAction int

const (
	outcomeTerminate outcomeAction = iota
	outcomeDeadLetter
)

type fatalError struct {
	action outcomeAction
	err    error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(action outcomeAction, err error) error {
	return &fatalError{action: action, err: err}
}
