// Package scheduler turns a source's fetch interval into a recurring trigger
// on the job queue. Each source owns exactly one trigger, keyed by its id.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"auditrelay/features/job"
	"auditrelay/features/source"
)

type SourceLister interface {
	List(ctx context.Context) ([]source.Source, error)
}

type Scheduler struct {
	queue job.Queue
}

func New(queue job.Queue) *Scheduler {
	return &Scheduler{queue: queue}
}

// RegisterSource installs the recurring trigger for src, replacing any
// existing trigger with the same id. The first fire is due immediately.
func (s *Scheduler) RegisterSource(ctx context.Context, src *source.Source) error {
	if src.FetchIntervalSeconds <= 0 {
		return fmt.Errorf("register %s: %w", src.ID, source.ErrInvalidInterval)
	}

	j := &job.Job{ScheduleKey: src.ID, SourceID: src.ID, Kind: job.KindRecurring}
	if err := s.queue.Enqueue(ctx, j, job.Schedule{Every: src.Interval()}); err != nil {
		return fmt.Errorf("register %s: %w", src.ID, err)
	}

	slog.DebugContext(ctx, "recurring trigger registered", "source_id", src.ID, "interval", src.Interval())
	return nil
}

// UnregisterSource stops future triggers for id and cancels its jobs that
// have not been leased yet.
func (s *Scheduler) UnregisterSource(ctx context.Context, id string) error {
	cancelled, err := s.queue.RemoveSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}

	slog.InfoContext(ctx, "recurring trigger removed", "source_id", id, "cancelled_jobs", cancelled)
	return nil
}

// TriggerSource enqueues a single immediate run outside the regular interval.
func (s *Scheduler) TriggerSource(ctx context.Context, id string) error {
	j := &job.Job{ScheduleKey: id, SourceID: id, Kind: job.KindRecurring}
	if err := s.queue.Enqueue(ctx, j, job.Schedule{}); err != nil {
		return fmt.Errorf("trigger %s: %w", id, err)
	}

	slog.InfoContext(ctx, "manual fetch queued", "source_id", id, "job_id", j.ID)
	return nil
}

// Reconcile re-registers every active source and removes triggers whose
// source is no longer listed. Registration keeps an existing trigger's next
// fire time when its interval is unchanged, so running it on every start only
// fills in triggers that went missing and drops ones left behind by an
// interrupted delete.
func (s *Scheduler) Reconcile(ctx context.Context, lister SourceLister) (int, error) {
	sources, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	active := make(map[string]struct{}, len(sources))
	registered := 0
	for i := range sources {
		active[sources[i].ID] = struct{}{}
		if err := s.RegisterSource(ctx, &sources[i]); err != nil {
			slog.ErrorContext(ctx, "failed to reconcile source", "source_id", sources[i].ID, "error", err)
			continue
		}
		registered++
	}

	keys, err := s.queue.ScheduleKeys(ctx)
	if err != nil {
		return registered, fmt.Errorf("list schedules: %w", err)
	}
	pruned := 0
	for _, key := range keys {
		if _, ok := active[key]; ok {
			continue
		}
		if err := s.UnregisterSource(ctx, key); err != nil {
			slog.ErrorContext(ctx, "failed to remove orphaned trigger", "source_id", key, "error", err)
			continue
		}
		pruned++
	}

	slog.InfoContext(ctx, "schedules reconciled", "sources", len(sources), "registered", registered, "pruned", pruned)
	return registered, nil
}
