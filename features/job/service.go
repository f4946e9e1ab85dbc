package job

import (
	"context"
	"log/slog"
)

type Service struct {
	queue  Queue
	logger *slog.Logger
}

func NewService(queue Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: queue, logger: logger}
}

func (s *Service) ListDead(ctx context.Context) ([]Job, error) {
	return s.queue.ListByState(ctx, StateDeadLettered)
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.queue.Get(ctx, id)
}

// Retry puts a dead-lettered job back on the queue as a fresh retry run with
// its attempt counter reset.
func (s *Service) Retry(ctx context.Context, id string) error {
	if err := s.queue.Requeue(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "dead-lettered job requeued", "job_id", id)
	return nil
}

func (s *Service) CountByState(ctx context.Context) (map[State]int, error) {
	return s.queue.CountByState(ctx)
}
