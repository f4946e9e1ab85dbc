package job

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("job not found")
	ErrNotLeased       = errors.New("job is not leased")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrScheduleRemoved = errors.New("job schedule has been removed")
)

type Kind string

const (
	KindRecurring Kind = "recurring"
	KindRetry     Kind = "retry"
)

type State string

const (
	StatePending         State = "pending"
	StateLeased          State = "leased"
	StateSucceeded       State = "succeeded"
	StateFailedRetryable State = "failed_retryable"
	StateDeadLettered    State = "dead_lettered"
	StateTerminated      State = "terminated"
)

// States lists every job state in lifecycle order.
var States = []State{
	StatePending,
	StateLeased,
	StateSucceeded,
	StateFailedRetryable,
	StateDeadLettered,
	StateTerminated,
}

type Job struct {
	ID          string     `json:"id"`
	ScheduleKey string     `json:"schedule_key,omitempty"`
	SourceID    string     `json:"source_id"`
	Kind        Kind       `json:"kind"`
	State       State      `json:"state"`
	Attempt     int        `json:"attempt"`
	RunAt       time.Time  `json:"run_at"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Schedule controls when an enqueued job becomes eligible. A non-zero Every
// installs a recurring trigger under the job's ScheduleKey whose first fire is
// Delay from now; otherwise a single job is enqueued to run after Delay.
type Schedule struct {
	Every time.Duration
	Delay time.Duration
}

func (s Schedule) validate(j *Job) error {
	if s.Every < 0 || s.Delay < 0 {
		return ErrInvalidSchedule
	}
	if s.Every > 0 && j.ScheduleKey == "" {
		return errors.Join(ErrInvalidSchedule, errors.New("recurring schedule requires a key"))
	}
	return nil
}

// Queue is the durable job store. Lease is atomic: a job is handed to at most
// one caller until its lease expires. A job whose schedule has been removed is
// never leased again; Nack terminates it instead of rescheduling.
type Queue interface {
	Enqueue(ctx context.Context, j *Job, s Schedule) error
	// Lease returns the next due job with its attempt counter incremented, or
	// nil when nothing is due.
	Lease(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, id string) error
	Nack(ctx context.Context, id string, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, id string, cause error) error
	Terminate(ctx context.Context, id string, cause error) error
	// RemoveSchedule deletes the recurring trigger for key and terminates its
	// jobs that have not been leased. It returns the number of jobs terminated.
	RemoveSchedule(ctx context.Context, key string) (int, error)
	// Requeue revives a dead-lettered job. Jobs whose schedule has been
	// removed are refused with ErrScheduleRemoved.
	Requeue(ctx context.Context, id string) error
	// ScheduleKeys lists the keys of every installed recurring trigger.
	ScheduleKeys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*Job, error)
	ListByState(ctx context.Context, state State) ([]Job, error)
	CountByState(ctx context.Context) (map[State]int, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
