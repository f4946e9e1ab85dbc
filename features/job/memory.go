package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySchedule struct {
	sourceID  string
	every     time.Duration
	nextRunAt time.Time
}

// DefaultRetention is how long MemoryQueue keeps succeeded and terminated
// jobs before dropping them.
const DefaultRetention = time.Hour

// MemoryQueue is a process-local Queue. It follows the same state machine as
// PostgresQueue and is used for single-process deployments and tests.
// Dead-lettered jobs are kept until requeued; other finished jobs are pruned
// after the retention period.
type MemoryQueue struct {
	mu            sync.Mutex
	clock         Clock
	leaseDuration time.Duration
	retention     time.Duration
	jobs          map[string]*Job
	order         []string
	schedules     map[string]*memorySchedule
}

func NewMemoryQueue(clock Clock, leaseDuration time.Duration) *MemoryQueue {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryQueue{
		clock:         clock,
		leaseDuration: leaseDuration,
		retention:     DefaultRetention,
		jobs:          make(map[string]*Job),
		schedules:     make(map[string]*memorySchedule),
	}
}

// SetRetention changes how long finished jobs are kept.
func (q *MemoryQueue) SetRetention(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retention = d
}

func (q *MemoryQueue) Enqueue(ctx context.Context, j *Job, s Schedule) error {
	if err := s.validate(j); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if s.Every > 0 {
		if existing, ok := q.schedules[j.ScheduleKey]; ok && existing.every == s.Every {
			existing.sourceID = j.SourceID
			return nil
		}
		q.schedules[j.ScheduleKey] = &memorySchedule{
			sourceID:  j.SourceID,
			every:     s.Every,
			nextRunAt: now.Add(s.Delay),
		}
		return nil
	}

	kind := j.Kind
	if kind == "" {
		kind = KindRecurring
	}
	stored := q.insert(j.ScheduleKey, j.SourceID, kind, now.Add(s.Delay), now)
	*j = *stored
	return nil
}

func (q *MemoryQueue) insert(key, sourceID string, kind Kind, runAt, now time.Time) *Job {
	j := &Job{
		ID:          uuid.NewString(),
		ScheduleKey: key,
		SourceID:    sourceID,
		Kind:        kind,
		State:       StatePending,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	cp := *j
	return &cp
}

// promote turns every due schedule into one pending job. A schedule that
// missed several intervals yields a single job.
func (q *MemoryQueue) promote(now time.Time) {
	keys := make([]string, 0, len(q.schedules))
	for k, s := range q.schedules {
		if !s.nextRunAt.After(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := q.schedules[k]
		q.insert(k, s.sourceID, KindRecurring, now, now)
		s.nextRunAt = now.Add(s.every)
	}
}

func (q *MemoryQueue) Lease(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.prune(now)
	q.promote(now)

	var next *Job
	for _, id := range q.order {
		j := q.jobs[id]
		if !leasable(j, now) {
			continue
		}
		if j.State == StateLeased && !q.scheduleLive(j) {
			j.State = StateTerminated
			j.LeasedUntil = nil
			j.LastError = "schedule removed"
			j.UpdatedAt = now
			continue
		}
		if next == nil || j.RunAt.Before(next.RunAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	until := now.Add(q.leaseDuration)
	next.State = StateLeased
	next.Attempt++
	next.LeasedUntil = &until
	next.UpdatedAt = now

	cp := *next
	return &cp, nil
}

// prune drops succeeded and terminated jobs older than the retention period.
func (q *MemoryQueue) prune(now time.Time) {
	kept := q.order[:0]
	for _, id := range q.order {
		j := q.jobs[id]
		done := j.State == StateSucceeded || j.State == StateTerminated
		if done && !j.UpdatedAt.Add(q.retention).After(now) {
			delete(q.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// scheduleLive must be called with q.mu held.
func (q *MemoryQueue) scheduleLive(j *Job) bool {
	if j.ScheduleKey == "" {
		return true
	}
	_, ok := q.schedules[j.ScheduleKey]
	return ok
}

func leasable(j *Job, now time.Time) bool {
	switch j.State {
	case StatePending, StateFailedRetryable:
		return !j.RunAt.After(now)
	case StateLeased:
		return j.LeasedUntil != nil && !j.LeasedUntil.After(now)
	default:
		return false
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	return q.transition(id, func(j *Job) {
		j.State = StateSucceeded
		j.LastError = ""
	})
}

func (q *MemoryQueue) Nack(ctx context.Context, id string, delay time.Duration, cause error) error {
	return q.transition(id, func(j *Job) {
		j.State = StateFailedRetryable
		if !q.scheduleLive(j) {
			j.State = StateTerminated
		}
		j.Kind = KindRetry
		j.RunAt = q.clock.Now().Add(delay)
		j.LastError = errText(cause)
	})
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, id string, cause error) error {
	return q.transition(id, func(j *Job) {
		j.State = StateDeadLettered
		j.LastError = errText(cause)
	})
}

func (q *MemoryQueue) Terminate(ctx context.Context, id string, cause error) error {
	return q.transition(id, func(j *Job) {
		j.State = StateTerminated
		j.LastError = errText(cause)
	})
}

func (q *MemoryQueue) transition(id string, apply func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.State != StateLeased {
		return fmt.Errorf("%w: %s", ErrNotLeased, id)
	}
	apply(j)
	j.LeasedUntil = nil
	j.UpdatedAt = q.clock.Now()
	return nil
}

func (q *MemoryQueue) RemoveSchedule(ctx context.Context, key string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.schedules, key)

	now := q.clock.Now()
	cancelled := 0
	for _, j := range q.jobs {
		if j.ScheduleKey != key {
			continue
		}
		if j.State == StatePending || j.State == StateFailedRetryable {
			j.State = StateTerminated
			j.LastError = "schedule removed"
			j.UpdatedAt = now
			cancelled++
		}
	}
	return cancelled, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.State != StateDeadLettered {
		return fmt.Errorf("%w: no dead-lettered job %s", ErrNotFound, id)
	}
	if !q.scheduleLive(j) {
		return fmt.Errorf("%w: %s", ErrScheduleRemoved, id)
	}
	now := q.clock.Now()
	j.State = StatePending
	j.Kind = KindRetry
	j.Attempt = 0
	j.RunAt = now
	j.LeasedUntil = nil
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) ListByState(ctx context.Context, state State) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobs []Job
	for _, id := range q.order {
		if j := q.jobs[id]; j.State == state {
			jobs = append(jobs, *j)
		}
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].UpdatedAt.After(jobs[b].UpdatedAt)
	})
	return jobs, nil
}

func (q *MemoryQueue) CountByState(ctx context.Context) (map[State]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	for _, j := range q.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (q *MemoryQueue) ScheduleKeys(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.schedules))
	for k := range q.schedules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// HasSchedule reports whether a recurring trigger is installed for key.
func (q *MemoryQueue) HasSchedule(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.schedules[key]
	return ok
}
