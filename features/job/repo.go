package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, schedule_key, source_id, kind, state, attempt, run_at, leased_until, last_error, created_at, updated_at`

// scheduleLive holds for jobs outside any schedule and for jobs whose
// schedule is still installed.
const scheduleLive = `(jobs.schedule_key = '' OR EXISTS (SELECT 1 FROM job_schedules s WHERE s.key = jobs.schedule_key))`

const (
	upsertScheduleQuery = `INSERT INTO job_schedules (key, source_id, interval_ms, next_run_at) VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 millisecond')
ON CONFLICT (key) DO UPDATE SET source_id = EXCLUDED.source_id, interval_ms = EXCLUDED.interval_ms,
next_run_at = CASE WHEN job_schedules.interval_ms = EXCLUDED.interval_ms THEN job_schedules.next_run_at ELSE EXCLUDED.next_run_at END,
updated_at = NOW()`

	insertJobQuery = `INSERT INTO jobs (schedule_key, source_id, kind, state, run_at) VALUES ($1, $2, $3, 'pending', NOW() + $4 * INTERVAL '1 millisecond') RETURNING ` + jobColumns

	promoteQuery = `WITH due AS (
UPDATE job_schedules SET next_run_at = NOW() + interval_ms * INTERVAL '1 millisecond', updated_at = NOW()
WHERE key IN (SELECT key FROM job_schedules WHERE next_run_at <= NOW() FOR UPDATE SKIP LOCKED)
RETURNING key, source_id)
INSERT INTO jobs (schedule_key, source_id, kind, state, run_at) SELECT key, source_id, 'recurring', 'pending', NOW() FROM due`

	// Expired leases whose schedule is gone are never handed out again.
	reapOrphansQuery = `UPDATE jobs SET state = 'terminated', leased_until = NULL, last_error = 'schedule removed', updated_at = NOW()
WHERE state = 'leased' AND leased_until <= NOW() AND NOT ` + scheduleLive

	leaseQuery = `UPDATE jobs SET state = 'leased', attempt = attempt + 1, leased_until = NOW() + $1 * INTERVAL '1 millisecond', updated_at = NOW()
WHERE id = (SELECT id FROM jobs
WHERE (state IN ('pending', 'failed_retryable') AND run_at <= NOW()) OR (state = 'leased' AND leased_until <= NOW())
ORDER BY run_at LIMIT 1 FOR UPDATE SKIP LOCKED)
RETURNING ` + jobColumns

	nackQuery = `UPDATE jobs SET state = CASE WHEN ` + scheduleLive + ` THEN 'failed_retryable' ELSE 'terminated' END,
kind = 'retry', run_at = NOW() + $2 * INTERVAL '1 millisecond', leased_until = NULL, last_error = $3, updated_at = NOW() WHERE id = $1 AND state = 'leased'`

	ackQuery        = `UPDATE jobs SET state = 'succeeded', leased_until = NULL, last_error = '', updated_at = NOW() WHERE id = $1 AND state = 'leased'`
	deadLetterQuery = `UPDATE jobs SET state = 'dead_lettered', leased_until = NULL, last_error = $2, updated_at = NOW() WHERE id = $1 AND state = 'leased'`
	terminateQuery  = `UPDATE jobs SET state = 'terminated', leased_until = NULL, last_error = $2, updated_at = NOW() WHERE id = $1 AND state = 'leased'`

	deleteScheduleQuery  = `DELETE FROM job_schedules WHERE key = $1`
	cancelScheduledQuery = `UPDATE jobs SET state = 'terminated', last_error = 'schedule removed', updated_at = NOW() WHERE schedule_key = $1 AND state IN ('pending', 'failed_retryable')`
	requeueQuery         = `UPDATE jobs SET state = 'pending', kind = 'retry', attempt = 0, run_at = NOW(), leased_until = NULL, updated_at = NOW() WHERE id = $1 AND state = 'dead_lettered' AND ` + scheduleLive
	deadLetteredQuery    = `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND state = 'dead_lettered')`
	scheduleKeysQuery    = `SELECT key FROM job_schedules ORDER BY key`
	getJobQuery          = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	listByStateQuery     = `SELECT ` + jobColumns + ` FROM jobs WHERE state = $1 ORDER BY updated_at DESC`
	countByStateQuery    = `SELECT state, COUNT(*) FROM jobs GROUP BY state`
)

// PostgresQueue keeps jobs and recurring schedules in Postgres. Due schedules
// are promoted to jobs inside the same transaction that leases, so any number
// of workers can poll without a coordinator.
type PostgresQueue struct {
	db            *sql.DB
	leaseDuration time.Duration
}

func NewPostgresQueue(db *sql.DB, leaseDuration time.Duration) *PostgresQueue {
	return &PostgresQueue{db: db, leaseDuration: leaseDuration}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var kind, state string
	var leasedUntil sql.NullTime
	if err := row.Scan(&j.ID, &j.ScheduleKey, &j.SourceID, &kind, &state, &j.Attempt, &j.RunAt, &leasedUntil, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind = Kind(kind)
	j.State = State(state)
	if leasedUntil.Valid {
		t := leasedUntil.Time
		j.LeasedUntil = &t
	}
	return &j, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, j *Job, s Schedule) error {
	if err := s.validate(j); err != nil {
		return err
	}

	if s.Every > 0 {
		_, err := q.db.ExecContext(ctx, upsertScheduleQuery, j.ScheduleKey, j.SourceID, s.Every.Milliseconds(), s.Delay.Milliseconds())
		if err != nil {
			return fmt.Errorf("upsert schedule %s: %w", j.ScheduleKey, err)
		}
		return nil
	}

	kind := j.Kind
	if kind == "" {
		kind = KindRecurring
	}
	row := q.db.QueryRowContext(ctx, insertJobQuery, j.ScheduleKey, j.SourceID, string(kind), s.Delay.Milliseconds())
	saved, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	*j = *saved
	return nil
}

func (q *PostgresQueue) Lease(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, promoteQuery); err != nil {
		return nil, fmt.Errorf("promote schedules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, reapOrphansQuery); err != nil {
		return nil, fmt.Errorf("reap orphaned leases: %w", err)
	}

	j, err := scanJob(tx.QueryRowContext(ctx, leaseQuery, q.leaseDuration.Milliseconds()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	return q.transition(ctx, ackQuery, id)
}

func (q *PostgresQueue) Nack(ctx context.Context, id string, delay time.Duration, cause error) error {
	return q.transition(ctx, nackQuery, id, delay.Milliseconds(), errText(cause))
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, deadLetterQuery, id, errText(cause))
}

func (q *PostgresQueue) Terminate(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, terminateQuery, id, errText(cause))
}

func (q *PostgresQueue) transition(ctx context.Context, query, id string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotLeased, id)
	}
	return nil
}

func (q *PostgresQueue) RemoveSchedule(ctx context.Context, key string) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteScheduleQuery, key); err != nil {
		return 0, fmt.Errorf("delete schedule %s: %w", key, err)
	}
	res, err := tx.ExecContext(ctx, cancelScheduledQuery, key)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (q *PostgresQueue) Requeue(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, requeueQuery, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var dead bool
		if err := q.db.QueryRowContext(ctx, deadLetteredQuery, id).Scan(&dead); err != nil {
			return err
		}
		if dead {
			return fmt.Errorf("%w: %s", ErrScheduleRemoved, id)
		}
		return fmt.Errorf("%w: no dead-lettered job %s", ErrNotFound, id)
	}
	return nil
}

func (q *PostgresQueue) ScheduleKeys(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, scheduleKeysQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, getJobQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (q *PostgresQueue) ListByState(ctx context.Context, state State) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, listByStateQuery, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.QueryContext(ctx, countByStateQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}
