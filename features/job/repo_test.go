package job_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditrelay/features/job"
)

var jobCols = []string{"id", "schedule_key", "source_id", "kind", "state", "attempt", "run_at", "leased_until", "last_error", "created_at", "updated_at"}

func newMockQueue(t *testing.T) (*job.PostgresQueue, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return job.NewPostgresQueue(db, 5*time.Minute), mock
}

func TestPostgresQueue_EnqueueRecurring(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO job_schedules (key, source_id, interval_ms, next_run_at)")).
		WithArgs("src-1", "src-1", int64(300000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Enqueue(context.Background(), &job.Job{ScheduleKey: "src-1", SourceID: "src-1"}, job.Schedule{Every: 5 * time.Minute})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_EnqueueOneShot(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs (schedule_key, source_id, kind, state, run_at)")).
		WithArgs("", "src-1", "retry", int64(2000)).
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "", "src-1", "retry", "pending", 0, now.Add(2*time.Second), nil, "", now, now))

	j := &job.Job{SourceID: "src-1", Kind: job.KindRetry}
	err := q.Enqueue(context.Background(), j, job.Schedule{Delay: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, job.StatePending, j.State)
	assert.Nil(t, j.LeasedUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_EnqueueRejectsInvalidSchedule(t *testing.T) {
	q, _ := newMockQueue(t)

	err := q.Enqueue(context.Background(), &job.Job{SourceID: "src-1"}, job.Schedule{Every: time.Minute})
	assert.ErrorIs(t, err, job.ErrInvalidSchedule)

	err = q.Enqueue(context.Background(), &job.Job{SourceID: "src-1"}, job.Schedule{Delay: -time.Second})
	assert.ErrorIs(t, err, job.ErrInvalidSchedule)
}

func TestPostgresQueue_Lease(t *testing.T) {
	t.Run("Leases due job", func(t *testing.T) {
		q, mock := newMockQueue(t)
		now := time.Now()
		until := now.Add(5 * time.Minute)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WITH due AS (")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'terminated', leased_until = NULL, last_error = 'schedule removed'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET state = 'leased', attempt = attempt + 1")).
			WithArgs(int64(300000)).
			WillReturnRows(sqlmock.NewRows(jobCols).
				AddRow("job-1", "src-1", "src-1", "recurring", "leased", 1, now, until, "", now, now))
		mock.ExpectCommit()

		j, err := q.Lease(context.Background())
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, 1, j.Attempt)
		assert.Equal(t, job.StateLeased, j.State)
		require.NotNil(t, j.LeasedUntil)
		assert.True(t, j.LeasedUntil.Equal(until))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Nothing due", func(t *testing.T) {
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WITH due AS (")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'terminated', leased_until = NULL, last_error = 'schedule removed'")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET state = 'leased'")).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectCommit()

		j, err := q.Lease(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, j)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Promotion failure rolls back", func(t *testing.T) {
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WITH due AS (")).WillReturnError(errors.New("db down"))
		mock.ExpectRollback()

		_, err := q.Lease(context.Background())
		assert.ErrorContains(t, err, "promote schedules")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Expired leases of removed schedules are terminated before leasing", func(t *testing.T) {
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WITH due AS (")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("WHERE state = 'leased' AND leased_until <= NOW() AND NOT (jobs.schedule_key = '' OR EXISTS (SELECT 1 FROM job_schedules s WHERE s.key = jobs.schedule_key))")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET state = 'leased'")).
			WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectCommit()

		j, err := q.Lease(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, j)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Reap failure rolls back", func(t *testing.T) {
		q, mock := newMockQueue(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("WITH due AS (")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'terminated', leased_until = NULL")).
			WillReturnError(errors.New("db down"))
		mock.ExpectRollback()

		_, err := q.Lease(context.Background())
		assert.ErrorContains(t, err, "reap orphaned leases")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresQueue_Transitions(t *testing.T) {
	t.Run("Ack", func(t *testing.T) {
		q, mock := newMockQueue(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'succeeded'")).
			WithArgs("job-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, q.Ack(context.Background(), "job-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Nack", func(t *testing.T) {
		q, mock := newMockQueue(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = CASE WHEN (jobs.schedule_key = '' OR EXISTS (SELECT 1 FROM job_schedules s WHERE s.key = jobs.schedule_key)) THEN 'failed_retryable' ELSE 'terminated' END")).
			WithArgs("job-1", int64(4000), "delivery failed").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, q.Nack(context.Background(), "job-1", 4*time.Second, errors.New("delivery failed")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DeadLetter", func(t *testing.T) {
		q, mock := newMockQueue(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'dead_lettered'")).
			WithArgs("job-1", "boom").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, q.DeadLetter(context.Background(), "job-1", errors.New("boom")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Terminate on job that is not leased", func(t *testing.T) {
		q, mock := newMockQueue(t)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'terminated'")).
			WithArgs("job-1", "source not found").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := q.Terminate(context.Background(), "job-1", errors.New("source not found"))
		assert.ErrorIs(t, err, job.ErrNotLeased)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresQueue_RemoveSchedule(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM job_schedules WHERE key = $1")).
		WithArgs("src-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'terminated', last_error = 'schedule removed'")).
		WithArgs("src-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := q.RemoveSchedule(context.Background(), "src-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Requeue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'pending', kind = 'retry', attempt = 0")).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'pending', kind = 'retry', attempt = 0")).
		WithArgs("job-2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND state = 'dead_lettered')")).
		WithArgs("job-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	assert.NoError(t, q.Requeue(context.Background(), "job-1"))
	assert.ErrorIs(t, q.Requeue(context.Background(), "job-2"), job.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_RequeueRefusesRemovedSchedule(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND state = 'dead_lettered' AND (jobs.schedule_key = '' OR EXISTS")).
		WithArgs("job-3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND state = 'dead_lettered')")).
		WithArgs("job-3").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := q.Requeue(context.Background(), "job-3")
	assert.ErrorIs(t, err, job.ErrScheduleRemoved)
	assert.NotErrorIs(t, err, job.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_ScheduleKeys(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key FROM job_schedules ORDER BY key")).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow("src-1").AddRow("src-2"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT key FROM job_schedules ORDER BY key")).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))

	keys, err := q.ScheduleKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"src-1", "src-2"}, keys)

	keys, err = q.ScheduleKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_Get(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, schedule_key, source_id, kind, state, attempt, run_at, leased_until, last_error, created_at, updated_at FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "src-1", "src-1", "retry", "dead_lettered", 3, now, nil, "HTTP 500", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobCols))

	j, err := q.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StateDeadLettered, j.State)
	assert.Equal(t, "HTTP 500", j.LastError)

	_, err = q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_ListByState(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE state = $1 ORDER BY updated_at DESC")).
		WithArgs("dead_lettered").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-2", "src-1", "src-1", "retry", "dead_lettered", 5, now, nil, "e2", now, now).
			AddRow("job-1", "src-2", "src-2", "retry", "dead_lettered", 5, now, nil, "e1", now, now))

	jobs, err := q.ListByState(context.Background(), job.StateDeadLettered)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueue_CountByState(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, COUNT(*) FROM jobs GROUP BY state")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("succeeded", 12).
			AddRow("dead_lettered", 1))

	counts, err := q.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, counts[job.StateSucceeded])
	assert.Equal(t, 1, counts[job.StateDeadLettered])
	assert.Equal(t, 0, counts[job.StatePending])
	assert.Len(t, counts, len(job.States))
	assert.NoError(t, mock.ExpectationsWereMet())
}
