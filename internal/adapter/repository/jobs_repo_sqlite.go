package repository

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const sqliteJobColumns = `id, kind, payload, state, attempts, max_attempts, priority, worker_id,
	created_at, run_at, started_at, finished_at, result, error_reason, updated_at`

// SQLiteJobsRepo is the single-node durable queue. Writes are serialized on
// one connection, so the claim UPDATE...RETURNING is atomic without row
// locks. Timestamps are stored as unix nanoseconds.
type SQLiteJobsRepo struct {
	db     *sql.DB
	closed atomic.Bool
}

func NewSQLiteJobsRepo(db *sql.DB) *SQLiteJobsRepo {
	db.SetMaxOpenConns(1)
	return &SQLiteJobsRepo{db: db}
}

func (r *SQLiteJobsRepo) Create(ctx context.Context, j *domain.RenderJob) error {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO render_jobs (`+sqliteJobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID.String(), j.Kind, string(payload), string(j.State), j.Attempts, j.MaxAttempts, j.Priority, j.WorkerID,
		nanos(j.CreatedAt), nanos(j.RunAt), nullNanos(j.StartedAt), nullNanos(j.FinishedAt), j.Result, j.ErrorReason, nanos(j.UpdatedAt))
	return r.mapErr(err, "insert job")
}

func (r *SQLiteJobsRepo) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.RenderJob, error) {
	ts := nanos(now)
	row := r.db.QueryRowContext(ctx, `UPDATE render_jobs
		SET state = 'active', attempts = attempts + 1, worker_id = ?, started_at = ?, updated_at = ?
		WHERE seq = (
			SELECT seq FROM render_jobs
			WHERE state = 'queued' AND run_at <= ?
			ORDER BY priority DESC, seq ASC
			LIMIT 1
		)
		RETURNING `+sqliteJobColumns, workerID, ts, ts, ts)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.mapErr(err, "claim job")
	}
	return job, nil
}

func (r *SQLiteJobsRepo) MarkCompleted(ctx context.Context, lease domain.Lease, result string, at time.Time) error {
	return r.transition(ctx, lease, `UPDATE render_jobs
		SET state = 'completed', result = ?, error_reason = '', finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		result, nanos(at), nanos(at), lease.JobID.String(), lease.WorkerID, lease.Attempt)
}

func (r *SQLiteJobsRepo) MarkFailed(ctx context.Context, lease domain.Lease, reason string, at time.Time) error {
	return r.transition(ctx, lease, `UPDATE render_jobs
		SET state = 'failed', error_reason = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		reason, nanos(at), nanos(at), lease.JobID.String(), lease.WorkerID, lease.Attempt)
}

func (r *SQLiteJobsRepo) Requeue(ctx context.Context, lease domain.Lease, reason string, runAt, at time.Time) error {
	return r.transition(ctx, lease, `UPDATE render_jobs
		SET state = 'queued', error_reason = ?, run_at = ?, worker_id = '', updated_at = ?
		WHERE id = ? AND state = 'active' AND worker_id = ? AND attempts = ?`,
		reason, nanos(runAt), nanos(at), lease.JobID.String(), lease.WorkerID, lease.Attempt)
}

func (r *SQLiteJobsRepo) transition(ctx context.Context, lease domain.Lease, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return r.mapErr(err, "update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return r.mapErr(err, "update job")
	}
	if n == 0 {
		return resolveLeaseMiss(ctx, r.Get, lease)
	}
	return nil
}

func (r *SQLiteJobsRepo) Get(ctx context.Context, id uuid.UUID) (*domain.RenderJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM render_jobs WHERE id = ?`, id.String())
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetailf(domain.ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, r.mapErr(err, "get job")
	}
	return job, nil
}

func (r *SQLiteJobsRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteJobColumns+` FROM render_jobs
		WHERE state = 'active' AND started_at < ?
		ORDER BY started_at
		LIMIT ?`, nanos(startedBefore), limit)
	if err != nil {
		return nil, r.mapErr(err, "list stale jobs")
	}
	return r.collect(rows)
}

func (r *SQLiteJobsRepo) DeleteFinished(ctx context.Context, state domain.JobState, finishedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	if err := checkTerminal(state); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `DELETE FROM render_jobs
		WHERE seq IN (
			SELECT seq FROM render_jobs
			WHERE state = ? AND finished_at < ?
			ORDER BY finished_at
			LIMIT ?
		)
		RETURNING `+sqliteJobColumns, string(state), nanos(finishedBefore), limit)
	if err != nil {
		return nil, r.mapErr(err, "delete finished jobs")
	}
	return r.collect(rows)
}

func (r *SQLiteJobsRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM render_jobs GROUP BY state`)
	if err != nil {
		return nil, r.mapErr(err, "count jobs")
	}
	defer rows.Close()

	counts := map[domain.JobState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, r.mapErr(err, "scan count")
		}
		counts[domain.JobState(state)] = n
	}
	return counts, r.mapErr(rows.Err(), "count jobs")
}

func (r *SQLiteJobsRepo) Ping(ctx context.Context) error {
	return r.mapErr(r.db.PingContext(ctx), "ping")
}

func (r *SQLiteJobsRepo) Close() error {
	r.closed.Store(true)
	return r.db.Close()
}

func (r *SQLiteJobsRepo) collect(rows *sql.Rows) ([]*domain.RenderJob, error) {
	defer rows.Close()
	var out []*domain.RenderJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, r.mapErr(err, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapErr(err, "iterate jobs")
	}
	return out, nil
}

func (r *SQLiteJobsRepo) mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "sqlite: %s", op)
	if r.closed.Load() || sqliteUnavailable(err) {
		return errors.Mark(wrapped, domain.ErrStoreUnavailable)
	}
	return wrapped
}

func sqliteUnavailable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr,
			sqlite3.ErrFull, sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return true
		}
		return false
	}
	return errors.Is(err, sql.ErrConnDone)
}

func scanSQLiteJob(s rowScanner) (*domain.RenderJob, error) {
	var (
		j                       domain.RenderJob
		id, state               string
		payload                 []byte
		created, runAt, updated int64
		started, finished       sql.NullInt64
	)
	if err := s.Scan(&id, &j.Kind, &payload, &state, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.WorkerID,
		&created, &runAt, &started, &finished, &j.Result, &j.ErrorReason, &updated); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(err, "parse job id %q", id)
	}
	j.ID = parsed
	j.State = domain.JobState(state)
	j.CreatedAt = fromNanos(created)
	j.RunAt = fromNanos(runAt)
	j.UpdatedAt = fromNanos(updated)
	if started.Valid {
		j.StartedAt = timePtr(fromNanos(started.Int64))
	}
	if finished.Valid {
		j.FinishedAt = timePtr(fromNanos(finished.Int64))
	}
	if err := decodePayload(payload, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
