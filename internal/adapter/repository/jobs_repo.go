package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
)

const pgJobColumns = `id, kind, payload, state, attempts, max_attempts, priority, worker_id,
	created_at, run_at, started_at, finished_at, result, error_reason, updated_at`

// PostgresJobsRepo is the shared queue for multi-instance deployments. Claims
// use FOR UPDATE SKIP LOCKED so concurrent workers never block on, or take,
// the same row.
type PostgresJobsRepo struct {
	db     DBTX
	closer func() error
}

func NewPostgresJobsRepo(db *sql.DB) *PostgresJobsRepo {
	return &PostgresJobsRepo{db: db, closer: db.Close}
}

func (r *PostgresJobsRepo) Create(ctx context.Context, j *domain.RenderJob) error {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO render_jobs (`+pgJobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		j.ID, j.Kind, payload, string(j.State), j.Attempts, j.MaxAttempts, j.Priority, j.WorkerID,
		j.CreatedAt, j.RunAt, nullTimeArg(j.StartedAt), nullTimeArg(j.FinishedAt), j.Result, j.ErrorReason, j.UpdatedAt)
	return mapPgError(err, "insert job")
}

func (r *PostgresJobsRepo) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.RenderJob, error) {
	row := r.db.QueryRowContext(ctx, `UPDATE render_jobs
		SET state = 'active', attempts = attempts + 1, worker_id = $1, started_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM render_jobs
			WHERE state = 'queued' AND run_at <= $2
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns, workerID, now)
	job, err := scanPgJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError(err, "claim job")
	}
	return job, nil
}

func (r *PostgresJobsRepo) MarkCompleted(ctx context.Context, lease domain.Lease, result string, at time.Time) error {
	return r.transition(ctx, lease, `UPDATE render_jobs
		SET state = 'completed', result = $1, error_reason = '', finished_at = $2, updated_at = $2
		WHERE id = $3 AND state = 'active' AND worker_id = $4 AND attempts = $5`,
		result, at, lease.JobID, lease.WorkerID, lease.Attempt)
}

func (r *PostgresJobsRepo) MarkFailed(ctx context.Context, lease domain.Lease, reason string, at time.Time) error {
	return r.transition(ctx, lease, `UPDATE render_jobs
		SET state = 'failed', error_reason = $1, finished_at = $2, updated_at = $2
		WHERE id = $3 AND state = 'active' AND worker_id = $4 AND attempts = $5`,
		reason, at, lease.JobID, lease.WorkerID, lease.Attempt)
}

func (r *PostgresJobsRepo) Requeue(ctx context.Context, lease domain.Lease, reason string, runAt, at time.Time) error {
	return r.transition(ctx, lease, `UPDATE render_jobs
		SET state = 'queued', error_reason = $1, run_at = $2, worker_id = '', updated_at = $3
		WHERE id = $4 AND state = 'active' AND worker_id = $5 AND attempts = $6`,
		reason, runAt, at, lease.JobID, lease.WorkerID, lease.Attempt)
}

func (r *PostgresJobsRepo) transition(ctx context.Context, lease domain.Lease, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapPgError(err, "update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPgError(err, "update job")
	}
	if n == 0 {
		return resolveLeaseMiss(ctx, r.Get, lease)
	}
	return nil
}

func (r *PostgresJobsRepo) Get(ctx context.Context, id uuid.UUID) (*domain.RenderJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pgJobColumns+` FROM render_jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetailf(domain.ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, mapPgError(err, "get job")
	}
	return job, nil
}

func (r *PostgresJobsRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pgJobColumns+` FROM render_jobs
		WHERE state = 'active' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`, startedBefore, limit)
	if err != nil {
		return nil, mapPgError(err, "list stale jobs")
	}
	return collectPgJobs(rows)
}

func (r *PostgresJobsRepo) DeleteFinished(ctx context.Context, state domain.JobState, finishedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	if err := checkTerminal(state); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `DELETE FROM render_jobs
		WHERE state = $1 AND id IN (
			SELECT id FROM render_jobs
			WHERE state = $1 AND finished_at < $2
			ORDER BY finished_at
			LIMIT $3
		)
		RETURNING `+pgJobColumns, string(state), finishedBefore, limit)
	if err != nil {
		return nil, mapPgError(err, "delete finished jobs")
	}
	return collectPgJobs(rows)
}

func (r *PostgresJobsRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM render_jobs GROUP BY state`)
	if err != nil {
		return nil, mapPgError(err, "count jobs")
	}
	defer rows.Close()

	counts := map[domain.JobState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, mapPgError(err, "scan count")
		}
		counts[domain.JobState(state)] = n
	}
	return counts, mapPgError(rows.Err(), "count jobs")
}

func (r *PostgresJobsRepo) Ping(ctx context.Context) error {
	if p, ok := r.db.(interface{ PingContext(context.Context) error }); ok {
		return mapPgError(p.PingContext(ctx), "ping")
	}
	return nil
}

func (r *PostgresJobsRepo) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func scanPgJob(s rowScanner) (*domain.RenderJob, error) {
	var (
		j                 domain.RenderJob
		payload           []byte
		state             string
		started, finished sql.NullTime
	)
	if err := s.Scan(&j.ID, &j.Kind, &payload, &state, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.WorkerID,
		&j.CreatedAt, &j.RunAt, &started, &finished, &j.Result, &j.ErrorReason, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.State = domain.JobState(state)
	j.CreatedAt, j.RunAt, j.UpdatedAt = j.CreatedAt.UTC(), j.RunAt.UTC(), j.UpdatedAt.UTC()
	if started.Valid {
		j.StartedAt = timePtr(started.Time.UTC())
	}
	if finished.Valid {
		j.FinishedAt = timePtr(finished.Time.UTC())
	}
	if err := decodePayload(payload, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectPgJobs(rows *sql.Rows) ([]*domain.RenderJob, error) {
	defer rows.Close()
	var out []*domain.RenderJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, mapPgError(err, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "iterate jobs")
	}
	return out, nil
}

// mapPgError wraps err and marks connectivity failures as
// domain.ErrStoreUnavailable.
func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "postgres: %s", op)
	if pgUnavailable(err) {
		return errors.Mark(wrapped, domain.ErrStoreUnavailable)
	}
	return wrapped
}

func pgUnavailable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 53 insufficient resources, 57P0x shutdown
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") ||
			strings.HasPrefix(pgErr.Code, "57P0")
	}
	// failed dials surface as the net.Error wrapped by pgconn's connect error
	var netErr net.Error
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded)
}
