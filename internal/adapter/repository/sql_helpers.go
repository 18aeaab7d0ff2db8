package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and sqlmock connections.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodePayload(p domain.RenderPayload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return b, nil
}

func decodePayload(b []byte, job *domain.RenderJob) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &job.Payload); err != nil {
		return errors.Wrapf(err, "decode payload of job %s", job.ID)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// resolveLeaseMiss turns a zero-row conditional update into the matching
// sentinel: the job is either gone or owned by a newer claim.
func resolveLeaseMiss(ctx context.Context, get func(context.Context, uuid.UUID) (*domain.RenderJob, error), lease domain.Lease) error {
	job, err := get(ctx, lease.JobID)
	if err != nil {
		return err
	}
	return errors.WithDetailf(domain.ErrDoubleCompletion,
		"job %s is %s (worker %q attempt %d), lease worker %q attempt %d",
		job.ID, job.State, job.WorkerID, job.Attempts, lease.WorkerID, lease.Attempt)
}

func checkTerminal(state domain.JobState) error {
	if !state.Terminal() {
		return errors.Newf("refusing to delete jobs in non-terminal state %q", state)
	}
	return nil
}
