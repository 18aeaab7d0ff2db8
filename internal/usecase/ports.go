package usecase

import (
	"context"
	"time"

	"resume-docgen/internal/domain"
	"resume-docgen/pkg/compose"

	"github.com/google/uuid"
)

// JobStore is the durable, shared backing store of the queue. Implementations
// live in internal/adapter/repository.
//
// ClaimNext must be atomic across processes. MarkCompleted, MarkFailed and
// Requeue are compare-and-swap on the lease and return
// domain.ErrDoubleCompletion when the stored job is no longer active under it
// (domain.ErrJobNotFound when it is gone).
type JobStore interface {
	Create(ctx context.Context, job *domain.RenderJob) error
	ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.RenderJob, error)
	MarkCompleted(ctx context.Context, lease domain.Lease, result string, at time.Time) error
	MarkFailed(ctx context.Context, lease domain.Lease, reason string, at time.Time) error
	Requeue(ctx context.Context, lease domain.Lease, reason string, runAt, at time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*domain.RenderJob, error)
	// ListStale returns active jobs whose StartedAt is before startedBefore.
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.RenderJob, error)
	// DeleteFinished removes jobs in the given terminal state whose FinishedAt
	// is strictly before finishedBefore and returns what was removed.
	DeleteFinished(ctx context.Context, state domain.JobState, finishedBefore time.Time, limit int) ([]*domain.RenderJob, error)
	CountByState(ctx context.Context) (map[domain.JobState]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// ArtifactStore persists rendered documents.
type ArtifactStore interface {
	Save(ctx context.Context, jobID uuid.UUID, data []byte) (string, error)
	SaveAs(ctx context.Context, ref, ext string, data []byte) (string, error)
	Open(ctx context.Context, ref string) ([]byte, string, error)
	Delete(ctx context.Context, ref string) error
}

// Renderer converts a composed document into PDF bytes. Implementations must
// release every engine resource before returning.
type Renderer interface {
	Render(ctx context.Context, doc compose.Document) ([]byte, error)
}

// Handler processes one claimed job and returns the artifact reference.
type Handler interface {
	Handle(ctx context.Context, job *domain.RenderJob) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.RenderJob) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.RenderJob) (string, error) {
	return f(ctx, job)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }
