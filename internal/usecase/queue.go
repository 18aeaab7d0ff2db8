package usecase

import (
	"context"
	"time"

	"resume-docgen/internal/domain"
	"resume-docgen/pkg/backoff"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Minute

	// sweepBatch bounds a single DeleteFinished call; Sweep loops until a
	// batch comes back short.
	sweepBatch = 500
	staleBatch = 100
)

type QueueConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Queue is the job queue service. It owns the state machine; stores only
// provide atomic primitives.
type Queue struct {
	store     JobStore
	artifacts ArtifactStore
	backoff   backoff.Strategy
	clock     Clock
	cfg       QueueConfig
	log       *zap.SugaredLogger
}

type QueueOption func(*Queue)

func WithClock(c Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

func WithBackoff(s backoff.Strategy) QueueOption {
	return func(q *Queue) { q.backoff = s }
}

func NewQueue(store JobStore, artifacts ArtifactStore, cfg QueueConfig, log *zap.SugaredLogger, opts ...QueueOption) *Queue {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	q := &Queue{
		store:     store,
		artifacts: artifacts,
		backoff:   backoff.New(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		clock:     SystemClock(),
		cfg:       cfg,
		log:       log.Named("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a new queued job. The payload is copied by the store's
// serialization, so later changes to the caller's snapshot are not seen.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload domain.RenderPayload, priority int) (uuid.UUID, error) {
	if kind == "" {
		kind = domain.KindResumeRender
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return uuid.Nil, errors.Newf("priority %d outside [%d, %d]", priority, domain.MinPriority, domain.MaxPriority)
	}

	now := q.clock.Now()
	job := &domain.RenderJob{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     payload,
		State:       domain.StateQueued,
		Attempts:    0,
		MaxAttempts: q.cfg.MaxAttempts,
		Priority:    priority,
		CreatedAt:   now,
		RunAt:       now,
		UpdatedAt:   now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return uuid.Nil, errors.Wrap(err, "enqueue job")
	}

	q.log.Infow("job enqueued", "job_id", job.ID, "kind", kind, "priority", priority,
		"template", payload.TemplateName, "requester", payload.RequesterID)
	return job.ID, nil
}

// ClaimNext atomically takes the next ready job for workerID, or returns nil
// when nothing is ready.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*domain.RenderJob, error) {
	job, err := q.store.ClaimNext(ctx, workerID, q.clock.Now())
	if err != nil {
		return nil, errors.Wrapf(err, "claim next job for %s", workerID)
	}
	if job != nil {
		q.log.Debugw("job claimed", "job_id", job.ID, "worker", workerID, "attempt", job.Attempts)
	}
	return job, nil
}

// Complete records the artifact for an active job.
func (q *Queue) Complete(ctx context.Context, lease domain.Lease, result string) error {
	err := q.store.MarkCompleted(ctx, lease, result, q.clock.Now())
	if err != nil {
		q.logRejected("complete", lease, err)
		if errors.Is(err, domain.ErrDoubleCompletion) || errors.Is(err, domain.ErrJobNotFound) {
			q.discardOrphan(ctx, lease, result)
		}
		return errors.Wrapf(err, "complete job %s", lease.JobID)
	}
	q.log.Infow("job completed", "job_id", lease.JobID, "worker", lease.WorkerID,
		"attempt", lease.Attempt, "result", result)
	return nil
}

// Fail re-queues a retryable failure with backoff while attempts remain and
// fails the job terminally otherwise. It returns the state the job moved to.
func (q *Queue) Fail(ctx context.Context, lease domain.Lease, reason string, retryable bool) (domain.JobState, error) {
	now := q.clock.Now()
	maxAttempts := lease.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = q.cfg.MaxAttempts
	}

	if retryable && lease.Attempt < maxAttempts {
		delay := q.backoff.Delay(lease.Attempt)
		if err := q.store.Requeue(ctx, lease, reason, now.Add(delay), now); err != nil {
			q.logRejected("requeue", lease, err)
			return "", errors.Wrapf(err, "requeue job %s", lease.JobID)
		}
		q.log.Warnw("job requeued", "job_id", lease.JobID, "worker", lease.WorkerID,
			"attempt", lease.Attempt, "max_attempts", maxAttempts, "delay", delay, "reason", reason)
		return domain.StateQueued, nil
	}

	if err := q.store.MarkFailed(ctx, lease, reason, now); err != nil {
		q.logRejected("fail", lease, err)
		return "", errors.Wrapf(err, "fail job %s", lease.JobID)
	}
	q.log.Errorw("job failed", "job_id", lease.JobID, "worker", lease.WorkerID,
		"attempt", lease.Attempt, "retryable", retryable, "reason", reason)
	return domain.StateFailed, nil
}

func (q *Queue) logRejected(op string, lease domain.Lease, err error) {
	if errors.Is(err, domain.ErrDoubleCompletion) {
		q.log.Warnw("stale report rejected", "op", op, "job_id", lease.JobID,
			"worker", lease.WorkerID, "attempt", lease.Attempt)
	}
}

// discardOrphan removes an artifact whose completion the store rejected. No
// record points at it, so retention would never reach it.
func (q *Queue) discardOrphan(ctx context.Context, lease domain.Lease, result string) {
	if q.artifacts == nil || result == "" {
		return
	}
	if err := q.artifacts.Delete(ctx, result); err != nil {
		q.log.Warnw("orphaned artifact delete failed", "job_id", lease.JobID,
			"worker", lease.WorkerID, "artifact", result, "error", err)
		return
	}
	q.log.Infow("orphaned artifact deleted", "job_id", lease.JobID,
		"worker", lease.WorkerID, "artifact", result)
}

// Get returns the full job record.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.RenderJob, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// GetStatus returns the polling view; unknown ids yield domain.ErrJobNotFound.
func (q *Queue) GetStatus(ctx context.Context, id uuid.UUID) (domain.StatusView, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return domain.StatusView{Status: domain.StatusNotFound}, err
	}
	return job.View(), nil
}

type SweepResult struct {
	Completed        int
	Failed           int
	ArtifactsDeleted int
}

// Sweep deletes completed jobs finished more than completedOlderThan ago and
// failed jobs finished more than failedOlderThan ago, along with their
// artifacts. Stores delete by terminal state, so active jobs are untouched.
func (q *Queue) Sweep(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (SweepResult, error) {
	now := q.clock.Now()
	var res SweepResult

	passes := []struct {
		state domain.JobState
		age   time.Duration
		count *int
	}{
		{domain.StateCompleted, completedOlderThan, &res.Completed},
		{domain.StateFailed, failedOlderThan, &res.Failed},
	}
	for _, p := range passes {
		cutoff := now.Add(-p.age)
		for {
			removed, err := q.store.DeleteFinished(ctx, p.state, cutoff, sweepBatch)
			if err != nil {
				return res, errors.Wrapf(err, "sweep %s jobs", p.state)
			}
			*p.count += len(removed)
			res.ArtifactsDeleted += q.deleteArtifacts(ctx, removed)
			if len(removed) < sweepBatch {
				break
			}
		}
	}

	if res.Completed+res.Failed > 0 {
		q.log.Infow("retention sweep finished", "completed", res.Completed,
			"failed", res.Failed, "artifacts", res.ArtifactsDeleted)
	}
	return res, nil
}

func (q *Queue) deleteArtifacts(ctx context.Context, jobs []*domain.RenderJob) int {
	if q.artifacts == nil {
		return 0
	}
	n := 0
	for _, j := range jobs {
		if j.Result == "" {
			continue
		}
		if err := q.artifacts.Delete(ctx, j.Result); err != nil {
			q.log.Warnw("artifact delete failed", "job_id", j.ID, "artifact", j.Result, "error", err)
			continue
		}
		n++
	}
	return n
}

// ReclaimStale fails active jobs whose worker has not reported within
// staleAfter. The failure goes through the job's own lease, so if the worker
// reports at the same time exactly one of them wins.
func (q *Queue) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	stale, err := q.store.ListStale(ctx, q.clock.Now().Add(-staleAfter), staleBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list stale jobs")
	}

	reason := domain.Classify(domain.ErrWorkerLost).Reason()
	reclaimed := 0
	for _, job := range stale {
		state, err := q.Fail(ctx, job.Lease(), reason, true)
		if err != nil {
			if errors.Is(err, domain.ErrDoubleCompletion) || errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
		q.log.Warnw("stale job reclaimed", "job_id", job.ID, "worker", job.WorkerID,
			"attempt", job.Attempts, "new_state", state)
	}
	return reclaimed, nil
}

// Stats counts jobs per state.
func (q *Queue) Stats(ctx context.Context) (map[domain.JobState]int, error) {
	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	return counts, nil
}

// Ping checks that the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// MaxAttempts is the default attempt budget for new jobs.
func (q *Queue) MaxAttempts() int { return q.cfg.MaxAttempts }
