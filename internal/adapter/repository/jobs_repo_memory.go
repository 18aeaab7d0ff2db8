package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type memoryEntry struct {
	job *domain.RenderJob
	seq int64
}

// MemoryJobsRepo keeps jobs in process memory. It satisfies the same
// contract as the durable backends but is only shared within one process.
type MemoryJobsRepo struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*memoryEntry
	seq    int64
	closed bool
}

func NewMemoryJobsRepo() *MemoryJobsRepo {
	return &MemoryJobsRepo{jobs: map[uuid.UUID]*memoryEntry{}}
}

// clone deep-copies through JSON, mirroring what the durable stores do to the
// payload.
func clone(j *domain.RenderJob) (*domain.RenderJob, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "encode job")
	}
	var out domain.RenderJob
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &out, nil
}

func (r *MemoryJobsRepo) checkOpen() error {
	if r.closed {
		return errors.Mark(errors.New("memory store closed"), domain.ErrStoreUnavailable)
	}
	return nil
}

func (r *MemoryJobsRepo) Create(_ context.Context, j *domain.RenderJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return err
	}
	if _, ok := r.jobs[j.ID]; ok {
		return errors.Newf("job %s already exists", j.ID)
	}
	c, err := clone(j)
	if err != nil {
		return err
	}
	r.seq++
	r.jobs[j.ID] = &memoryEntry{job: c, seq: r.seq}
	return nil
}

func (r *MemoryJobsRepo) ClaimNext(_ context.Context, workerID string, now time.Time) (*domain.RenderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	var best *memoryEntry
	for _, e := range r.jobs {
		if e.job.State != domain.StateQueued || e.job.RunAt.After(now) {
			continue
		}
		if best == nil || e.job.Priority > best.job.Priority ||
			(e.job.Priority == best.job.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.job.State = domain.StateActive
	best.job.Attempts++
	best.job.WorkerID = workerID
	best.job.StartedAt = &started
	best.job.UpdatedAt = now
	return clone(best.job)
}

// owned returns the entry when lease still matches the stored job.
func (r *MemoryJobsRepo) owned(lease domain.Lease) (*memoryEntry, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := r.jobs[lease.JobID]
	if !ok {
		return nil, errors.WithDetailf(domain.ErrJobNotFound, "job %s", lease.JobID)
	}
	j := e.job
	if j.State != domain.StateActive || j.WorkerID != lease.WorkerID || j.Attempts != lease.Attempt {
		return nil, errors.WithDetailf(domain.ErrDoubleCompletion,
			"job %s is %s (worker %q attempt %d)", j.ID, j.State, j.WorkerID, j.Attempts)
	}
	return e, nil
}

func (r *MemoryJobsRepo) MarkCompleted(_ context.Context, lease domain.Lease, result string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(lease)
	if err != nil {
		return err
	}
	finished := at
	e.job.State = domain.StateCompleted
	e.job.Result = result
	e.job.ErrorReason = ""
	e.job.FinishedAt = &finished
	e.job.UpdatedAt = at
	return nil
}

func (r *MemoryJobsRepo) MarkFailed(_ context.Context, lease domain.Lease, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(lease)
	if err != nil {
		return err
	}
	finished := at
	e.job.State = domain.StateFailed
	e.job.ErrorReason = reason
	e.job.FinishedAt = &finished
	e.job.UpdatedAt = at
	return nil
}

func (r *MemoryJobsRepo) Requeue(_ context.Context, lease domain.Lease, reason string, runAt, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.owned(lease)
	if err != nil {
		return err
	}
	e.job.State = domain.StateQueued
	e.job.ErrorReason = reason
	e.job.RunAt = runAt
	e.job.WorkerID = ""
	e.job.UpdatedAt = at
	return nil
}

func (r *MemoryJobsRepo) Get(_ context.Context, id uuid.UUID) (*domain.RenderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := r.jobs[id]
	if !ok {
		return nil, errors.WithDetailf(domain.ErrJobNotFound, "job %s", id)
	}
	return clone(e.job)
}

func (r *MemoryJobsRepo) ListStale(_ context.Context, startedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var out []*memoryEntry
	for _, e := range r.jobs {
		if e.job.State == domain.StateActive && e.job.StartedAt != nil && e.job.StartedAt.Before(startedBefore) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].job.StartedAt.Before(*out[k].job.StartedAt) })
	return r.cloneEntries(out, limit)
}

func (r *MemoryJobsRepo) DeleteFinished(_ context.Context, state domain.JobState, finishedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	if err := checkTerminal(state); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var matched []*memoryEntry
	for _, e := range r.jobs {
		if e.job.State == state && e.job.FinishedAt != nil && e.job.FinishedAt.Before(finishedBefore) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq < matched[k].seq })
	out, err := r.cloneEntries(matched, limit)
	if err != nil {
		return nil, err
	}
	for _, j := range out {
		delete(r.jobs, j.ID)
	}
	return out, nil
}

func (r *MemoryJobsRepo) cloneEntries(entries []*memoryEntry, limit int) ([]*domain.RenderJob, error) {
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*domain.RenderJob, 0, len(entries))
	for _, e := range entries {
		c, err := clone(e.job)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryJobsRepo) CountByState(_ context.Context) (map[domain.JobState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	counts := map[domain.JobState]int{}
	for _, e := range r.jobs {
		counts[e.job.State]++
	}
	return counts, nil
}

func (r *MemoryJobsRepo) Ping(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkOpen()
}

func (r *MemoryJobsRepo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
