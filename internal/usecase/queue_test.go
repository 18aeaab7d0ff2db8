package usecase

import (
	"context"
	"testing"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueThenStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newTestQueue(QueueConfig{}, nil)

	id, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload("modern"), 0)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StateQueued), status.Status)
	assert.Equal(t, 0, status.Attempts)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 0, *status.Progress)
	assert.Empty(t, status.Error)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, "Grace Hopper", job.Payload.Resume.Personal.FullName)
}

func TestQueue_EnqueueCopiesSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newTestQueue(QueueConfig{}, nil)

	payload := samplePayload("modern")
	id, err := q.Enqueue(ctx, domain.KindResumeRender, payload, 0)
	require.NoError(t, err)
	payload.Resume.Experience[0].Company = "Edited Later"

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Eckert-Mauchly Computer Corporation", job.Payload.Resume.Experience[0].Company)
}

func TestQueue_EnqueueRejectsPriorityOutOfRange(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(QueueConfig{}, nil)

	_, err := q.Enqueue(context.Background(), domain.KindResumeRender, samplePayload(""), domain.MaxPriority+1)
	assert.Error(t, err)
}

func TestQueue_StoreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, store, _ := newTestQueue(QueueConfig{}, nil)
	require.NoError(t, store.Close())

	_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))

	_, err = q.ClaimNext(ctx, "w1")
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))
}

func TestQueue_StatusNotFound(t *testing.T) {
	t.Parallel()
	q, _, _ := newTestQueue(QueueConfig{}, nil)

	status, err := q.GetStatus(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
	assert.Equal(t, domain.StatusNotFound, status.Status)
}

func TestQueue_ClaimOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{}, clock)

	low1, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	low2, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	high, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 10)
	require.NoError(t, err)

	var order []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []uuid.UUID{high, low1, low2}, order)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_ClaimStampsOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{}, clock)

	id, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)

	job, err := q.ClaimNext(ctx, "w7")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.StateActive, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "w7", job.WorkerID)
	require.NotNil(t, job.StartedAt)
	assert.True(t, job.StartedAt.Equal(clock.Now()))
}

func TestQueue_RetryableFailureExhaustsAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, clock)

	id, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)

	claims := 0
	var last domain.JobState
	for i := 0; i < 10; i++ {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		if job == nil {
			clock.Advance(time.Hour)
			continue
		}
		claims++
		assert.LessOrEqual(t, job.Attempts, job.MaxAttempts)
		last, err = q.Fail(ctx, job.Lease(), "render_timeout: render timed out", true)
		require.NoError(t, err)
		if last == domain.StateFailed {
			break
		}
	}

	assert.Equal(t, 3, claims)
	assert.Equal(t, domain.StateFailed, last)

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StateFailed), status.Status)
	assert.Equal(t, 3, status.Attempts)
	assert.Equal(t, "render_timeout: render timed out", status.Error)

	clock.Advance(24 * time.Hour)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "terminal job must never be re-queued")
}

func TestQueue_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newTestQueue(QueueConfig{MaxAttempts: 5}, newFakeClock())

	id, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	state, err := q.Fail(ctx, job.Lease(), "invalid_content: bad markup", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, state)

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.StateFailed), status.Status)
	assert.Equal(t, 1, status.Attempts)
}

func TestQueue_RetryWaitsForBackoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second}, clock)

	id, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)

	for attempt, delay := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt+1)

		state, err := q.Fail(ctx, job.Lease(), "engine_crash: rendering engine crashed", true)
		require.NoError(t, err)
		require.Equal(t, domain.StateQueued, state)

		status, err := q.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, string(domain.StateQueued), status.Status)
		assert.Empty(t, status.Error, "transient reasons stay hidden")

		clock.Advance(delay - time.Millisecond)
		early, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		assert.Nil(t, early, "claimable before backoff elapsed after attempt %d", attempt+1)
		clock.Advance(time.Millisecond)
	}
}

func TestQueue_CompleteTwiceIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newTestQueue(QueueConfig{}, newFakeClock())

	_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.Lease(), "a.pdf"))
	err = q.Complete(ctx, job.Lease(), "b.pdf")
	assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))

	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", status.Result)
}

func TestQueue_StaleWorkerCannotOverwriteReclaimedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{MaxAttempts: 3, BaseDelay: time.Second}, clock)

	_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	stale, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	n, err := q.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(time.Minute)
	// same worker id on purpose: only the attempt number tells the claims apart
	fresh, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, 2, fresh.Attempts)

	err = q.Complete(ctx, stale.Lease(), "late.pdf")
	assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))
	_, err = q.Fail(ctx, stale.Lease(), "engine_crash", true)
	assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))

	job, err := q.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, job.State)
	assert.Empty(t, job.Result)

	require.NoError(t, q.Complete(ctx, fresh.Lease(), "fresh.pdf"))
}

func TestQueue_ReclaimStaleLeavesFreshJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{MaxAttempts: 1}, clock)

	_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)

	old, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)
	recent, err := q.ClaimNext(ctx, "w2")
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State, "attempts exhausted")
	assert.Equal(t, "worker_lost: worker stopped reporting", job.ErrorReason)

	job, err = q.Get(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, job.State)
}

func TestQueue_Sweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, artifacts := newTestQueue(QueueConfig{MaxAttempts: 1}, clock)

	finish := func(complete bool) uuid.UUID {
		id, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
		require.NoError(t, err)
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		if complete {
			ref, err := artifacts.Save(ctx, id, []byte("%PDF"))
			require.NoError(t, err)
			require.NoError(t, q.Complete(ctx, job.Lease(), ref))
		} else {
			_, err := q.Fail(ctx, job.Lease(), "invalid_content", false)
			require.NoError(t, err)
		}
		return id
	}

	oldFailed := finish(false)
	clock.Advance(3 * 24 * time.Hour)
	oldCompleted := finish(true)
	recentFailed := finish(false)

	activeID, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w-busy")
	require.NoError(t, err)

	clock.Advance(5 * 24 * time.Hour)
	recentCompleted := finish(true)
	queuedID, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)

	// oldFailed is 8 days old, oldCompleted and recentFailed 5 days,
	// the active job has been running for 5 days.
	res, err := q.Sweep(ctx, 24*time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.ArtifactsDeleted)
	assert.Equal(t, 1, artifacts.Len())

	for _, gone := range []uuid.UUID{oldFailed, oldCompleted} {
		_, err := q.Get(ctx, gone)
		assert.True(t, errors.Is(err, domain.ErrJobNotFound))
	}
	for _, kept := range []uuid.UUID{recentFailed, recentCompleted, activeID, queuedID} {
		_, err := q.Get(ctx, kept)
		assert.NoError(t, err)
	}

	job, err := q.Get(ctx, activeID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, job.State)
}

func TestQueue_SweepBoundaryIsStrict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, _, _ := newTestQueue(QueueConfig{}, clock)

	_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.Lease(), ""))

	clock.Advance(24 * time.Hour)
	res, err := q.Sweep(ctx, 24*time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Completed, "exactly at the threshold is not older than it")

	clock.Advance(time.Nanosecond)
	res, err = q.Sweep(ctx, 24*time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func TestQueue_Stats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _, _ := newTestQueue(QueueConfig{}, nil)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
		require.NoError(t, err)
	}
	_, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[domain.StateQueued])
	assert.Equal(t, 1, stats[domain.StateActive])
}

func TestQueue_RejectedCompletionDeletesArtifact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newFakeClock()
	q, store, artifacts := newTestQueue(QueueConfig{}, clock)

	_, err := q.Enqueue(ctx, domain.KindResumeRender, samplePayload(""), 0)
	require.NoError(t, err)
	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	kept, err := artifacts.Save(ctx, job.ID, []byte("%PDF first"))
	require.NoError(t, err)
	late, err := artifacts.Save(ctx, job.ID, []byte("%PDF second"))
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, job.Lease(), kept))
	err = q.Complete(ctx, job.Lease(), late)
	assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))
	assert.Equal(t, 1, artifacts.Len())
	_, _, err = artifacts.Open(ctx, kept)
	assert.NoError(t, err)

	// job vanished under the worker
	gone, err := artifacts.Save(ctx, job.ID, []byte("%PDF third"))
	require.NoError(t, err)
	_, err = store.DeleteFinished(ctx, domain.StateCompleted, clock.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	err = q.Complete(ctx, job.Lease(), gone)
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
	assert.Equal(t, 1, artifacts.Len())
}
