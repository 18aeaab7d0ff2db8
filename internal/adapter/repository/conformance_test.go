package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"resume-docgen/internal/adapter/repository"
	"resume-docgen/internal/domain"
	"resume-docgen/internal/infrastructure/migration"
	"resume-docgen/internal/model"
	"resume-docgen/internal/usecase"
	"resume-docgen/pkg/infrastructure"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) usecase.JobStore
}

func backends(t *testing.T) []backend {
	t.Helper()
	list := []backend{
		{"memory", func(t *testing.T) usecase.JobStore { return repository.NewMemoryJobsRepo() }},
		{"sqlite", openSQLite},
		{"miniredis", openMiniRedis},
	}
	if os.Getenv("DOCGEN_TEST_POSTGRES_URL") != "" {
		list = append(list, backend{"postgres", openPostgres})
	}
	if os.Getenv("DOCGEN_TEST_MONGO_URL") != "" {
		list = append(list, backend{"mongo", openMongo})
	}
	if os.Getenv("DOCGEN_TEST_REDIS_URL") != "" {
		list = append(list, backend{"redis", openRedis})
	}
	return list
}

func openSQLite(t *testing.T) usecase.JobStore {
	t.Helper()
	ctx := context.Background()
	db, err := infrastructure.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, migration.RunMigrations(ctx, db, migration.SQLite, nil))
	repo := repository.NewSQLiteJobsRepo(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func openPostgres(t *testing.T) usecase.JobStore {
	t.Helper()
	ctx := context.Background()
	db, err := infrastructure.OpenPostgres(ctx, os.Getenv("DOCGEN_TEST_POSTGRES_URL"), 8)
	require.NoError(t, err)
	require.NoError(t, migration.RunMigrations(ctx, db, migration.Postgres, nil))
	_, err = db.ExecContext(ctx, `TRUNCATE render_jobs`)
	require.NoError(t, err)
	repo := repository.NewPostgresJobsRepo(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func openMongo(t *testing.T) usecase.JobStore {
	t.Helper()
	ctx := context.Background()
	client, err := infrastructure.OpenMongo(ctx, os.Getenv("DOCGEN_TEST_MONGO_URL"))
	require.NoError(t, err)
	dbName := "docgen_test_" + uuid.NewString()[:8]
	repo := repository.NewMongoJobsRepo(client, dbName)
	require.NoError(t, repo.EnsureIndexes(ctx))
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = repo.Close()
	})
	return repo
}

func openRedis(t *testing.T) usecase.JobStore {
	t.Helper()
	ctx := context.Background()
	client, err := infrastructure.OpenRedis(ctx, os.Getenv("DOCGEN_TEST_REDIS_URL"))
	require.NoError(t, err)
	prefix := "docgen_test_" + uuid.NewString()[:8]
	repo := repository.NewRedisJobsRepo(client, prefix)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(context.Background(), keys...).Err()
		}
		_ = repo.Close()
	})
	return repo
}

// openMiniRedis runs the Redis store's Lua scripts against an in-process
// server.
func openMiniRedis(t *testing.T) usecase.JobStore {
	t.Helper()
	srv := miniredis.RunT(t)
	repo := repository.NewRedisJobsRepo(redis.NewClient(&redis.Options{Addr: srv.Addr()}), "docgen")
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newJob(priority int, createdAt time.Time) *domain.RenderJob {
	return &domain.RenderJob{
		ID:   uuid.New(),
		Kind: domain.KindResumeRender,
		Payload: domain.RenderPayload{
			Resume: model.Resume{
				Personal: model.Personal{FullName: "Ada Lovelace", Email: "ada@example.com"},
				Experience: []model.Experience{
					{Company: "Analytical Engine Co.", Highlights: []string{"Note G"}},
				},
			},
			TemplateName: "classic",
			RequesterID:  "u-1",
		},
		State:       domain.StateQueued,
		MaxAttempts: 3,
		Priority:    priority,
		CreatedAt:   createdAt,
		RunAt:       createdAt,
		UpdatedAt:   createdAt,
	}
}

func create(t *testing.T, s usecase.JobStore, jobs ...*domain.RenderJob) {
	t.Helper()
	for _, j := range jobs {
		require.NoError(t, s.Create(context.Background(), j))
	}
}

func claim(t *testing.T, s usecase.JobStore, worker string, now time.Time) *domain.RenderJob {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), worker, now)
	require.NoError(t, err)
	return j
}

func TestJobStoreConformance(t *testing.T) {
	for _, b := range backends(t) {
		b := b
		t.Run(b.name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				s := b.open(t)
				j := newJob(5, base)
				create(t, s, j)

				got, err := s.Get(context.Background(), j.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StateQueued, got.State)
				assert.Equal(t, 5, got.Priority)
				assert.Equal(t, 3, got.MaxAttempts)
				assert.Equal(t, "Ada Lovelace", got.Payload.Resume.Personal.FullName)
				assert.Equal(t, []string{"Note G"}, got.Payload.Resume.Experience[0].Highlights)
				assert.Equal(t, "classic", got.Payload.TemplateName)
				assert.True(t, got.CreatedAt.Equal(base))
				assert.Nil(t, got.StartedAt)

				_, err = s.Get(context.Background(), uuid.New())
				assert.True(t, errors.Is(err, domain.ErrJobNotFound))
			})

			t.Run("claim order is priority then fifo", func(t *testing.T) {
				s := b.open(t)
				low := newJob(0, base)
				firstHigh := newJob(10, base.Add(time.Second))
				secondHigh := newJob(10, base.Add(time.Second))
				future := newJob(100, base)
				future.RunAt = base.Add(time.Hour)
				create(t, s, low, firstHigh, secondHigh, future)

				now := base.Add(time.Minute)
				assert.Equal(t, firstHigh.ID, claim(t, s, "w", now).ID)
				assert.Equal(t, secondHigh.ID, claim(t, s, "w", now).ID)
				assert.Equal(t, low.ID, claim(t, s, "w", now).ID)
				assert.Nil(t, claim(t, s, "w", now), "delayed job is not eligible yet")
				assert.Equal(t, future.ID, claim(t, s, "w", base.Add(2*time.Hour)).ID)
			})

			t.Run("high priority is not starved by a large backlog", func(t *testing.T) {
				s := b.open(t)
				backlog := make([]*domain.RenderJob, 0, 150)
				for i := 0; i < 150; i++ {
					backlog = append(backlog, newJob(0, base.Add(time.Duration(i)*time.Millisecond)))
				}
				create(t, s, backlog...)
				urgent := newJob(100, base.Add(time.Second))
				create(t, s, urgent)

				now := base.Add(time.Minute)
				assert.Equal(t, urgent.ID, claim(t, s, "w", now).ID)
				assert.Equal(t, backlog[0].ID, claim(t, s, "w", now).ID)
			})

			t.Run("claim stamps the lease", func(t *testing.T) {
				s := b.open(t)
				j := newJob(0, base)
				create(t, s, j)

				got := claim(t, s, "worker-a", base.Add(time.Second))
				require.NotNil(t, got)
				assert.Equal(t, domain.StateActive, got.State)
				assert.Equal(t, "worker-a", got.WorkerID)
				assert.Equal(t, 1, got.Attempts)
				require.NotNil(t, got.StartedAt)
				assert.True(t, got.StartedAt.Equal(base.Add(time.Second)))
			})

			t.Run("lease is single use", func(t *testing.T) {
				s := b.open(t)
				ctx := context.Background()
				create(t, s, newJob(0, base))
				got := claim(t, s, "w", base)
				lease := got.Lease()

				require.NoError(t, s.MarkCompleted(ctx, lease, "a.pdf", base.Add(time.Second)))
				err := s.MarkCompleted(ctx, lease, "b.pdf", base.Add(2*time.Second))
				assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))
				err = s.MarkFailed(ctx, lease, "internal: x", base.Add(2*time.Second))
				assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))

				done, err := s.Get(ctx, got.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StateCompleted, done.State)
				assert.Equal(t, "a.pdf", done.Result)
				require.NotNil(t, done.FinishedAt)

				missing := domain.Lease{JobID: uuid.New(), WorkerID: "w", Attempt: 1}
				assert.True(t, errors.Is(s.MarkCompleted(ctx, missing, "", base), domain.ErrJobNotFound))
			})

			t.Run("requeue delays and rejects the old lease", func(t *testing.T) {
				s := b.open(t)
				ctx := context.Background()
				create(t, s, newJob(0, base))
				first := claim(t, s, "w1", base)
				old := first.Lease()

				runAt := base.Add(10 * time.Second)
				require.NoError(t, s.Requeue(ctx, old, "render_timeout: render timed out", runAt, base.Add(time.Second)))

				queued, err := s.Get(ctx, first.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StateQueued, queued.State)
				assert.Equal(t, "render_timeout: render timed out", queued.ErrorReason)
				assert.Empty(t, queued.WorkerID)

				assert.Nil(t, claim(t, s, "w2", base.Add(5*time.Second)))
				second := claim(t, s, "w2", runAt)
				require.NotNil(t, second)
				assert.Equal(t, 2, second.Attempts)

				err = s.MarkFailed(ctx, old, "worker_lost: late", base.Add(11*time.Second))
				assert.True(t, errors.Is(err, domain.ErrDoubleCompletion))
				require.NoError(t, s.MarkFailed(ctx, second.Lease(), "render_timeout: render timed out", base.Add(12*time.Second)))

				failed, err := s.Get(ctx, first.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StateFailed, failed.State)
				assert.Equal(t, 2, failed.Attempts)
			})

			t.Run("list stale", func(t *testing.T) {
				s := b.open(t)
				create(t, s, newJob(0, base), newJob(0, base), newJob(0, base))
				old := claim(t, s, "w", base)
				fresh := claim(t, s, "w", base.Add(10*time.Minute))
				require.NotNil(t, old)
				require.NotNil(t, fresh)

				stale, err := s.ListStale(context.Background(), base.Add(5*time.Minute), 10)
				require.NoError(t, err)
				require.Len(t, stale, 1)
				assert.Equal(t, old.ID, stale[0].ID)
			})

			t.Run("delete finished honours the cutoff", func(t *testing.T) {
				s := b.open(t)
				ctx := context.Background()
				var ids []uuid.UUID
				for i := 0; i < 3; i++ {
					j := newJob(0, base)
					create(t, s, j)
					got := claim(t, s, "w", base)
					require.NoError(t, s.MarkCompleted(ctx, got.Lease(), "", base.Add(time.Duration(i)*time.Hour)))
					ids = append(ids, got.ID)
				}
				create(t, s, newJob(0, base))

				_, err := s.DeleteFinished(ctx, domain.StateQueued, base.Add(time.Hour), 10)
				assert.Error(t, err)

				deleted, err := s.DeleteFinished(ctx, domain.StateCompleted, base.Add(time.Hour), 10)
				require.NoError(t, err)
				require.Len(t, deleted, 1, "finished exactly at the cutoff is kept")
				assert.Equal(t, ids[0], deleted[0].ID)

				deleted, err = s.DeleteFinished(ctx, domain.StateFailed, base.Add(24*time.Hour), 10)
				require.NoError(t, err)
				assert.Empty(t, deleted)

				deleted, err = s.DeleteFinished(ctx, domain.StateCompleted, base.Add(24*time.Hour), 1)
				require.NoError(t, err)
				assert.Len(t, deleted, 1)

				_, err = s.Get(ctx, ids[0])
				assert.True(t, errors.Is(err, domain.ErrJobNotFound))

				counts, err := s.CountByState(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, counts[domain.StateCompleted])
				assert.Equal(t, 1, counts[domain.StateQueued])
			})

			t.Run("concurrent claims never share a job", func(t *testing.T) {
				s := b.open(t)
				const jobs, claimers = 5, 8
				for i := 0; i < jobs; i++ {
					create(t, s, newJob(0, base))
				}

				var (
					wg   sync.WaitGroup
					mu   sync.Mutex
					seen = map[uuid.UUID]int{}
					nils int
				)
				for i := 0; i < claimers; i++ {
					wg.Add(1)
					go func(worker string) {
						defer wg.Done()
						j, err := s.ClaimNext(context.Background(), worker, base)
						assert.NoError(t, err)
						mu.Lock()
						defer mu.Unlock()
						if j == nil {
							nils++
							return
						}
						seen[j.ID]++
					}(uuid.NewString())
				}
				wg.Wait()

				assert.Len(t, seen, jobs)
				for id, n := range seen {
					assert.Equal(t, 1, n, "job %s claimed more than once", id)
				}
				assert.Equal(t, claimers-jobs, nils)
			})
		})
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	for _, b := range backends(t)[:2] {
		b := b
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			require.NoError(t, s.Close())

			_, err := s.Get(context.Background(), uuid.New())
			assert.True(t, errors.Is(err, domain.ErrStoreUnavailable), "got %v", err)
			err = s.Create(context.Background(), newJob(0, base))
			assert.True(t, errors.Is(err, domain.ErrStoreUnavailable), "got %v", err)
		})
	}
}
