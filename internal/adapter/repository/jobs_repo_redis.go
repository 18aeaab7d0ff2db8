package repository

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each job is a hash at <prefix>:job:<id>. Queued jobs wait in the delayed
// zset scored by run_at until a claim promotes every due entry into the ready
// zset, scored so that ZRANGE 0 0 yields highest priority then lowest
// sequence. Promotion is never partial, otherwise a due high-priority job
// could sit behind a backlog of older low-priority ones.
// Active and finished jobs are indexed by start and finish time. All state
// changes run as Lua scripts so every claim and lease check is atomic.
//
// Scripts derive job keys from the prefix, so the store needs a single
// Redis node or a prefix wrapped in a cluster hash tag.

var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
  local f = redis.call('HMGET', ARGV[1] .. ':job:' .. id, 'priority', 'seq')
  redis.call('ZREM', KEYS[2], id)
  if f[1] then
    redis.call('ZADD', KEYS[1], (100 - tonumber(f[1])) * 1e12 + tonumber(f[2]), id)
  end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
local k = ARGV[1] .. ':job:' .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', k, 'state', 'active', 'worker_id', ARGV[3], 'started_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('HINCRBY', k, 'attempts', 1)
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HINCRBY', KEYS[4], 'queued', -1)
redis.call('HINCRBY', KEYS[4], 'active', 1)
return redis.call('HGETALL', k)
`)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('job already exists')
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'seq', seq, unpack(ARGV, 4))
redis.call('HINCRBY', KEYS[4], ARGV[1], 1)
if ARGV[1] == 'queued' then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
end
return seq
`)

// transitionScript returns 0 for a missing job, -1 for a lease mismatch.
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local cur = redis.call('HMGET', KEYS[1], 'state', 'worker_id', 'attempts')
if cur[1] ~= 'active' or cur[2] ~= ARGV[1] or cur[3] ~= ARGV[2] then
  return -1
end
redis.call('HSET', KEYS[1], 'state', ARGV[3], unpack(ARGV, 6))
redis.call('ZREM', KEYS[3], ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[5])
redis.call('HINCRBY', KEYS[2], 'active', -1)
redis.call('HINCRBY', KEYS[2], ARGV[3], 1)
return 1
`)

var deleteFinishedScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  local k = ARGV[1] .. ':job:' .. id
  table.insert(out, redis.call('HGETALL', k))
  redis.call('DEL', k)
  redis.call('ZREM', KEYS[1], id)
end
if #ids > 0 then
  redis.call('HINCRBY', KEYS[2], ARGV[4], -#ids)
end
return out
`)

// RedisJobsRepo is the low-latency backend for deployments that already run
// Redis with persistence enabled.
type RedisJobsRepo struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisJobsRepo(client redis.UniversalClient, prefix string) *RedisJobsRepo {
	if prefix == "" {
		prefix = "docgen"
	}
	return &RedisJobsRepo{client: client, prefix: prefix}
}

func (r *RedisJobsRepo) jobKey(id string) string { return r.prefix + ":job:" + id }
func (r *RedisJobsRepo) readyKey() string { return r.prefix + ":ready" }
func (r *RedisJobsRepo) delayedKey() string { return r.prefix + ":delayed" }
func (r *RedisJobsRepo) activeKey() string { return r.prefix + ":active" }
func (r *RedisJobsRepo) seqKey() string { return r.prefix + ":seq" }
func (r *RedisJobsRepo) countsKey() string { return r.prefix + ":counts" }
func (r *RedisJobsRepo) finishedKey(s domain.JobState) string {
	return r.prefix + ":finished:" + string(s)
}

func (r *RedisJobsRepo) Create(ctx context.Context, j *domain.RenderJob) error {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return err
	}
	args := []any{string(j.State), micros(j.RunAt), j.ID.String()}
	args = append(args, jobFields(j, payload)...)
	err = createScript.Run(ctx, r.client,
		[]string{r.jobKey(j.ID.String()), r.seqKey(), r.delayedKey(), r.countsKey()},
		args...).Err()
	return mapRedisError(err, "insert job")
}

func (r *RedisJobsRepo) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.RenderJob, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.readyKey(), r.delayedKey(), r.activeKey(), r.countsKey()},
		r.prefix, micros(now), workerID, nanosString(now)).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, mapRedisError(err, "claim job")
	}
	return jobFromHash(pairsToMap(res))
}

func (r *RedisJobsRepo) MarkCompleted(ctx context.Context, lease domain.Lease, result string, at time.Time) error {
	return r.transition(ctx, lease, domain.StateCompleted, r.finishedKey(domain.StateCompleted), micros(at),
		"result", result, "error_reason", "", "finished_at", nanosString(at), "updated_at", nanosString(at))
}

func (r *RedisJobsRepo) MarkFailed(ctx context.Context, lease domain.Lease, reason string, at time.Time) error {
	return r.transition(ctx, lease, domain.StateFailed, r.finishedKey(domain.StateFailed), micros(at),
		"error_reason", reason, "finished_at", nanosString(at), "updated_at", nanosString(at))
}

func (r *RedisJobsRepo) Requeue(ctx context.Context, lease domain.Lease, reason string, runAt, at time.Time) error {
	return r.transition(ctx, lease, domain.StateQueued, r.delayedKey(), micros(runAt),
		"error_reason", reason, "run_at", nanosString(runAt), "worker_id", "", "updated_at", nanosString(at))
}

func (r *RedisJobsRepo) transition(ctx context.Context, lease domain.Lease, to domain.JobState, indexKey string, score int64, fields ...any) error {
	id := lease.JobID.String()
	args := append([]any{lease.WorkerID, strconv.Itoa(lease.Attempt), string(to), score, id}, fields...)
	n, err := transitionScript.Run(ctx, r.client,
		[]string{r.jobKey(id), r.countsKey(), r.activeKey(), indexKey},
		args...).Int()
	if err != nil {
		return mapRedisError(err, "update job")
	}
	switch n {
	case 0:
		return errors.WithDetailf(domain.ErrJobNotFound, "job %s", id)
	case -1:
		return resolveLeaseMiss(ctx, r.Get, lease)
	}
	return nil
}

func (r *RedisJobsRepo) Get(ctx context.Context, id uuid.UUID) (*domain.RenderJob, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(id.String())).Result()
	if err != nil {
		return nil, mapRedisError(err, "get job")
	}
	if len(fields) == 0 {
		return nil, errors.WithDetailf(domain.ErrJobNotFound, "job %s", id)
	}
	return jobFromHash(fields)
}

func (r *RedisJobsRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.activeKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(micros(startedBefore), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, mapRedisError(err, "list stale jobs")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, mapRedisError(err, "list stale jobs")
	}

	out := make([]*domain.RenderJob, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 || fields["state"] != string(domain.StateActive) {
			continue
		}
		j, err := jobFromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *RedisJobsRepo) DeleteFinished(ctx context.Context, state domain.JobState, finishedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	if err := checkTerminal(state); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	res, err := deleteFinishedScript.Run(ctx, r.client,
		[]string{r.finishedKey(state), r.countsKey()},
		r.prefix, micros(finishedBefore), limit, string(state)).Slice()
	if err != nil {
		return nil, mapRedisError(err, "delete finished jobs")
	}

	out := make([]*domain.RenderJob, 0, len(res))
	for _, item := range res {
		raw, ok := item.([]any)
		if !ok || len(raw) == 0 {
			continue
		}
		pairs := make([]string, 0, len(raw))
		for _, v := range raw {
			s, _ := v.(string)
			pairs = append(pairs, s)
		}
		j, err := jobFromHash(pairsToMap(pairs))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *RedisJobsRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	raw, err := r.client.HGetAll(ctx, r.countsKey()).Result()
	if err != nil {
		return nil, mapRedisError(err, "count jobs")
	}
	counts := make(map[domain.JobState]int, len(raw))
	for state, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse count for %q", state)
		}
		if n > 0 {
			counts[domain.JobState(state)] = n
		}
	}
	return counts, nil
}

func (r *RedisJobsRepo) Ping(ctx context.Context) error {
	return mapRedisError(r.client.Ping(ctx).Err(), "ping")
}

func (r *RedisJobsRepo) Close() error {
	return r.client.Close()
}

func jobFields(j *domain.RenderJob, payload []byte) []any {
	fields := []any{
		"id", j.ID.String(),
		"kind", j.Kind,
		"payload", string(payload),
		"state", string(j.State),
		"attempts", strconv.Itoa(j.Attempts),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"priority", strconv.Itoa(j.Priority),
		"worker_id", j.WorkerID,
		"created_at", nanosString(j.CreatedAt),
		"run_at", nanosString(j.RunAt),
		"result", j.Result,
		"error_reason", j.ErrorReason,
		"updated_at", nanosString(j.UpdatedAt),
	}
	if j.StartedAt != nil {
		fields = append(fields, "started_at", nanosString(*j.StartedAt))
	}
	if j.FinishedAt != nil {
		fields = append(fields, "finished_at", nanosString(*j.FinishedAt))
	}
	return fields
}

func jobFromHash(h map[string]string) (*domain.RenderJob, error) {
	id, err := uuid.Parse(h["id"])
	if err != nil {
		return nil, errors.Wrapf(err, "parse job id %q", h["id"])
	}
	j := &domain.RenderJob{
		ID:          id,
		Kind:        h["kind"],
		State:       domain.JobState(h["state"]),
		WorkerID:    h["worker_id"],
		Result:      h["result"],
		ErrorReason: h["error_reason"],
	}
	ints := []struct {
		field string
		dst   *int
	}{
		{"attempts", &j.Attempts},
		{"max_attempts", &j.MaxAttempts},
		{"priority", &j.Priority},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(h[f.field]); err != nil {
			return nil, errors.Wrapf(err, "parse %s of job %s", f.field, id)
		}
	}
	times := []struct {
		field string
		dst   *time.Time
	}{
		{"created_at", &j.CreatedAt},
		{"run_at", &j.RunAt},
		{"updated_at", &j.UpdatedAt},
	}
	for _, f := range times {
		if *f.dst, err = parseNanos(h[f.field]); err != nil {
			return nil, errors.Wrapf(err, "parse %s of job %s", f.field, id)
		}
	}
	if v, ok := h["started_at"]; ok && v != "" {
		t, err := parseNanos(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse started_at of job %s", id)
		}
		j.StartedAt = &t
	}
	if v, ok := h["finished_at"]; ok && v != "" {
		t, err := parseNanos(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse finished_at of job %s", id)
		}
		j.FinishedAt = &t
	}
	if err := decodePayload([]byte(h["payload"]), j); err != nil {
		return nil, err
	}
	return j, nil
}

func pairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

// micros scores sorted sets; float64 holds microsecond epochs exactly.
func micros(t time.Time) int64 { return t.UnixMicro() }

func nanosString(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func parseNanos(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return fromNanos(n), nil
}

func mapRedisError(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "redis: %s", op)
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(wrapped, domain.ErrStoreUnavailable)
	}
	return wrapped
}
