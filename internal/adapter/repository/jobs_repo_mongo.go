package repository

import (
	"context"
	"time"

	"resume-docgen/internal/domain"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

const (
	colJobs     = "render_jobs"
	colCounters = "counters"
)

type mongoJob struct {
	ID          string     `bson:"_id"`
	Seq         int64      `bson:"seq"`
	Kind        string     `bson:"kind"`
	Payload     []byte     `bson:"payload"`
	State       string     `bson:"state"`
	Attempts    int        `bson:"attempts"`
	MaxAttempts int        `bson:"max_attempts"`
	Priority    int        `bson:"priority"`
	WorkerID    string     `bson:"worker_id"`
	CreatedAt   time.Time  `bson:"created_at"`
	RunAt       time.Time  `bson:"run_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty"`
	FinishedAt  *time.Time `bson:"finished_at,omitempty"`
	Result      string     `bson:"result"`
	ErrorReason string     `bson:"error_reason"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func (m *mongoJob) toDomain() (*domain.RenderJob, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "parse job id %q", m.ID)
	}
	j := &domain.RenderJob{
		ID:          id,
		Kind:        m.Kind,
		State:       domain.JobState(m.State),
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		Priority:    m.Priority,
		WorkerID:    m.WorkerID,
		CreatedAt:   m.CreatedAt.UTC(),
		RunAt:       m.RunAt.UTC(),
		Result:      m.Result,
		ErrorReason: m.ErrorReason,
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
	if m.StartedAt != nil {
		j.StartedAt = timePtr(m.StartedAt.UTC())
	}
	if m.FinishedAt != nil {
		j.FinishedAt = timePtr(m.FinishedAt.UTC())
	}
	if err := decodePayload(m.Payload, j); err != nil {
		return nil, err
	}
	return j, nil
}

// MongoJobsRepo stores jobs as documents. Claims are a single
// FindOneAndUpdate sorted by priority then insertion sequence. Mongo keeps
// millisecond precision, so timestamps read back are truncated.
type MongoJobsRepo struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	counters *mongo.Collection
}

func NewMongoJobsRepo(client *mongo.Client, database string) *MongoJobsRepo {
	db := client.Database(database)
	return &MongoJobsRepo{client: client, jobs: db.Collection(colJobs), counters: db.Collection(colCounters)}
}

// EnsureIndexes creates the claim, sweep and stale-scan indexes.
func (r *MongoJobsRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "priority", Value: -1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "finished_at", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "started_at", Value: 1}}},
	})
	return mapMongoError(err, "create indexes")
}

func (r *MongoJobsRepo) nextSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": colJobs},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, mapMongoError(err, "next sequence")
	}
	return doc.Value, nil
}

func (r *MongoJobsRepo) Create(ctx context.Context, j *domain.RenderJob) error {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return err
	}
	seq, err := r.nextSeq(ctx)
	if err != nil {
		return err
	}
	_, err = r.jobs.InsertOne(ctx, mongoJob{
		ID:          j.ID.String(),
		Seq:         seq,
		Kind:        j.Kind,
		Payload:     payload,
		State:       string(j.State),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Priority:    j.Priority,
		WorkerID:    j.WorkerID,
		CreatedAt:   j.CreatedAt,
		RunAt:       j.RunAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		Result:      j.Result,
		ErrorReason: j.ErrorReason,
		UpdatedAt:   j.UpdatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return errors.Newf("job %s already exists", j.ID)
	}
	return mapMongoError(err, "insert job")
}

func (r *MongoJobsRepo) ClaimNext(ctx context.Context, workerID string, now time.Time) (*domain.RenderJob, error) {
	filter := bson.M{
		"state":  string(domain.StateQueued),
		"run_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{
			"state":      string(domain.StateActive),
			"worker_id":  workerID,
			"started_at": now,
			"updated_at": now,
		},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "seq", Value: 1}})

	var m mongoJob
	err := r.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mapMongoError(err, "claim job")
	}
	return m.toDomain()
}

func leaseFilter(lease domain.Lease) bson.M {
	return bson.M{
		"_id":       lease.JobID.String(),
		"state":     string(domain.StateActive),
		"worker_id": lease.WorkerID,
		"attempts":  lease.Attempt,
	}
}

func (r *MongoJobsRepo) MarkCompleted(ctx context.Context, lease domain.Lease, result string, at time.Time) error {
	return r.transition(ctx, lease, bson.M{"$set": bson.M{
		"state":        string(domain.StateCompleted),
		"result":       result,
		"error_reason": "",
		"finished_at":  at,
		"updated_at":   at,
	}})
}

func (r *MongoJobsRepo) MarkFailed(ctx context.Context, lease domain.Lease, reason string, at time.Time) error {
	return r.transition(ctx, lease, bson.M{"$set": bson.M{
		"state":        string(domain.StateFailed),
		"error_reason": reason,
		"finished_at":  at,
		"updated_at":   at,
	}})
}

func (r *MongoJobsRepo) Requeue(ctx context.Context, lease domain.Lease, reason string, runAt, at time.Time) error {
	return r.transition(ctx, lease, bson.M{"$set": bson.M{
		"state":        string(domain.StateQueued),
		"error_reason": reason,
		"run_at":       runAt,
		"worker_id":    "",
		"updated_at":   at,
	}})
}

func (r *MongoJobsRepo) transition(ctx context.Context, lease domain.Lease, update bson.M) error {
	res, err := r.jobs.UpdateOne(ctx, leaseFilter(lease), update)
	if err != nil {
		return mapMongoError(err, "update job")
	}
	if res.MatchedCount == 0 {
		return resolveLeaseMiss(ctx, r.Get, lease)
	}
	return nil
}

func (r *MongoJobsRepo) Get(ctx context.Context, id uuid.UUID) (*domain.RenderJob, error) {
	var m mongoJob
	err := r.jobs.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.WithDetailf(domain.ErrJobNotFound, "job %s", id)
	}
	if err != nil {
		return nil, mapMongoError(err, "get job")
	}
	return m.toDomain()
}

func (r *MongoJobsRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	filter := bson.M{
		"state":      string(domain.StateActive),
		"started_at": bson.M{"$lt": startedBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, filter, opts)
}

func (r *MongoJobsRepo) DeleteFinished(ctx context.Context, state domain.JobState, finishedBefore time.Time, limit int) ([]*domain.RenderJob, error) {
	if err := checkTerminal(state); err != nil {
		return nil, err
	}
	filter := bson.M{
		"state":       string(state),
		"finished_at": bson.M{"$lt": finishedBefore},
	}
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	jobs, err := r.find(ctx, filter, opts)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID.String())
	}
	// terminal documents never change state, so re-checking it is enough
	if _, err := r.jobs.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}, "state": string(state)}); err != nil {
		return nil, mapMongoError(err, "delete finished jobs")
	}
	return jobs, nil
}

func (r *MongoJobsRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.RenderJob, error) {
	cursor, err := r.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoError(err, "find jobs")
	}
	defer cursor.Close(ctx)

	var models []mongoJob
	if err := cursor.All(ctx, &models); err != nil {
		return nil, mapMongoError(err, "decode jobs")
	}
	out := make([]*domain.RenderJob, 0, len(models))
	for i := range models {
		j, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *MongoJobsRepo) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	cursor, err := r.jobs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$state"}, {Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, mapMongoError(err, "count jobs")
	}
	defer cursor.Close(ctx)

	var rows []struct {
		State string `bson:"_id"`
		N     int    `bson:"n"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapMongoError(err, "count jobs")
	}
	counts := make(map[domain.JobState]int, len(rows))
	for _, row := range rows {
		counts[domain.JobState(row.State)] = row.N
	}
	return counts, nil
}

func (r *MongoJobsRepo) Ping(ctx context.Context) error {
	return mapMongoError(r.client.Ping(ctx, readpref.Primary()), "ping")
}

func (r *MongoJobsRepo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func mapMongoError(err error, op string) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, "mongo: %s", op)
	var selErr topology.ServerSelectionError
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) ||
		errors.As(err, &selErr) {
		return errors.Mark(wrapped, domain.ErrStoreUnavailable)
	}
	return wrapped
}
