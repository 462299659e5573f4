package mongoqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

// DefaultCollection holds one document per job.
const DefaultCollection = "queue_jobs"

// claimRetries bounds how often a claim retries after losing the
// compare-and-swap on a candidate to another worker.
const claimRetries = 5

var (
	ErrDatabaseNil = errors.New("mongo database cannot be nil")
	ErrJobExists   = errors.New("job already exists")
)

// Stats reports store-level counters.
type Stats struct {
	ExpiredReclaims int64
}

// Store is a queue.Storage backed by a MongoDB collection.
//
// Claims pick a candidate with an aggregation that applies priority aging,
// then take it with a conditional FindOneAndUpdate. Every other mutation is a
// single-document update filtered on lease ownership.
type Store struct {
	coll *mongo.Collection
	now  func() time.Time

	expiredReclaims atomic.Int64
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	collection string
	now        func() time.Time
}

// WithCollection replaces DefaultCollection.
func WithCollection(name string) Option {
	return func(o *storeOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithClock replaces the time source used for claims and transitions.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates a Mongo job store. The caller owns the client.
func New(db *mongo.Database, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDatabaseNil
	}
	o := storeOptions{collection: DefaultCollection, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{coll: db.Collection(o.collection), now: o.now}, nil
}

var (
	_ queue.Storage     = (*Store)(nil)
	_ queue.Initializer = (*Store)(nil)
	_ queue.Pinger      = (*Store)(nil)
)

// Init creates the indexes the claim and listing queries rely on.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "state", Value: 1}, {Key: "available_at", Value: 1}},
			Options: options.Index().SetName("queue_state_available"),
		},
		{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "state", Value: 1}, {Key: "locked_until", Value: 1}},
			Options: options.Index().SetName("queue_state_lease"),
		},
		{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "state", Value: 1}, {Key: "finished_at", Value: -1}},
			Options: options.Index().SetName("queue_state_finished"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create queue indexes: %w", err)
	}
	return nil
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	return Stats{ExpiredReclaims: s.expiredReclaims.Load()}
}

// CreateJob stores a new job. Fails with ErrJobExists if the id is taken.
func (s *Store) CreateJob(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return errors.New("job cannot be nil")
	}
	if _, err := s.coll.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// CreateJobIfAbsent inserts the job unless a waiting or active job with the
// same id exists. A finished job with the same id is replaced.
func (s *Store) CreateJobIfAbsent(ctx context.Context, job *queue.Job) (bool, error) {
	if job == nil {
		return false, errors.New("job cannot be nil")
	}

	// Two rounds cover a finished instance pruned between insert and replace.
	for range 2 {
		_, err := s.coll.InsertOne(ctx, job)
		if err == nil {
			return true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return false, fmt.Errorf("failed to create job %s: %w", job.ID, err)
		}

		res, err := s.coll.ReplaceOne(ctx, bson.D{
			{Key: "_id", Value: job.ID},
			{Key: "state", Value: bson.D{{Key: "$in", Value: bson.A{queue.StateCompleted, queue.StateFailed}}}},
		}, job)
		if err != nil {
			return false, fmt.Errorf("failed to replace finished job %s: %w", job.ID, err)
		}
		if res.MatchedCount == 1 {
			return true, nil
		}

		n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: job.ID}})
		if err != nil {
			return false, fmt.Errorf("failed to check job %s: %w", job.ID, err)
		}
		if n > 0 {
			return false, nil
		}
	}
	return false, nil
}

type claimCandidate struct {
	ID    string         `bson:"_id"`
	State queue.JobState `bson:"state"`
}

// ClaimJob atomically claims the next eligible job of req.Queue.
func (s *Store) ClaimJob(ctx context.Context, req queue.ClaimRequest) (*queue.Job, error) {
	for range claimRetries {
		now := s.now()

		candidate, err := s.nextCandidate(ctx, req, now)
		if err != nil {
			return nil, err
		}

		filter := append(bson.D{{Key: "_id", Value: candidate.ID}}, eligible(req.Queue, now)...)
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "state", Value: queue.StateActive},
			{Key: "locked_by", Value: req.WorkerID},
			{Key: "locked_until", Value: now.Add(req.LockFor)},
			{Key: "last_attempt_at", Value: now},
			{Key: "progress", Value: 0},
		}}}

		var job queue.Job
		err = s.coll.FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&job)
		if errors.Is(err, mongo.ErrNoDocuments) {
			// another worker won this candidate
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", candidate.ID, err)
		}

		if candidate.State == queue.StateActive {
			s.expiredReclaims.Add(1)
		}
		return &job, nil
	}
	return nil, queue.ErrNoJobToClaim
}

func (s *Store) nextCandidate(ctx context.Context, req queue.ClaimRequest, now time.Time) (*claimCandidate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: eligible(req.Queue, now)}},
		{{Key: "$addFields", Value: bson.D{{Key: "effective_weight", Value: effectiveWeight(now, req.AgingInterval)}}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "effective_weight", Value: 1},
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		}}},
		{{Key: "$limit", Value: 1}},
		{{Key: "$project", Value: bson.D{{Key: "_id", Value: 1}, {Key: "state", Value: 1}}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to select job in queue %s: %w", req.Queue, err)
	}

	var found []claimCandidate
	if err := cur.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("failed to read candidate in queue %s: %w", req.Queue, err)
	}
	if len(found) == 0 {
		return nil, queue.ErrNoJobToClaim
	}
	return &found[0], nil
}

// eligible matches waiting jobs that became available and active jobs whose
// lease ran out.
func eligible(queueName string, now time.Time) bson.D {
	return bson.D{
		{Key: "queue", Value: queueName},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "state", Value: queue.StateWaiting}, {Key: "available_at", Value: bson.D{{Key: "$lte", Value: now}}}},
			bson.D{{Key: "state", Value: queue.StateActive}, {Key: "locked_until", Value: bson.D{{Key: "$lte", Value: now}}}},
		}},
	}
}

// effectiveWeight mirrors queue.EffectiveWeight as an aggregation expression.
func effectiveWeight(now time.Time, aging time.Duration) any {
	if aging <= 0 {
		return "$weight"
	}
	eligibleFor := bson.D{{Key: "$max", Value: bson.A{0, bson.D{{Key: "$subtract", Value: bson.A{now, "$available_at"}}}}}}
	steps := bson.D{{Key: "$floor", Value: bson.D{{Key: "$divide", Value: bson.A{eligibleFor, aging.Milliseconds()}}}}}
	return bson.D{{Key: "$max", Value: bson.A{
		queue.WeightUrgent,
		bson.D{{Key: "$subtract", Value: bson.A{"$weight", steps}}},
	}}}
}

// ExtendLock pushes the lease of an active job forward.
func (s *Store) ExtendLock(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	return s.updateOwned(ctx, jobID, workerID, bson.D{
		{Key: "$set", Value: bson.D{{Key: "locked_until", Value: s.now().Add(lockFor)}}},
	})
}

// UpdateProgress raises the progress of an active job.
func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error {
	return s.updateOwned(ctx, jobID, workerID, bson.D{
		{Key: "$max", Value: bson.D{{Key: "progress", Value: min(progress, 100)}}},
	})
}

// CompleteJob marks the job completed.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	return s.updateOwned(ctx, jobID, workerID, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "state", Value: queue.StateCompleted},
			{Key: "progress", Value: 100},
			{Key: "result", Value: result},
			{Key: "finished_at", Value: s.now()},
		}},
		{Key: "$unset", Value: unsetLease},
	})
}

// RetryJob records a failed attempt and returns the job to waiting.
func (s *Store) RetryJob(ctx context.Context, jobID, workerID string, result queue.Result, availableAt time.Time) error {
	return s.updateOwned(ctx, jobID, workerID, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "state", Value: queue.StateWaiting},
			{Key: "result", Value: result},
			{Key: "available_at", Value: availableAt},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
		{Key: "$unset", Value: unsetLease},
	})
}

// FailJob records the last failed attempt and moves the job to failed.
func (s *Store) FailJob(ctx context.Context, jobID, workerID string, result queue.Result) error {
	return s.updateOwned(ctx, jobID, workerID, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "state", Value: queue.StateFailed},
			{Key: "result", Value: result},
			{Key: "finished_at", Value: s.now()},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
		{Key: "$unset", Value: unsetLease},
	})
}

var unsetLease = bson.D{{Key: "locked_by", Value: ""}, {Key: "locked_until", Value: ""}}

func (s *Store) updateOwned(ctx context.Context, jobID, workerID string, update bson.D) error {
	res, err := s.coll.UpdateOne(ctx, bson.D{
		{Key: "_id", Value: jobID},
		{Key: "state", Value: queue.StateActive},
		{Key: "locked_by", Value: workerID},
	}, update)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: jobID}})
	if err != nil {
		return fmt.Errorf("failed to check job %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	return fmt.Errorf("%w: job %s", queue.ErrLeaseLost, jobID)
}

// Prune removes the oldest finished jobs in the given state beyond keep.
func (s *Store) Prune(ctx context.Context, queueName string, state queue.JobState, keep int) (int, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("cannot prune %s jobs", state)
	}
	if keep < 0 {
		return 0, nil
	}

	filter := bson.D{{Key: "queue", Value: queueName}, {Key: "state", Value: state}}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "finished_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(keep)).
		SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return 0, fmt.Errorf("failed to list %s jobs of queue %s: %w", state, queueName, err)
	}

	var evict []claimCandidate
	if err := cur.All(ctx, &evict); err != nil {
		return 0, fmt.Errorf("failed to read %s jobs of queue %s: %w", state, queueName, err)
	}
	if len(evict) == 0 {
		return 0, nil
	}

	ids := make(bson.A, 0, len(evict))
	for _, c := range evict {
		ids = append(ids, c.ID)
	}

	res, err := s.coll.DeleteMany(ctx, append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}))
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s jobs of queue %s: %w", state, queueName, err)
	}
	return int(res.DeletedCount), nil
}

// CountJobs returns the number of jobs per state in one queue.
func (s *Store) CountJobs(ctx context.Context, queueName string) (map[queue.JobState]int64, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "queue", Value: queueName}}}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$state"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs of queue %s: %w", queueName, err)
	}

	var rows []struct {
		State queue.JobState `bson:"_id"`
		Count int64          `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to read job counts of queue %s: %w", queueName, err)
	}

	counts := make(map[queue.JobState]int64, len(queue.States))
	for _, state := range queue.States {
		counts[state] = 0
	}
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	var job queue.Job
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: jobID}}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return &job, nil
}

// DeadLetters lists failed jobs of a queue, newest first.
func (s *Store) DeadLetters(ctx context.Context, queueName string, limit int) ([]*queue.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, bson.D{{Key: "queue", Value: queueName}, {Key: "state", Value: queue.StateFailed}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters of queue %s: %w", queueName, err)
	}

	out := []*queue.Job{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to read dead letters of queue %s: %w", queueName, err)
	}
	return out, nil
}
