package queue

import (
	"encoding/json"
	"time"
)

// JobKind tags the payload family carried by a job.
type JobKind string

const (
	KindAIAnalysis          JobKind = "ai_analysis"
	KindDataExport          JobKind = "data_export"
	KindCacheWarmup         JobKind = "cache_warmup"
	KindDatabaseMaintenance JobKind = "db_maintenance"
)

// JobState tracks the lifecycle state of a job.
// Delayed jobs are waiting jobs whose AvailableAt lies in the future.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// States lists every job state in reporting order.
var States = []JobState{StateWaiting, StateActive, StateCompleted, StateFailed}

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Result is the outcome of the last handler invocation.
type Result struct {
	Success  bool            `json:"success" bson:"success"`
	Data     json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	Duration time.Duration   `json:"duration" bson:"duration"`
	Error    string          `json:"error,omitempty" bson:"error,omitempty"`
}

// Job is a unit of work stored in exactly one queue.
type Job struct {
	ID            string          `json:"id" bson:"_id"`
	Queue         string          `json:"queue" bson:"queue"`
	Kind          JobKind         `json:"kind" bson:"kind"`
	Payload       json.RawMessage `json:"payload" bson:"payload"`
	Priority      Priority        `json:"priority" bson:"priority"`
	Weight        int             `json:"weight" bson:"weight"`
	State         JobState        `json:"state" bson:"state"`
	Attempts      int             `json:"attempts" bson:"attempts"`
	MaxAttempts   int             `json:"max_attempts" bson:"max_attempts"`
	Backoff       Backoff         `json:"backoff" bson:"backoff"`
	Progress      int             `json:"progress" bson:"progress"`
	Result        *Result         `json:"result,omitempty" bson:"result,omitempty"`
	Recurring     string          `json:"recurring,omitempty" bson:"recurring,omitempty"`
	LockedBy      string          `json:"locked_by,omitempty" bson:"locked_by,omitempty"`
	LockedUntil   *time.Time      `json:"locked_until,omitempty" bson:"locked_until,omitempty"`
	CreatedAt     time.Time       `json:"created_at" bson:"created_at"`
	AvailableAt   time.Time       `json:"available_at" bson:"available_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" bson:"last_attempt_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// Clone returns a deep copy so stores never leak internal pointers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.Data != nil {
			r.Data = append(json.RawMessage(nil), j.Result.Data...)
		}
		c.Result = &r
	}
	c.LockedUntil = cloneTime(j.LockedUntil)
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobHandle is returned to producers as soon as a job is stored.
type JobHandle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// ClaimRequest describes a single claim attempt by a pool worker.
type ClaimRequest struct {
	Queue    string
	WorkerID string
	LockFor  time.Duration
	// AgingInterval lowers the effective weight of a waiting job by one for
	// every full interval it has been eligible. Zero disables aging.
	AgingInterval time.Duration
}
