package redisqueue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

// Hash layout. "doc" holds the job as created; the remaining fields are the
// mutable state the scripts read and write.
const (
	fieldDoc         = "doc"
	fieldQueue       = "queue"
	fieldState       = "state"
	fieldWeight      = "weight"
	fieldCreated     = "created"
	fieldAvailable   = "available"
	fieldAttempts    = "attempts"
	fieldProgress    = "progress"
	fieldResult      = "result"
	fieldLockedBy    = "locked_by"
	fieldLockedUntil = "locked_until"
	fieldLastAttempt = "last_attempt"
	fieldFinished    = "finished"
)

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func stateScore(job *queue.Job) string {
	switch job.State {
	case queue.StateActive:
		if job.LockedUntil != nil {
			return micros(*job.LockedUntil)
		}
	case queue.StateCompleted, queue.StateFailed:
		if job.FinishedAt != nil {
			return micros(*job.FinishedAt)
		}
		return micros(job.CreatedAt)
	}
	return micros(job.AvailableAt)
}

// encodeJob flattens a job into HSET field/value arguments.
func encodeJob(job *queue.Job) ([]any, error) {
	doc, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}

	fields := []any{
		fieldDoc, string(doc),
		fieldQueue, job.Queue,
		fieldState, string(job.State),
		fieldWeight, strconv.Itoa(job.Weight),
		fieldCreated, micros(job.CreatedAt),
		fieldAvailable, micros(job.AvailableAt),
		fieldAttempts, strconv.Itoa(job.Attempts),
		fieldProgress, strconv.Itoa(job.Progress),
	}
	if job.Result != nil {
		raw, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result of job %s: %w", job.ID, err)
		}
		fields = append(fields, fieldResult, string(raw))
	}
	if job.LockedBy != "" {
		fields = append(fields, fieldLockedBy, job.LockedBy)
	}
	if job.LockedUntil != nil {
		fields = append(fields, fieldLockedUntil, micros(*job.LockedUntil))
	}
	if job.LastAttemptAt != nil {
		fields = append(fields, fieldLastAttempt, micros(*job.LastAttemptAt))
	}
	if job.FinishedAt != nil {
		fields = append(fields, fieldFinished, micros(*job.FinishedAt))
	}
	return fields, nil
}

// decodeJob rebuilds a job from its hash, overlaying mutable fields on the
// stored document.
func decodeJob(fields map[string]string) (*queue.Job, error) {
	var job queue.Job
	if err := json.Unmarshal([]byte(fields[fieldDoc]), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedJob, err)
	}

	job.State = queue.JobState(fields[fieldState])
	job.LockedBy = fields[fieldLockedBy]
	job.Result = nil
	job.LockedUntil = nil
	job.LastAttemptAt = nil
	job.FinishedAt = nil

	var err error
	if job.Attempts, err = atoi(fields, fieldAttempts); err != nil {
		return nil, err
	}
	if job.Progress, err = atoi(fields, fieldProgress); err != nil {
		return nil, err
	}
	if t, ok, err := timeField(fields, fieldAvailable); err != nil {
		return nil, err
	} else if ok {
		job.AvailableAt = *t
	}
	if job.LockedUntil, _, err = timeField(fields, fieldLockedUntil); err != nil {
		return nil, err
	}
	if job.LastAttemptAt, _, err = timeField(fields, fieldLastAttempt); err != nil {
		return nil, err
	}
	if job.FinishedAt, _, err = timeField(fields, fieldFinished); err != nil {
		return nil, err
	}

	if raw := fields[fieldResult]; raw != "" {
		var r queue.Result
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("%w: result: %v", ErrCorruptedJob, err)
		}
		job.Result = &r
	}

	return &job, nil
}

func atoi(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptedJob, key, err)
	}
	return n, nil
}

func timeField(fields map[string]string, key string) (*time.Time, bool, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return nil, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrCorruptedJob, key, err)
	}
	t := time.UnixMicro(n)
	return &t, true, nil
}
