package pgqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

// jobArgs returns the insert arguments in jobColumns order.
func jobArgs(job *queue.Job) ([]any, error) {
	var result []byte
	if job.Result != nil {
		raw, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result of job %s: %w", job.ID, err)
		}
		result = raw
	}

	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	return []any{
		job.ID,
		job.Queue,
		string(job.Kind),
		payload,
		string(job.Priority),
		job.Weight,
		string(job.State),
		job.Attempts,
		job.MaxAttempts,
		string(job.Backoff.Kind),
		int64(job.Backoff.Delay),
		job.Progress,
		result,
		nullable(job.Recurring),
		nullable(job.LockedBy),
		job.LockedUntil,
		job.CreatedAt,
		job.AvailableAt,
		job.LastAttemptAt,
		job.FinishedAt,
	}, nil
}

// scanJob reads one row in jobColumns order. A non-nil lead receives an
// extra first column.
func scanJob(row pgx.Row, lead *string) (*queue.Job, error) {
	var (
		job                          queue.Job
		kind, priority, state, bkind string
		bdelay                       int64
		payload, result              []byte
		recurring, lockedBy          *string
	)

	dest := []any{
		&job.ID, &job.Queue, &kind, &payload, &priority, &job.Weight, &state,
		&job.Attempts, &job.MaxAttempts, &bkind, &bdelay, &job.Progress,
		&result, &recurring, &lockedBy, &job.LockedUntil,
		&job.CreatedAt, &job.AvailableAt, &job.LastAttemptAt, &job.FinishedAt,
	}
	if lead != nil {
		dest = append([]any{lead}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	job.Kind = queue.JobKind(kind)
	job.Payload = json.RawMessage(payload)
	job.Priority = queue.Priority(priority)
	job.State = queue.JobState(state)
	job.Backoff = queue.Backoff{Kind: queue.BackoffKind(bkind), Delay: time.Duration(bdelay)}
	if recurring != nil {
		job.Recurring = *recurring
	}
	if lockedBy != nil {
		job.LockedBy = *lockedBy
	}
	if result != nil {
		var r queue.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("%w: %s: result: %v", ErrCorruptJob, job.ID, err)
		}
		job.Result = &r
	}
	return &job, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
