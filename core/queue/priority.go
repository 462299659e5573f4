package queue

import "time"

// Priority is the logical priority label a producer attaches to a job.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"

	PriorityDefault = PriorityMedium
)

// Weights; lower is served first.
const (
	WeightUrgent = 1
	WeightHigh   = 5
	WeightMedium = 10
	WeightLow    = 20
)

// Valid checks if the label is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Weight maps the label to its ordering weight. Unknown labels get the
// medium weight.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return WeightUrgent
	case PriorityHigh:
		return WeightHigh
	case PriorityLow:
		return WeightLow
	default:
		return WeightMedium
	}
}

// InitialDelay is zero for urgent jobs and commitDelay otherwise, giving the
// producer's request-scoped transaction time to commit before a worker looks
// at the job.
func (p Priority) InitialDelay(commitDelay time.Duration) time.Duration {
	if p == PriorityUrgent {
		return 0
	}
	return commitDelay
}

// EffectiveWeight applies aging to a waiting job: every full agingInterval the
// job has been eligible lowers its weight by one, never below WeightUrgent.
func EffectiveWeight(weight int, eligibleSince, now time.Time, agingInterval time.Duration) int {
	if agingInterval <= 0 || !now.After(eligibleSince) {
		return weight
	}
	w := weight - int(now.Sub(eligibleSince)/agingInterval)
	if w < WeightUrgent {
		return WeightUrgent
	}
	return w
}

// ClaimsBefore reports whether job a must be claimed before job b.
// Both jobs are assumed eligible at now.
func ClaimsBefore(a, b *Job, now time.Time, agingInterval time.Duration) bool {
	wa := EffectiveWeight(a.Weight, a.AvailableAt, now, agingInterval)
	wb := EffectiveWeight(b.Weight, b.AvailableAt, now, agingInterval)
	if wa != wb {
		return wa < wb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
