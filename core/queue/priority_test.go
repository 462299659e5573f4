package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

func TestPriority(t *testing.T) {
	t.Parallel()

	t.Run("weights", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 1, queue.PriorityUrgent.Weight())
		assert.Equal(t, 5, queue.PriorityHigh.Weight())
		assert.Equal(t, 10, queue.PriorityMedium.Weight())
		assert.Equal(t, 20, queue.PriorityLow.Weight())
	})

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		assert.True(t, queue.PriorityUrgent.Valid())
		assert.True(t, queue.PriorityLow.Valid())
		assert.False(t, queue.Priority("critical").Valid())
		assert.False(t, queue.Priority("").Valid())
	})

	t.Run("initial delay", func(t *testing.T) {
		t.Parallel()
		commit := time.Second
		assert.Zero(t, queue.PriorityUrgent.InitialDelay(commit))
		assert.Equal(t, commit, queue.PriorityHigh.InitialDelay(commit))
		assert.Equal(t, commit, queue.PriorityMedium.InitialDelay(commit))
		assert.Equal(t, commit, queue.PriorityLow.InitialDelay(commit))
	})
}

func TestEffectiveWeight(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	aging := 30 * time.Second

	tests := []struct {
		name     string
		weight   int
		since    time.Time
		interval time.Duration
		want     int
	}{
		{"fresh job keeps weight", queue.WeightLow, now, aging, queue.WeightLow},
		{"not yet eligible keeps weight", queue.WeightLow, now.Add(time.Minute), aging, queue.WeightLow},
		{"one interval", queue.WeightLow, now.Add(-aging), aging, queue.WeightLow - 1},
		{"partial interval rounds down", queue.WeightLow, now.Add(-aging - aging/2), aging, queue.WeightLow - 1},
		{"never below urgent", queue.WeightLow, now.Add(-time.Hour), aging, queue.WeightUrgent},
		{"aging disabled", queue.WeightLow, now.Add(-time.Hour), 0, queue.WeightLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, queue.EffectiveWeight(tt.weight, tt.since, now, tt.interval))
		})
	}
}

func TestClaimsBefore(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := func(id string, p queue.Priority, created time.Time) *queue.Job {
		return &queue.Job{ID: id, Priority: p, Weight: p.Weight(), CreatedAt: created, AvailableAt: created}
	}

	t.Run("lower weight first", func(t *testing.T) {
		t.Parallel()
		urgent := job("b", queue.PriorityUrgent, now)
		low := job("a", queue.PriorityLow, now.Add(-time.Second))
		assert.True(t, queue.ClaimsBefore(urgent, low, now, 0))
		assert.False(t, queue.ClaimsBefore(low, urgent, now, 0))
	})

	t.Run("equal weight in creation order", func(t *testing.T) {
		t.Parallel()
		first := job("b", queue.PriorityMedium, now.Add(-2*time.Second))
		second := job("a", queue.PriorityMedium, now.Add(-time.Second))
		assert.True(t, queue.ClaimsBefore(first, second, now, 0))
	})

	t.Run("creation tie broken by id", func(t *testing.T) {
		t.Parallel()
		a := job("a", queue.PriorityMedium, now)
		b := job("b", queue.PriorityMedium, now)
		assert.True(t, queue.ClaimsBefore(a, b, now, 0))
		assert.False(t, queue.ClaimsBefore(b, a, now, 0))
	})

	t.Run("aged low job overtakes fresh high job", func(t *testing.T) {
		t.Parallel()
		old := job("a", queue.PriorityLow, now.Add(-16*time.Minute))
		fresh := job("b", queue.PriorityHigh, now)
		assert.True(t, queue.ClaimsBefore(old, fresh, now, time.Minute))
		assert.False(t, queue.ClaimsBefore(old, fresh, now, 0))
	})
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	t.Run("fixed", func(t *testing.T) {
		t.Parallel()
		b := queue.FixedBackoff(5 * time.Second)
		for attempt := 1; attempt <= 5; attempt++ {
			assert.Equal(t, 5*time.Second, b.Next(attempt))
		}
	})

	t.Run("exponential", func(t *testing.T) {
		t.Parallel()
		b := queue.ExponentialBackoff(2 * time.Second)
		assert.Equal(t, 2*time.Second, b.Next(1))
		assert.Equal(t, 4*time.Second, b.Next(2))
		assert.Equal(t, 8*time.Second, b.Next(3))
		assert.Equal(t, 16*time.Second, b.Next(4))
	})

	t.Run("attempt below one treated as first", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, time.Second, queue.ExponentialBackoff(time.Second).Next(0))
	})

	t.Run("large attempts saturate at the cap", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, queue.MaxBackoffDelay, queue.ExponentialBackoff(time.Millisecond).Next(500))

		b := queue.ExponentialBackoff(30 * time.Second)
		prev := time.Duration(0)
		for attempt := 1; attempt <= 100; attempt++ {
			d := b.Next(attempt)
			require.Positive(t, d, "attempt %d", attempt)
			require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			require.LessOrEqual(t, d, queue.MaxBackoffDelay, "attempt %d", attempt)
			prev = d
		}
		assert.Equal(t, 16*time.Minute, b.Next(6))
		assert.Equal(t, queue.MaxBackoffDelay, b.Next(30))
		assert.Equal(t, queue.MaxBackoffDelay, b.Next(64))
	})

	t.Run("base above the cap is kept", func(t *testing.T) {
		t.Parallel()
		b := queue.ExponentialBackoff(48 * time.Hour)
		assert.Equal(t, 48*time.Hour, b.Next(1))
		assert.Equal(t, 48*time.Hour, b.Next(10))
	})

	t.Run("validate", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, queue.FixedBackoff(0).Validate())
		assert.Error(t, queue.FixedBackoff(-time.Second).Validate())
		assert.Error(t, queue.Backoff{Kind: "linear", Delay: time.Second}.Validate())
	})
}
