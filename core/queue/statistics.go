package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/pharmaq/core/logger"
)

// QueueStatistics is a point-in-time count of one queue's jobs by state.
// Error is set instead of the counts when the queue could not be queried.
type QueueStatistics struct {
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Total     int64  `json:"total"`
	Error     string `json:"error,omitempty"`
}

// CollectStatistics queries every queue concurrently. A failing queue gets
// an entry with Error set and does not affect the others. The snapshot is
// not consistent across queues.
func CollectStatistics(ctx context.Context, repo InspectorRepository, queues []string, log *slog.Logger) map[string]QueueStatistics {
	out := make(map[string]QueueStatistics, len(queues))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range queues {
		wg.Add(1)
		go func() {
			defer wg.Done()

			stats, err := queueStatistics(ctx, repo, name)
			if err != nil {
				log.ErrorContext(ctx, "failed to collect queue statistics",
					logger.Queue(name),
					logger.Error(err))
				stats = QueueStatistics{Error: err.Error()}
			}

			mu.Lock()
			out[name] = stats
			mu.Unlock()
		}()
	}
	wg.Wait()

	return out
}

func queueStatistics(ctx context.Context, repo InspectorRepository, queue string) (QueueStatistics, error) {
	counts, err := repo.CountJobs(ctx, queue)
	if err != nil {
		return QueueStatistics{}, &StatisticsQueryError{Queue: queue, Err: err}
	}

	stats := QueueStatistics{
		Waiting:   counts[StateWaiting],
		Active:    counts[StateActive],
		Completed: counts[StateCompleted],
		Failed:    counts[StateFailed],
	}
	stats.Total = stats.Waiting + stats.Active + stats.Completed + stats.Failed
	return stats, nil
}
