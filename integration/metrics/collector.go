package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/pharmaq/core/queue"
)

var (
	queueJobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "jobs"),
		"Jobs per queue and state.",
		[]string{"queue", "state"}, nil,
	)
	queueErrorDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "statistics_error"),
		"1 when the last statistics query for the queue failed.",
		[]string{"queue"}, nil,
	)
	poolActiveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "active_jobs"),
		"Handlers currently running.",
		[]string{"queue"}, nil,
	)
	poolConcurrencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "concurrency"),
		"Configured concurrency limit.",
		[]string{"queue"}, nil,
	)
	poolRunningDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "running"),
		"1 while the pool is started.",
		[]string{"queue"}, nil,
	)
	busEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "events_total"),
		"Events by outcome.",
		[]string{"outcome"}, nil,
	)
	busBufferedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "buffered_events"),
		"Events waiting for dispatch.",
		nil, nil,
	)
)

// queueCollector reads service state at scrape time.
type queueCollector struct {
	src     Source
	bus     BusSource
	timeout time.Duration
}

func newQueueCollector(src Source, bus BusSource, timeout time.Duration) *queueCollector {
	return &queueCollector{src: src, bus: bus, timeout: timeout}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
	ch <- queueErrorDesc
	ch <- poolActiveDesc
	ch <- poolConcurrencyDesc
	ch <- poolRunningDesc
	if c.bus != nil {
		ch <- busEventsDesc
		ch <- busBufferedDesc
	}
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for name, st := range c.src.Statistics(ctx) {
		failed := 0.0
		if st.Error != "" {
			failed = 1
		}
		ch <- prometheus.MustNewConstMetric(queueErrorDesc, prometheus.GaugeValue, failed, name)
		if st.Error != "" {
			continue
		}
		for state, n := range map[queue.JobState]int64{
			queue.StateWaiting:   st.Waiting,
			queue.StateActive:    st.Active,
			queue.StateCompleted: st.Completed,
			queue.StateFailed:    st.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(n), name, string(state))
		}
	}

	for _, ps := range c.src.PoolStats() {
		running := 0.0
		if ps.IsRunning {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(poolActiveDesc, prometheus.GaugeValue, float64(ps.ActiveJobs), ps.Queue)
		ch <- prometheus.MustNewConstMetric(poolConcurrencyDesc, prometheus.GaugeValue, float64(ps.Concurrency), ps.Queue)
		ch <- prometheus.MustNewConstMetric(poolRunningDesc, prometheus.GaugeValue, running, ps.Queue)
	}

	if c.bus != nil {
		bs := c.bus.Stats()
		ch <- prometheus.MustNewConstMetric(busEventsDesc, prometheus.CounterValue, float64(bs.EventsPublished), "published")
		ch <- prometheus.MustNewConstMetric(busEventsDesc, prometheus.CounterValue, float64(bs.EventsDelivered), "delivered")
		ch <- prometheus.MustNewConstMetric(busEventsDesc, prometheus.CounterValue, float64(bs.EventsFailed), "failed")
		ch <- prometheus.MustNewConstMetric(busEventsDesc, prometheus.CounterValue, float64(bs.EventsDropped), "dropped")
		ch <- prometheus.MustNewConstMetric(busBufferedDesc, prometheus.GaugeValue, float64(bs.Buffered))
	}
}
