// Package metrics exports queue service state to Prometheus.
//
// Queue depth per state, pool load and event bus counters are read from the
// service on every scrape. Job outcomes and handler durations are recorded
// from the event bus:
//
//	m, err := metrics.New(svc, metrics.WithBus(svc.Bus()), metrics.WithRuntimeMetrics())
//	if err != nil {
//		return err
//	}
//	if err := svc.Subscribe(event.Wildcard, m.EventHandler()); err != nil {
//		return err
//	}
//	mux.Handle("GET /metrics", m.Handler())
package metrics
