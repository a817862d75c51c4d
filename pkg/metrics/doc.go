// Package metrics exposes loom's Prometheus instrumentation: stage-status
// gauges refreshed by a periodic Collector, plus counters and histograms
// the orchestrator updates inline as stages retry, merge, and verify.
//
// Usage:
//
//	collector := metrics.NewCollector(store)
//	collector.Start()
//	defer collector.Stop()
//	http.Handle("/metrics", metrics.Handler())
package metrics
