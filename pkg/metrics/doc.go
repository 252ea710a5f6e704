/*
Package metrics registers Prometheus collectors for the download queue, the
process supervisor, and the proxy, and exposes /health, /ready, and /live
handlers alongside the standard /metrics scrape endpoint.

Metrics are declared as package vars and registered at init() time, the
same pattern used throughout this codebase: a Collector samples the queue
and supervisor on a ticker rather than updating gauges inline on every
mutation, keeping the queue and supervisor hot paths free of Prometheus
calls. The proxy is the exception: it increments its request counter and
duration histogram inline on every request.

	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())

	metrics.RegisterComponent("queue", true, "")
	metrics.RegisterComponent("supervisor", true, "")
	metrics.RegisterComponent("proxy", true, "")
*/
package metrics
