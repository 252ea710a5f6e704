// Package health provides the HTTP health checker used to gate a newly
// spawned inference server: pkg/supervisor's waitHealthy polls
// NewLlamaHealthChecker(url).Check against the server's /health endpoint
// until it reports healthy or the startup budget is exhausted.
//
// A healthy result requires both a matching status code and, for the
// llama checker, a body that plausibly came from the expected server
// rather than some unrelated process answering on the allocated port.
package health
