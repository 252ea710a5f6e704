// Package queue implements the Download Manager (§4.1): a persistent,
// ordered, bounded-concurrency queue for multi-file artifact downloads.
//
// Three pieces cooperate per active item:
//
//	runner  - the single long-lived goroutine that wakes on Notify, scans
//	          pending items in order, and dispatches up to MaxConcurrent
//	          workers at a time.
//	worker  - pure: downloads bytes for exactly one item and writes every
//	          ProgressUpdate (including the terminal one) to the job's
//	          Progress channel. It never touches the store or the broker.
//	bridge  - reads a job's Progress channel, throttles it into broadcast
//	          events, smooths speed with an EWMA, and on the terminal
//	          update performs lease-checked finalize: persistence, catalog
//	          registration, and group-failure propagation.
package queue
