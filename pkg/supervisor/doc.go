// Package supervisor manages the lifetime of local llama-server
// subprocesses: spawning, health-gating, PID-file bookkeeping, shutdown
// escalation, and the single-swap strategy the proxy router relies on to
// guarantee at most one inference server runs at a time.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────┐
//	│                    Supervisor                       │
//	└─────┬────────────────────────────────────────┬─────┘
//	      │                                        │
//	      ▼                                        ▼
//	┌───────────────┐                      ┌────────────────┐
//	│ process table │                      │  HealthMonitor  │
//	│ (PID, port,    │◄────reconcile──────│  (ticker loop)  │
//	│  ProcessHandle)│                      └────────────────┘
//	└───────────────┘
//
// At construction, the supervisor sweeps orphaned PID files left behind by
// a previous crashed run before accepting any spawn calls.
package supervisor
