// Package types defines the data model shared by the download queue, the
// process supervisor, and the proxy router: queued and active download
// items, shard groups, progress and failure records, and the launch specs
// and health state the supervisor tracks per running server.
//
// Types here carry no behavior beyond small helpers (ItemID, Terminal,
// Aggregate) and are JSON-serializable for BoltDB persistence and for the
// event broker's broadcast payloads.
package types
