// Package types defines the domain model shared by the download manager,
// process supervisor, and proxy router: artifact identity, queued items,
// shard groups, active jobs, server process records, and launch specs.
package types

import (
	"fmt"
	"time"
)

// ArtifactRef identifies a downloadable artifact by repository and
// quantization label. A single ArtifactRef may resolve to one file or to an
// ordered shard group sharing a base filename.
type ArtifactRef struct {
	RepoID       string
	Quantization string
	Revision     string // commit sha, or "latest"
}

// CompletionKey is the stable dedup/lease key for an artifact download,
// derived from (repo_id, commit_identifier, canonical_base_filename,
// quantization). Two queued items with an equal CompletionKey refer to the
// same artifact and must never run concurrently.
type CompletionKey string

// NewCompletionKey builds the completion key from its four components.
func NewCompletionKey(repoID, commitID, baseFilename, quantization string) CompletionKey {
	return CompletionKey(repoID + "@" + commitID + "::" + baseFilename + "::" + quantization)
}

// RegistryFile is one file belonging to an artifact, as returned by the
// registry client (port A).
type RegistryFile struct {
	Path        string
	Size        int64
	ContentHash string
}

// QuantizationInfo summarizes one quantization variant of a repository.
type QuantizationInfo struct {
	Name       string
	ShardCount int
	TotalSize  int64
	FilePaths  []string
}

// ItemStatus is the lifecycle state of a QueuedItem.
type ItemStatus string

const (
	StatusQueued      ItemStatus = "queued"
	StatusDownloading ItemStatus = "downloading"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusCancelled   ItemStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ShardInfo locates a QueuedItem within its shard group, absent for
// single-file artifacts.
type ShardInfo struct {
	Index    int // zero-based
	Total    int
	Filename string
}

// QueuedItem is a single file's worth of work accepted by the download
// manager: created on enqueue, drained by the runner, destroyed on terminal
// transition.
type QueuedItem struct {
	DownloadID    string // derived from repo_id + quantization
	GroupID       string // shared by all shards of one group, empty if none
	Shard         *ShardInfo
	Filename      string // this item's file path as returned by the registry
	Size          int64  // this item's expected file size
	ContentHash   string
	RepoID        string
	Quantization  string
	Revision      string
	CompletionKey CompletionKey
	EnqueuedAt    time.Time
	Status        ItemStatus
	FailureReason string
}

// ItemID is the unique storage key for a QueuedItem: the download id alone
// for single-file artifacts, or the download id qualified by shard index
// for members of a shard group (multiple shards share one download id).
func (q *QueuedItem) ItemID() string {
	if q.Shard == nil {
		return q.DownloadID
	}
	return fmt.Sprintf("%s#%d", q.DownloadID, q.Shard.Index)
}

// ShardState is the per-member state tracked inside a ShardGroup.
type ShardState string

const (
	ShardQueued      ShardState = "queued"
	ShardDownloading ShardState = "downloading"
	ShardCompleted   ShardState = "completed"
	ShardFailed      ShardState = "failed"
	ShardCancelled   ShardState = "cancelled"
)

// ShardGroup coordinates the N members of a multi-file artifact. Created
// when the first shard is enqueued; destroyed when the last member reaches a
// terminal state.
type ShardGroup struct {
	GroupID        string
	RepoID         string
	Quantization   string
	ExpectedShards int
	MemberState    map[int]ShardState // shard index -> state
	BytesDone      int64
	BytesTotal     int64
}

// Aggregate computes the group's aggregate status from its member states per
// the invariant: completed iff all completed; failed iff any failed and none
// in flight; cancelled iff all cancelled; otherwise still in progress.
func (g *ShardGroup) Aggregate() ItemStatus {
	if len(g.MemberState) < g.ExpectedShards {
		return StatusDownloading
	}
	allCancelled := true
	anyFailed := false
	anyInFlight := false
	allCompleted := true
	for _, st := range g.MemberState {
		if st != ShardCancelled {
			allCancelled = false
		}
		if st != ShardCompleted {
			allCompleted = false
		}
		if st == ShardFailed {
			anyFailed = true
		}
		if st == ShardQueued || st == ShardDownloading {
			anyInFlight = true
		}
	}
	switch {
	case allCompleted:
		return StatusCompleted
	case anyFailed && !anyInFlight:
		return StatusFailed
	case allCancelled:
		return StatusCancelled
	default:
		return StatusDownloading
	}
}

// ActiveJob tracks a worker's execution of a single QueuedItem. Created when
// the runner dispatches an item; destroyed on cancel or finalize.
type ActiveJob struct {
	DownloadID    string
	CompletionKey CompletionKey
	LeaseToken    uint64
	GroupID       string
	Shard         *ShardInfo
	Cancel        chan struct{}     // closed to signal cooperative cancellation
	Progress      chan ProgressUpdate // single-writer (worker), read by the job's bridge
	cancelled     bool
}

// NewActiveJob constructs an ActiveJob with a fresh cancellation token and
// progress channel, ready for a worker to pick up.
func NewActiveJob(downloadID string, key CompletionKey, lease uint64, groupID string, shard *ShardInfo) *ActiveJob {
	return &ActiveJob{
		DownloadID:    downloadID,
		CompletionKey: key,
		LeaseToken:    lease,
		GroupID:       groupID,
		Shard:         shard,
		Cancel:        make(chan struct{}),
		Progress:      make(chan ProgressUpdate, 8),
	}
}

// RequestCancel signals cancellation, idempotently.
func (j *ActiveJob) RequestCancel() {
	if j.cancelled {
		return
	}
	j.cancelled = true
	close(j.Cancel)
}

// Cancelled reports whether RequestCancel has been called.
func (j *ActiveJob) Cancelled() bool {
	select {
	case <-j.Cancel:
		return true
	default:
		return false
	}
}

// ProgressUpdate is written by a download worker to its watch channel. It is
// the sole output of the hot path; bridges translate it into throttled
// events.
type ProgressUpdate struct {
	DownloadID       string
	GroupID          string
	Shard            *ShardInfo
	BytesDownloaded  int64
	BytesTotal       int64
	AggregateDone    int64
	AggregateTotal   int64
	SpeedBPS         float64
	Done             bool
	Err              error
}

// CompletionDetail describes a finished artifact, ready for catalog
// registration.
type CompletionDetail struct {
	RepoID      string
	Quantization string
	CommitSHA   string
	PrimaryPath string // first file, shard index 0 if sharded
	TotalBytes  int64
	Tags        []string
	Files       []RegistryFile // relative_path, size, content_hash, primary first
}

// FailureRecord is a persisted terminal failure, kept for history until
// cleared.
type FailureRecord struct {
	DownloadID string
	Reason     string
	FailedAt   time.Time
}

// QueueLimits describes the manager's configured bounds, surfaced in
// snapshots.
type QueueLimits struct {
	MaxConcurrent int
	MaxQueueSize  int
}

// QueueSnapshot is a consistent point-in-time view of the download manager,
// ordered by enqueue time.
type QueueSnapshot struct {
	Active  []QueuedItem
	Pending []QueuedItem
	Failed  []FailureRecord
	Limits  QueueLimits
}

// LaunchSpec describes how to start an inference server process.
type LaunchSpec struct {
	ModelID      string
	ModelName    string
	BinaryPath   string
	ModelPath    string
	ContextSize  int
	Port         int // 0 means allocate
	ExtraArgs    []string
}

// HealthState classifies a running process's observed health.
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthDegraded    HealthState = "degraded"
	HealthUnreachable HealthState = "unreachable"
	HealthProcessDied HealthState = "process_died"
)

// ServerHealth is the result of a health probe.
type ServerHealth struct {
	State       HealthState
	Reason      string
	ContextSize int
	CheckedAt   time.Time
}

// ProcessHandle is the Server Process Record: created on spawn, destroyed on
// stop or exit.
type ProcessHandle struct {
	ModelID     string
	ModelName   string
	PID         int
	Port        int
	ContextSize int
	StartedAt   time.Time
	Health      ServerHealth
}

// Target is the routing destination of a proxied request.
type Target struct {
	ModelID     string
	ModelName   string
	BaseURL     string
	ContextSize int
}
