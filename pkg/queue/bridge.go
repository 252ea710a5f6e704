package queue

import (
	"sort"
	"time"

	"github.com/cuemby/modelctl/pkg/catalog"
	"github.com/cuemby/modelctl/pkg/events"
	"github.com/cuemby/modelctl/pkg/log"
	"github.com/cuemby/modelctl/pkg/types"
	"golang.org/x/time/rate"
)

const ewmaAlpha = 0.02

// bridge is the observability half of one job: it never touches the hot
// download path, only job.Progress. It throttles progress into broadcast
// events (the final update always escapes the throttle), smooths speed
// with an EWMA, and performs lease-checked finalize once the worker
// produces its terminal update.
func (m *Manager) bridge(item *types.QueuedItem, job *types.ActiveJob, lease uint64) {
	limiter := rate.NewLimiter(rate.Every(m.cfg.ProgressInterval), 1)

	var smoothed float64
	var lastBytes int64
	var lastAt time.Time

	for u := range job.Progress {
		now := time.Now()
		if !lastAt.IsZero() {
			if dt := now.Sub(lastAt).Seconds(); dt > 0 {
				instant := float64(u.BytesDownloaded-lastBytes) / dt
				smoothed = ewmaAlpha*instant + (1-ewmaAlpha)*smoothed
			}
		}
		lastBytes, lastAt = u.BytesDownloaded, now

		if u.Done {
			if u.Err == nil && !job.Cancelled() && m.leases.valid(item.DownloadID, lease) {
				m.emitProgress(item, u, smoothed)
			}
			m.finalize(item, job, lease, u, smoothed)
			return
		}

		if !limiter.Allow() {
			continue
		}
		m.emitProgress(item, u, smoothed)
	}
}

func (m *Manager) emitProgress(item *types.QueuedItem, u types.ProgressUpdate, speed float64) {
	var entry *activeEntry
	m.activeMu.RLock()
	entry = m.active[item.ItemID()]
	m.activeMu.RUnlock()

	if entry == nil || entry.group == nil {
		m.cfg.Broker.Emit(&events.Event{
			Kind:            events.KindDownloadProgress,
			DownloadID:      item.DownloadID,
			BytesDownloaded: u.BytesDownloaded,
			BytesTotal:      u.BytesTotal,
			SpeedBPS:        speed,
		})
		return
	}

	aggDone, aggTotal := entry.group.updateBytes(item.Shard.Index, u.BytesDownloaded)
	m.cfg.Broker.Emit(&events.Event{
		Kind:                events.KindShardProgress,
		DownloadID:          item.DownloadID,
		ShardIndex:          item.Shard.Index,
		TotalShards:         item.Shard.Total,
		ShardFilename:       item.Shard.Filename,
		ShardDownloaded:     u.BytesDownloaded,
		ShardTotal:          u.BytesTotal,
		AggregateDownloaded: aggDone,
		AggregateTotal:      aggTotal,
		SpeedBPS:            speed,
	})
}

// finalize runs once per job, after the worker's terminal update. It
// discards stale results whose lease has been superseded, persists the
// outcome, removes the active entry, and — for the last member of a shard
// group — resolves the group's aggregate outcome.
func (m *Manager) finalize(item *types.QueuedItem, job *types.ActiveJob, lease uint64, terminal types.ProgressUpdate, speed float64) {
	m.activeMu.Lock()
	entry, ok := m.active[item.ItemID()]
	if ok {
		delete(m.active, item.ItemID())
	}
	m.activeMu.Unlock()

	if !ok || !m.leases.valid(item.DownloadID, lease) {
		// Superseded by a later enqueue; this result must not be observed.
		m.leases.clear(item.DownloadID, lease)
		m.wakeRunner()
		return
	}
	m.leases.clear(item.DownloadID, lease)

	status, reason := classifyTerminal(job, terminal)
	if status == types.StatusCancelled && entry.group != nil {
		entry.group.mu.Lock()
		for _, st := range entry.group.MemberState {
			if st == types.ShardFailed {
				reason = "peer shard failed"
			}
		}
		entry.group.mu.Unlock()
	}
	item.Status = status
	item.FailureReason = reason

	if err := m.persistTerminal(item, status, reason); err != nil {
		log.Errorf("queue: persist terminal status", err)
	}

	// DownloadCompleted is emitted only once the whole artifact is done
	// (registerCompletion, below) — a single shard finishing is not yet a
	// completed download. Failed/Cancelled are artifact-identifying events
	// shared by every shard under one DownloadID, so a duplicate per shard
	// is harmless and cheaper than cross-shard coordination to suppress it.
	switch status {
	case types.StatusFailed:
		m.queueMu.Lock()
		m.failed = append(m.failed, types.FailureRecord{DownloadID: item.DownloadID, Reason: reason, FailedAt: time.Now()})
		m.queueMu.Unlock()
		m.cfg.Broker.Emit(&events.Event{Kind: events.KindDownloadFailed, DownloadID: item.DownloadID, ErrorMessage: reason})
	case types.StatusCancelled:
		m.cfg.Broker.Emit(&events.Event{Kind: events.KindDownloadCancelled, DownloadID: item.DownloadID})
	}

	if entry.group == nil {
		if status == types.StatusCompleted {
			m.registerCompletion(item, nil)
		}
		m.wakeRunner()
		return
	}

	group := entry.group
	agg := group.setMember(item.Shard.Index, shardStateFor(status))

	if status == types.StatusFailed {
		m.failGroupSiblings(group, item.GroupID)
	}

	if group.done() {
		m.queueMu.Lock()
		delete(m.groups, item.GroupID)
		m.queueMu.Unlock()

		if agg == types.StatusCompleted {
			m.registerCompletion(item, group)
		}
	}

	m.wakeRunner()
}

// persistTerminal writes the item's outcome to the durable store.
func (m *Manager) persistTerminal(item *types.QueuedItem, status types.ItemStatus, reason string) error {
	if status == types.StatusFailed {
		return m.cfg.Store.MarkFailed(item.ItemID(), reason)
	}
	return m.cfg.Store.UpdateStatus(item.ItemID(), status)
}

// failGroupSiblings cancels every other active member of groupID with
// reason "peer shard failed" and drops pending members, per §4.1's
// whole-group-fails-on-any-fatal-shard policy.
func (m *Manager) failGroupSiblings(group *trackedGroup, groupID string) {
	m.activeMu.RLock()
	var siblings []*types.ActiveJob
	for _, e := range m.active {
		if e.item.GroupID == groupID {
			siblings = append(siblings, e.job)
		}
	}
	m.activeMu.RUnlock()
	for _, job := range siblings {
		job.RequestCancel()
	}

	m.queueMu.Lock()
	var remaining []*types.QueuedItem
	for _, item := range m.pending {
		if item.GroupID == groupID {
			item.Status = types.StatusCancelled
			item.FailureReason = "peer shard failed"
			if item.Shard != nil {
				group.setMember(item.Shard.Index, types.ShardCancelled)
			}
			if err := m.cfg.Store.UpdateStatus(item.ItemID(), types.StatusCancelled); err != nil {
				log.Errorf("queue: persist sibling cancellation", err)
			}
			continue
		}
		remaining = append(remaining, item)
	}
	m.pending = remaining
	m.queueMu.Unlock()
}

func classifyTerminal(job *types.ActiveJob, u types.ProgressUpdate) (types.ItemStatus, string) {
	if job.Cancelled() {
		return types.StatusCancelled, ""
	}
	if u.Err != nil {
		return types.StatusFailed, u.Err.Error()
	}
	return types.StatusCompleted, ""
}

func shardStateFor(status types.ItemStatus) types.ShardState {
	switch status {
	case types.StatusCompleted:
		return types.ShardCompleted
	case types.StatusCancelled:
		return types.ShardCancelled
	default:
		return types.ShardFailed
	}
}

// registerCompletion builds the CompletionDetail and records it with the
// catalog registrar. For a single file, item is the whole artifact; for a
// group, group.files carries the full ordered file list.
func (m *Manager) registerCompletion(item *types.QueuedItem, group *trackedGroup) {
	detail := types.CompletionDetail{
		RepoID:       item.RepoID,
		Quantization: item.Quantization,
		PrimaryPath:  item.Filename,
	}

	if group == nil {
		detail.TotalBytes = item.Size
		detail.Files = []types.RegistryFile{{Path: item.Filename, Size: item.Size, ContentHash: item.ContentHash}}
	} else {
		files := make([]types.RegistryFile, len(group.files))
		copy(files, group.files)
		sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
		detail.Files = files
		detail.PrimaryPath = files[0].Path
		for _, f := range files {
			detail.TotalBytes += f.Size
		}
	}

	m.cfg.Broker.Emit(&events.Event{
		Kind:             events.KindDownloadCompleted,
		DownloadID:       item.DownloadID,
		CompletionDetail: &detail,
	})

	if m.cfg.Registrar == nil {
		return
	}
	entry := catalog.ModelEntry{
		ModelID:   item.DownloadID,
		ModelName: item.RepoID + ":" + item.Quantization,
		LaunchSpec: types.LaunchSpec{
			ModelID:   item.DownloadID,
			ModelName: item.RepoID + ":" + item.Quantization,
			ModelPath: m.cfg.Dest.ArtifactDir(item.RepoID) + "/" + detail.PrimaryPath,
		},
	}
	if err := m.cfg.Registrar.Register(entry); err != nil {
		log.Errorf("queue: catalog registration failed", err)
	}
}
