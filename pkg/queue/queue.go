package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/modelctl/pkg/catalog"
	"github.com/cuemby/modelctl/pkg/ctlerr"
	"github.com/cuemby/modelctl/pkg/events"
	"github.com/cuemby/modelctl/pkg/log"
	"github.com/cuemby/modelctl/pkg/registry"
	"github.com/cuemby/modelctl/pkg/storage"
	"github.com/cuemby/modelctl/pkg/types"
)

// DestinationResolver plans the on-disk directory for a repository's
// files (§6.3). *config.Config satisfies this without pkg/queue importing
// pkg/config, avoiding an import cycle.
type DestinationResolver interface {
	ArtifactDir(repoID string) string
}

// Config wires the Download Manager's collaborators and tunables.
type Config struct {
	Store        storage.Store
	Registry     registry.Client
	Downloader   Downloader
	Broker       *events.Broker
	Registrar    catalog.Registrar
	Dest         DestinationResolver
	RegistryBase string // URL prefix files are fetched from, joined with each RegistryFile.Path

	MaxConcurrent    int           // default 1
	ProgressInterval time.Duration // default 100ms
	RetryBase        time.Duration // default 500ms
	MaxRetries       int           // default 3
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100 * time.Millisecond
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

type activeEntry struct {
	item  *types.QueuedItem
	job   *types.ActiveJob
	group *trackedGroup // nil for single-file items
}

// Manager is the Download Manager (§4.1): owner of the pending queue, the
// active-job table, the shard-group coordinator, and the single runner that
// dispatches work. Lock order is always queueMu before activeMu, per §5.
type Manager struct {
	cfg Config

	queueMu sync.Mutex
	pending []*types.QueuedItem
	groups  map[string]*trackedGroup
	failed  []types.FailureRecord

	activeMu sync.RWMutex
	active   map[string]*activeEntry // keyed by QueuedItem.ItemID()

	leases *leaseTable

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager. Call Start to load persisted state and
// begin dispatching.
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:     cfg,
		groups:  make(map[string]*trackedGroup),
		active:  make(map[string]*activeEntry),
		leases:  newLeaseTable(),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start restores non-terminal items from the store and begins the runner.
func (m *Manager) Start() error {
	items, err := m.cfg.Store.LoadQueue()
	if err != nil {
		return fmt.Errorf("load persisted queue: %w", err)
	}

	m.queueMu.Lock()
	for _, item := range items {
		m.pending = append(m.pending, item)
		if item.GroupID != "" {
			if _, ok := m.groups[item.GroupID]; !ok {
				expected := 1
				if item.Shard != nil {
					expected = item.Shard.Total
				}
				m.groups[item.GroupID] = newTrackedGroup(item.GroupID, item.RepoID, item.Quantization, expected, nil)
			}
		}
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].EnqueuedAt.Before(m.pending[j].EnqueuedAt)
	})
	m.queueMu.Unlock()

	m.wg.Add(1)
	go m.run()
	m.wakeRunner()
	return nil
}

// Stop halts the runner. In-flight workers are not interrupted; callers
// that need a clean shutdown should Cancel active items first.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) wakeRunner() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.notify:
			m.dispatch()
		case <-m.stopCh:
			return
		}
	}
}

// dispatch scans the pending queue in enqueue order and starts workers
// until MaxConcurrent active jobs exist or no pending item can start. An
// item whose download id already has an active job is skipped, so the
// shards of one group run one at a time and each holds the download id's
// lease alone.
func (m *Manager) dispatch() {
	for {
		m.queueMu.Lock()
		m.activeMu.RLock()
		activeCount := len(m.active)
		busy := make(map[string]bool, activeCount)
		for _, e := range m.active {
			busy[e.item.DownloadID] = true
		}
		m.activeMu.RUnlock()

		idx := -1
		for i, it := range m.pending {
			if !busy[it.DownloadID] {
				idx = i
				break
			}
		}
		if activeCount >= m.cfg.MaxConcurrent || idx < 0 {
			m.queueMu.Unlock()
			return
		}

		item := m.pending[idx]
		m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
		var group *trackedGroup
		if item.GroupID != "" {
			group = m.groups[item.GroupID]
		}
		m.queueMu.Unlock()

		lease := m.leases.next(item.DownloadID)
		item.Status = types.StatusDownloading
		if err := m.cfg.Store.UpdateStatus(item.ItemID(), types.StatusDownloading); err != nil {
			log.Errorf("queue: persist downloading status", err)
		}

		var shard *types.ShardInfo
		if item.Shard != nil {
			shard = item.Shard
		}
		job := types.NewActiveJob(item.DownloadID, item.CompletionKey, lease, item.GroupID, shard)

		m.activeMu.Lock()
		m.active[item.ItemID()] = &activeEntry{item: item, job: job, group: group}
		m.activeMu.Unlock()

		if group != nil {
			group.setMember(shard.Index, types.ShardDownloading)
		}

		m.cfg.Broker.Emit(&events.Event{Kind: events.KindDownloadStarted, DownloadID: item.DownloadID})

		deps := workerDeps{
			downloader: m.cfg.Downloader,
			destDir:    m.cfg.Dest.ArtifactDir(item.RepoID),
			retryBase:  m.cfg.RetryBase,
			maxRetries: m.cfg.MaxRetries,
			registryURL: func(it *types.QueuedItem) string {
				return m.cfg.RegistryBase + "/" + it.RepoID + "/" + it.Filename
			},
		}

		go runWorker(context.Background(), item, job, deps)
		go m.bridge(item, job, lease)
	}
}

// Enqueue resolves repoID/quantization via the registry client, persists
// one QueuedItem per shard atomically, and returns the zero-based queue
// position and shard count. A non-terminal item already holding the same
// completion key is rejected as a conflict ("AlreadyQueued").
func (m *Manager) Enqueue(ctx context.Context, repoID, quantization, revision string) (position int, shardCount int, err error) {
	files, err := m.cfg.Registry.GetQuantizationFiles(ctx, repoID, quantization)
	if err != nil {
		return 0, 0, err
	}
	if len(files) == 0 {
		return 0, 0, ctlerr.InvalidInputf("quantization %q has no files", quantization)
	}

	commitID := revision
	if commitID == "" || commitID == "latest" {
		commitID, err = m.cfg.Registry.GetCommitSHA(ctx, repoID)
		if err != nil {
			return 0, 0, err
		}
	}

	items, groupID := buildItems(repoID, quantization, revision, commitID, files, time.Now())
	key := items[0].CompletionKey

	m.queueMu.Lock()
	if m.hasNonTerminalKey(key) {
		m.queueMu.Unlock()
		return 0, 0, ctlerr.Conflictf("artifact already queued (completion key %s)", key)
	}

	persisted := make([]*types.QueuedItem, 0, len(items))
	for _, item := range items {
		if err := m.cfg.Store.Enqueue(item); err != nil {
			for _, p := range persisted {
				_ = m.cfg.Store.Remove(p.ItemID())
			}
			m.queueMu.Unlock()
			return 0, 0, fmt.Errorf("persist queued item: %w", err)
		}
		persisted = append(persisted, item)
	}

	position = len(m.pending)
	m.pending = append(m.pending, items...)
	if groupID != "" {
		m.groups[groupID] = newTrackedGroup(groupID, repoID, quantization, len(items), files)
	}
	m.queueMu.Unlock()

	m.wakeRunner()
	return position, len(items), nil
}

// hasNonTerminalKey reports whether any pending or active item shares key.
// Callers must hold queueMu.
func (m *Manager) hasNonTerminalKey(key types.CompletionKey) bool {
	for _, item := range m.pending {
		if item.CompletionKey == key {
			return true
		}
	}
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	for _, entry := range m.active {
		if entry.item.CompletionKey == key {
			return true
		}
	}
	return false
}

// Snapshot returns a consistent point-in-time view ordered by enqueue time.
func (m *Manager) Snapshot() types.QueueSnapshot {
	m.queueMu.Lock()
	pending := make([]types.QueuedItem, len(m.pending))
	for i, item := range m.pending {
		pending[i] = *item
	}
	failed := make([]types.FailureRecord, len(m.failed))
	copy(failed, m.failed)
	m.queueMu.Unlock()

	m.activeMu.RLock()
	active := make([]types.QueuedItem, 0, len(m.active))
	for _, entry := range m.active {
		active = append(active, *entry.item)
	}
	m.activeMu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].EnqueuedAt.Before(active[j].EnqueuedAt) })

	return types.QueueSnapshot{
		Active:  active,
		Pending: pending,
		Failed:  failed,
		Limits:  types.QueueLimits{MaxConcurrent: m.cfg.MaxConcurrent},
	}
}

// ReorderOne moves id (or its whole shard group, atomically, if it belongs
// to one) to newPosition among the pending items. Active items cannot be
// reordered.
func (m *Manager) ReorderOne(id string, newPosition int) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	idx := m.findPendingIndex(id)
	if idx < 0 {
		if m.isActive(id) {
			return ctlerr.Conflictf("item %q is active and cannot be reordered", id)
		}
		return ctlerr.NotFoundf("item %q not found", id)
	}

	item := m.pending[idx]
	if item.GroupID == "" {
		m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
		m.pending = insertAt(m.pending, clamp(newPosition, len(m.pending)), item)
		return nil
	}

	block, rest := extractGroup(m.pending, item.GroupID)
	at := clamp(newPosition, len(rest))
	m.pending = insertAllAt(rest, at, block)
	return nil
}

// ReorderFull replaces the entire pending order with ids, a permutation of
// current pending item ids. Group contiguity must be preserved.
func (m *Manager) ReorderFull(ids []string) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	byID := make(map[string]*types.QueuedItem, len(m.pending))
	for _, item := range m.pending {
		byID[item.ItemID()] = item
	}
	if len(ids) != len(byID) {
		return ctlerr.InvalidInputf("reorder_full: expected %d ids, got %d", len(byID), len(ids))
	}

	reordered := make([]*types.QueuedItem, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return ctlerr.InvalidInputf("reorder_full: unknown pending item %q", id)
		}
		if seen[id] {
			return ctlerr.InvalidInputf("reorder_full: duplicate id %q", id)
		}
		seen[id] = true
		reordered = append(reordered, item)
	}

	if !groupsContiguous(reordered) {
		return ctlerr.InvalidInputf("reorder_full: shards of one group must stay contiguous")
	}
	m.pending = reordered
	return nil
}

// Remove deletes a pending item. It fails if the item is active.
func (m *Manager) Remove(id string) error {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	idx := m.findPendingIndex(id)
	if idx < 0 {
		if m.isActive(id) {
			return ctlerr.Conflictf("item %q is active and cannot be removed", id)
		}
		return nil // unknown: idempotent per §4.1 cancel semantics, applied consistently here
	}
	item := m.pending[idx]
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
	return m.cfg.Store.Remove(item.ItemID())
}

// Cancel signals cancellation for an active item, or directly transitions a
// pending item to Cancelled. Unknown ids succeed silently.
func (m *Manager) Cancel(id string) error {
	m.activeMu.RLock()
	entry, ok := m.active[id]
	m.activeMu.RUnlock()
	if ok {
		entry.job.RequestCancel()
		return nil
	}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	idx := m.findPendingIndex(id)
	if idx < 0 {
		return nil
	}
	item := m.pending[idx]
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
	if err := m.cfg.Store.UpdateStatus(item.ItemID(), types.StatusCancelled); err != nil {
		log.Errorf("queue: persist cancelled status", err)
	}
	m.cfg.Broker.Emit(&events.Event{Kind: events.KindDownloadCancelled, DownloadID: item.DownloadID})
	return nil
}

// CancelGroup cancels every member of a group, pending or active, as one
// atomic intent (lock order queue then active, per §5).
func (m *Manager) CancelGroup(groupID string) error {
	m.queueMu.Lock()
	var remaining []*types.QueuedItem
	for _, item := range m.pending {
		if item.GroupID == groupID {
			if err := m.cfg.Store.UpdateStatus(item.ItemID(), types.StatusCancelled); err != nil {
				log.Errorf("queue: persist cancelled status", err)
			}
			continue
		}
		remaining = append(remaining, item)
	}
	m.pending = remaining
	m.queueMu.Unlock()

	m.activeMu.RLock()
	var toCancel []*types.ActiveJob
	for _, entry := range m.active {
		if entry.item.GroupID == groupID {
			toCancel = append(toCancel, entry.job)
		}
	}
	m.activeMu.RUnlock()

	for _, job := range toCancel {
		job.RequestCancel()
	}
	m.cfg.Broker.Emit(&events.Event{Kind: events.KindDownloadCancelled, DownloadID: groupID})
	return nil
}

// ClearFailed drops in-memory failure records; persisted history survives.
func (m *Manager) ClearFailed() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.failed = nil
}

// SubscribeEvents returns a long-lived broadcast subscription (§6.4).
func (m *Manager) SubscribeEvents() events.Subscriber {
	return m.cfg.Broker.Subscribe()
}

func (m *Manager) findPendingIndex(id string) int {
	for i, item := range m.pending {
		if item.ItemID() == id {
			return i
		}
	}
	return -1
}

func (m *Manager) isActive(id string) bool {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	_, ok := m.active[id]
	return ok
}

func clamp(pos, length int) int {
	if pos < 0 {
		return 0
	}
	if pos > length {
		return length
	}
	return pos
}

func insertAt(items []*types.QueuedItem, at int, item *types.QueuedItem) []*types.QueuedItem {
	out := make([]*types.QueuedItem, 0, len(items)+1)
	out = append(out, items[:at]...)
	out = append(out, item)
	out = append(out, items[at:]...)
	return out
}

func insertAllAt(items []*types.QueuedItem, at int, block []*types.QueuedItem) []*types.QueuedItem {
	out := make([]*types.QueuedItem, 0, len(items)+len(block))
	out = append(out, items[:at]...)
	out = append(out, block...)
	out = append(out, items[at:]...)
	return out
}

// extractGroup removes every item sharing groupID from items, returning the
// extracted block (in its original relative order) and the remainder.
func extractGroup(items []*types.QueuedItem, groupID string) (block, rest []*types.QueuedItem) {
	for _, item := range items {
		if item.GroupID == groupID {
			block = append(block, item)
		} else {
			rest = append(rest, item)
		}
	}
	return block, rest
}

// groupsContiguous reports whether every group's members occupy a
// contiguous run within items.
func groupsContiguous(items []*types.QueuedItem) bool {
	seen := make(map[string]bool)
	var last string
	for i, item := range items {
		if item.GroupID == "" {
			continue
		}
		if item.GroupID != last {
			if seen[item.GroupID] {
				return false
			}
			seen[item.GroupID] = true
		}
		last = item.GroupID
		_ = i
	}
	return true
}
