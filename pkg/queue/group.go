package queue

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cuemby/modelctl/pkg/types"
	"github.com/google/uuid"
)

// shardSuffix matches the "-<i>-of-<N>" convention between a shard's base
// stem and its extension, e.g. "model-00002-of-00004.gguf".
var shardSuffix = regexp.MustCompile(`^(.*)-(\d+)-of-(\d+)(\.[A-Za-z0-9]+)$`)

// baseShardFilename strips the trailing shard suffix, returning the stable
// on-disk identity for the artifact. A filename with no shard suffix is
// already its own base.
func baseShardFilename(filename string) string {
	if m := shardSuffix.FindStringSubmatch(filename); m != nil {
		return m[1] + m[4]
	}
	return filename
}

// shardIndexAndTotal extracts the zero-based index and total shard count
// from a filename matching the shard convention. ok is false for a
// single-file artifact.
func shardIndexAndTotal(filename string) (index, total int, ok bool) {
	m := shardSuffix.FindStringSubmatch(filename)
	if m == nil {
		return 0, 0, false
	}
	var i, n int
	if _, err := fmt.Sscanf(m[2], "%d", &i); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(m[3], "%d", &n); err != nil {
		return 0, 0, false
	}
	// The convention is 1-based in the filename, zero-based in ShardInfo.
	return i - 1, n, true
}

// buildItems turns an ordered registry file list into the QueuedItems for
// one enqueue call: a single item with no shard info for a one-file
// artifact, or one item per shard sharing a fresh group id. Files are
// assumed already ordered by filename, per the registry client's contract.
func buildItems(repoID, quantization, revision, commitID string, files []types.RegistryFile, now time.Time) ([]*types.QueuedItem, string) {
	downloadID := repoID + "::" + quantization
	base := baseShardFilename(files[0].Path)
	key := types.NewCompletionKey(repoID, commitID, base, quantization)

	if len(files) == 1 {
		item := &types.QueuedItem{
			DownloadID:    downloadID,
			Filename:      files[0].Path,
			Size:          files[0].Size,
			ContentHash:   files[0].ContentHash,
			RepoID:        repoID,
			Quantization:  quantization,
			Revision:      revision,
			CompletionKey: key,
			EnqueuedAt:    now,
			Status:        types.StatusQueued,
		}
		return []*types.QueuedItem{item}, ""
	}

	groupID := uuid.NewString()
	items := make([]*types.QueuedItem, 0, len(files))
	for i, f := range files {
		index, total, ok := shardIndexAndTotal(f.Path)
		if !ok {
			index, total = i, len(files)
		}
		items = append(items, &types.QueuedItem{
			DownloadID:   downloadID,
			GroupID:      groupID,
			Shard:        &types.ShardInfo{Index: index, Total: total, Filename: f.Path},
			Filename:     f.Path,
			Size:         f.Size,
			ContentHash:  f.ContentHash,
			RepoID:       repoID,
			Quantization: quantization,
			Revision:     revision,
			// every shard of a group shares one completion key: the group
			// either finalizes as a unit or fails as a unit.
			CompletionKey: key,
			EnqueuedAt:    now,
			Status:        types.StatusQueued,
		})
	}
	return items, groupID
}

// trackedGroup is the in-memory Shard Group coordinator (§3). It is
// created when the first shard of a group is enqueued and discarded once
// every member has reached a terminal state.
// trackedGroup additionally guards its mutable fields with its own mutex:
// every shard of a group runs in its own worker/bridge pair, so member
// state and aggregate byte counters are written concurrently.
type trackedGroup struct {
	types.ShardGroup
	mu         sync.Mutex
	shardBytes map[int]int64
	files      []types.RegistryFile // ordered, for the eventual completion detail
}

func newTrackedGroup(groupID, repoID, quantization string, expected int, files []types.RegistryFile) *trackedGroup {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return &trackedGroup{
		ShardGroup: types.ShardGroup{
			GroupID:        groupID,
			RepoID:         repoID,
			Quantization:   quantization,
			ExpectedShards: expected,
			MemberState:    make(map[int]types.ShardState, expected),
			BytesTotal:     total,
		},
		shardBytes: make(map[int]int64, expected),
		files:      files,
	}
}

func (g *trackedGroup) setMember(index int, state types.ShardState) types.ItemStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.MemberState[index] = state
	return g.Aggregate()
}

func (g *trackedGroup) memberState(index int) types.ShardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.MemberState[index]
}

// updateBytes records index's latest byte count and returns the group's
// recomputed aggregate (downloaded, total).
func (g *trackedGroup) updateBytes(index int, bytesDone int64) (aggDone, aggTotal int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shardBytes[index] = bytesDone
	var sum int64
	for _, b := range g.shardBytes {
		sum += b
	}
	g.BytesDone = sum
	return sum, g.BytesTotal
}

func (g *trackedGroup) done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.MemberState) >= g.ExpectedShards && g.Aggregate().Terminal()
}
