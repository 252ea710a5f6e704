// Package storage defines the Durable Queue Store port (§6.2, consumed) and
// a BoltDB-backed adapter. The download manager persists queued items so
// non-terminal downloads survive a restart, and keeps a history of terminal
// failures that is pruned by age (PruneCompleted).
package storage

import "github.com/cuemby/modelctl/pkg/types"

// Store is the durable queue store's contract. Implementations are
// expected to be transactional with at-most-once semantics; the manager
// tolerates duplicate status updates.
type Store interface {
	Enqueue(item *types.QueuedItem) error
	UpdateStatus(id string, status types.ItemStatus) error
	// LoadQueue returns every non-terminal item, called at startup to
	// restore the in-memory queue.
	LoadQueue() ([]*types.QueuedItem, error)
	MarkFailed(id string, errorMessage string) error
	Remove(id string) error
	// PruneCompleted deletes failure history older than olderThanDays and
	// returns the number of records removed.
	PruneCompleted(olderThanDays int) (int, error)
	// ListFailed returns the persisted failure history.
	ListFailed() ([]types.FailureRecord, error)
	Close() error
}
