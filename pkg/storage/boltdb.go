package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/modelctl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueue   = []byte("queue")
	bucketFailed  = []byte("failed")
)

// BoltStore implements Store using BoltDB, an embedded, transactional
// key-value database requiring no separate server process.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed queue store
// rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "modelctl.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketQueue, bucketFailed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Enqueue persists item, keyed by its ItemID.
func (s *BoltStore) Enqueue(item *types.QueuedItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put([]byte(item.ItemID()), data)
	})
}

// UpdateStatus is an upsert against the existing record's Status field;
// the manager tolerates duplicate calls for the same id/status pair.
func (s *BoltStore) UpdateStatus(id string, status types.ItemStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var item types.QueuedItem
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		item.Status = status
		updated, err := json.Marshal(&item)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// LoadQueue returns every non-terminal persisted item.
func (s *BoltStore) LoadQueue() ([]*types.QueuedItem, error) {
	var items []*types.QueuedItem
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		return b.ForEach(func(k, v []byte) error {
			var item types.QueuedItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if !item.Status.Terminal() {
				items = append(items, &item)
			}
			return nil
		})
	})
	return items, err
}

// MarkFailed moves an item to Failed and records the failure for history.
func (s *BoltStore) MarkFailed(id string, errorMessage string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		queueBucket := tx.Bucket(bucketQueue)
		data := queueBucket.Get([]byte(id))
		if data != nil {
			var item types.QueuedItem
			if err := json.Unmarshal(data, &item); err != nil {
				return err
			}
			item.Status = types.StatusFailed
			item.FailureReason = errorMessage
			updated, err := json.Marshal(&item)
			if err != nil {
				return err
			}
			if err := queueBucket.Put([]byte(id), updated); err != nil {
				return err
			}
		}

		failedBucket := tx.Bucket(bucketFailed)
		record := types.FailureRecord{DownloadID: id, Reason: errorMessage, FailedAt: time.Now()}
		recData, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return failedBucket.Put([]byte(id), recData)
	})
}

// Remove deletes a pending item outright.
func (s *BoltStore) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete([]byte(id))
	})
}

// PruneCompleted deletes failure history older than olderThanDays, and
// returns the number of records removed. Persisted failure history for a
// clear_failed call is preserved separately — this only prunes by age.
func (s *BoltStore) PruneCompleted(olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailed)
		var staleKeys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var record types.FailureRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.FailedAt.Before(cutoff) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range staleKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ListFailed returns the persisted failure history.
func (s *BoltStore) ListFailed() ([]types.FailureRecord, error) {
	var records []types.FailureRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailed)
		return b.ForEach(func(k, v []byte) error {
			var record types.FailureRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}
