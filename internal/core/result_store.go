package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
)

// Single TTL constant for journaled results (business rule: a POS that has
// not picked up a result within 72h never will)
const resultTTL = 72 * time.Hour

// ResultItem is one journaled terminal sale result awaiting POS pickup.
type ResultItem struct {
	ID           string
	PosTxnID     string
	LocalOrderID string
	GatewayTxnID string
	Record       map[string]string // the outbound flat key/value record
	Accepted     bool
	CreatedAt    time.Time
}

// ResultStore journals terminal PosResults in badger so a POS that crashed
// mid-sale can still collect the outcome. Reads by the POS are destructive:
// fetched = delivered.
type ResultStore struct {
	db      *badger.DB
	maxSize int64
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *goeen_log.Logger
}

func NewResultStore(dir string, maxSizeGB int, logger *goeen_log.Logger) (*ResultStore, error) {
	maxSize := int64(maxSizeGB) * 1024 * 1024 * 1024

	// Check for stale lock file and attempt cleanup
	if err := cleanupStaleLock(dir, logger); err != nil {
		logger.Warningf("Failed to cleanup potential stale lock: %v", err)
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20). // 1MB value log files
		WithMemTableSize(16 << 20).    // 16MB mem tables
		WithNumCompactors(2).
		WithSyncWrites(true). // a journaled result must survive a crash
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &ResultStore{
		db:      db,
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}

	go store.maintenanceWorker()

	return store, nil
}

// Store journals a terminal result for POS pickup.
// Key format: "pending_<posTxnID>_<timestamp>_<id>" for fast per-sale iteration.
func (s *ResultStore) Store(item ResultItem) error {
	key := fmt.Sprintf("pending_%s_%d_%s", item.PosTxnID, item.CreatedAt.UnixNano(), item.ID)

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal result item: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	s.logger.Debugf("Journaled result for sale %s (accepted=%t)", item.PosTxnID, item.Accepted)
	return nil
}

// FetchForPOS returns up to limit journaled results for the POS transaction
// id and deletes them ("fetched by POS = delivered" model).
func (s *ResultStore) FetchForPOS(posTxnID string, limit int) ([]ResultItem, error) {
	var results []ResultItem
	var keysToDelete [][]byte

	err := s.db.Update(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false // Key-only scan for performance
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("pending_%s_", posTxnID))
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(results) < limit; it.Next() {
			item := it.Item()
			var data []byte
			err := item.Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			var res ResultItem
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}

			results = append(results, res)
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
		}

		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(results) > 0 {
		s.logger.Debugf("Delivered %d journaled result(s) for sale %s (DESTRUCTIVE)", len(results), posTxnID)
	}

	return results, nil
}

// Peek returns journaled results WITHOUT deleting them (monitoring and
// support tooling; prevents accidental drainage by non-POS clients).
func (s *ResultStore) Peek(posTxnID string, limit int) ([]ResultItem, error) {
	var results []ResultItem

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("pending_%s_", posTxnID))
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(results) < limit; it.Next() {
			var data []byte
			err := it.Item().Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			var res ResultItem
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// DrainAll clears every pending result using badger's DropPrefix and returns
// what was dropped. Intended for testing/QA database resets.
func (s *ResultStore) DrainAll() ([]ResultItem, error) {
	var results []ResultItem

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("pending_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var data []byte
			err := it.Item().Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			var res ResultItem
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.DropPrefix([]byte("pending_")); err != nil {
		return nil, err
	}

	if len(results) > 0 {
		s.logger.Infof("DRAINED %d journaled result(s) (DATABASE RESET)", len(results))
	}

	return results, nil
}

func (s *ResultStore) maintenanceWorker() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *ResultStore) runMaintenance() {
	s.cleanupByAge()

	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Errorf("Result store value log GC failed: %v", err)
	}

	if size := s.getApproximateSize(); size > s.maxSize*70/100 {
		s.logger.Warningf("Result journal at %d%% capacity (%d MB / %d MB)",
			size*100/s.maxSize, size/1024/1024, s.maxSize/1024/1024)
	}
}

func (s *ResultStore) cleanupByAge() {
	now := time.Now()
	var keysToDelete [][]byte

	// Scan for expired items (key-only for speed)
	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte("pending_")); it.ValidForPrefix([]byte("pending_")); it.Next() {
			var item ResultItem
			if it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &item) }) == nil {
				if now.Sub(item.CreatedAt) > resultTTL {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Age cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					s.logger.Errorf("Failed to delete key: %v", err)
				}
			}
			return nil
		}); err != nil {
			s.logger.Errorf("Age cleanup delete failed: %v", err)
		} else {
			s.logger.Infof("Cleaned up %d result(s) older than %v", len(keysToDelete), resultTTL)
		}
	}
}

func (s *ResultStore) getApproximateSize() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

func (s *ResultStore) Close() error {
	s.cancel()
	return s.db.Close()
}

// cleanupStaleLock attempts to remove stale badger lock files. Safe on
// startup: orchestration guarantees one instance per data volume, and a
// concurrently held lock would still fail Open().
func cleanupStaleLock(dir string, logger *goeen_log.Logger) error {
	lockFile := filepath.Join(dir, "LOCK")

	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		return nil // No lock file, nothing to clean
	}

	logger.Infof("Found potential stale lock file, attempting cleanup: %s", lockFile)

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	return nil
}
