package ingest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/corestratum/dataplatform/timestore/types"
)

// Spool is the embedded, crash-safe staging store spec.md §4.7 step 5
// requires: one bbolt file per dataset under root, one bucket per
// staging batch keyed by its batch id, rows appended under a
// monotonically increasing bbolt sequence so insertion order survives a
// restart (SPEC_FULL.md §D decision 2).
type Spool struct {
	root string

	mu  sync.Mutex
	dbs map[int64]*bbolt.DB // datasetID -> open handle
}

// NewSpool returns a Spool rooted at root, creating the directory if
// necessary. Per-dataset bolt files are opened lazily on first use.
func NewSpool(root string) (*Spool, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ingest: spool mkdir: %w", err)
	}
	return &Spool{root: root, dbs: make(map[int64]*bbolt.DB)}, nil
}

// Close releases every open per-dataset bolt handle.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, id)
	}
	return firstErr
}

func (s *Spool) open(datasetID int64) (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[datasetID]; ok {
		return db, nil
	}
	path := filepath.Join(s.root, strconv.FormatInt(datasetID, 10)+".bolt")
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: spool open %s: %w", path, err)
	}
	s.dbs[datasetID] = db
	return db, nil
}

func bucketName(batchID int64) []byte {
	return []byte(strconv.FormatInt(batchID, 10))
}

// Append writes rows into batchID's bucket, creating it if absent,
// preserving insertion order via bbolt's per-bucket auto-increment
// sequence.
func (s *Spool) Append(datasetID, batchID int64, rows []types.IngestRow) error {
	db, err := s.open(datasetID)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(batchID))
		if err != nil {
			return err
		}
		for _, row := range rows {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			buf, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadAll returns every row appended to batchID, in insertion order.
func (s *Spool) ReadAll(datasetID, batchID int64) ([]types.IngestRow, error) {
	db, err := s.open(datasetID)
	if err != nil {
		return nil, err
	}
	var out []types.IngestRow
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(batchID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var row types.IngestRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out = append(out, row)
			return nil
		})
	})
	return out, err
}

// Delete removes batchID's bucket once its rows have been durably
// written out as a partition (spec.md §3 "flushing → flushed (deleted)").
func (s *Spool) Delete(datasetID, batchID int64) error {
	db, err := s.open(datasetID)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketName(batchID)) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(batchID))
	})
}

// RecoverBatches lists every batch id whose bucket is still present in
// datasetID's bolt file, whether or not it holds rows, for replaying against staging_batches
// rows not yet flushed (spec.md §4.7 Recovery).
func (s *Spool) RecoverBatches(datasetID int64) ([]int64, error) {
	db, err := s.open(datasetID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			id, convErr := strconv.ParseInt(string(name), 10, 64)
			if convErr != nil {
				return nil // skip any bucket not named by a batch id
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
