package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c360/streamkit/errors"
)

const boltBucketPrefix = "ack_trees:"

// BoltDB is a bbolt file shared by the auditors of one process. Each auditor keeps its
// trees in its own bucket.
type BoltDB struct {
	Path string
	db   *bolt.DB
}

// OpenBolt opens or creates the bbolt file at path.
func OpenBolt(path string) (*BoltDB, error) {
	if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.WrapFatal(err, "BoltDB", "Open", "stat database file")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WrapFatal(err, "BoltDB", "Open",
			fmt.Sprintf("open %s; is another streamkit process using it", path))
	}
	return &BoltDB{Path: path, db: db}, nil
}

// Store returns the store for one auditor address, creating its bucket if needed.
func (b *BoltDB) Store(address string) (*BoltStore, error) {
	bucket := []byte(boltBucketPrefix + address)
	if err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, errors.WrapFatal(err, "BoltDB", "Store", "create bucket")
	}
	return &BoltStore{db: b.db, bucket: bucket}, nil
}

// Close closes the database file.
func (b *BoltDB) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// BoltStore persists one auditor's trees in a bbolt bucket. The trees survive a process
// restart on the same host.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// Save implements Store.
func (s *BoltStore) Save(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "BoltStore", "Save", "marshal record")
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(rec.Root), data)
	}); err != nil {
		return errors.WrapTransient(err, "BoltStore", "Save", "put record")
	}
	return nil
}

// Delete implements Store.
func (s *BoltStore) Delete(_ context.Context, root string) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(root))
	}); err != nil {
		return errors.WrapTransient(err, "BoltStore", "Delete", "delete record")
	}
	return nil
}

// Load implements Store.
func (s *BoltStore) Load(_ context.Context) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "BoltStore", "Load", "read records")
	}
	return out, nil
}

// Close implements Store. The file is closed by BoltDB.Close.
func (s *BoltStore) Close() error {
	return nil
}
