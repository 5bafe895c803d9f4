// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	AlertsBucket    = []byte("alerts")
	AlertHashBucket = []byte("alert_hash")
	TypesBucket     = []byte("types")
	OverridesBucket = []byte("overrides")
	MetaBucket      = []byte("meta")

	allBuckets = [][]byte{AlertsBucket, AlertHashBucket, TypesBucket, OverridesBucket, MetaBucket}
)

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.Create(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) Create(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Drop(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if tx.Bucket(bucket) == nil {
				continue
			}
			if err := tx.DeleteBucket(bucket); err != nil {
				return fmt.Errorf("failed to delete bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) InsertAlert(ctx context.Context, alert *Alert) error {
	if alert.Hash == "" {
		alert.Hash = alert.ComputeHash()
	}
	if alert.Created.IsZero() {
		alert.Created = time.Now()
	}
	if alert.Updated.IsZero() {
		alert.Updated = alert.Created
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		alerts := tx.Bucket(AlertsBucket)
		hashes := tx.Bucket(AlertHashBucket)

		if hashes.Get([]byte(alert.Hash)) != nil {
			return fmt.Errorf("failed to insert alert: hash %s already exists", alert.Hash)
		}

		seq, err := alerts.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate alert id: %w", err)
		}
		alert.ID = int64(seq)

		if err := putAlert(alerts, alert); err != nil {
			return err
		}
		return hashes.Put([]byte(alert.Hash), itob(alert.ID))
	})
}

func (s *BoltStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	if alert.Hash == "" {
		alert.Hash = alert.ComputeHash()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		alerts := tx.Bucket(AlertsBucket)
		hashes := tx.Bucket(AlertHashBucket)

		v := alerts.Get(itob(alert.ID))
		if v == nil {
			return fmt.Errorf("alert %d does not exist", alert.ID)
		}
		var stored Alert
		if err := json.Unmarshal(v, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal alert %d: %w", alert.ID, err)
		}

		if stored.Hash != alert.Hash {
			if err := hashes.Delete([]byte(stored.Hash)); err != nil {
				return err
			}
			if err := hashes.Put([]byte(alert.Hash), itob(alert.ID)); err != nil {
				return err
			}
		}

		stored.Updated = alert.Updated
		stored.Flags = alert.Flags
		stored.Desc = alert.Desc
		stored.Hash = alert.Hash
		return putAlert(alerts, &stored)
	})
}

func (s *BoltStore) SelectAlertByHash(ctx context.Context, hash string) (*Alert, error) {
	var alert *Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(AlertHashBucket).Get([]byte(hash))
		if id == nil {
			return nil
		}
		v := tx.Bucket(AlertsBucket).Get(id)
		if v == nil {
			return nil
		}
		alert = &Alert{}
		return json.Unmarshal(v, alert)
	})

	if err != nil {
		return nil, fmt.Errorf("failed to select alert by hash: %w", err)
	}
	return alert, nil
}

func (s *BoltStore) SelectAlerts(ctx context.Context, query AlertQuery) ([]Alert, error) {
	var alerts []Alert

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(AlertsBucket).Cursor()

		first, next := c.First, c.Next
		if query.NewestFirst {
			first, next = c.Last, c.Prev
		}

		for k, v := first(); k != nil; k, v = next() {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				continue // Skip malformed entries
			}
			if !query.Matches(&alert) {
				continue
			}
			alerts = append(alerts, alert)
			if query.Limit > 0 && len(alerts) >= query.Limit {
				break
			}
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to select alerts: %w", err)
	}
	return alerts, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putAlert(b *bbolt.Bucket, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return b.Put(itob(alert.ID), data)
}

// itob encodes an id as a big-endian key so cursor order follows id order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func typeKey(t uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, t)
	return b
}

func sortTypes(types []AlertType) {
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
}
