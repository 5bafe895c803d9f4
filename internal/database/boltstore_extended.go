// internal/database/boltstore_extended.go - BoltDB purge, type, override and maintenance operations
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

// PurgeAlerts removes resolved alerts last updated before olderThan
func (s *BoltStore) PurgeAlerts(ctx context.Context, olderThan time.Time) (int, error) {
	deletedCount := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		alerts := tx.Bucket(AlertsBucket)
		hashes := tx.Bucket(AlertHashBucket)

		cursor := alerts.Cursor()
		var doomed []Alert

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				continue
			}
			if alert.IsResolved() && alert.Updated.Before(olderThan) {
				doomed = append(doomed, alert)
			}
		}

		for _, alert := range doomed {
			if err := alerts.Delete(itob(alert.ID)); err != nil {
				logrus.WithError(err).WithField("alert_id", alert.ID).Error("Failed to delete alert")
				continue
			}
			if err := hashes.Delete([]byte(alert.Hash)); err != nil {
				return err
			}
			deletedCount++
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	return deletedCount, nil
}

func (s *BoltStore) MarkAsResolved(ctx context.Context, alertType uint32) (int, error) {
	resolved := 0
	now := time.Now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		alerts := tx.Bucket(AlertsBucket)

		var changed []Alert
		err := alerts.ForEach(func(k, v []byte) error {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return nil
			}
			if alert.Type == alertType && !alert.IsResolved() {
				alert.Flags |= FlagResolved
				alert.Updated = now
				changed = append(changed, alert)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for i := range changed {
			if err := putAlert(alerts, &changed[i]); err != nil {
				return err
			}
		}
		resolved = len(changed)
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to mark type %d as resolved: %w", alertType, err)
	}
	return resolved, nil
}

func (s *BoltStore) InsertType(ctx context.Context, name string) (*AlertType, error) {
	var alertType AlertType

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(TypesBucket)
		if v := b.Get([]byte(name)); v != nil {
			return json.Unmarshal(v, &alertType)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		alertType = AlertType{ID: RegisteredTypeBase + uint32(seq), Name: name}

		data, err := json.Marshal(alertType)
		if err != nil {
			return fmt.Errorf("failed to marshal type: %w", err)
		}
		return b.Put([]byte(name), data)
	})

	if err != nil {
		return nil, fmt.Errorf("failed to insert type %s: %w", name, err)
	}
	return &alertType, nil
}

func (s *BoltStore) DeleteType(ctx context.Context, name string) (bool, error) {
	deleted := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(TypesBucket)
		if b.Get([]byte(name)) == nil {
			return nil
		}
		deleted = true
		return b.Delete([]byte(name))
	})

	if err != nil {
		return false, fmt.Errorf("failed to delete type %s: %w", name, err)
	}
	return deleted, nil
}

func (s *BoltStore) SelectTypes(ctx context.Context) ([]AlertType, error) {
	var types []AlertType

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(TypesBucket).ForEach(func(k, v []byte) error {
			var t AlertType
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("failed to unmarshal type %s: %w", k, err)
			}
			types = append(types, t)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}
	sortTypes(types)
	return types, nil
}

func (s *BoltStore) SelectOverride(ctx context.Context, alertType uint32) (*Override, error) {
	var override *Override

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(OverridesBucket).Get(typeKey(alertType))
		if v == nil {
			return nil
		}
		override = &Override{}
		return json.Unmarshal(v, override)
	})

	if err != nil {
		return nil, fmt.Errorf("failed to select override: %w", err)
	}
	return override, nil
}

func (s *BoltStore) SelectOverrides(ctx context.Context) ([]Override, error) {
	var overrides []Override

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(OverridesBucket).ForEach(func(k, v []byte) error {
			var o Override
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("failed to unmarshal override: %w", err)
			}
			overrides = append(overrides, o)
			return nil
		})
	})

	return overrides, err
}

func (s *BoltStore) InsertOverride(ctx context.Context, override *Override) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OverridesBucket)
		if b.Get(typeKey(override.Type)) != nil {
			return fmt.Errorf("override for type %d already exists", override.Type)
		}
		return putOverride(b, override)
	})
}

func (s *BoltStore) UpdateOverride(ctx context.Context, override *Override) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OverridesBucket)
		if b.Get(typeKey(override.Type)) == nil {
			return fmt.Errorf("override for type %d does not exist", override.Type)
		}
		return putOverride(b, override)
	})
}

func (s *BoltStore) DeleteOverride(ctx context.Context, alertType uint32) (bool, error) {
	deleted := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(OverridesBucket)
		if b.Get(typeKey(alertType)) == nil {
			return nil
		}
		deleted = true
		return b.Delete(typeKey(alertType))
	})

	if err != nil {
		return false, fmt.Errorf("failed to delete override for type %d: %w", alertType, err)
	}
	return deleted, nil
}

// Stats provides information about database size and content
func (s *BoltStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "boltdb"}

	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(AlertsBucket).ForEach(func(k, v []byte) error {
			var alert Alert
			if err := json.Unmarshal(v, &alert); err != nil {
				return nil
			}
			stats.TotalAlerts++
			if alert.IsResolved() {
				stats.ResolvedAlerts++
			}
			if stats.OldestEntry.IsZero() || alert.Created.Before(stats.OldestEntry) {
				stats.OldestEntry = alert.Created
			}
			if alert.Updated.After(stats.NewestEntry) {
				stats.NewestEntry = alert.Updated
			}
			return nil
		})
		if err != nil {
			return err
		}

		stats.RegisteredTypes = tx.Bucket(TypesBucket).Stats().KeyN
		stats.Overrides = tx.Bucket(OverridesBucket).Stats().KeyN
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}

	// Get file size
	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}

	return stats, nil
}

// Compact rewrites the database into a fresh file and swaps it in place.
func (s *BoltStore) Compact(ctx context.Context) error {
	logrus.Info("Starting database compaction")

	tmpPath := s.path + ".compact.tmp"

	newDB, err := bbolt.Open(tmpPath, DatabaseFileMode, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create compact database: %w", err)
	}
	defer os.Remove(tmpPath)

	err = s.db.View(func(oldTx *bbolt.Tx) error {
		return newDB.Update(func(newTx *bbolt.Tx) error {
			for _, name := range allBuckets {
				oldBucket := oldTx.Bucket(name)
				if oldBucket == nil {
					continue
				}
				newBucket, err := newTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", name, err)
				}
				if err := newBucket.SetSequence(oldBucket.Sequence()); err != nil {
					return err
				}

				cursor := oldBucket.Cursor()
				for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
					if err := newBucket.Put(copyBytes(k), copyBytes(v)); err != nil {
						return fmt.Errorf("failed to copy data: %w", err)
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		newDB.Close()
		return fmt.Errorf("failed to copy data to compact database: %w", err)
	}

	newDB.Close()
	s.db.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	s.db, err = bbolt.Open(s.path, DatabaseFileMode, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to reopen compacted database: %w", err)
	}

	logrus.Info("Database compaction completed successfully")
	return nil
}

func putOverride(b *bbolt.Bucket, override *Override) error {
	data, err := json.Marshal(override)
	if err != nil {
		return fmt.Errorf("failed to marshal override: %w", err)
	}
	return b.Put(typeKey(override.Type), data)
}

// copyBytes creates a copy of a byte slice
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return copied
}
