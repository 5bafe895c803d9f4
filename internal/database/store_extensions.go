// internal/database/store_extensions.go - Optional maintenance operations
package database

import (
	"context"
	"fmt"
)

// Compactor is implemented by stores that can reclaim space left behind by purges
type Compactor interface {
	Compact(ctx context.Context) error
}

// Compact runs the backend's compaction when it has one.
func Compact(ctx context.Context, store Store) error {
	c, ok := store.(Compactor)
	if !ok {
		return fmt.Errorf("database backend does not support compaction")
	}
	return c.Compact(ctx)
}

// Compact reclaims free pages with VACUUM.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
