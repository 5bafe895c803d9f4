// internal/database/store.go
package database

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Store defines the interface for database operations.
// Lookups that find nothing return a nil result or false, never an error.
type Store interface {
	// Schema operations
	Create(ctx context.Context) error
	Drop(ctx context.Context) error

	// Alert operations
	InsertAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert *Alert) error
	SelectAlertByHash(ctx context.Context, hash string) (*Alert, error)
	SelectAlerts(ctx context.Context, query AlertQuery) ([]Alert, error)
	PurgeAlerts(ctx context.Context, olderThan time.Time) (int, error)
	MarkAsResolved(ctx context.Context, alertType uint32) (int, error)

	// Registered type operations
	InsertType(ctx context.Context, name string) (*AlertType, error)
	DeleteType(ctx context.Context, name string) (bool, error)
	SelectTypes(ctx context.Context) ([]AlertType, error)

	// Level override operations
	SelectOverride(ctx context.Context, alertType uint32) (*Override, error)
	SelectOverrides(ctx context.Context) ([]Override, error)
	InsertOverride(ctx context.Context, override *Override) error
	UpdateOverride(ctx context.Context, override *Override) error
	DeleteOverride(ctx context.Context, alertType uint32) (bool, error)

	Stats(ctx context.Context) (*DatabaseStats, error)

	// Close the database connection
	Close() error
}

// DatabaseFileMode is applied to the database file after it is opened.
const DatabaseFileMode os.FileMode = 0660

// Open opens the store backend named by dbType at path.
func Open(dbType, path string) (Store, error) {
	var (
		store Store
		err   error
	)
	switch dbType {
	case "", "sqlite":
		store, err = NewSQLiteStore(path)
	case "boltdb":
		store, err = NewBoltStore(path)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(path, DatabaseFileMode); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}
	return store, nil
}
