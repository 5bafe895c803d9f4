// internal/database/sqlitestore.go - SQLite implementation (default backend)
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		hash TEXT NOT NULL UNIQUE,
		flags INTEGER NOT NULL,
		type INTEGER NOT NULL,
		user INTEGER NOT NULL DEFAULT 0,
		origin TEXT,
		basename TEXT,
		uuid TEXT,
		description TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_type ON alerts(type)`,
	`CREATE INDEX IF NOT EXISTS alerts_updated ON alerts(updated)`,
	`CREATE TABLE IF NOT EXISTS alert_groups (
		alert_id INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		gid INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alert_groups_alert ON alert_groups(alert_id)`,
	`CREATE TABLE IF NOT EXISTS types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS overrides (
		type INTEGER PRIMARY KEY,
		flags INTEGER NOT NULL
	)`,
}

var sqliteTables = []string{"alert_groups", "alerts", "types", "overrides"}

const alertColumns = "id, created, updated, hash, flags, type, user, origin, basename, uuid, description"

// preparedStatements caches the statements used on the hot path
type preparedStatements struct {
	insertAlert    *sql.Stmt
	updateAlert    *sql.Stmt
	alertByHash    *sql.Stmt
	insertGroup    *sql.Stmt
	selectGroups   *sql.Stmt
	markResolved   *sql.Stmt
	purgeAlerts    *sql.Stmt
	selectOverride *sql.Stmt
}

type SQLiteStore struct {
	db    *sql.DB
	path  string
	stmts *preparedStatements
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	store := &SQLiteStore{db: db, path: path}

	if err := store.Create(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepare(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Create(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Drop(ctx context.Context) error {
	for _, table := range sqliteTables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
	}
	return nil
}

type statementDef struct {
	dst   **sql.Stmt
	query string
}

func (s *SQLiteStore) prepare() error {
	st := &preparedStatements{}
	defs := []statementDef{
		{&st.insertAlert, `INSERT INTO alerts (created, updated, hash, flags, type, user, origin, basename, uuid, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&st.updateAlert, `UPDATE alerts SET updated = ?, flags = ?, description = ?, hash = ? WHERE id = ?`},
		{&st.alertByHash, "SELECT " + alertColumns + " FROM alerts WHERE hash = ?"},
		{&st.insertGroup, `INSERT INTO alert_groups (alert_id, gid) VALUES (?, ?)`},
		{&st.selectGroups, `SELECT gid FROM alert_groups WHERE alert_id = ? ORDER BY rowid`},
		{&st.markResolved, `UPDATE alerts SET flags = flags | ?, updated = ? WHERE type = ? AND flags & ? = 0`},
		{&st.purgeAlerts, `DELETE FROM alerts WHERE updated < ? AND flags & ? != 0`},
		{&st.selectOverride, `SELECT type, flags FROM overrides WHERE type = ?`},
	}

	for _, def := range defs {
		stmt, err := s.db.Prepare(def.query)
		if err != nil {
			return err
		}
		*def.dst = stmt
	}
	s.stmts = st
	return nil
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, alert *Alert) error {
	if alert.Hash == "" {
		alert.Hash = alert.ComputeHash()
	}
	if alert.Created.IsZero() {
		alert.Created = time.Now()
	}
	if alert.Updated.IsZero() {
		alert.Updated = alert.Created
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.StmtContext(ctx, s.stmts.insertAlert).ExecContext(ctx,
		alert.Created.UnixNano(), alert.Updated.UnixNano(), alert.Hash, alert.Flags, alert.Type,
		alert.User, alert.Origin, alert.Basename, alert.UUID, alert.Desc)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get alert id: %w", err)
	}

	insertGroup := tx.StmtContext(ctx, s.stmts.insertGroup)
	for _, gid := range alert.Groups {
		if _, err := insertGroup.ExecContext(ctx, id, gid); err != nil {
			return fmt.Errorf("failed to insert alert group: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert: %w", err)
	}
	alert.ID = id
	return nil
}

func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *Alert) error {
	if alert.Hash == "" {
		alert.Hash = alert.ComputeHash()
	}
	res, err := s.stmts.updateAlert.ExecContext(ctx,
		alert.Updated.UnixNano(), alert.Flags, alert.Desc, alert.Hash, alert.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %d: %w", alert.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d does not exist", alert.ID)
	}
	return nil
}

func (s *SQLiteStore) SelectAlertByHash(ctx context.Context, hash string) (*Alert, error) {
	row := s.stmts.alertByHash.QueryRowContext(ctx, hash)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select alert by hash: %w", err)
	}
	if alert.Groups, err = s.selectGroups(ctx, alert.ID); err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *SQLiteStore) SelectAlerts(ctx context.Context, query AlertQuery) ([]Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if query.Type != 0 {
		where = append(where, "type = ?")
		args = append(args, query.Type)
	}
	if query.Flags != 0 {
		where = append(where, "flags & ? != 0")
		args = append(args, query.Flags)
	}
	if !query.Resolved {
		where = append(where, "flags & ? = 0")
		args = append(args, FlagResolved)
	}
	if !query.Since.IsZero() {
		where = append(where, "updated >= ?")
		args = append(args, query.Since.UnixNano())
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + alertColumns + " FROM alerts")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if query.NewestFirst {
		sb.WriteString(" ORDER BY id DESC")
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	if query.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select alerts: %w", err)
	}

	var alerts []Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to select alerts: %w", err)
	}

	for i := range alerts {
		if alerts[i].Groups, err = s.selectGroups(ctx, alerts[i].ID); err != nil {
			return nil, err
		}
	}
	return alerts, nil
}

func (s *SQLiteStore) PurgeAlerts(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.stmts.purgeAlerts.ExecContext(ctx, olderThan.UnixNano(), FlagResolved)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkAsResolved(ctx context.Context, alertType uint32) (int, error) {
	res, err := s.stmts.markResolved.ExecContext(ctx,
		FlagResolved, time.Now().UnixNano(), alertType, FlagResolved)
	if err != nil {
		return 0, fmt.Errorf("failed to mark type %d as resolved: %w", alertType, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) InsertType(ctx context.Context, name string) (*AlertType, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO types (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("failed to insert type %s: %w", name, err)
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM types WHERE name = ?`, name).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to select type %s: %w", name, err)
	}
	return &AlertType{ID: RegisteredTypeBase + uint32(seq), Name: name}, nil
}

func (s *SQLiteStore) DeleteType(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM types WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete type %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SelectTypes(ctx context.Context) ([]AlertType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to select types: %w", err)
	}
	defer rows.Close()

	var types []AlertType
	for rows.Next() {
		var (
			seq  int64
			name string
		)
		if err := rows.Scan(&seq, &name); err != nil {
			return nil, fmt.Errorf("failed to scan type: %w", err)
		}
		types = append(types, AlertType{ID: RegisteredTypeBase + uint32(seq), Name: name})
	}
	return types, rows.Err()
}

func (s *SQLiteStore) SelectOverride(ctx context.Context, alertType uint32) (*Override, error) {
	var o Override
	err := s.stmts.selectOverride.QueryRowContext(ctx, alertType).Scan(&o.Type, &o.Flags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select override: %w", err)
	}
	return &o, nil
}

func (s *SQLiteStore) SelectOverrides(ctx context.Context) ([]Override, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, flags FROM overrides ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to select overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.Type, &o.Flags); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (s *SQLiteStore) InsertOverride(ctx context.Context, override *Override) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO overrides (type, flags) VALUES (?, ?)`,
		override.Type, override.Flags)
	if err != nil {
		return fmt.Errorf("failed to insert override for type %d: %w", override.Type, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOverride(ctx context.Context, override *Override) error {
	res, err := s.db.ExecContext(ctx, `UPDATE overrides SET flags = ? WHERE type = ?`,
		override.Flags, override.Type)
	if err != nil {
		return fmt.Errorf("failed to update override for type %d: %w", override.Type, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("override for type %d does not exist", override.Type)
	}
	return nil
}

func (s *SQLiteStore) DeleteOverride(ctx context.Context, alertType uint32) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM overrides WHERE type = ?`, alertType)
	if err != nil {
		return false, fmt.Errorf("failed to delete override for type %d: %w", alertType, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Backend: "sqlite"}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(flags & ? != 0), 0), MIN(created), MAX(updated) FROM alerts`,
		FlagResolved).Scan(&stats.TotalAlerts, &stats.ResolvedAlerts, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get database stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestEntry = time.Unix(0, oldest.Int64)
	}
	if newest.Valid {
		stats.NewestEntry = time.Unix(0, newest.Int64)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM types`).Scan(&stats.RegisteredTypes); err != nil {
		return nil, fmt.Errorf("failed to count types: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overrides`).Scan(&stats.Overrides); err != nil {
		return nil, fmt.Errorf("failed to count overrides: %w", err)
	}

	if fileInfo, err := os.Stat(s.path); err == nil {
		stats.DatabaseSize = fileInfo.Size()
	}
	return stats, nil
}

func (s *SQLiteStore) Close() error {
	if s.stmts != nil {
		for _, stmt := range []*sql.Stmt{
			s.stmts.insertAlert, s.stmts.updateAlert, s.stmts.alertByHash,
			s.stmts.insertGroup, s.stmts.selectGroups,
			s.stmts.markResolved, s.stmts.purgeAlerts, s.stmts.selectOverride,
		} {
			if stmt != nil {
				stmt.Close()
			}
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) selectGroups(ctx context.Context, id int64) ([]uint32, error) {
	rows, err := s.stmts.selectGroups.QueryContext(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to select groups of alert %d: %w", id, err)
	}
	defer rows.Close()

	var groups []uint32
	for rows.Next() {
		var gid uint32
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, gid)
	}
	return groups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var (
		a                        Alert
		created, updated         int64
		origin, basename, uuidNS sql.NullString
	)
	err := row.Scan(&a.ID, &created, &updated, &a.Hash, &a.Flags, &a.Type, &a.User,
		&origin, &basename, &uuidNS, &a.Desc)
	if err != nil {
		return nil, err
	}
	a.Created = time.Unix(0, created)
	a.Updated = time.Unix(0, updated)
	a.Origin = origin.String
	a.Basename = basename.String
	a.UUID = uuidNS.String
	return &a, nil
}
