// internal/monitoring/alert_manager.go - Alert dedup, level overrides and purging
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"alertd/internal/database"
	"alertd/internal/metrics"
)

var (
	ErrStaticType      = errors.New("alert type is statically configured")
	ErrInvalidTypeName = errors.New("invalid alert type name")
	ErrInvalidOverride = errors.New("override must be a single level or IGNORE")
)

// AlertManager is the only writer of alerts. It applies level overrides,
// collapses recurring alerts onto one row by content hash and keeps the
// type table and override cache in step with the store.
type AlertManager struct {
	store     database.Store
	metrics   *metrics.Collector
	types     *TypeTable
	overrides map[uint32]uint32
	now       func() time.Time
}

func NewAlertManager(store database.Store, types *TypeTable, collector *metrics.Collector) *AlertManager {
	return &AlertManager{
		store:     store,
		metrics:   collector,
		types:     types,
		overrides: make(map[uint32]uint32),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (am *AlertManager) SetClock(now func() time.Time) {
	am.now = now
}

func (am *AlertManager) Types() *TypeTable {
	return am.types
}

// SetTypes swaps in a new type table, as after a configuration reload.
func (am *AlertManager) SetTypes(types *TypeTable) {
	am.types = types
}

// Refresh reloads the registered types and the override cache.
func (am *AlertManager) Refresh(ctx context.Context) error {
	if err := am.types.Refresh(ctx, am.store); err != nil {
		return err
	}
	return am.RefreshOverrides(ctx)
}

func (am *AlertManager) RefreshOverrides(ctx context.Context) error {
	overrides, err := am.store.SelectOverrides(ctx)
	am.metrics.RecordDatabaseOperation("select_overrides", err)
	if err != nil {
		return fmt.Errorf("failed to select overrides: %w", err)
	}

	cache := make(map[uint32]uint32, len(overrides))
	for _, o := range overrides {
		cache[o.Type] = o.Flags
	}
	am.overrides = cache
	return nil
}

// Insert stores alert, or refreshes the existing row with the same hash.
// It returns false when an IGNORE override suppressed the alert.
func (am *AlertManager) Insert(ctx context.Context, alert *database.Alert) (bool, error) {
	if flags, ok := am.overrides[alert.Type]; ok {
		if flags == database.FlagIgnore {
			am.metrics.RecordAlert("suppressed")
			logrus.WithFields(logrus.Fields{
				"type": alert.Type,
				"desc": alert.Desc,
			}).Debug("Alert suppressed by override")
			return false, nil
		}
		alert.Flags = alert.Flags&^database.LevelMask | flags&database.LevelMask
	}
	if alert.Level() == 0 {
		alert.Flags |= database.LevelNorm
	}

	alert.Hash = alert.ComputeHash()
	now := am.now()

	existing, err := am.store.SelectAlertByHash(ctx, alert.Hash)
	am.metrics.RecordDatabaseOperation("select_alert", err)
	if err != nil {
		return false, fmt.Errorf("failed to look up alert: %w", err)
	}

	if existing == nil {
		alert.Created = now
		alert.Updated = now
		err := am.store.InsertAlert(ctx, alert)
		am.metrics.RecordDatabaseOperation("insert_alert", err)
		if err != nil {
			return false, fmt.Errorf("failed to insert alert: %w", err)
		}
		am.metrics.RecordAlert("inserted")
		logrus.WithFields(logrus.Fields{
			"id":    alert.ID,
			"type":  alert.Type,
			"level": database.LevelName(alert.Flags),
		}).Debug("Inserted alert")
		return true, nil
	}

	// updated must advance even when two recurrences share a clock tick
	updated := now
	if !updated.After(existing.Updated) {
		updated = existing.Updated.Add(time.Nanosecond)
	}

	existing.Updated = updated
	existing.Flags = alert.Flags
	existing.Desc = alert.Desc
	existing.Hash = alert.Hash
	err = am.store.UpdateAlert(ctx, existing)
	am.metrics.RecordDatabaseOperation("update_alert", err)
	if err != nil {
		return false, fmt.Errorf("failed to update alert %d: %w", existing.ID, err)
	}

	alert.ID = existing.ID
	alert.Created = existing.Created
	alert.Updated = existing.Updated
	am.metrics.RecordAlert("updated")
	return true, nil
}

func (am *AlertManager) Select(ctx context.Context, query database.AlertQuery) ([]database.Alert, error) {
	alerts, err := am.store.SelectAlerts(ctx, query)
	am.metrics.RecordDatabaseOperation("select_alerts", err)
	return alerts, err
}

// MarkAsResolved flags every open alert of alertType as resolved.
func (am *AlertManager) MarkAsResolved(ctx context.Context, alertType uint32) (int, error) {
	count, err := am.store.MarkAsResolved(ctx, alertType)
	am.metrics.RecordDatabaseOperation("mark_resolved", err)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts of type %d: %w", alertType, err)
	}
	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"type":  alertType,
			"count": count,
		}).Info("Marked alerts as resolved")
	}
	return count, nil
}

// Purge deletes resolved alerts not updated within maxAge.
func (am *AlertManager) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	count, err := am.store.PurgeAlerts(ctx, am.now().Add(-maxAge))
	am.metrics.RecordDatabaseOperation("purge_alerts", err)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	am.metrics.RecordPurged(count)

	if count > 0 {
		logrus.WithField("purged_count", count).Info("Alert purge completed")
	} else {
		logrus.Debug("No resolved alerts old enough to purge")
	}
	return count, nil
}

// RegisterType adds a client type, or returns the existing one of that name.
func (am *AlertManager) RegisterType(ctx context.Context, name string) (*database.AlertType, error) {
	if err := validateTypeName(name); err != nil {
		return nil, err
	}
	if am.types.IsStatic(name) {
		return nil, fmt.Errorf("%w: %s", ErrStaticType, name)
	}

	t, err := am.store.InsertType(ctx, name)
	am.metrics.RecordDatabaseOperation("insert_type", err)
	if err != nil {
		return nil, fmt.Errorf("failed to register type %s: %w", name, err)
	}
	if err := am.types.Refresh(ctx, am.store); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"id":   t.ID,
		"name": t.Name,
	}).Info("Registered alert type")
	return t, nil
}

// DeregisterType removes a client type. It returns false when no such type
// was registered.
func (am *AlertManager) DeregisterType(ctx context.Context, name string) (bool, error) {
	if err := validateTypeName(name); err != nil {
		return false, err
	}
	if am.types.IsStatic(name) {
		return false, fmt.Errorf("%w: %s", ErrStaticType, name)
	}

	deleted, err := am.store.DeleteType(ctx, name)
	am.metrics.RecordDatabaseOperation("delete_type", err)
	if err != nil {
		return false, fmt.Errorf("failed to deregister type %s: %w", name, err)
	}
	if !deleted {
		return false, nil
	}
	if err := am.types.Refresh(ctx, am.store); err != nil {
		return true, err
	}

	logrus.WithField("name", name).Info("Deregistered alert type")
	return true, nil
}

// SetOverride inserts or replaces the override of o.Type.
func (am *AlertManager) SetOverride(ctx context.Context, o database.Override) error {
	if !database.ValidOverrideFlags(o.Flags) {
		return fmt.Errorf("%w: %#x", ErrInvalidOverride, o.Flags)
	}

	existing, err := am.store.SelectOverride(ctx, o.Type)
	am.metrics.RecordDatabaseOperation("select_override", err)
	if err != nil {
		return fmt.Errorf("failed to look up override: %w", err)
	}

	if existing == nil {
		err = am.store.InsertOverride(ctx, &o)
		am.metrics.RecordDatabaseOperation("insert_override", err)
	} else {
		err = am.store.UpdateOverride(ctx, &o)
		am.metrics.RecordDatabaseOperation("update_override", err)
	}
	if err != nil {
		return fmt.Errorf("failed to store override for type %d: %w", o.Type, err)
	}

	logrus.WithFields(logrus.Fields{
		"type":  o.Type,
		"level": database.LevelName(o.Flags),
	}).Info("Set level override")
	return am.RefreshOverrides(ctx)
}

// ClearOverride removes the override of alertType. It returns false when
// there was none.
func (am *AlertManager) ClearOverride(ctx context.Context, alertType uint32) (bool, error) {
	deleted, err := am.store.DeleteOverride(ctx, alertType)
	am.metrics.RecordDatabaseOperation("delete_override", err)
	if err != nil {
		return false, fmt.Errorf("failed to clear override for type %d: %w", alertType, err)
	}
	if !deleted {
		return false, nil
	}

	logrus.WithField("type", alertType).Info("Cleared level override")
	return true, am.RefreshOverrides(ctx)
}

// Overrides returns the cached overrides.
func (am *AlertManager) Overrides() []database.Override {
	overrides := make([]database.Override, 0, len(am.overrides))
	for t, flags := range am.overrides {
		overrides = append(overrides, database.Override{Type: t, Flags: flags})
	}
	sortOverrides(overrides)
	return overrides
}

func validateTypeName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTypeName)
	}
	return nil
}

func sortOverrides(overrides []database.Override) {
	sort.Slice(overrides, func(i, j int) bool {
		return overrides[i].Type < overrides[j].Type
	})
}
