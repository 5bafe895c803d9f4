// internal/metrics/prometheus.go
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"alertd/internal/database"
)

// Prometheus metrics
var (
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_alerts_total",
			Help: "Alerts processed by the alert manager",
		},
		[]string{"result"},
	)

	SyslogLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_syslog_lines_total",
			Help: "Syslog lines received, by match result",
		},
		[]string{"result"},
	)

	ClientConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertd_client_connections",
			Help: "Number of connected protocol clients",
		},
	)

	ClientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_client_errors_total",
			Help: "Client connections dropped, by error kind",
		},
		[]string{"kind"},
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_requests_total",
			Help: "Protocol requests handled, by opcode",
		},
		[]string{"opcode"},
	)

	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_database_operations_total",
			Help: "Total database operations performed",
		},
		[]string{"operation", "status"},
	)

	ThresholdSamples = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertd_threshold_samples",
			Help: "Last sampled value per sysinfo key",
		},
		[]string{"key"},
	)

	PurgedAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_purged_alerts_total",
			Help: "Resolved alerts removed by the purge timer",
		},
	)

	DroppedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_dropped_events_total",
			Help: "Engine events dropped because the queue was full",
		},
		[]string{"event"},
	)

	StoredAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertd_stored_alerts",
			Help: "Alerts currently in the database",
		},
		[]string{"state"},
	)
)

type Collector struct {
	store database.Store
}

func NewCollector(store database.Store) *Collector {
	return &Collector{store: store}
}

// RecordAlert counts an alert outcome: inserted, updated or suppressed.
func (c *Collector) RecordAlert(result string) {
	AlertsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordSyslogLine(result string) {
	SyslogLines.WithLabelValues(result).Inc()
}

func (c *Collector) RecordConnection(delta int) {
	ClientConnections.Add(float64(delta))
}

func (c *Collector) RecordClientError(kind string) {
	ClientErrors.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordRequest(opcode string) {
	Requests.WithLabelValues(opcode).Inc()
}

func (c *Collector) RecordDatabaseOperation(operation string, err error) {
	DatabaseOperations.WithLabelValues(operation, statusLabel(err)).Inc()
}

func (c *Collector) RecordSample(key string, value float64) {
	ThresholdSamples.WithLabelValues(key).Set(value)
}

func (c *Collector) RecordDroppedEvent(event string) {
	DroppedEvents.WithLabelValues(event).Inc()
}

func (c *Collector) RecordPurged(count int) {
	PurgedAlerts.Add(float64(count))
}

// UpdateStoreMetrics refreshes the stored alert gauges from the database.
func (c *Collector) UpdateStoreMetrics(ctx context.Context) error {
	stats, err := c.store.Stats(ctx)
	c.RecordDatabaseOperation("stats", err)
	if err != nil {
		return err
	}

	StoredAlerts.WithLabelValues("open").Set(float64(stats.TotalAlerts - stats.ResolvedAlerts))
	StoredAlerts.WithLabelValues("resolved").Set(float64(stats.ResolvedAlerts))
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
