// internal/monitoring/threshold.go - Debounced threshold alerts over sampled system metrics
package monitoring

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"alertd/internal/config"
	"alertd/internal/database"
	"alertd/internal/metrics"
)

const OriginSysinfo = "sysinfo"

// AlertSink receives the alerts threshold rules raise and resolve.
type AlertSink interface {
	RaiseAlert(ctx context.Context, origin, typeName string, flags uint32, desc, uuid string)
	ResolveAlerts(ctx context.Context, typeName string)
}

// thresholdRule tracks one sysinfo source. A zero start means idle; a set
// start with active false means the value is above threshold but the
// duration has not elapsed yet.
type thresholdRule struct {
	src    config.SysinfoSource
	text   string
	start  time.Time
	active bool
}

type transition int

const (
	transitionNone transition = iota
	transitionFire
	transitionResolve
)

// update feeds one sample into the rule.
func (r *thresholdRule) update(value float64, now time.Time) transition {
	if value < r.src.Threshold {
		wasActive := r.active
		r.start = time.Time{}
		r.active = false
		if wasActive && r.src.AutoResolve {
			return transitionResolve
		}
		return transitionNone
	}

	if r.start.IsZero() {
		r.start = now
		return transitionNone
	}
	if r.active || now.Sub(r.start) < r.src.Duration {
		return transitionNone
	}
	if r.text == "" {
		// stays rising; there is nothing to say
		return transitionNone
	}
	r.active = true
	return transitionFire
}

func (r *thresholdRule) describe(value float64) string {
	threshold := strconv.FormatFloat(r.src.Threshold, 'f', -1, 64)
	used := strconv.FormatFloat(value, 'f', 1, 64)

	return strings.NewReplacer(
		"$threshold", threshold,
		"$swap_used", used,
		"$vol_used", used,
		"$path", r.src.Path,
	).Replace(r.text)
}

// ThresholdMonitor samples the system on each refresh and drives every
// sysinfo rule through its state machine.
type ThresholdMonitor struct {
	rules   map[string][]*thresholdRule
	sampler Sampler
	metrics *metrics.Collector
}

// NewThresholdMonitor builds the rules. Text for locale is preferred, "en"
// is the fallback.
func NewThresholdMonitor(sources []config.SysinfoSource, locale string, sampler Sampler, collector *metrics.Collector) *ThresholdMonitor {
	m := &ThresholdMonitor{
		rules:   make(map[string][]*thresholdRule),
		sampler: sampler,
		metrics: collector,
	}

	for _, src := range sources {
		text, ok := src.Text[locale]
		if !ok {
			text = src.Text[config.FallbackLocale]
		}
		if text == "" {
			logrus.WithFields(logrus.Fields{
				"type": src.Type,
				"key":  src.Key,
			}).Warn("Sysinfo alert source has no text, it will never fire")
		}
		rule := &thresholdRule{src: src, text: text}
		m.rules[src.Key] = append(m.rules[src.Key], rule)
		logrus.WithField("rule", rule.String()).Debug("Added threshold rule")
	}
	return m
}

// Adopt carries the run-time state of matching rules over from a previous
// monitor, so a reload does not restart running debounces.
func (m *ThresholdMonitor) Adopt(prev *ThresholdMonitor) {
	if prev == nil {
		return
	}
	for key, rules := range m.rules {
		for _, r := range rules {
			for _, old := range prev.rules[key] {
				if old.src.Type == r.src.Type && old.src.Path == r.src.Path {
					r.start = old.start
					r.active = old.active
					break
				}
			}
		}
	}
}

func (m *ThresholdMonitor) Len() int {
	n := 0
	for _, rules := range m.rules {
		n += len(rules)
	}
	return n
}

// Refresh takes one sample per key and updates the rules. A failed sample
// skips only the rules that needed it.
func (m *ThresholdMonitor) Refresh(ctx context.Context, now time.Time, sink AlertSink) {
	if len(m.rules[config.KeyLoad1M])+len(m.rules[config.KeyLoad5M])+len(m.rules[config.KeyLoad15M]) > 0 {
		l1, l5, l15, err := m.sampler.LoadAverage(ctx)
		if err != nil {
			logrus.WithError(err).Warn("Failed to sample load average")
		} else {
			m.apply(ctx, config.KeyLoad1M, l1, now, sink)
			m.apply(ctx, config.KeyLoad5M, l5, now, sink)
			m.apply(ctx, config.KeyLoad15M, l15, now, sink)
		}
	}

	if len(m.rules[config.KeySwapUsage]) > 0 {
		used, err := m.sampler.SwapUsage(ctx)
		if err != nil {
			logrus.WithError(err).Warn("Failed to sample swap usage")
		} else {
			m.apply(ctx, config.KeySwapUsage, used, now, sink)
		}
	}

	for _, r := range m.rules[config.KeyVolUsage] {
		used, err := m.sampler.VolumeUsage(ctx, r.src.Path)
		if err != nil {
			logrus.WithError(err).WithField("path", r.src.Path).Warn("Failed to sample volume usage")
			continue
		}
		m.metrics.RecordSample(config.KeyVolUsage+":"+r.src.Path, used)
		m.evaluate(ctx, r, used, now, sink)
	}
}

func (m *ThresholdMonitor) apply(ctx context.Context, key string, value float64, now time.Time, sink AlertSink) {
	rules := m.rules[key]
	if len(rules) == 0 {
		return
	}
	m.metrics.RecordSample(key, value)
	for _, r := range rules {
		m.evaluate(ctx, r, value, now, sink)
	}
}

func (m *ThresholdMonitor) evaluate(ctx context.Context, r *thresholdRule, value float64, now time.Time, sink AlertSink) {
	switch r.update(value, now) {
	case transitionFire:
		flags := r.src.Level
		if r.src.AutoResolve {
			flags |= database.FlagAutoResolve
		}
		var uuid string
		if r.src.Key == config.KeyVolUsage {
			uuid = r.src.Path
		}
		logrus.WithFields(logrus.Fields{
			"type":      r.src.Type,
			"key":       r.src.Key,
			"value":     value,
			"threshold": r.src.Threshold,
		}).Info("Threshold exceeded")
		sink.RaiseAlert(ctx, OriginSysinfo, r.src.Type, flags, r.describe(value), uuid)

	case transitionResolve:
		logrus.WithFields(logrus.Fields{
			"type":  r.src.Type,
			"key":   r.src.Key,
			"value": value,
		}).Info("Threshold cleared")
		sink.ResolveAlerts(ctx, r.src.Type)
	}
}

func (r *thresholdRule) String() string {
	return fmt.Sprintf("%s %s >= %g for %s", r.src.Type, r.src.Key, r.src.Threshold, r.src.Duration)
}
