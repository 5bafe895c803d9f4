// internal/config/sources.go - Classification of configured alert sources
package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"alertd/internal/database"
)

const (
	SourceSyslog  = "syslog"
	SourceSysinfo = "sysinfo"
)

// Sysinfo keys
const (
	KeyLoad1M    = "LOAD_1M"
	KeyLoad5M    = "LOAD_5M"
	KeyLoad15M   = "LOAD_15M"
	KeySwapUsage = "SWAP_USAGE"
	KeyVolUsage  = "VOL_USAGE"
)

// SyslogSource is a syslog pattern rule after classification.
type SyslogSource struct {
	Type        string
	Level       uint32
	Exclude     bool
	AutoResolve bool
	Locales     map[string]LocaleConfig
}

// SysinfoSource is a threshold rule over a sampled system metric.
type SysinfoSource struct {
	Type        string
	Level       uint32
	Key         string
	Threshold   float64
	Duration    time.Duration
	AutoResolve bool
	Path        string
	Text        map[string]string
}

// classify splits the alert list by source. A malformed entry is logged
// and skipped; the rest still load.
func classify(alerts []AlertConfig) ([]SyslogSource, []SysinfoSource) {
	var (
		syslogSources  []SyslogSource
		sysinfoSources []SysinfoSource
	)

	for i, a := range alerts {
		log := logrus.WithFields(logrus.Fields{
			"index":  i,
			"source": a.Source,
			"type":   a.Type,
		})

		if a.Type == "" {
			log.Warn("Alert source has no type, skipping")
			continue
		}

		level := database.LevelNorm
		if a.Level != "" {
			l, err := database.ParseLevel(a.Level, false)
			if err != nil {
				log.WithError(err).Warn("Invalid alert level, skipping")
				continue
			}
			level = l
		}

		switch a.Source {
		case SourceSyslog:
			if len(a.Locales) == 0 {
				log.Warn("Syslog alert source has no patterns, skipping")
				continue
			}
			syslogSources = append(syslogSources, SyslogSource{
				Type:        a.Type,
				Level:       level,
				Exclude:     a.Exclude,
				AutoResolve: a.AutoResolve,
				Locales:     a.Locales,
			})

		case SourceSysinfo:
			if !validKey(a.Key) {
				log.WithField("key", a.Key).Warn("Unknown sysinfo key, skipping")
				continue
			}
			if a.Key == KeyVolUsage && a.Path == "" {
				log.Warn("VOL_USAGE alert source needs a path, skipping")
				continue
			}
			if a.Duration < 0 {
				log.Warn("Negative duration, skipping")
				continue
			}

			text := make(map[string]string, len(a.Locales))
			for locale, l := range a.Locales {
				if l.Text != "" {
					text[locale] = l.Text
				}
			}
			sysinfoSources = append(sysinfoSources, SysinfoSource{
				Type:        a.Type,
				Level:       level,
				Key:         a.Key,
				Threshold:   a.Threshold,
				Duration:    a.Duration,
				AutoResolve: a.AutoResolve,
				Path:        a.Path,
				Text:        text,
			})

		default:
			log.Warn("Unknown alert source, skipping")
		}
	}

	return syslogSources, sysinfoSources
}

func validKey(key string) bool {
	switch key {
	case KeyLoad1M, KeyLoad5M, KeyLoad15M, KeySwapUsage, KeyVolUsage:
		return true
	}
	return false
}
