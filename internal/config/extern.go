// internal/config/extern.go - Settings managed outside the main config file
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ExternConfig holds settings from the extern INI file. Unset keys are nil.
//
//	status = enabled|disabled
//	autopurge = 48
type ExternConfig struct {
	SyslogEnabled *bool
	AutoPurge     *time.Duration
}

func LoadExtern(path string) (*ExternConfig, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var ext ExternConfig
	sec := f.Section(ini.DefaultSection)

	if sec.HasKey("status") {
		switch status := strings.ToLower(sec.Key("status").String()); status {
		case "enabled", "on", "yes", "true":
			enabled := true
			ext.SyslogEnabled = &enabled
		case "disabled", "off", "no", "false":
			enabled := false
			ext.SyslogEnabled = &enabled
		default:
			return nil, fmt.Errorf("invalid status %q", status)
		}
	}

	if sec.HasKey("autopurge") {
		hours, err := sec.Key("autopurge").Int()
		if err != nil {
			return nil, fmt.Errorf("invalid autopurge: %w", err)
		}
		if hours <= 0 {
			return nil, fmt.Errorf("autopurge must be positive, got %d", hours)
		}
		maxAge := time.Duration(hours) * time.Hour
		ext.AutoPurge = &maxAge
	}

	return &ext, nil
}

func (e *ExternConfig) apply(cfg *Config) {
	if e.SyslogEnabled != nil {
		enabled := *e.SyslogEnabled
		cfg.Syslog.Enabled = &enabled
	}
	if e.AutoPurge != nil {
		cfg.Database.MaxAge = *e.AutoPurge
	}
}
