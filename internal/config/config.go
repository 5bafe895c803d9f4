// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"alertd/internal/database"
)

const (
	DefaultDataDir = "/var/lib/alertd"

	ExcludeStop     = "stop"
	ExcludeContinue = "continue"
)

type Config struct {
	Sockets  SocketsConfig  `yaml:"sockets"`
	Database DatabaseConfig `yaml:"database"`
	Timers   TimersConfig   `yaml:"timers"`
	Syslog   SyslogConfig   `yaml:"syslog"`
	Locale   string         `yaml:"locale"`
	Logging  LoggingConfig  `yaml:"logging"`
	HTTP     HTTPConfig     `yaml:"http"`
	Types    []TypeConfig   `yaml:"types"`
	Alerts   []AlertConfig  `yaml:"alerts"`
	Include  IncludeConfig  `yaml:"include"`
	Extern   string         `yaml:"extern"`

	// Alert sources classified from Alerts by Load
	SyslogSources  []SyslogSource  `yaml:"-"`
	SysinfoSources []SysinfoSource `yaml:"-"`

	path string
}

type SocketsConfig struct {
	Events          string        `yaml:"events"`
	Syslog          string        `yaml:"syslog"`
	Timeout         time.Duration `yaml:"timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
}

type DatabaseConfig struct {
	Type   string        `yaml:"type"`
	Path   string        `yaml:"path"`
	MaxAge time.Duration `yaml:"max_age"`
}

type TimersConfig struct {
	Purge   time.Duration `yaml:"purge"`
	Sysinfo time.Duration `yaml:"sysinfo"`
}

type SyslogConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	ExcludePolicy string `yaml:"exclude_policy"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	MetricsPath string `yaml:"metrics_path"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

// TypeConfig is a statically configured alert type.
type TypeConfig struct {
	ID   uint32 `yaml:"id"`
	Name string `yaml:"name"`
}

// AlertConfig is one alert source as written in the file. Source selects
// which of the remaining fields apply.
type AlertConfig struct {
	Source      string                  `yaml:"source"`
	Type        string                  `yaml:"type"`
	Level       string                  `yaml:"level"`
	AutoResolve bool                    `yaml:"auto_resolve"`
	Locales     map[string]LocaleConfig `yaml:"locales"`

	// syslog
	Exclude bool `yaml:"exclude"`

	// sysinfo
	Key       string        `yaml:"key"`
	Threshold float64       `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
	Path      string        `yaml:"path"`
}

type LocaleConfig struct {
	Pattern string         `yaml:"pattern"`
	Text    string         `yaml:"text"`
	Match   map[int]string `yaml:"match"`
}

// PartialConfig represents an include file that is merged into the main configuration
type PartialConfig struct {
	Sockets  *SocketsConfig  `yaml:"sockets,omitempty"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
	Timers   *TimersConfig   `yaml:"timers,omitempty"`
	Syslog   *SyslogConfig   `yaml:"syslog,omitempty"`
	Logging  *LoggingConfig  `yaml:"logging,omitempty"`
	Types    []TypeConfig    `yaml:"types,omitempty"`
	Alerts   []AlertConfig   `yaml:"alerts,omitempty"`
}

func Load(filename string) (*Config, error) {
	// Load the main config file
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}
	config.path = filename

	// Process includes if enabled
	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if config.Extern != "" {
		extern, err := LoadExtern(config.Extern)
		if err != nil {
			return nil, fmt.Errorf("failed to load extern config: %w", err)
		}
		extern.apply(config)
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.SyslogSources, config.SysinfoSources = classify(config.Alerts)

	return config, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) SyslogEnabled() bool {
	return c.Syslog.Enabled == nil || *c.Syslog.Enabled
}

// IncludeDir returns the absolute include directory, or "" when includes are off.
func (c *Config) IncludeDir() string {
	if !c.Include.Enabled || c.Include.Directory == "" {
		return ""
	}
	if filepath.IsAbs(c.Include.Directory) || c.path == "" {
		return c.Include.Directory
	}
	return filepath.Join(filepath.Dir(c.path), c.Include.Directory)
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory

	// Make include directory relative to main config file if not absolute
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	// Also check for .yml files if pattern is default
	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)
	return nil
}

func mergePartialConfig(config *Config, partial *PartialConfig) {
	// Types and alert sources accumulate across files
	config.Types = append(config.Types, partial.Types...)
	config.Alerts = append(config.Alerts, partial.Alerts...)

	if partial.Sockets != nil {
		if partial.Sockets.Events != "" {
			config.Sockets.Events = partial.Sockets.Events
		}
		if partial.Sockets.Syslog != "" {
			config.Sockets.Syslog = partial.Sockets.Syslog
		}
		if partial.Sockets.Timeout != 0 {
			config.Sockets.Timeout = partial.Sockets.Timeout
		}
		if partial.Sockets.ConnectAttempts != 0 {
			config.Sockets.ConnectAttempts = partial.Sockets.ConnectAttempts
		}
	}

	if partial.Database != nil {
		if partial.Database.Type != "" {
			config.Database.Type = partial.Database.Type
		}
		if partial.Database.Path != "" {
			config.Database.Path = partial.Database.Path
		}
		if partial.Database.MaxAge != 0 {
			config.Database.MaxAge = partial.Database.MaxAge
		}
	}

	if partial.Timers != nil {
		if partial.Timers.Purge != 0 {
			config.Timers.Purge = partial.Timers.Purge
		}
		if partial.Timers.Sysinfo != 0 {
			config.Timers.Sysinfo = partial.Timers.Sysinfo
		}
	}

	if partial.Syslog != nil {
		if partial.Syslog.Enabled != nil {
			config.Syslog.Enabled = partial.Syslog.Enabled
		}
		if partial.Syslog.ExcludePolicy != "" {
			config.Syslog.ExcludePolicy = partial.Syslog.ExcludePolicy
		}
	}

	if partial.Logging != nil {
		if partial.Logging.Level != "" {
			config.Logging.Level = partial.Logging.Level
		}
		if partial.Logging.Format != "" {
			config.Logging.Format = partial.Logging.Format
		}
	}
}

func setDefaults(cfg *Config) {
	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(DefaultDataDir, "alerts.db")
	}
	if cfg.Database.MaxAge == 0 {
		cfg.Database.MaxAge = 24 * time.Hour
	}

	// Sockets live next to the database unless configured
	dataDir := filepath.Dir(cfg.Database.Path)
	if cfg.Sockets.Events == "" {
		cfg.Sockets.Events = filepath.Join(dataDir, "events.socket")
	}
	if cfg.Sockets.Syslog == "" {
		cfg.Sockets.Syslog = filepath.Join(dataDir, "syslog.socket")
	}
	if cfg.Sockets.Timeout == 0 {
		cfg.Sockets.Timeout = 10 * time.Second
	}
	if cfg.Sockets.ConnectAttempts == 0 {
		cfg.Sockets.ConnectAttempts = 5
	}

	// Timer defaults
	if cfg.Timers.Purge == 0 {
		cfg.Timers.Purge = 60 * time.Second
	}
	if cfg.Timers.Sysinfo == 0 {
		cfg.Timers.Sysinfo = 5 * time.Second
	}

	if cfg.Syslog.Enabled == nil {
		enabled := true
		cfg.Syslog.Enabled = &enabled
	}
	if cfg.Syslog.ExcludePolicy == "" {
		cfg.Syslog.ExcludePolicy = ExcludeStop
	}

	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:9377"
	}
	if cfg.HTTP.MetricsPath == "" {
		cfg.HTTP.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Type {
	case "sqlite", "boltdb":
	default:
		return fmt.Errorf("database.type must be sqlite or boltdb, got %q", cfg.Database.Type)
	}
	if cfg.Database.MaxAge < 0 {
		return fmt.Errorf("database.max_age must not be negative")
	}

	if cfg.Timers.Purge <= 0 {
		return fmt.Errorf("timers.purge must be positive")
	}
	if cfg.Timers.Sysinfo <= 0 {
		return fmt.Errorf("timers.sysinfo must be positive")
	}
	if cfg.Sockets.Timeout <= 0 {
		return fmt.Errorf("sockets.timeout must be positive")
	}

	switch cfg.Syslog.ExcludePolicy {
	case ExcludeStop, ExcludeContinue:
	default:
		return fmt.Errorf("syslog.exclude_policy must be %s or %s, got %q",
			ExcludeStop, ExcludeContinue, cfg.Syslog.ExcludePolicy)
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	// Static alert types
	ids := make(map[uint32]bool)
	names := make(map[string]bool)
	for _, t := range cfg.Types {
		if t.ID == 0 {
			return fmt.Errorf("alert type %q: id can not be 0", t.Name)
		}
		if t.ID >= database.RegisteredTypeBase {
			return fmt.Errorf("alert type %q: id %d is in the registered range (>= %d)",
				t.Name, t.ID, database.RegisteredTypeBase)
		}
		if t.Name == "" {
			return fmt.Errorf("alert type %d: name can not be empty", t.ID)
		}
		if ids[t.ID] {
			return fmt.Errorf("alert id already defined: %d", t.ID)
		}
		if names[t.Name] {
			return fmt.Errorf("alert type already defined: %s", t.Name)
		}
		ids[t.ID] = true
		names[t.Name] = true
	}

	return nil
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}

// SetupLogging applies the logging section to the standard logrus logger.
func SetupLogging(cfg LoggingConfig, debug bool) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
