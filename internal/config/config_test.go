package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alertd/internal/database"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

const baseConfig = `
database:
  path: /tmp/alertd-test/alerts.db
types:
  - id: 1
    name: OOM
  - id: 2
    name: LOAD
alerts:
  - source: syslog
    type: OOM
    level: CRIT
    locales:
      en:
        pattern: 'Out of memory: Kill process ([0-9]+)'
        text: 'OOM killed PID $1'
  - source: sysinfo
    type: LOAD
    level: WARN
    key: LOAD_5M
    threshold: 4.0
    duration: 60s
    auto_resolve: true
    locales:
      en:
        text: 'Load average above $threshold'
`

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alertd.yaml")
	writeFile(t, path, baseConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Path() != path {
		t.Errorf("expected path %s, got %s", path, cfg.Path())
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("expected sqlite database, got %s", cfg.Database.Type)
	}
	if cfg.Sockets.Events != "/tmp/alertd-test/events.socket" {
		t.Errorf("expected events socket next to the database, got %s", cfg.Sockets.Events)
	}
	if cfg.Sockets.Syslog != "/tmp/alertd-test/syslog.socket" {
		t.Errorf("expected syslog socket next to the database, got %s", cfg.Sockets.Syslog)
	}
	if cfg.Timers.Sysinfo != 5*time.Second || cfg.Timers.Purge != 60*time.Second {
		t.Errorf("unexpected timers: %+v", cfg.Timers)
	}
	if cfg.Database.MaxAge != 24*time.Hour {
		t.Errorf("expected 24h max age, got %s", cfg.Database.MaxAge)
	}
	if !cfg.SyslogEnabled() {
		t.Error("expected syslog to be enabled by default")
	}
	if cfg.Syslog.ExcludePolicy != ExcludeStop {
		t.Errorf("expected exclude policy %s, got %s", ExcludeStop, cfg.Syslog.ExcludePolicy)
	}

	if len(cfg.SyslogSources) != 1 {
		t.Fatalf("expected 1 syslog source, got %d", len(cfg.SyslogSources))
	}
	if cfg.SyslogSources[0].Level != database.LevelCrit {
		t.Errorf("expected CRIT level, got %#x", cfg.SyslogSources[0].Level)
	}

	if len(cfg.SysinfoSources) != 1 {
		t.Fatalf("expected 1 sysinfo source, got %d", len(cfg.SysinfoSources))
	}
	src := cfg.SysinfoSources[0]
	if src.Key != KeyLoad5M || src.Threshold != 4.0 || src.Duration != time.Minute || !src.AutoResolve {
		t.Errorf("unexpected sysinfo source: %+v", src)
	}
	if src.Text["en"] != "Load average above $threshold" {
		t.Errorf("unexpected text: %v", src.Text)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "duplicate type id",
			content: "types:\n  - {id: 1, name: A}\n  - {id: 1, name: B}\n",
			wantErr: "alert id already defined",
		},
		{
			name:    "duplicate type name",
			content: "types:\n  - {id: 1, name: A}\n  - {id: 2, name: A}\n",
			wantErr: "alert type already defined",
		},
		{
			name:    "type id zero",
			content: "types:\n  - {id: 0, name: A}\n",
			wantErr: "can not be 0",
		},
		{
			name:    "type id in registered range",
			content: "types:\n  - {id: 10000, name: A}\n",
			wantErr: "registered range",
		},
		{
			name:    "bad database type",
			content: "database:\n  type: mysql\n",
			wantErr: "database.type",
		},
		{
			name:    "bad exclude policy",
			content: "syslog:\n  exclude_policy: sometimes\n",
			wantErr: "exclude_policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "alertd.yaml")
			writeFile(t, path, tt.content)

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClassifySkipsBadSources(t *testing.T) {
	alerts := []AlertConfig{
		{Source: SourceSyslog, Type: "A", Locales: map[string]LocaleConfig{"en": {Pattern: "x"}}},
		{Source: SourceSyslog, Type: "", Locales: map[string]LocaleConfig{"en": {Pattern: "x"}}},
		{Source: SourceSyslog, Type: "B"},
		{Source: SourceSyslog, Type: "C", Level: "LOUD", Locales: map[string]LocaleConfig{"en": {Pattern: "x"}}},
		{Source: SourceSysinfo, Type: "D", Key: "CPU_TEMP"},
		{Source: SourceSysinfo, Type: "E", Key: KeyVolUsage},
		{Source: SourceSysinfo, Type: "F", Key: KeyVolUsage, Path: "/var"},
		{Source: "snmp", Type: "G"},
	}

	syslogSources, sysinfoSources := classify(alerts)
	if len(syslogSources) != 1 || syslogSources[0].Type != "A" {
		t.Errorf("expected only syslog source A, got %+v", syslogSources)
	}
	if syslogSources[0].Level != database.LevelNorm {
		t.Errorf("expected default level NORM, got %#x", syslogSources[0].Level)
	}
	if len(sysinfoSources) != 1 || sysinfoSources[0].Type != "F" {
		t.Errorf("expected only sysinfo source F, got %+v", sysinfoSources)
	}
}

func TestIncludesMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alertd.yaml")
	writeFile(t, path, `
types:
  - {id: 1, name: OOM}
include:
  enabled: true
  directory: conf.d
`)
	writeFile(t, filepath.Join(dir, "conf.d", "10-types.yaml"), `
types:
  - {id: 2, name: DISK}
`)
	writeFile(t, filepath.Join(dir, "conf.d", "20-syslog.yml"), `
syslog:
  exclude_policy: continue
alerts:
  - source: syslog
    type: DISK
    locales:
      en: {pattern: 'I/O error', text: 'Disk I/O error'}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Types) != 2 {
		t.Errorf("expected 2 types after merge, got %d", len(cfg.Types))
	}
	if cfg.Syslog.ExcludePolicy != ExcludeContinue {
		t.Errorf("expected exclude policy from include, got %s", cfg.Syslog.ExcludePolicy)
	}
	if len(cfg.SyslogSources) != 1 {
		t.Errorf("expected 1 syslog source from include, got %d", len(cfg.SyslogSources))
	}
	if cfg.IncludeDir() != filepath.Join(dir, "conf.d") {
		t.Errorf("unexpected include dir %s", cfg.IncludeDir())
	}
}

func TestExternOverrides(t *testing.T) {
	dir := t.TempDir()
	extern := filepath.Join(dir, "alertd.ini")
	writeFile(t, extern, "status = disabled\nautopurge = 48\n")

	path := filepath.Join(dir, "alertd.yaml")
	writeFile(t, path, "extern: "+extern+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SyslogEnabled() {
		t.Error("expected extern status to disable syslog")
	}
	if cfg.Database.MaxAge != 48*time.Hour {
		t.Errorf("expected 48h max age, got %s", cfg.Database.MaxAge)
	}
}

func TestLoadExternErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad status", "status = maybe\n"},
		{"bad autopurge", "autopurge = soon\n"},
		{"zero autopurge", "autopurge = 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "alertd.ini")
			writeFile(t, path, tt.content)
			if _, err := LoadExtern(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLocaleFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"nothing set", map[string]string{}, "en"},
		{"lang", map[string]string{"LANG": "de_DE.UTF-8"}, "de"},
		{"lc_all wins", map[string]string{"LC_ALL": "fr_FR", "LANG": "de_DE.UTF-8"}, "fr"},
		{"lc_messages", map[string]string{"LC_MESSAGES": "nl_NL@euro", "LANG": "de_DE"}, "nl"},
		{"posix", map[string]string{"LANG": "POSIX"}, "en"},
		{"c utf-8", map[string]string{"LANG": "C.UTF-8"}, "en"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := localeFromEnv(func(name string) string { return tt.env[name] })
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}

	cfg := &Config{Locale: "sv"}
	if cfg.ProcessLocale() != "sv" {
		t.Errorf("expected configured locale to win, got %s", cfg.ProcessLocale())
	}
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alertd.yaml")
	writeFile(t, path, baseConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	w, err := NewWatcher(cfg, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	go w.Run(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	// unrelated files in the same directory are ignored
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	select {
	case <-changed:
		t.Fatal("unexpected change for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	writeFile(t, path, baseConfig+"\nlocale: de\n")
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}
}
