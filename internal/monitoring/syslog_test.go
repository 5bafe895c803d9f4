package monitoring

import (
	"testing"

	"alertd/internal/config"
	"alertd/internal/database"
)

func syslogSource(typeName string, locales map[string]config.LocaleConfig) config.SyslogSource {
	return config.SyslogSource{
		Type:    typeName,
		Level:   database.LevelWarn,
		Locales: locales,
	}
}

func TestSyslogMatcherScenarios(t *testing.T) {
	oom := config.SyslogSource{
		Type:  "OOM",
		Level: database.LevelCrit,
		Locales: map[string]config.LocaleConfig{
			"en": {Pattern: `Out of memory: Kill process ([0-9]+)`, Text: "OOM killed PID $1"},
		},
	}

	tests := []struct {
		name     string
		sources  []config.SyslogSource
		locale   string
		policy   string
		line     string
		wantType string
		wantDesc string
		outcome  string
	}{
		{
			name:     "oom scenario",
			sources:  []config.SyslogSource{oom},
			locale:   "en",
			line:     "kernel: Out of memory: Kill process 1234",
			wantType: "OOM",
			wantDesc: "OOM killed PID 1234",
			outcome:  SyslogMatched,
		},
		{
			name:     "english fallback for missing locale",
			sources:  []config.SyslogSource{oom},
			locale:   "de",
			line:     "kernel: Out of memory: Kill process 99",
			wantType: "OOM",
			wantDesc: "OOM killed PID 99",
			outcome:  SyslogMatched,
		},
		{
			name: "locale pattern preferred",
			sources: []config.SyslogSource{syslogSource("DISK", map[string]config.LocaleConfig{
				"en": {Pattern: `disk (\w+) failed`, Text: "Disk $1 failed"},
				"de": {Pattern: `Platte (\w+) defekt`, Text: "Platte $1 defekt"},
			})},
			locale:   "de",
			line:     "Platte sda defekt",
			wantType: "DISK",
			wantDesc: "Platte sda defekt",
			outcome:  SyslogMatched,
		},
		{
			name: "no usable pattern is inert",
			sources: []config.SyslogSource{syslogSource("DISK", map[string]config.LocaleConfig{
				"fr": {Pattern: `disque (\w+)`, Text: "Disque $1"},
			})},
			locale:  "de",
			line:    "disque sda",
			outcome: SyslogUnmatched,
		},
		{
			name: "bad locale regex falls back",
			sources: []config.SyslogSource{syslogSource("DISK", map[string]config.LocaleConfig{
				"de": {Pattern: `Platte (`, Text: "broken"},
				"en": {Pattern: `disk (\w+) failed`, Text: "Disk $1 failed"},
			})},
			locale:   "de",
			line:     "disk sdb failed",
			wantType: "DISK",
			wantDesc: "Disk sdb failed",
			outcome:  SyslogMatched,
		},
		{
			name: "named groups",
			sources: []config.SyslogSource{syslogSource("AUTH", map[string]config.LocaleConfig{
				"en": {Pattern: `Failed password for (?P<user>\w+) from (?P<host>[0-9.]+)`, Text: "Login failure for $user from $host"},
			})},
			locale:   "en",
			line:     "sshd[42]: Failed password for root from 10.0.0.1 port 22",
			wantType: "AUTH",
			wantDesc: "Login failure for root from 10.0.0.1",
			outcome:  SyslogMatched,
		},
		{
			name: "explicit match map",
			sources: []config.SyslogSource{syslogSource("LINK", map[string]config.LocaleConfig{
				"en": {
					Pattern: `(\w+): link (up|down)`,
					Text:    "Interface $iface is $state",
					Match:   map[int]string{1: "iface", 2: "state"},
				},
			})},
			locale:   "en",
			line:     "eth0: link down",
			wantType: "LINK",
			wantDesc: "Interface eth0 is down",
			outcome:  SyslogMatched,
		},
		{
			name: "longest placeholder first",
			sources: []config.SyslogSource{syslogSource("MANY", map[string]config.LocaleConfig{
				"en": {
					Pattern: `(a)(b)(c)(d)(e)(f)(g)(h)(i)(j)(k)`,
					Text:    "$1-$10-$11",
				},
			})},
			locale:   "en",
			line:     "abcdefghijk",
			wantType: "MANY",
			wantDesc: "a-j-k",
			outcome:  SyslogMatched,
		},
		{
			name: "empty capture tries the next rule",
			sources: []config.SyslogSource{
				syslogSource("FIRST", map[string]config.LocaleConfig{
					"en": {Pattern: `error:(\w*)`, Text: "Error $1"},
				}),
				syslogSource("SECOND", map[string]config.LocaleConfig{
					"en": {Pattern: `error`, Text: "Unspecified error"},
				}),
			},
			locale:   "en",
			line:     "error:",
			wantType: "SECOND",
			wantDesc: "Unspecified error",
			outcome:  SyslogMatched,
		},
		{
			name: "empty capture alone drops the line",
			sources: []config.SyslogSource{syslogSource("FIRST", map[string]config.LocaleConfig{
				"en": {Pattern: `error:(\w*)`, Text: "Error $1"},
			})},
			locale:  "en",
			line:    "error:",
			outcome: SyslogUnmatched,
		},
		{
			name: "exclude stops evaluation",
			sources: []config.SyslogSource{
				{Type: "NOISE", Exclude: true, Locales: map[string]config.LocaleConfig{"en": {Pattern: `cron`}}},
				syslogSource("CRON", map[string]config.LocaleConfig{
					"en": {Pattern: `cron\[(\d+)\]`, Text: "cron $1"},
				}),
			},
			locale:  "en",
			policy:  config.ExcludeStop,
			line:    "cron[12]: job done",
			outcome: SyslogExcluded,
		},
		{
			name: "exclude continues with policy",
			sources: []config.SyslogSource{
				{Type: "NOISE", Exclude: true, Locales: map[string]config.LocaleConfig{"en": {Pattern: `cron`}}},
				syslogSource("CRON", map[string]config.LocaleConfig{
					"en": {Pattern: `cron\[(\d+)\]`, Text: "cron $1"},
				}),
			},
			locale:   "en",
			policy:   config.ExcludeContinue,
			line:     "cron[12]: job done",
			wantType: "CRON",
			wantDesc: "cron 12",
			outcome:  SyslogMatched,
		},
		{
			name:    "no match",
			sources: []config.SyslogSource{oom},
			locale:  "en",
			line:    "systemd: Started session",
			outcome: SyslogUnmatched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := tt.policy
			if policy == "" {
				policy = config.ExcludeStop
			}
			m := NewSyslogMatcher(tt.sources, tt.locale, policy)

			match, outcome := m.Match(tt.line)
			if outcome != tt.outcome {
				t.Errorf("expected outcome %s, got %s", tt.outcome, outcome)
			}
			if tt.wantType == "" {
				if match != nil {
					t.Errorf("expected no alert, got %+v", match)
				}
				return
			}
			if match == nil {
				t.Fatal("expected an alert, got none")
			}
			if match.TypeName != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, match.TypeName)
			}
			if match.Desc != tt.wantDesc {
				t.Errorf("expected desc %q, got %q", tt.wantDesc, match.Desc)
			}
		})
	}
}

func TestSyslogMatchFlags(t *testing.T) {
	src := config.SyslogSource{
		Type:        "OOM",
		Level:       database.LevelCrit,
		AutoResolve: true,
		Locales: map[string]config.LocaleConfig{
			"en": {Pattern: `Out of memory`, Text: "Out of memory"},
		},
	}
	m := NewSyslogMatcher([]config.SyslogSource{src}, "en", config.ExcludeStop)

	match, _ := m.Match("kernel: Out of memory")
	if match == nil {
		t.Fatal("expected a match")
	}
	if match.Flags&database.LevelMask != database.LevelCrit {
		t.Errorf("expected CRIT level, got %#x", match.Flags)
	}
	if match.Flags&database.FlagAutoResolve == 0 {
		t.Errorf("expected auto-resolve flag, got %#x", match.Flags)
	}
}
