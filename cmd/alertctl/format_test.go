package main

import (
	"testing"
	"time"

	"alertd/internal/database"
)

func TestFormatAlert(t *testing.T) {
	updated := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	tests := []struct {
		name     string
		alert    database.Alert
		typeName string
		want     string
	}{
		{
			name:     "open critical",
			alert:    database.Alert{ID: 42, Updated: updated, Flags: database.LevelCrit, Desc: "OOM killed PID 1234"},
			typeName: "OOM",
			want:     "#42 2024-03-09 14:05:07 CRIT [---] OOM: OOM killed PID 1234",
		},
		{
			name:     "resolved auto",
			alert:    database.Alert{ID: 7, Updated: updated, Flags: database.LevelWarn | database.FlagResolved | database.FlagAutoResolve, Desc: "Load high"},
			typeName: "LOAD",
			want:     "#7 2024-03-09 14:05:07 WARN [-ra] LOAD: Load high",
		},
		{
			name:  "unknown type",
			alert: database.Alert{ID: 1, Updated: updated, Flags: database.LevelNorm | database.FlagNotified, Desc: "x"},
			want:  "#1 2024-03-09 14:05:07 NORM [n--] UNKNOWN: x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatAlert(&tt.alert, tt.typeName, time.UTC); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolveUser(t *testing.T) {
	uid, err := resolveUser("1000")
	if err != nil || uid != 1000 {
		t.Errorf("expected uid 1000, got %d (%v)", uid, err)
	}

	uid, err = resolveUser("root")
	if err != nil || uid != 0 {
		t.Errorf("expected root to be uid 0, got %d (%v)", uid, err)
	}

	if _, err := resolveUser("no-such-user-alertd"); err == nil {
		t.Error("expected an error for an unknown user")
	}
}

func TestDescription(t *testing.T) {
	tests := []struct {
		flag string
		args []string
		want string
	}{
		{"disk full", nil, "disk full"},
		{"", []string{"disk", "full"}, "disk full"},
		{"disk", []string{"full"}, "disk full"},
		{"", nil, ""},
	}
	for _, tt := range tests {
		if got := description(tt.flag, tt.args); got != tt.want {
			t.Errorf("description(%q, %v) = %q, want %q", tt.flag, tt.args, got, tt.want)
		}
	}
}
