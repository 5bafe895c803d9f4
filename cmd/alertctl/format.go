package main

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"time"

	"alertd/internal/database"
)

const timestampLayout = "2006-01-02 15:04:05"

// flagString renders the transient and behavioural flags, one column each.
func flagString(flags uint32) string {
	cols := []struct {
		bit  uint32
		char byte
	}{
		{database.FlagNotified, 'n'},
		{database.FlagResolved, 'r'},
		{database.FlagAutoResolve, 'a'},
	}

	b := make([]byte, len(cols))
	for i, c := range cols {
		b[i] = '-'
		if flags&c.bit != 0 {
			b[i] = c.char
		}
	}
	return string(b)
}

func formatAlert(a *database.Alert, typeName string, loc *time.Location) string {
	if typeName == "" {
		typeName = "UNKNOWN"
	}
	return fmt.Sprintf("#%d %s %s [%s] %s: %s",
		a.ID,
		a.Updated.In(loc).Format(timestampLayout),
		database.LevelName(a.Flags),
		flagString(a.Flags),
		typeName,
		a.Desc)
}

// resolveUser accepts a numeric uid or a user name.
func resolveUser(s string) (uint32, error) {
	if uid, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(uid), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, fmt.Errorf("unknown user %s: %w", s, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("user %s has non-numeric uid %s", s, u.Uid)
	}
	return uint32(uid), nil
}

// description joins the -desc flag with any remaining arguments.
func description(flagDesc string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	if flagDesc != "" {
		parts = append(parts, flagDesc)
	}
	parts = append(parts, args...)
	return strings.Join(parts, " ")
}
