// internal/database/models.go
package database

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Alert flag bits. Exactly one level bit is expected on a stored alert.
const (
	LevelNorm uint32 = 0x1
	LevelWarn uint32 = 0x2
	LevelCrit uint32 = 0x4
	LevelMask uint32 = LevelNorm | LevelWarn | LevelCrit

	FlagNotified    uint32 = 0x100
	FlagResolved    uint32 = 0x200
	FlagAutoResolve uint32 = 0x400
	// FlagIgnore only appears on overrides.
	FlagIgnore uint32 = 0x800

	// TransientFlags change over an alert's lifetime and are left out of its hash.
	TransientFlags = FlagNotified | FlagResolved
)

// RegisteredTypeBase is the first id handed out to client-registered alert types.
const RegisteredTypeBase uint32 = 10000

type Alert struct {
	ID       int64     `json:"id"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	Hash     string    `json:"hash"`
	Flags    uint32    `json:"flags"`
	Type     uint32    `json:"type"`
	User     uint32    `json:"user"`
	Groups   []uint32  `json:"groups,omitempty"`
	Origin   string    `json:"origin"`
	Basename string    `json:"basename"`
	UUID     string    `json:"uuid"`
	Desc     string    `json:"desc"`
}

// ComputeHash returns the dedup key of the alert: a SHA-1 over its type,
// its non-transient flags and its description.
func (a *Alert) ComputeHash() string {
	var buf [8]byte
	binary.NativeEndian.PutUint32(buf[0:4], a.Type)
	binary.NativeEndian.PutUint32(buf[4:8], a.Flags&^TransientFlags)

	h := sha1.New()
	h.Write(buf[:])
	h.Write([]byte(a.Desc))
	return hex.EncodeToString(h.Sum(nil))
}

func (a *Alert) Level() uint32 {
	return a.Flags & LevelMask
}

func (a *Alert) IsResolved() bool {
	return a.Flags&FlagResolved != 0
}

type AlertType struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// IsRegistered reports whether the type was registered by a client rather
// than configured statically.
func (t AlertType) IsRegistered() bool {
	return t.ID >= RegisteredTypeBase
}

// Override forces the level of every alert of Type, or suppresses the type
// entirely when Flags is FlagIgnore.
type Override struct {
	Type  uint32 `json:"type"`
	Flags uint32 `json:"flags"`
}

func (o Override) IsIgnore() bool {
	return o.Flags == FlagIgnore
}

// AlertQuery selects alerts. Zero values match everything except resolved
// alerts, which are only returned when Resolved is set.
type AlertQuery struct {
	Type        uint32
	Flags       uint32
	Resolved    bool
	Since       time.Time
	Limit       int
	NewestFirst bool
}

func (q AlertQuery) Matches(a *Alert) bool {
	if q.Type != 0 && a.Type != q.Type {
		return false
	}
	if q.Flags != 0 && a.Flags&q.Flags == 0 {
		return false
	}
	if !q.Resolved && a.IsResolved() {
		return false
	}
	if !q.Since.IsZero() && a.Updated.Before(q.Since) {
		return false
	}
	return true
}

// DatabaseStats provides information about database size and content
type DatabaseStats struct {
	Backend         string    `json:"backend"`
	TotalAlerts     int       `json:"total_alerts"`
	ResolvedAlerts  int       `json:"resolved_alerts"`
	RegisteredTypes int       `json:"registered_types"`
	Overrides       int       `json:"overrides"`
	DatabaseSize    int64     `json:"database_size_bytes"`
	OldestEntry     time.Time `json:"oldest_entry"`
	NewestEntry     time.Time `json:"newest_entry"`
}

// ParseLevel maps NORM, WARN, CRIT (and IGNORE when allowIgnore is set) to flag bits.
func ParseLevel(name string, allowIgnore bool) (uint32, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NORM", "NORMAL":
		return LevelNorm, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	case "IGNORE":
		if allowIgnore {
			return FlagIgnore, nil
		}
	}
	return 0, fmt.Errorf("invalid alert level: %q", name)
}

// LevelName is the inverse of ParseLevel.
func LevelName(flags uint32) string {
	if flags == FlagIgnore {
		return "IGNORE"
	}
	switch flags & LevelMask {
	case LevelNorm:
		return "NORM"
	case LevelWarn:
		return "WARN"
	case LevelCrit:
		return "CRIT"
	}
	return "UNKN"
}

// ValidOverrideFlags reports whether flags is a single level or the ignore sentinel.
func ValidOverrideFlags(flags uint32) bool {
	switch flags {
	case LevelNorm, LevelWarn, LevelCrit, FlagIgnore:
		return true
	}
	return false
}
