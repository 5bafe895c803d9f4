package monitoring

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alertd/internal/config"
	"alertd/internal/database"
	"alertd/internal/metrics"
	"alertd/internal/protocol"
	"alertd/internal/transport"
)

const engineConfig = `
database:
  path: %DIR%/alerts.db
  max_age: 24h
sockets:
  timeout: 2s
  connect_attempts: 20
timers:
  purge: 1h
  sysinfo: 50ms
locale: en
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
  - source: syslog
    type: BACKUP
    level: WARN
    locales:
      en:
        pattern: 'backup failed on (\S+)'
        text: 'Backup of $1 failed'
  - source: sysinfo
    type: LOAD
    level: WARN
    key: LOAD_5M
    threshold: 4.0
    duration: 0s
    auto_resolve: true
    locales:
      en:
        text: 'Load average above $threshold'
`

type testEngine struct {
	engine *Engine
	cfg    *config.Config
	done   chan error
}

// startEngine runs an engine on a fresh configuration and store.
func startEngine(t *testing.T, sampler Sampler) *testEngine {
	t.Helper()

	te := newTestEngine(t, sampler)
	go func() {
		te.done <- te.engine.Run(context.Background())
	}()

	t.Cleanup(func() {
		te.engine.Quit()
		select {
		case err := <-te.done:
			if err != nil {
				t.Errorf("engine returned error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("engine did not stop after quit")
		}
	})
	return te
}

// newTestEngine builds an engine without running it. Socket paths must fit
// in sun_path, so the directory is kept short.
func newTestEngine(t *testing.T, sampler Sampler) *testEngine {
	t.Helper()

	saved := transport.RetryInterval
	transport.RetryInterval = 20 * time.Millisecond
	t.Cleanup(func() { transport.RetryInterval = saved })

	dir, err := os.MkdirTemp("", "alertd")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "alertd.yaml")
	content := []byte(replaceDir(engineConfig, dir))
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	store, err := database.Open(cfg.Database.Type, cfg.Database.Path)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	e := NewEngine(cfg, store, metrics.NewCollector(store))
	e.SetSampler(sampler)
	t.Cleanup(func() { store.Close() })

	return &testEngine{engine: e, cfg: cfg, done: make(chan error, 1)}
}

func replaceDir(s, dir string) string {
	return strings.ReplaceAll(s, "%DIR%", dir)
}

func (te *testEngine) dial(t *testing.T) *protocol.Client {
	t.Helper()
	c, err := protocol.Dial(te.cfg.Sockets.Events, te.cfg.Sockets.ConnectAttempts, te.cfg.Sockets.Timeout)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (te *testEngine) sendSyslog(t *testing.T, line string) {
	t.Helper()
	addr := &net.UnixAddr{Name: te.cfg.Sockets.Syslog, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		t.Fatalf("failed to dial syslog socket: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("failed to send syslog line: %v", err)
	}
}

// waitForAlerts polls until query returns at least one alert.
func waitForAlerts(t *testing.T, c *protocol.Client, query database.AlertQuery) []database.Alert {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		alerts, err := c.SelectAlerts(query)
		if err != nil {
			t.Fatalf("SelectAlerts failed: %v", err)
		}
		if len(alerts) > 0 {
			return alerts
		}
		if time.Now().After(deadline) {
			t.Fatalf("no alerts matching %+v", query)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEngineInsertAndSelect(t *testing.T) {
	te := startEngine(t, &fakeSampler{})
	c := te.dial(t)

	alert := &database.Alert{Type: 1, Flags: database.LevelWarn, Origin: "test", UUID: "abc", Desc: "manual alert"}
	id, err := c.InsertAlert(alert)
	if err != nil {
		t.Fatalf("InsertAlert failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero alert id")
	}

	again, err := c.InsertAlert(alert)
	if err != nil {
		t.Fatalf("InsertAlert failed: %v", err)
	}
	if again != id {
		t.Errorf("expected duplicate to reuse id %d, got %d", id, again)
	}

	alerts, err := c.SelectAlerts(database.AlertQuery{Type: 1})
	if err != nil {
		t.Fatalf("SelectAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Desc != "manual alert" || alerts[0].UUID != "abc" {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}

	_, err = c.InsertAlert(&database.Alert{Type: 777, Flags: database.LevelWarn, Desc: "unknown"})
	var re *protocol.ResultError
	if !errors.As(err, &re) || re.Code != protocol.ResultInvalid {
		t.Errorf("expected INVALID for an unknown type, got %v", err)
	}

	count, err := c.MarkAsResolved(1)
	if err != nil {
		t.Fatalf("MarkAsResolved failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 resolved alert, got %d", count)
	}
	open, err := c.SelectAlerts(database.AlertQuery{Type: 1})
	if err != nil {
		t.Fatalf("SelectAlerts failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open alerts, got %d", len(open))
	}
}

func TestEngineSyslogAlert(t *testing.T) {
	te := startEngine(t, &fakeSampler{})
	c := te.dial(t)

	te.sendSyslog(t, "<3>kernel: Out of memory: Kill process 1234")

	alerts := waitForAlerts(t, c, database.AlertQuery{Type: 1})
	if alerts[0].Desc != "OOM killed PID 1234" {
		t.Errorf("unexpected desc %q", alerts[0].Desc)
	}
	if alerts[0].Origin != OriginSyslog || alerts[0].Level() != database.LevelCrit {
		t.Errorf("unexpected alert %+v", alerts[0])
	}
}

func TestEngineRegisteredTypeSyslogAlert(t *testing.T) {
	te := startEngine(t, &fakeSampler{})
	c := te.dial(t)

	id, err := c.RegisterType("BACKUP")
	if err != nil {
		t.Fatalf("RegisterType failed: %v", err)
	}
	if id < database.RegisteredTypeBase {
		t.Fatalf("expected a registered id, got %d", id)
	}

	te.sendSyslog(t, "<14>backupd: backup failed on /srv")

	alerts := waitForAlerts(t, c, database.AlertQuery{Type: id})
	if alerts[0].Desc != "Backup of /srv failed" {
		t.Errorf("unexpected desc %q", alerts[0].Desc)
	}

	types, err := c.ListTypes()
	if err != nil {
		t.Fatalf("ListTypes failed: %v", err)
	}
	names := make(map[string]uint32)
	for _, ty := range types {
		names[ty.Name] = ty.ID
	}
	if names["OOM"] != 1 || names["LOAD"] != 2 || names["BACKUP"] != id {
		t.Errorf("unexpected type list %+v", types)
	}

	if _, err := c.RegisterType("OOM"); err == nil {
		t.Error("expected registering a static type to fail")
	}

	if err := c.DeregisterType("BACKUP"); err != nil {
		t.Fatalf("DeregisterType failed: %v", err)
	}
	if err := c.DeregisterType("BACKUP"); !protocol.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestEngineThresholdAlert(t *testing.T) {
	te := startEngine(t, &fakeSampler{load5: 5.0})
	c := te.dial(t)

	alerts := waitForAlerts(t, c, database.AlertQuery{Type: 2})
	if alerts[0].Desc != "Load average above 4" {
		t.Errorf("unexpected desc %q", alerts[0].Desc)
	}
	if alerts[0].Flags&database.FlagAutoResolve == 0 {
		t.Errorf("expected auto-resolve flag, got %#x", alerts[0].Flags)
	}
	if len(alerts) != 1 {
		t.Errorf("expected the threshold to fire once, got %d alerts", len(alerts))
	}
}

func TestEngineOverrides(t *testing.T) {
	te := startEngine(t, &fakeSampler{})
	c := te.dial(t)

	if err := c.SetOverride(1, database.FlagIgnore); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if err := c.SetOverride(2, database.LevelWarn|database.LevelCrit); err == nil {
		t.Error("expected an invalid override to be rejected")
	}

	overrides, err := c.ListOverrides()
	if err != nil {
		t.Fatalf("ListOverrides failed: %v", err)
	}
	if len(overrides) != 1 || overrides[0].Type != 1 || overrides[0].Flags != database.FlagIgnore {
		t.Fatalf("unexpected overrides %+v", overrides)
	}

	id, err := c.InsertAlert(&database.Alert{Type: 1, Flags: database.LevelCrit, Desc: "ignored"})
	if err != nil {
		t.Fatalf("InsertAlert failed: %v", err)
	}
	if id != 0 {
		t.Errorf("expected a suppressed alert to report id 0, got %d", id)
	}

	if err := c.ClearOverride(1); err != nil {
		t.Fatalf("ClearOverride failed: %v", err)
	}
	if err := c.ClearOverride(1); !protocol.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestEngineVersionMismatch(t *testing.T) {
	te := startEngine(t, &fakeSampler{})

	conn, err := transport.Dial(te.cfg.Sockets.Events, te.cfg.Sockets.ConnectAttempts, te.cfg.Sockets.Timeout)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	c := protocol.NewClient(conn)
	defer c.Close()

	if err := c.Negotiate(protocol.Version + 1); !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if _, err := c.ListTypes(); err == nil {
		t.Error("expected the server to drop the connection")
	}
}

func TestEngineUnknownOpcode(t *testing.T) {
	te := startEngine(t, &fakeSampler{})

	conn, err := transport.Dial(te.cfg.Sockets.Events, te.cfg.Sockets.ConnectAttempts, te.cfg.Sockets.Timeout)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	if err := protocol.NewClient(conn).Negotiate(protocol.Version); err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}

	pkt := protocol.NewPacket()
	pkt.Reset(protocol.Opcode(0x42))
	if err := pkt.Write(conn); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := pkt.Read(conn); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if pkt.Opcode() != protocol.OpResult {
		t.Fatalf("expected a result, got %s", pkt.Opcode())
	}
	code, err := pkt.Uint8()
	if err != nil {
		t.Fatalf("failed to read result code: %v", err)
	}
	if protocol.Result(code) != protocol.ResultInvalid {
		t.Errorf("expected INVALID, got %s", protocol.Result(code))
	}
}

func TestEngineReload(t *testing.T) {
	te := startEngine(t, &fakeSampler{})
	c := te.dial(t)

	updated := replaceDir(engineConfig, filepath.Dir(te.cfg.Path())) + `
  - source: syslog
    type: OOM
    level: WARN
    locales:
      en:
        pattern: 'segfault at ([0-9a-f]+)'
        text: 'Segfault at $1'
`
	if err := os.WriteFile(te.cfg.Path(), []byte(updated), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	te.engine.Reload()

	// the line may arrive before the reload is handled; resend until it matches
	deadline := time.Now().Add(3 * time.Second)
	for {
		te.sendSyslog(t, "kernel: app[1]: segfault at 7f00")
		alerts, err := c.SelectAlerts(database.AlertQuery{Type: 1})
		if err != nil {
			t.Fatalf("SelectAlerts failed: %v", err)
		}
		if len(alerts) > 0 {
			if alerts[0].Desc != "Segfault at 7f00" {
				t.Errorf("unexpected desc %q", alerts[0].Desc)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("reloaded rule never matched")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestEngineQuitWithFullQueue(t *testing.T) {
	te := newTestEngine(t, &fakeSampler{})
	e := te.engine

	for i := 0; i < eventQueueSize; i++ {
		if !e.Post(Event{Type: EventReload}) {
			t.Fatalf("event %d rejected before the queue was full", i)
		}
	}
	if e.Post(Event{Type: EventTimer, Timer: TimerPurge}) {
		t.Fatal("expected a full queue to reject the event")
	}

	e.Quit()
	e.Quit()

	go func() {
		te.done <- e.Run(context.Background())
	}()

	select {
	case err := <-te.done:
		if err != nil {
			t.Errorf("engine returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		e.Quit()
		t.Fatal("engine did not stop after quit with a full queue")
	}
}

func TestEngineQuitEvent(t *testing.T) {
	te := newTestEngine(t, &fakeSampler{})

	if !te.engine.Post(Event{Type: EventQuit}) {
		t.Fatal("expected quit to be accepted")
	}
	go func() {
		te.done <- te.engine.Run(context.Background())
	}()

	select {
	case <-te.done:
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop after a posted quit")
	}
}

func TestEngineConfigFollowsReload(t *testing.T) {
	te := startEngine(t, &fakeSampler{})
	before := te.engine.Config()
	if before != te.cfg {
		t.Fatal("expected the startup configuration before any reload")
	}

	te.engine.Reload()
	deadline := time.Now().Add(3 * time.Second)
	for te.engine.Config() == before {
		if time.Now().After(deadline) {
			t.Fatal("configuration was not replaced after reload")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := te.engine.Config().Path(); got != before.Path() {
		t.Errorf("expected reloaded config from %s, got %s", before.Path(), got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"€uro", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
