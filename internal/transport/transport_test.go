package transport

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func listenAndDial(t *testing.T, timeout time.Duration) (*Server, *Conn, *Conn) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.socket")
	srv, err := Listen(path, timeout)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	client, err := Dial(path, 1, timeout)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var peer *Conn
	deadline := time.Now().Add(2 * time.Second)
	for peer == nil && time.Now().Before(deadline) {
		if peer, err = srv.Accept(); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		if peer == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if peer == nil {
		t.Fatal("no connection accepted")
	}
	t.Cleanup(func() { peer.Close() })

	return srv, client, peer
}

func TestConnRoundTrip(t *testing.T) {
	_, client, peer := listenAndDial(t, time.Second)

	msg := []byte("hello over a unix socket")
	if err := client.WriteFull(msg); err != nil {
		t.Fatalf("WriteFull failed: %v", err)
	}

	got := make([]byte, len(msg))
	if err := peer.ReadFull(got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if string(got) != string(msg) {
		t.Errorf("expected %q, got %q", msg, got)
	}
}

func TestConnHangup(t *testing.T) {
	_, client, peer := listenAndDial(t, time.Second)

	client.Close()

	err := peer.ReadFull(make([]byte, 4))
	var hangup *HangupError
	if !errors.As(err, &hangup) {
		t.Fatalf("expected HangupError, got %v", err)
	}
	if hangup.FD != peer.FD() {
		t.Errorf("expected fd %d, got %d", peer.FD(), hangup.FD)
	}
	if Kind(err) != "hangup" {
		t.Errorf("expected kind hangup, got %s", Kind(err))
	}
}

func TestConnTimeout(t *testing.T) {
	_, _, peer := listenAndDial(t, 100*time.Millisecond)

	start := time.Now()
	err := peer.ReadFull(make([]byte, 4))

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected to wait for the timeout, returned after %v", elapsed)
	}
}

func TestDialFailure(t *testing.T) {
	saved := RetryInterval
	RetryInterval = 10 * time.Millisecond
	defer func() { RetryInterval = saved }()

	_, err := Dial(filepath.Join(t.TempDir(), "missing.socket"), 2, time.Second)

	var sockErr *SocketError
	if !errors.As(err, &sockErr) {
		t.Fatalf("expected SocketError, got %v", err)
	}
	if sockErr.Op != "connect" {
		t.Errorf("expected connect op, got %s", sockErr.Op)
	}
	if sockErr.Errno() == 0 {
		t.Error("expected an errno to be recorded")
	}
}

func TestAcceptWithoutPending(t *testing.T) {
	srv, err := Listen(filepath.Join(t.TempDir(), "events.socket"), time.Second)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer srv.Close()

	conn, err := srv.Accept()
	if err != nil || conn != nil {
		t.Errorf("expected nil connection and no error, got %v, %v", conn, err)
	}
}

func TestSyslogDrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog.socket")
	src, err := ListenSyslog(path)
	if err != nil {
		t.Fatalf("ListenSyslog failed: %v", err)
	}
	defer src.Close()

	lines, err := src.Drain()
	if err != nil || len(lines) != 0 {
		t.Fatalf("expected empty drain, got %v, %v", lines, err)
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("failed to dial syslog socket: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{"<3>kernel: first\n", "second\x00"} {
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	lines, err = src.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "kernel: first" || lines[1] != "second" {
		t.Errorf("unexpected lines: %q", lines)
	}
}

func TestSyslogDrainLimit(t *testing.T) {
	saved := MaxDrainLines
	MaxDrainLines = 2
	defer func() { MaxDrainLines = saved }()

	path := filepath.Join(t.TempDir(), "syslog.socket")
	src, err := ListenSyslog(path)
	if err != nil {
		t.Fatalf("ListenSyslog failed: %v", err)
	}
	defer src.Close()

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("failed to dial syslog socket: %v", err)
	}
	defer conn.Close()

	for _, msg := range []string{"one", "two", "three", "four", "five"} {
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	tests := []struct {
		name string
		want []string
	}{
		{"first batch", []string{"one", "two"}},
		{"second batch", []string{"three", "four"}},
		{"remainder", []string{"five"}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := src.Drain()
			if err != nil {
				t.Fatalf("Drain failed: %v", err)
			}
			if len(lines) != len(tt.want) {
				t.Fatalf("expected %q, got %q", tt.want, lines)
			}
			for i := range tt.want {
				if lines[i] != tt.want[i] {
					t.Errorf("line %d: expected %q, got %q", i, tt.want[i], lines[i])
				}
			}
		})
	}
}

func TestParseSyslogLine(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"<13>Oct 11 22:14:15 host app: message\n", "Oct 11 22:14:15 host app: message"},
		{"plain line", "plain line"},
		{"<abc>not a priority", "<abc>not a priority"},
		{"trailing\r\n\x00", "trailing"},
		{"<1>", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseSyslogLine([]byte(tt.in)); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
