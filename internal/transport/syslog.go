// internal/transport/syslog.go
package transport

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SyslogSource receives syslog datagrams on a Unix socket.
type SyslogSource struct {
	fd   int
	path string
	buf  []byte
}

// ListenSyslog binds a datagram socket at path, replacing any stale socket file.
func ListenSyslog(path string) (*SyslogSource, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := unlinkStale(path); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &SocketError{Op: "socket", FD: -1, Err: err}
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "bind", FD: fd, Err: err}
	}
	// syslog daemons usually run as another user
	if err := os.Chmod(path, 0666); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set syslog socket permissions: %w", err)
	}

	size, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "getsockopt", FD: fd, Err: err}
	}

	return &SyslogSource{fd: fd, path: path, buf: make([]byte, size)}, nil
}

func (s *SyslogSource) FD() int {
	return s.fd
}

// MaxDrainLines caps the datagrams read by one Drain call. Anything left
// stays queued and makes the socket readable again on the next poll.
var MaxDrainLines = 4096

// Drain returns the datagrams currently queued on the socket, at most
// MaxDrainLines of them.
func (s *SyslogSource) Drain() ([]string, error) {
	var lines []string
	for read := 0; read < MaxDrainLines; read++ {
		n, _, err := unix.Recvfrom(s.fd, s.buf, 0)
		switch {
		case err == unix.EINTR:
			read--
			continue
		case err == unix.EAGAIN:
			return lines, nil
		case err != nil:
			return lines, &SocketError{Op: "recvfrom", FD: s.fd, Err: err}
		}
		if line := ParseSyslogLine(s.buf[:n]); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (s *SyslogSource) Close() error {
	err := unix.Close(s.fd)
	os.Remove(s.path)
	return err
}

// ParseSyslogLine strips the <PRI> prefix and trailing terminators from a datagram.
func ParseSyslogLine(b []byte) string {
	b = bytes.TrimRight(b, "\x00\r\n")
	if len(b) > 2 && b[0] == '<' {
		if end := bytes.IndexByte(b, '>'); end > 1 && end <= 4 && isDigits(b[1:end]) {
			b = b[end+1:]
		}
	}
	return string(b)
}

func isDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
