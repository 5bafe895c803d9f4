// internal/transport/server.go
package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Server is a listening Unix stream socket.
type Server struct {
	fd      int
	path    string
	timeout time.Duration
}

// Listen binds a stream socket at path, replacing any stale socket file.
func Listen(path string, timeout time.Duration) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := unlinkStale(path); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, &SocketError{Op: "socket", FD: -1, Err: err}
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "bind", FD: fd, Err: err}
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, &SocketError{Op: "listen", FD: fd, Err: err}
	}

	return &Server{fd: fd, path: path, timeout: timeout}, nil
}

func (s *Server) FD() int {
	return s.fd
}

func (s *Server) Path() string {
	return s.path
}

// Accept returns the next pending connection, or nil when none is pending.
func (s *Server) Accept() (*Conn, error) {
	for {
		nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.ECONNABORTED:
			return nil, nil
		case err != nil:
			return nil, &SocketError{Op: "accept", FD: s.fd, Err: err}
		}
		return newConn(nfd, s.timeout), nil
	}
}

func (s *Server) Close() error {
	err := unix.Close(s.fd)
	os.Remove(s.path)
	return err
}

func unlinkStale(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}
	return nil
}
