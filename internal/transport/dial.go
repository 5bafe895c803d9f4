// internal/transport/dial.go
package transport

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RetryInterval is the pause between connection attempts.
var RetryInterval = time.Second

// Dial connects to the stream socket at path, trying up to attempts times.
func Dial(path string, attempts int, timeout time.Duration) (*Conn, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(RetryInterval)
		}

		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return nil, &SocketError{Op: "socket", FD: -1, Err: err}
		}

		if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
			unix.Close(fd)
			lastErr = err
			logrus.WithFields(logrus.Fields{
				"path":    path,
				"attempt": i + 1,
			}).WithError(err).Debug("Connect failed")
			continue
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, &SocketError{Op: "setnonblock", FD: fd, Err: err}
		}
		return newConn(fd, timeout), nil
	}

	return nil, &SocketError{Op: "connect", FD: -1, Err: lastErr}
}
