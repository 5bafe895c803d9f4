// internal/transport/errors.go
package transport

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// HangupError reports that the peer closed the connection.
type HangupError struct {
	FD int
}

func (e *HangupError) Error() string {
	return fmt.Sprintf("socket hangup on fd %d", e.FD)
}

// TimeoutError reports that a read or write made no progress within the I/O timeout.
type TimeoutError struct {
	FD int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("socket timeout on fd %d", e.FD)
}

// SocketError wraps any other OS level failure.
type SocketError struct {
	Op  string
	FD  int
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket %s failed on fd %d: %v", e.Op, e.FD, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// Errno returns the underlying errno, or 0 when the error did not come from the OS.
func (e *SocketError) Errno() unix.Errno {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

// Kind classifies a transport error for logging and metrics.
func Kind(err error) string {
	var (
		hangup  *HangupError
		timeout *TimeoutError
		sockErr *SocketError
	)
	switch {
	case errors.As(err, &hangup):
		return "hangup"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &sockErr):
		return "socket"
	}
	return "other"
}
