// internal/transport/conn.go
package transport

import (
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTimeout bounds how long a read or write may go without progress.
const DefaultTimeout = 10 * time.Second

// Conn is a non-blocking Unix stream socket presented as blocking-with-timeout.
type Conn struct {
	fd      int
	timeout time.Duration
}

func newConn(fd int, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Conn{fd: fd, timeout: timeout}
}

func (c *Conn) FD() int {
	return c.fd
}

// ReadFull fills buf completely.
func (c *Conn) ReadFull(buf []byte) error {
	last := time.Now()
	for off := 0; off < len(buf); {
		n, err := unix.Read(c.fd, buf[off:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := c.wait(unix.POLLIN, last); err != nil {
				return err
			}
			continue
		case err == unix.ECONNRESET:
			return &HangupError{FD: c.fd}
		case err != nil:
			return &SocketError{Op: "read", FD: c.fd, Err: err}
		case n == 0:
			return &HangupError{FD: c.fd}
		}
		off += n
		last = time.Now()
	}
	return nil
}

// WriteFull writes all of buf.
func (c *Conn) WriteFull(buf []byte) error {
	last := time.Now()
	for off := 0; off < len(buf); {
		n, err := unix.SendmsgN(c.fd, buf[off:], nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := c.wait(unix.POLLOUT, last); err != nil {
				return err
			}
			continue
		case err == unix.EPIPE || err == unix.ECONNRESET:
			return &HangupError{FD: c.fd}
		case err != nil:
			return &SocketError{Op: "write", FD: c.fd, Err: err}
		}
		off += n
		last = time.Now()
	}
	return nil
}

// wait blocks until the descriptor is ready for events or the timeout since
// the last progress expires.
func (c *Conn) wait(events int16, last time.Time) error {
	remaining := c.timeout - time.Since(last)
	if remaining <= 0 {
		return &TimeoutError{FD: c.fd}
	}

	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	ms := int(remaining / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	if _, err := unix.Poll(fds, ms); err != nil && err != unix.EINTR {
		return &SocketError{Op: "poll", FD: c.fd, Err: err}
	}
	return nil
}

func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
