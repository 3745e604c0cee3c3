package inotify

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// aLongTimeAgo is a read deadline in the past, used to wake a parked reader.
var (
	aLongTimeAgo = time.Unix(1, 0)
	timeZero     time.Time
)

// channel owns the inotify descriptor. It is released exactly once.
type channel struct {
	sys       facility
	file      *os.File
	fd        int
	flags     Config
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func openChannel(sys facility, config Config) (*channel, error) {
	fd, err := sys.Init(config.CloseOnExec)
	if err != nil {
		return nil, initError(err)
	}
	if fd < 0 {
		return nil, initError(unix.EBADF)
	}
	return &channel{
		sys:   sys,
		file:  os.NewFile(uintptr(fd), "inotify"),
		fd:    fd,
		flags: config,
	}, nil
}

func (c *channel) isClosed() bool {
	return c == nil || c.closed.Load()
}

// descriptor returns the raw fd, or -1 once closed. Unlike os.File.Fd it does
// not switch the descriptor back to blocking mode.
func (c *channel) descriptor() int {
	if c.isClosed() {
		return -1
	}
	return c.fd
}

// read performs one read into buf. With wait set, EAGAIN parks the goroutine
// in the runtime poller until the descriptor is readable, the deadline passes
// or the channel is closed. Without wait, EAGAIN is returned as is.
func (c *channel) read(buf []byte, wait bool) (int, error) {
	if c.isClosed() {
		return 0, os.ErrClosed
	}
	conn, err := c.file.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var readErr error
	err = conn.Read(func(fd uintptr) bool {
		n, readErr = c.sys.Read(int(fd), buf)
		if readErr == unix.EAGAIN && wait {
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if readErr != nil {
		return 0, readErr
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// control runs fn with the descriptor held open. A concurrent close waits
// until fn returns, so the fd number cannot be reused by another file under
// fn.
func (c *channel) control(fn func(fd int)) error {
	if c.isClosed() {
		return os.ErrClosed
	}
	conn, err := c.file.SyscallConn()
	if err != nil {
		return err
	}
	return conn.Control(func(fd uintptr) {
		fn(int(fd))
	})
}

func (c *channel) setReadDeadline(deadline time.Time) error {
	if c.isClosed() {
		return os.ErrClosed
	}
	return c.file.SetReadDeadline(deadline)
}

func (c *channel) close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
