package inotify

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"inowatch/internal/logging"
	"inowatch/internal/metrics"

	"golang.org/x/sys/unix"
)

const (
	// DefaultBufferSize holds about 4096 nameless records per read.
	DefaultBufferSize = 4096 * HeaderSize
	// MinBufferSize always fits one record with a NAME_MAX name.
	MinBufferSize        = HeaderSize + MaxNameLen + 1
	DefaultMaxBufferSize = 1 << 20
)

// Config controls how the channel is opened and read.
type Config struct {
	// NonBlocking makes ReadEvents return an empty result instead of waiting
	// when no event is queued.
	NonBlocking bool
	// CloseOnExec sets IN_CLOEXEC on the descriptor.
	CloseOnExec bool
	// BufferSize is the initial read buffer size. Reads that fail with
	// EINVAL (buffer too small for the next record) double it up to
	// MaxBufferSize.
	BufferSize    int
	MaxBufferSize int
	Logger        *logging.Logger
	Metrics       *metrics.Registry
	// RawHook, when set, sees the bytes of every non-empty read before they
	// are decoded. The slice is reused; copy it to keep it.
	RawHook func(raw []byte)
}

func (config Config) withDefaults() Config {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.BufferSize < HeaderSize {
		config.BufferSize = HeaderSize
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = DefaultMaxBufferSize
	}
	if config.MaxBufferSize < MinBufferSize {
		config.MaxBufferSize = MinBufferSize
	}
	if config.BufferSize > config.MaxBufferSize {
		config.BufferSize = config.MaxBufferSize
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Default
	}
	return config
}

// Controller is the public surface over one inotify channel.
type Controller struct {
	sys     facility
	channel *channel
	table   *WatchTable
	config  Config
	logger  *logging.Logger
	metrics *metrics.Registry
	// buf is owned by the single reader.
	buf []byte
}

// Open creates a new inotify channel.
func Open(config Config) (*Controller, error) {
	return open(unixFacility{}, config)
}

func open(sys facility, config Config) (*Controller, error) {
	config = config.withDefaults()
	logger := config.Logger.Category("channel")

	ch, err := openChannel(sys, config)
	if err != nil {
		config.Metrics.RecordError(KindOf(err).String())
		logger.Error("inotify init failed", map[string]string{logging.FieldError: err.Error()})
		return nil, err
	}
	logger.Debug("inotify channel opened", map[string]string{
		"fd":            strconv.Itoa(ch.fd),
		"nonblocking":   strconv.FormatBool(config.NonBlocking),
		"close_on_exec": strconv.FormatBool(config.CloseOnExec),
	})

	return &Controller{
		sys:     sys,
		channel: ch,
		table:   newWatchTable(),
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		buf:     make([]byte, config.BufferSize),
	}, nil
}

// Close releases the channel. Every watch is dropped with it. Calling Close
// more than once is safe; a read blocked in another goroutine fails with
// ErrChannelClosed.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}
	alreadyClosed := c.channel.isClosed()
	err := c.channel.close()
	if alreadyClosed {
		return nil
	}
	c.table.reset()
	c.metrics.SetActiveWatches(0)
	if err != nil {
		c.logger.Category("channel").Warn("inotify close failed", map[string]string{logging.FieldError: err.Error()})
		return newError("close", KindSystem, err)
	}
	c.logger.Category("channel").Debug("inotify channel closed", nil)
	return nil
}

func (c *Controller) Closed() bool {
	return c == nil || c.channel.isClosed()
}

// Fd returns the raw descriptor for external readiness polling, or -1 after
// Close. The descriptor is non-blocking at the kernel level.
func (c *Controller) Fd() int {
	if c == nil {
		return -1
	}
	return c.channel.descriptor()
}

func (c *Controller) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.config
}

func (c *Controller) Table() *WatchTable {
	if c == nil {
		return nil
	}
	return c.table
}

// Resolve returns the path registered for id.
func (c *Controller) Resolve(id WatchID) (string, bool) {
	return c.Table().Resolve(id)
}

// AddWatch registers path with mask, or updates the mask of the existing
// watch for the same inode. Paths are passed to the kernel byte for byte;
// paths containing NUL are rejected.
func (c *Controller) AddWatch(path string, mask Mask) (WatchID, error) {
	if c.Closed() {
		return -1, c.fail(closedError("add_watch"))
	}
	if strings.IndexByte(path, 0) >= 0 {
		return -1, c.fail(&Error{Op: "add_watch", Kind: KindInvalidPath, Path: path, Err: errors.New("path contains NUL byte")})
	}
	if mask.Events() == 0 {
		return -1, c.fail(&Error{Op: "add_watch", Kind: KindInvalidMask, Path: path, Err: errors.New("mask selects no events: " + mask.String())})
	}

	watch, err := c.table.register(path, mask, func() (WatchID, error) {
		var wd int
		var sysErr error
		if err := c.channel.control(func(fd int) {
			wd, sysErr = c.sys.AddWatch(fd, path, uint32(mask))
		}); err != nil {
			return -1, &Error{Op: "add_watch", Kind: KindChannelClosed, Path: path, Err: err}
		}
		if sysErr != nil {
			return -1, addWatchError(path, sysErr)
		}
		return WatchID(wd), nil
	})
	if err != nil {
		c.logger.Category("watch").Warn("watch add failed", map[string]string{
			logging.FieldPath:  path,
			logging.FieldError: err.Error(),
		})
		return -1, c.fail(err)
	}

	c.metrics.IncWatchAdded()
	c.metrics.SetActiveWatches(c.table.Len())
	c.logger.Category("watch").Debug("watch added", map[string]string{
		logging.FieldPath:    path,
		logging.FieldWatchID: strconv.Itoa(int(watch.ID)),
		"mask":               watch.Mask.String(),
	})
	return watch.ID, nil
}

// RemoveWatch unregisters id. Removing a watch the kernel already dropped is
// not an error; removing an id that was never registered is ErrUnknownWatch.
func (c *Controller) RemoveWatch(id WatchID) error {
	if c.Closed() {
		return c.fail(closedError("rm_watch"))
	}

	watch, err := c.table.unregister(id, func() error {
		var sysErr error
		if err := c.channel.control(func(fd int) {
			sysErr = c.sys.RmWatch(fd, uint32(id))
		}); err != nil {
			return &Error{Op: "rm_watch", Kind: KindChannelClosed, WatchID: id, Err: err}
		}
		if sysErr != nil {
			return rmWatchError(id, sysErr)
		}
		return nil
	})
	if err != nil {
		return c.fail(err)
	}

	c.metrics.IncWatchRemoved()
	c.metrics.SetActiveWatches(c.table.Len())
	c.logger.Category("watch").Debug("watch removed", map[string]string{
		logging.FieldPath:    watch.Path,
		logging.FieldWatchID: strconv.Itoa(int(id)),
	})
	return nil
}

// ReadEvents performs one read and decodes it. In blocking mode it waits for
// at least one event; in non-blocking mode it returns an empty result when
// nothing is queued. IGNORED events have already been reaped from the table
// when they are returned.
func (c *Controller) ReadEvents() ([]Event, error) {
	return c.read(context.Background(), c.waits())
}

// ReadEventsContext is ReadEvents with cancellation: a blocking read returns
// ctx.Err() once ctx is done.
func (c *Controller) ReadEventsContext(ctx context.Context) ([]Event, error) {
	return c.read(ctx, c.waits())
}

func (c *Controller) waits() bool {
	return c != nil && !c.config.NonBlocking
}

func (c *Controller) read(ctx context.Context, wait bool) ([]Event, error) {
	if c.Closed() {
		return nil, c.fail(closedError("read"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := c.fill(ctx, wait)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRead(n)
	if n == 0 {
		return nil, nil
	}

	raw := c.buf[:n]
	if c.config.RawHook != nil {
		c.config.RawHook(raw)
	}

	events, err := Decode(raw)
	if err != nil {
		c.logger.Category("decode").Error("event stream rejected", map[string]string{
			"bytes":            strconv.Itoa(n),
			logging.FieldError: err.Error(),
		})
		return nil, c.fail(err)
	}

	for _, event := range events {
		c.observe(event)
	}
	return events, nil
}

func (c *Controller) observe(event Event) {
	c.metrics.RecordEvent(event.Mask.Kind())
	switch {
	case event.Overflowed():
		c.metrics.IncOverflow()
		c.logger.Category("decode").Warn("inotify queue overflow", nil)
	case event.Ignored():
		c.metrics.IncIgnored()
		if watch, ok := c.table.reap(event.WatchID); ok {
			c.metrics.SetActiveWatches(c.table.Len())
			c.logger.Category("watch").Debug("watch dropped by kernel", map[string]string{
				logging.FieldPath:    watch.Path,
				logging.FieldWatchID: strconv.Itoa(int(event.WatchID)),
			})
		}
	}
}

// fill reads into c.buf, growing it while the kernel reports that the next
// record does not fit.
func (c *Controller) fill(ctx context.Context, wait bool) (int, error) {
	if wait && ctx.Done() != nil {
		woken := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = c.channel.setReadDeadline(aLongTimeAgo)
			close(woken)
		})
		defer func() {
			if !stop() {
				<-woken
				_ = c.channel.setReadDeadline(timeZero)
			}
		}()
	}

	for {
		n, err := c.channel.read(c.buf, wait)
		if err == nil {
			return n, nil
		}
		switch {
		case !wait && errors.Is(err, unix.EAGAIN):
			return 0, nil
		case errors.Is(err, unix.EINVAL) && len(c.buf) < c.config.MaxBufferSize:
			c.grow()
			continue
		case errors.Is(err, unix.EINVAL):
			return 0, c.fail(&Error{Op: "read", Kind: KindMalformedStream, Errno: unix.EINVAL,
				Err: errors.New("record larger than maximum buffer size " + strconv.Itoa(c.config.MaxBufferSize))})
		case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil:
			return 0, ctx.Err()
		}
		return 0, c.fail(readError(err, c.channel.isClosed()))
	}
}

func (c *Controller) grow() {
	size := len(c.buf) * 2
	if size < MinBufferSize {
		size = MinBufferSize
	}
	if size > c.config.MaxBufferSize {
		size = c.config.MaxBufferSize
	}
	c.buf = make([]byte, size)
	c.metrics.IncBufferGrowth()
	c.logger.Category("channel").Debug("read buffer grown", map[string]string{"size": strconv.Itoa(size)})
}

func (c *Controller) fail(err error) error {
	if c != nil {
		c.metrics.RecordError(KindOf(err).String())
	}
	return err
}
