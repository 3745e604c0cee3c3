package inotify

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind classifies a failure.
type Kind int

const (
	KindSystem Kind = iota
	KindChannelInit
	KindChannelClosed
	KindPathNotFound
	KindPermissionDenied
	KindWatchLimitExceeded
	KindInvalidMask
	KindInvalidPath
	KindUnknownWatch
	KindMalformedStream
	KindInterrupted
)

var (
	ErrSystem             = errors.New("system error")
	ErrChannelInit        = errors.New("cannot initialize inotify channel")
	ErrChannelClosed      = errors.New("inotify channel is closed")
	ErrPathNotFound       = errors.New("path not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrWatchLimitExceeded = errors.New("watch limit exceeded")
	ErrInvalidMask        = errors.New("invalid mask")
	ErrInvalidPath        = errors.New("invalid path")
	ErrUnknownWatch       = errors.New("unknown watch")
	ErrMalformedStream    = errors.New("malformed event stream")
	ErrInterrupted        = errors.New("operation interrupted")
)

var kindSentinels = map[Kind]error{
	KindSystem:             ErrSystem,
	KindChannelInit:        ErrChannelInit,
	KindChannelClosed:      ErrChannelClosed,
	KindPathNotFound:       ErrPathNotFound,
	KindPermissionDenied:   ErrPermissionDenied,
	KindWatchLimitExceeded: ErrWatchLimitExceeded,
	KindInvalidMask:        ErrInvalidMask,
	KindInvalidPath:        ErrInvalidPath,
	KindUnknownWatch:       ErrUnknownWatch,
	KindMalformedStream:    ErrMalformedStream,
	KindInterrupted:        ErrInterrupted,
}

var kindNames = map[Kind]string{
	KindSystem:             "system",
	KindChannelInit:        "channel_init",
	KindChannelClosed:      "channel_closed",
	KindPathNotFound:       "path_not_found",
	KindPermissionDenied:   "permission_denied",
	KindWatchLimitExceeded: "watch_limit_exceeded",
	KindInvalidMask:        "invalid_mask",
	KindInvalidPath:        "invalid_path",
	KindUnknownWatch:       "unknown_watch",
	KindMalformedStream:    "malformed_stream",
	KindInterrupted:        "interrupted",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + fmt.Sprint(int(k)) + ")"
}

// Error is the error type returned by every operation of this package.
type Error struct {
	Op      string
	Kind    Kind
	Path    string
	WatchID WatchID
	Errno   unix.Errno
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	builder := strings.Builder{}
	builder.WriteString("inotify ")
	builder.WriteString(e.Op)
	if e.Path != "" {
		builder.WriteString(" ")
		builder.WriteString(e.Path)
	}
	if e.WatchID > 0 {
		fmt.Fprintf(&builder, " (wd %d)", e.WatchID)
	}
	builder.WriteString(": ")
	builder.WriteString(kindSentinels[e.Kind].Error())
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// KindOf returns the Kind of err, or KindSystem when err does not come from
// this package.
func KindOf(err error) Kind {
	var inotifyErr *Error
	if errors.As(err, &inotifyErr) {
		return inotifyErr.Kind
	}
	return KindSystem
}

func newError(op string, kind Kind, err error) *Error {
	result := &Error{Op: op, Kind: kind, Err: err}
	var errno unix.Errno
	if errors.As(err, &errno) {
		result.Errno = errno
	}
	return result
}

func initError(err error) error {
	return newError("init", KindChannelInit, err)
}

func addWatchError(path string, err error) error {
	var errno unix.Errno
	errors.As(err, &errno)

	kind := KindSystem
	switch errno {
	case unix.ENOENT, unix.ENOTDIR, unix.ENAMETOOLONG, unix.ELOOP:
		kind = KindPathNotFound
	case unix.EACCES, unix.EPERM:
		kind = KindPermissionDenied
	case unix.ENOSPC, unix.ENOMEM:
		kind = KindWatchLimitExceeded
	case unix.EINVAL, unix.EEXIST:
		kind = KindInvalidMask
	case unix.EFAULT:
		kind = KindInvalidPath
	case unix.EBADF:
		kind = KindChannelClosed
	}
	result := newError("add_watch", kind, err)
	result.Path = path
	return result
}

func rmWatchError(id WatchID, err error) error {
	var errno unix.Errno
	errors.As(err, &errno)

	kind := KindSystem
	switch errno {
	case unix.EINVAL:
		kind = KindUnknownWatch
	case unix.EBADF:
		kind = KindChannelClosed
	}
	result := newError("rm_watch", kind, err)
	result.WatchID = id
	return result
}

func readError(err error, closed bool) error {
	if closed || errors.Is(err, os.ErrClosed) {
		return newError("read", KindChannelClosed, err)
	}
	var errno unix.Errno
	errors.As(err, &errno)
	switch errno {
	case unix.EINTR:
		return newError("read", KindInterrupted, err)
	case unix.EBADF:
		return newError("read", KindChannelClosed, err)
	}
	return newError("read", KindSystem, err)
}

func closedError(op string) error {
	return &Error{Op: op, Kind: KindChannelClosed}
}
