//go:build linux

package inotify

import "golang.org/x/sys/unix"

// The descriptor is always non-blocking so the runtime poller can park
// readers; Config.NonBlocking only changes what ReadEvents does on EAGAIN.
type unixFacility struct{}

func (unixFacility) Init(closeOnExec bool) (int, error) {
	flags := unix.IN_NONBLOCK
	if closeOnExec {
		flags |= unix.IN_CLOEXEC
	}
	return unix.InotifyInit1(flags)
}

func (unixFacility) AddWatch(fd int, path string, mask uint32) (int, error) {
	return unix.InotifyAddWatch(fd, path, mask)
}

func (unixFacility) RmWatch(fd int, wd uint32) error {
	_, err := unix.InotifyRmWatch(fd, wd)
	return err
}

func (unixFacility) Read(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}
