//go:build !linux

package inotify

import "golang.org/x/sys/unix"

type unixFacility struct{}

func (unixFacility) Init(bool) (int, error) {
	return -1, unix.ENOSYS
}

func (unixFacility) AddWatch(int, string, uint32) (int, error) {
	return -1, unix.ENOSYS
}

func (unixFacility) RmWatch(int, uint32) error {
	return unix.ENOSYS
}

func (unixFacility) Read(int, []byte) (int, error) {
	return 0, unix.ENOSYS
}
