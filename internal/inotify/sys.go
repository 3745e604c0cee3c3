package inotify

// facility is the kernel ABI consumed by a Controller. Implementations return
// the raw errno (as unix.Errno) so callers can translate it at the call site.
type facility interface {
	Init(closeOnExec bool) (int, error)
	AddWatch(fd int, path string, mask uint32) (int, error)
	RmWatch(fd int, wd uint32) error
	Read(fd int, buf []byte) (int, error)
}
