//go:build linux

package inotify

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// pipeFacility stands in for the kernel: the channel reads from a pipe and
// tests write encoded records into it.
type pipeFacility struct {
	mutex   sync.Mutex
	writeFD int
	initErr error
	addErrs map[string]error
	rmErr   error
	// readErrs are returned by the next reads, one per call, before the
	// pipe is read.
	readErrs []error
	// onAdd runs inside AddWatch with the descriptor it was given.
	onAdd   func(fd int)
	next    int
	ids     map[string]int
	removed []uint32
}

func newPipeFacility(t *testing.T) *pipeFacility {
	t.Helper()
	sys := &pipeFacility{
		writeFD: -1,
		addErrs: make(map[string]error),
		ids:     make(map[string]int),
	}
	t.Cleanup(func() {
		if sys.writeFD >= 0 {
			_ = unix.Close(sys.writeFD)
		}
	})
	return sys
}

func (p *pipeFacility) Init(closeOnExec bool) (int, error) {
	if p.initErr != nil {
		return -1, p.initErr
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, err
	}
	p.writeFD = fds[1]
	return fds[0], nil
}

func (p *pipeFacility) AddWatch(fd int, path string, mask uint32) (int, error) {
	if p.onAdd != nil {
		p.onAdd(fd)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if err := p.addErrs[path]; err != nil {
		return -1, err
	}
	if id, ok := p.ids[path]; ok {
		return id, nil
	}
	p.next++
	p.ids[path] = p.next
	return p.next, nil
}

func (p *pipeFacility) RmWatch(fd int, wd uint32) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.removed = append(p.removed, wd)
	return p.rmErr
}

func (p *pipeFacility) Read(fd int, buf []byte) (int, error) {
	p.mutex.Lock()
	if len(p.readErrs) > 0 {
		err := p.readErrs[0]
		p.readErrs = p.readErrs[1:]
		p.mutex.Unlock()
		return -1, err
	}
	p.mutex.Unlock()
	return unix.Read(fd, buf)
}

func (p *pipeFacility) failReads(errs ...error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.readErrs = append(p.readErrs, errs...)
}

func (p *pipeFacility) removals() []uint32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]uint32(nil), p.removed...)
}

func (p *pipeFacility) write(t *testing.T, events ...Event) []byte {
	t.Helper()
	raw := encodeAll(events...)
	if _, err := unix.Write(p.writeFD, raw); err != nil {
		t.Fatalf("write events: %v", err)
	}
	return raw
}
