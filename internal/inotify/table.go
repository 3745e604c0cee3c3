package inotify

import (
	"errors"
	"sort"
	"sync"

	"inowatch/internal/buffer"

	"golang.org/x/sys/unix"
)

// reapedLimit caps how many kernel-dropped ids are remembered.
const reapedLimit = 1024

// WatchID is the kernel-assigned watch descriptor. It is unique within a
// channel while registered and may be reused after removal.
type WatchID int32

// Watch is one registered observation point.
type Watch struct {
	ID   WatchID
	Path string
	Mask Mask
}

// WatchTable mirrors the kernel's watch list for one channel. All methods are
// safe for concurrent use.
type WatchTable struct {
	mutex   sync.Mutex
	watches map[WatchID]Watch
	paths   map[string]WatchID
	// ids dropped by the kernel (IGNORED) while still registered here; a
	// later RemoveWatch for them is a no-op rather than UnknownWatch. Only
	// the newest reapedLimit are kept. reaped maps an id to the sequence
	// number of its entry in reapOrder.
	reaped    map[WatchID]uint64
	reapOrder *buffer.Ring[reapedID]
	reapSeq   uint64
}

type reapedID struct {
	id  WatchID
	seq uint64
}

func newWatchTable() *WatchTable {
	return &WatchTable{
		watches:   make(map[WatchID]Watch),
		paths:     make(map[string]WatchID),
		reaped:    make(map[WatchID]uint64),
		reapOrder: buffer.NewRing[reapedID](reapedLimit),
	}
}

// Resolve returns the path most recently registered for id.
func (t *WatchTable) Resolve(id WatchID) (string, bool) {
	if t == nil {
		return "", false
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	watch, ok := t.watches[id]
	return watch.Path, ok
}

// Lookup returns the live watch id registered for path.
func (t *WatchTable) Lookup(path string) (WatchID, bool) {
	if t == nil {
		return 0, false
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	id, ok := t.paths[path]
	return id, ok
}

// Get returns the watch registered under id.
func (t *WatchTable) Get(id WatchID) (Watch, bool) {
	if t == nil {
		return Watch{}, false
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	watch, ok := t.watches[id]
	return watch, ok
}

// Watches returns a snapshot of live watches ordered by id.
func (t *WatchTable) Watches() []Watch {
	if t == nil {
		return nil
	}
	t.mutex.Lock()
	watches := make([]Watch, 0, len(t.watches))
	for _, watch := range t.watches {
		watches = append(watches, watch)
	}
	t.mutex.Unlock()

	sort.Slice(watches, func(i, j int) bool {
		return watches[i].ID < watches[j].ID
	})
	return watches
}

func (t *WatchTable) Len() int {
	if t == nil {
		return 0
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.watches)
}

// register runs add under the table lock and records its result, so two
// concurrent registrations of the same inode settle on one entry.
func (t *WatchTable) register(path string, mask Mask, add func() (WatchID, error)) (Watch, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	id, err := add()
	if err != nil {
		return Watch{}, err
	}
	delete(t.reaped, id)

	stored := mask &^ (MaskAdd | MaskCreateOnly)
	if existing, ok := t.watches[id]; ok {
		if mask&MaskAdd != 0 {
			stored |= existing.Mask
		}
		if existing.Path != path && t.paths[existing.Path] == id {
			delete(t.paths, existing.Path)
		}
	}

	watch := Watch{ID: id, Path: path, Mask: stored}
	t.watches[id] = watch
	t.paths[path] = id
	return watch, nil
}

// unregister removes id and calls rm under the table lock. An EINVAL from rm
// means the kernel already dropped the watch and is not an error.
func (t *WatchTable) unregister(id WatchID, rm func() error) (Watch, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	watch, ok := t.watches[id]
	if !ok {
		if _, gone := t.reaped[id]; gone {
			delete(t.reaped, id)
			return Watch{ID: id}, nil
		}
		return Watch{}, &Error{Op: "rm_watch", Kind: KindUnknownWatch, WatchID: id}
	}

	if err := rm(); err != nil && !errors.Is(err, unix.EINVAL) {
		return Watch{}, err
	}
	t.forgetLocked(watch)
	return watch, nil
}

// reap drops id after the kernel signalled IGNORED for it.
func (t *WatchTable) reap(id WatchID) (Watch, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	watch, ok := t.watches[id]
	if !ok {
		return Watch{}, false
	}
	t.forgetLocked(watch)
	t.reapSeq++
	t.reaped[id] = t.reapSeq
	if oldest, evicted := t.reapOrder.Push(reapedID{id: id, seq: t.reapSeq}); evicted {
		// The id may have been reaped again since; only drop the old entry.
		if t.reaped[oldest.id] == oldest.seq {
			delete(t.reaped, oldest.id)
		}
	}
	return watch, true
}

func (t *WatchTable) forgetLocked(watch Watch) {
	delete(t.watches, watch.ID)
	if t.paths[watch.Path] == watch.ID {
		delete(t.paths, watch.Path)
	}
}

func (t *WatchTable) reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.watches = make(map[WatchID]Watch)
	t.paths = make(map[string]WatchID)
	t.reaped = make(map[WatchID]uint64)
	t.reapOrder = buffer.NewRing[reapedID](reapedLimit)
}
