package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
)

// registration is one kernel watch and the callbacks attached to it.
type registration struct {
	id        inotify.WatchID
	path      string
	mask      inotify.Mask
	callbacks []callbackEntry
	// recursive counts the recursive roots that pulled this directory in.
	recursive int
}

type callbackEntry struct {
	id        uint64
	mask      inotify.Mask
	recursive bool
	callback  func(Event)
}

// wants reports whether the entry subscribed to any bit of mask. IGNORED and
// UNMOUNT are always delivered since they end the watch.
func (entry callbackEntry) wants(mask inotify.Mask) bool {
	return mask.Any(entry.mask.Events() | inotify.MaskIgnored | inotify.MaskUnmount)
}

type watchHandle struct {
	watcher *Watcher
	path    string
	id      uint64
	once    sync.Once
}

func (handle *watchHandle) Close() error {
	if handle == nil || handle.watcher == nil {
		return nil
	}
	var err error
	handle.once.Do(func() {
		err = handle.watcher.removeCallback(handle.path, handle.id)
	})
	return err
}

// Watch registers a callback for events on path. A zero mask selects every
// event. Several callbacks may share a path; the kernel watch is removed when
// the last of their handles is closed.
func (watcher *Watcher) Watch(path string, mask inotify.Mask, callback func(Event)) (Handle, error) {
	if watcher == nil {
		return nil, errors.New("watcher is nil")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}
	if mask.Events() == 0 {
		mask |= inotify.MaskAllEvents
	}
	path = filepath.Clean(path)

	recursive := false
	kernelMask := mask
	if watcher.options.Recursive {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			recursive = true
			kernelMask |= inotify.MaskCreate | inotify.MaskMovedTo
		}
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil, ErrClosed
	}
	reg, created, err := watcher.registerLocked(path, kernelMask)
	if err != nil {
		watcher.mutex.Unlock()
		watcher.logger.Warn("watch add failed", map[string]string{
			logging.FieldPath:  path,
			logging.FieldError: err.Error(),
		})
		return nil, err
	}
	watcher.nextID++
	entry := callbackEntry{id: watcher.nextID, mask: mask, recursive: recursive, callback: callback}
	reg.callbacks = append(reg.callbacks, entry)
	snapshot := inotify.Watch{ID: reg.id, Path: reg.path, Mask: reg.mask}
	active := len(watcher.registrations)
	watcher.mutex.Unlock()

	if created {
		watcher.logDebug("watch added", path, active)
		watcher.bus.Publish(event.NewWatchEvent(event.WatchAdded, snapshot))
	}

	if recursive {
		if err := watcher.addRecursiveWatches(path, path, false); err != nil {
			_ = watcher.removeCallback(path, entry.id)
			return nil, err
		}
	}

	return &watchHandle{watcher: watcher, path: path, id: entry.id}, nil
}

// registerLocked adds or extends the kernel watch for path.
func (watcher *Watcher) registerLocked(path string, mask inotify.Mask) (*registration, bool, error) {
	reg := watcher.registrations[path]
	if reg == nil && len(watcher.registrations) >= watcher.options.MaxWatches {
		return nil, false, ErrMaxWatchesExceeded
	}
	if reg != nil && reg.mask.Has(mask) {
		return reg, false, nil
	}

	requested := mask
	if reg != nil {
		requested |= inotify.MaskAdd
	}
	id, err := watcher.controller.AddWatch(path, requested)
	if err != nil {
		return nil, false, err
	}

	created := false
	if reg == nil {
		// A second path naming the same inode shares its registration.
		if existing, ok := watcher.byID[id]; ok {
			reg = watcher.registrations[existing]
			delete(watcher.registrations, existing)
			reg.path = path
		} else {
			reg = &registration{id: id, path: path}
			created = true
		}
		watcher.registrations[path] = reg
	}
	reg.id = id
	reg.mask |= mask &^ (inotify.MaskAdd | inotify.MaskCreateOnly)
	watcher.byID[id] = path
	return reg, created, nil
}

func (watcher *Watcher) removeCallback(path string, id uint64) error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	reg := watcher.registrations[path]
	if reg == nil {
		watcher.mutex.Unlock()
		return nil
	}
	var removed callbackEntry
	for index, candidate := range reg.callbacks {
		if candidate.id == id {
			removed = candidate
			reg.callbacks = append(reg.callbacks[:index], reg.callbacks[index+1:]...)
			break
		}
	}
	err := watcher.releaseLocked(reg)
	watcher.mutex.Unlock()

	if removed.recursive {
		watcher.removeRecursiveWatches(path)
	}
	return err
}

// releaseLocked removes the kernel watch once nothing references reg.
func (watcher *Watcher) releaseLocked(reg *registration) error {
	if len(reg.callbacks) > 0 || reg.recursive > 0 {
		return nil
	}
	watcher.forgetLocked(reg.id)
	err := watcher.controller.RemoveWatch(reg.id)
	if err != nil && !errors.Is(err, inotify.ErrUnknownWatch) {
		watcher.logger.Warn("watch remove failed", map[string]string{
			logging.FieldPath:  reg.path,
			logging.FieldError: err.Error(),
		})
		return err
	}
	watcher.logDebug("watch removed", reg.path, len(watcher.registrations))
	watcher.bus.Publish(event.NewWatchEvent(event.WatchRemoved, inotify.Watch{ID: reg.id, Path: reg.path, Mask: reg.mask}))
	return nil
}

// forgetLocked drops the registration for id without touching the kernel.
func (watcher *Watcher) forgetLocked(id inotify.WatchID) *registration {
	path, ok := watcher.byID[id]
	if !ok {
		return nil
	}
	delete(watcher.byID, id)
	reg := watcher.registrations[path]
	if reg != nil && reg.id == id {
		delete(watcher.registrations, path)
	}
	return reg
}

// callbacksForPathLocked collects the callbacks interested in an event
// reported for watchPath: the ones registered on it and recursive ones
// registered on an ancestor.
func (watcher *Watcher) callbacksForPathLocked(watchPath string, mask inotify.Mask) []func(Event) {
	var callbacks []func(Event)
	for path, reg := range watcher.registrations {
		for _, entry := range reg.callbacks {
			if path != watchPath && !(entry.recursive && isWithinPath(path, watchPath)) {
				continue
			}
			if entry.wants(mask) {
				callbacks = append(callbacks, entry.callback)
			}
		}
	}
	return callbacks
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	watcher.logger.Debug(message, map[string]string{
		logging.FieldPath: path,
		"active_watches":  strconv.Itoa(activeCount),
	})
}

func isWithinPath(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
