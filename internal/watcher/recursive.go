package watcher

import (
	"errors"
	"io/fs"
	"path/filepath"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
)

// addRecursiveWatches watches every directory below start on behalf of the
// recursive root. With includeStart, start itself is added too, as for a
// directory created after root was registered.
func (watcher *Watcher) addRecursiveWatches(root, start string, includeStart bool) error {
	if watcher == nil || !watcher.options.Recursive {
		return nil
	}
	watcher.mutex.Lock()
	reg := watcher.registrations[root]
	if reg == nil || watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	mask := reg.mask
	watcher.mutex.Unlock()

	paths, err := collectRecursiveDirs(start, includeStart)
	if err != nil {
		return err
	}

	added := make([]string, 0, len(paths))
	for _, path := range paths {
		if err := watcher.addRecursiveWatch(path, mask); err != nil {
			if errors.Is(err, inotify.ErrPathNotFound) {
				// Removed while walking.
				continue
			}
			watcher.dropRecursiveWatches(added)
			return err
		}
		added = append(added, path)
	}
	return nil
}

func collectRecursiveDirs(start string, includeStart bool) ([]string, error) {
	dirs := []string{}
	err := filepath.WalkDir(start, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path == start && !includeStart {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

func (watcher *Watcher) addRecursiveWatch(path string, mask inotify.Mask) error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	reg, created, err := watcher.registerLocked(path, mask)
	if err != nil {
		watcher.mutex.Unlock()
		return err
	}
	reg.recursive++
	snapshot := inotify.Watch{ID: reg.id, Path: reg.path, Mask: reg.mask}
	active := len(watcher.registrations)
	watcher.mutex.Unlock()

	if created {
		watcher.logDebug("recursive watch added", path, active)
		watcher.bus.Publish(event.NewWatchEvent(event.WatchAdded, snapshot))
	}
	return nil
}

// removeRecursiveWatches releases the directories root pulled in.
func (watcher *Watcher) removeRecursiveWatches(root string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	for path, reg := range watcher.registrations {
		if path == root || reg.recursive == 0 || !isWithinPath(root, path) {
			continue
		}
		reg.recursive--
		_ = watcher.releaseLocked(reg)
	}
}

// dropRecursiveWatches undoes a partial addRecursiveWatches.
func (watcher *Watcher) dropRecursiveWatches(paths []string) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	for _, path := range paths {
		reg := watcher.registrations[path]
		if reg == nil || reg.recursive == 0 {
			continue
		}
		reg.recursive--
		_ = watcher.releaseLocked(reg)
	}
}

// recursiveRootsLocked returns the recursive roots covering a new directory.
func (watcher *Watcher) recursiveRootsLocked(dir string) []string {
	var roots []string
	for path, reg := range watcher.registrations {
		if path == dir || !isWithinPath(path, dir) {
			continue
		}
		for _, entry := range reg.callbacks {
			if entry.recursive {
				roots = append(roots, path)
				break
			}
		}
	}
	return roots
}
