package watcher

import (
	"time"

	"inowatch/internal/event"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
)

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	watcher.errorCount.Add(1)
	watcher.logger.Warn("watcher read failed", map[string]string{
		logging.FieldError: err.Error(),
		"kind":             inotify.KindOf(err).String(),
	})
	watcher.scheduleRestart(err)
}

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

func (watcher *Watcher) scheduleRestart(err error) {
	if watcher == nil {
		return
	}
	watcher.restartMutex.Lock()
	if watcher.isClosed() || watcher.restartTimer != nil {
		watcher.restartMutex.Unlock()
		return
	}
	if watcher.restartAttempts >= maxRestartAttempts {
		watcher.restartMutex.Unlock()
		watcher.notifyError(err)
		return
	}
	delay := restartDelay(watcher.restartAttempts)
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(delay, watcher.performRestart)
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) performRestart() {
	restartErr := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if restartErr == nil {
		watcher.restartAttempts = 0
		watcher.restartMutex.Unlock()
		return
	}
	watcher.restartMutex.Unlock()

	watcher.logger.Warn("watcher restart failed", map[string]string{
		logging.FieldError: restartErr.Error(),
	})
	watcher.scheduleRestart(restartErr)
}

func (watcher *Watcher) notifyError(err error) {
	if watcher == nil || watcher.options.ErrorHandler == nil || err == nil {
		return
	}
	watcher.options.ErrorHandler(err)
}

// restart opens a fresh channel and registers every watched path on it again.
// Paths that can no longer be watched are dropped. Watch ids change, so the
// registry is rebuilt from the new ones.
func (watcher *Watcher) restart() error {
	replacement, err := inotify.Open(watcher.options.Channel)
	if err != nil {
		return err
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.controller
	watcher.controller = replacement
	watcher.byID = make(map[inotify.WatchID]string, len(watcher.registrations))
	var dropped []inotify.Watch
	for path, reg := range watcher.registrations {
		id, addErr := replacement.AddWatch(path, reg.mask)
		if addErr != nil {
			watcher.logger.Warn("watch re-add failed", map[string]string{
				logging.FieldPath:  path,
				logging.FieldError: addErr.Error(),
			})
			delete(watcher.registrations, path)
			dropped = append(dropped, inotify.Watch{ID: reg.id, Path: path, Mask: reg.mask})
			continue
		}
		reg.id = id
		watcher.byID[id] = path
	}
	watcher.mutex.Unlock()

	go watcher.run(replacement)
	_ = previous.Close()

	for _, watch := range dropped {
		watcher.bus.Publish(event.NewWatchEvent(event.WatchDropped, watch))
	}
	watcher.logger.Info("inotify channel reopened", nil)
	return nil
}

func (watcher *Watcher) isClosed() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.closed
}
