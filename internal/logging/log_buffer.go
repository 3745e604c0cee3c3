package logging

import (
	"sync"

	"inowatch/internal/buffer"
)

// LogBuffer keeps the most recent entries for inspection over the API.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// Filter returns buffered entries at or above minLevel.
func (b *LogBuffer) Filter(minLevel Level) []LogEntry {
	entries := b.List()
	if minLevel == "" {
		return entries
	}
	filtered := entries[:0]
	for _, entry := range entries {
		if LevelAtLeast(entry.Level, minLevel) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
