package logging

import (
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
	"time"
)

const DefaultBufferSize = 500

// Logger writes leveled entries with string fields to an output writer, a
// bounded buffer and any live subscribers. A nil *Logger discards everything.
type Logger struct {
	buffer      *LogBuffer
	output      *log.Logger
	minLevel    Level
	baseContext map[string]string
	hub         *LogHub
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stderr)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	return &Logger{
		buffer:   buffer,
		output:   log.New(output, "", log.LstdFlags),
		minLevel: normalizeLevel(minLevel),
		hub:      NewLogHub(),
	}
}

// Discard returns a logger that keeps a small buffer and prints nothing.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(64), LevelInfo, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.buffer
}

func (l *Logger) Subscribe() (<-chan LogEntry, func()) {
	if l == nil || l.hub == nil {
		return nil, func() {}
	}
	return l.hub.Subscribe(0)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		buffer:      l.buffer,
		output:      l.output,
		minLevel:    l.minLevel,
		baseContext: cloneFields(l.baseContext, fields),
		hub:         l.hub,
	}
}

// Category tags every entry with the component that produced it.
func (l *Logger) Category(name string) *Logger {
	return l.With(map[string]string{FieldCategory: name})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

// log records the entry in the buffer, fans it out to subscribers, then
// prints it.
func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   cloneFields(l.baseContext, fields),
	}
	l.buffer.Add(entry)
	l.hub.Broadcast(entry)
	l.output.Print(formatEntry(entry))
}

var levelRanks = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// normalizeLevel maps unknown levels to info.
func normalizeLevel(level Level) Level {
	if _, ok := levelRanks[level]; ok {
		return level
	}
	return LevelInfo
}

func levelRank(level Level) int {
	return levelRanks[normalizeLevel(level)]
}

// ParseLevel accepts the level names case-insensitively, plus "warn". An
// empty value means info.
func ParseLevel(value string) (Level, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "":
		return LevelInfo, true
	case "warn":
		return LevelWarning, true
	}
	if _, ok := levelRanks[Level(value)]; ok {
		return Level(value), true
	}
	return "", false
}

// LevelAtLeast reports whether level passes minLevel. An empty minLevel
// passes everything.
func LevelAtLeast(level, minLevel Level) bool {
	return minLevel == "" || levelRank(level) >= levelRank(minLevel)
}

func cloneFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	maps.Copy(combined, base)
	maps.Copy(combined, extra)
	return combined
}

// formatEntry renders level, message, then fields in key order, logfmt style.
func formatEntry(entry LogEntry) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "level=%s msg=%q", entry.Level, entry.Message)
	for _, key := range slices.Sorted(maps.Keys(entry.Context)) {
		fmt.Fprintf(&builder, " %s=%q", key, entry.Context[key])
	}
	return builder.String()
}
