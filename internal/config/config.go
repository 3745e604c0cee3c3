// Package config loads inowatch settings from a TOML or YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inowatch/internal/config/confkeys"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
)

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

type File struct {
	Channel Channel
	Watcher Watcher
	Watches []Watch
	Log     Log
	Server  Server
	Capture Capture
}

type Channel struct {
	NonBlocking   bool
	CloseOnExec   bool
	BufferSize    int
	MaxBufferSize int
}

type Watcher struct {
	Recursive            bool
	MaxWatches           int
	HistorySize          int
	OverflowWarnInterval time.Duration
}

// Watch is one [[watch]] entry. Events holds mask names as accepted by
// inotify.ParseMask; empty means every event.
type Watch struct {
	Path   string
	Events string
}

type Log struct {
	Level      string
	BufferSize int
}

type Server struct {
	Listen string
}

type Capture struct {
	Path string
}

// WatchSpec is a validated watch entry.
type WatchSpec struct {
	Path string
	Mask inotify.Mask
}

// Default returns the settings used when no file is given.
func Default() File {
	return File{
		Channel: Channel{CloseOnExec: true},
		Log:     Log{Level: string(logging.LevelInfo), BufferSize: 1000},
	}
}

// FormatOf picks the format from the file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load reads and validates the file at path.
func Load(path string) (File, error) {
	format, err := FormatOf(path)
	if err != nil {
		return File{}, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	file, err := Parse(payload, format)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Parse decodes payload over the defaults and validates the result.
func Parse(payload []byte, format Format) (File, error) {
	var (
		store confkeys.Store
		err   error
	)
	switch format {
	case FormatTOML:
		store, err = confkeys.DecodeTOML(payload)
	case FormatYAML:
		store, err = confkeys.DecodeYAML(payload)
	default:
		return File{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return File{}, err
	}

	reader := &settingsReader{store: store}
	file, err := reader.apply(Default())
	if err != nil {
		return File{}, err
	}
	problems := reader.problems
	if err := file.Validate(); err != nil {
		var validation *ValidationError
		if !errors.As(err, &validation) {
			return File{}, err
		}
		problems = append(problems, validation.Problems...)
	}
	if len(problems) > 0 {
		return File{}, &ValidationError{Problems: problems}
	}
	return file, nil
}

// settingsReader reads typed values from a store. A key that is present with
// the wrong type keeps the fallback and is recorded as a problem.
type settingsReader struct {
	store    confkeys.Store
	prefix   string
	problems []string
}

func (r *settingsReader) apply(file File) (File, error) {
	file.Channel.NonBlocking = r.bool("channel.nonblock", file.Channel.NonBlocking)
	file.Channel.CloseOnExec = r.bool("channel.close-on-exec", file.Channel.CloseOnExec)
	file.Channel.BufferSize = r.int("channel.buffer-size", file.Channel.BufferSize)
	file.Channel.MaxBufferSize = r.int("channel.max-buffer-size", file.Channel.MaxBufferSize)

	file.Watcher.Recursive = r.bool("watcher.recursive", file.Watcher.Recursive)
	file.Watcher.MaxWatches = r.int("watcher.max-watches", file.Watcher.MaxWatches)
	file.Watcher.HistorySize = r.int("watcher.history-size", file.Watcher.HistorySize)
	file.Watcher.OverflowWarnInterval = r.duration("watcher.overflow-warn-interval", file.Watcher.OverflowWarnInterval)

	file.Log.Level = r.string("log.level", file.Log.Level)
	file.Log.BufferSize = r.int("log.buffer-size", file.Log.BufferSize)
	file.Server.Listen = r.string("server.listen", file.Server.Listen)
	file.Capture.Path = r.string("capture.path", file.Capture.Path)

	tables, err := r.store.GetTables("watch")
	if err != nil {
		return File{}, err
	}
	for index, table := range tables {
		entry := &settingsReader{store: table, prefix: fmt.Sprintf("watch[%d].", index)}
		file.Watches = append(file.Watches, Watch{
			Path:   entry.string("path", ""),
			Events: entry.events("events"),
		})
		r.problems = append(r.problems, entry.problems...)
	}
	return file, nil
}

func (r *settingsReader) mistyped(key, want string) {
	r.problems = append(r.problems, fmt.Sprintf("%s%s must be %s", r.prefix, key, want))
}

func (r *settingsReader) int(key string, fallback int) int {
	if !r.store.Has(key) {
		return fallback
	}
	value, ok := r.store.GetInt(key)
	if !ok {
		r.mistyped(key, "an integer")
		return fallback
	}
	return int(value)
}

func (r *settingsReader) string(key string, fallback string) string {
	if !r.store.Has(key) {
		return fallback
	}
	value, ok := r.store.GetString(key)
	if !ok {
		r.mistyped(key, "a string")
		return fallback
	}
	return strings.TrimSpace(value)
}

func (r *settingsReader) bool(key string, fallback bool) bool {
	if !r.store.Has(key) {
		return fallback
	}
	value, ok := r.store.GetBool(key)
	if !ok {
		r.mistyped(key, "a boolean")
		return fallback
	}
	return value
}

func (r *settingsReader) duration(key string, fallback time.Duration) time.Duration {
	if !r.store.Has(key) {
		return fallback
	}
	value, err := r.store.GetDuration(key)
	if err != nil {
		r.mistyped(key, `a duration such as "10s" or milliseconds`)
		return fallback
	}
	return value
}

// events reads a mask given as one string or as a list of names.
func (r *settingsReader) events(key string) string {
	if !r.store.Has(key) {
		return ""
	}
	names, err := r.store.GetStrings(key)
	if err != nil {
		r.mistyped(key, "a string or a list of strings")
		return ""
	}
	return strings.TrimSpace(strings.Join(names, "|"))
}

// Validate checks ranges, mask names and addresses.
func (f File) Validate() error {
	var problems []string
	if f.Channel.BufferSize < 0 {
		problems = append(problems, "channel.buffer-size must not be negative")
	}
	if f.Channel.MaxBufferSize < 0 {
		problems = append(problems, "channel.max-buffer-size must not be negative")
	}
	if f.Channel.BufferSize > 0 && f.Channel.MaxBufferSize > 0 && f.Channel.BufferSize > f.Channel.MaxBufferSize {
		problems = append(problems, "channel.buffer-size exceeds channel.max-buffer-size")
	}
	if f.Watcher.MaxWatches < 0 {
		problems = append(problems, "watcher.max-watches must not be negative")
	}
	if f.Watcher.OverflowWarnInterval < 0 {
		problems = append(problems, "watcher.overflow-warn-interval must not be negative")
	}
	if _, ok := logging.ParseLevel(f.Log.Level); !ok {
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warning, error", f.Log.Level))
	}
	if f.Server.Listen != "" {
		if _, _, err := net.SplitHostPort(f.Server.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("server.listen: %v", err))
		}
	}
	for index, watch := range f.Watches {
		if strings.TrimSpace(watch.Path) == "" {
			problems = append(problems, fmt.Sprintf("watch[%d]: path is required", index))
			continue
		}
		if watch.Events == "" {
			continue
		}
		if _, err := inotify.ParseMask(watch.Events); err != nil {
			problems = append(problems, fmt.Sprintf("watch[%d]: %v", index, err))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError lists every problem found in a file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// ChannelConfig converts the channel section for inotify.Open.
func (f File) ChannelConfig() inotify.Config {
	return inotify.Config{
		NonBlocking:   f.Channel.NonBlocking,
		CloseOnExec:   f.Channel.CloseOnExec,
		BufferSize:    f.Channel.BufferSize,
		MaxBufferSize: f.Channel.MaxBufferSize,
	}
}

// WatchSpecs parses the mask of every watch entry. An entry without events
// selects inotify.MaskAllEvents.
func (f File) WatchSpecs() ([]WatchSpec, error) {
	specs := make([]WatchSpec, 0, len(f.Watches))
	for _, watch := range f.Watches {
		mask := inotify.MaskAllEvents
		if watch.Events != "" {
			parsed, err := inotify.ParseMask(watch.Events)
			if err != nil {
				return nil, fmt.Errorf("watch %s: %w", watch.Path, err)
			}
			mask = parsed
		}
		specs = append(specs, WatchSpec{Path: filepath.Clean(watch.Path), Mask: mask})
	}
	return specs, nil
}

// LogLevel returns the parsed log level, falling back to info.
func (f File) LogLevel() logging.Level {
	level, ok := logging.ParseLevel(f.Log.Level)
	if !ok {
		return logging.LevelInfo
	}
	return level
}
