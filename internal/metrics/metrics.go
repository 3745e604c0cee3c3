package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds inotify counters. The zero value is ready to use and a nil
// *Registry ignores every update.
type Registry struct {
	reads          atomic.Int64
	readBytes      atomic.Int64
	emptyReads     atomic.Int64
	bufferGrowths  atomic.Int64
	overflows      atomic.Int64
	ignored        atomic.Int64
	watchesAdded   atomic.Int64
	watchesRemoved atomic.Int64
	activeWatches  atomic.Int64
	busPublished   atomic.Int64
	busDropped     atomic.Int64
	events         sync.Map
	errors         sync.Map
}

var Default = &Registry{}

func (r *Registry) RecordRead(bytes int) {
	if r == nil {
		return
	}
	r.reads.Add(1)
	if bytes == 0 {
		r.emptyReads.Add(1)
		return
	}
	r.readBytes.Add(int64(bytes))
}

func (r *Registry) IncBufferGrowth() {
	if r == nil {
		return
	}
	r.bufferGrowths.Add(1)
}

// RecordEvent counts one delivered event under its primary kind name.
func (r *Registry) RecordEvent(kind string) {
	if r == nil {
		return
	}
	counter(&r.events, kind).Add(1)
}

func (r *Registry) IncOverflow() {
	if r == nil {
		return
	}
	r.overflows.Add(1)
}

func (r *Registry) IncIgnored() {
	if r == nil {
		return
	}
	r.ignored.Add(1)
}

func (r *Registry) IncWatchAdded() {
	if r == nil {
		return
	}
	r.watchesAdded.Add(1)
}

func (r *Registry) IncWatchRemoved() {
	if r == nil {
		return
	}
	r.watchesRemoved.Add(1)
}

func (r *Registry) SetActiveWatches(count int) {
	if r == nil {
		return
	}
	r.activeWatches.Store(int64(count))
}

func (r *Registry) RecordError(kind string) {
	if r == nil {
		return
	}
	counter(&r.errors, kind).Add(1)
}

func (r *Registry) IncBusPublished() {
	if r == nil {
		return
	}
	r.busPublished.Add(1)
}

func (r *Registry) IncBusDropped() {
	if r == nil {
		return
	}
	r.busDropped.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Reads          int64            `json:"reads"`
	ReadBytes      int64            `json:"read_bytes"`
	EmptyReads     int64            `json:"empty_reads"`
	BufferGrowths  int64            `json:"buffer_growths"`
	Overflows      int64            `json:"overflows"`
	Ignored        int64            `json:"ignored"`
	WatchesAdded   int64            `json:"watches_added"`
	WatchesRemoved int64            `json:"watches_removed"`
	ActiveWatches  int64            `json:"active_watches"`
	BusPublished   int64            `json:"bus_published"`
	BusDropped     int64            `json:"bus_dropped"`
	Events         map[string]int64 `json:"events,omitempty"`
	Errors         map[string]int64 `json:"errors,omitempty"`
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Reads:          r.reads.Load(),
		ReadBytes:      r.readBytes.Load(),
		EmptyReads:     r.emptyReads.Load(),
		BufferGrowths:  r.bufferGrowths.Load(),
		Overflows:      r.overflows.Load(),
		Ignored:        r.ignored.Load(),
		WatchesAdded:   r.watchesAdded.Load(),
		WatchesRemoved: r.watchesRemoved.Load(),
		ActiveWatches:  r.activeWatches.Load(),
		BusPublished:   r.busPublished.Load(),
		BusDropped:     r.busDropped.Load(),
		Events:         collect(&r.events),
		Errors:         collect(&r.errors),
	}
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "inowatch_reads_total", "Reads performed on the inotify descriptor", r.reads.Load())
	writeCounter(writer, "inowatch_read_bytes_total", "Bytes read from the inotify descriptor", r.readBytes.Load())
	writeCounter(writer, "inowatch_empty_reads_total", "Non-blocking reads that found no events", r.emptyReads.Load())
	writeCounter(writer, "inowatch_buffer_growths_total", "Read buffer growths after EINVAL", r.bufferGrowths.Load())
	writeCounter(writer, "inowatch_queue_overflows_total", "Kernel queue overflow events", r.overflows.Load())
	writeCounter(writer, "inowatch_watches_ignored_total", "Watches dropped by the kernel", r.ignored.Load())
	writeCounter(writer, "inowatch_watches_added_total", "Successful watch registrations", r.watchesAdded.Load())
	writeCounter(writer, "inowatch_watches_removed_total", "Explicit watch removals", r.watchesRemoved.Load())
	writeCounter(writer, "inowatch_bus_published_total", "Events published to subscribers", r.busPublished.Load())
	writeCounter(writer, "inowatch_bus_dropped_total", "Events dropped for slow subscribers", r.busDropped.Load())

	writeHelp(writer, "inowatch_active_watches", "Watches currently registered")
	fmt.Fprintln(writer, "# TYPE inowatch_active_watches gauge")
	fmt.Fprintf(writer, "inowatch_active_watches %d\n", r.activeWatches.Load())

	writeLabeled(writer, "inowatch_events_total", "Decoded events by kind", "kind", collect(&r.events))
	writeLabeled(writer, "inowatch_errors_total", "Failures by error kind", "kind", collect(&r.errors))
	return nil
}

func counter(values *sync.Map, name string) *atomic.Int64 {
	if strings.TrimSpace(name) == "" {
		name = "unknown"
	}
	value, _ := values.LoadOrStore(name, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func collect(values *sync.Map) map[string]int64 {
	var out map[string]int64
	values.Range(func(key, value any) bool {
		name, ok := key.(string)
		if !ok {
			return true
		}
		if out == nil {
			out = make(map[string]int64)
		}
		out[name] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

func writeLabeled(writer io.Writer, metric, help, label string, values map[string]int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, label, formatLabel(name), values[name])
	}
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
