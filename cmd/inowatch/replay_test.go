package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"inowatch/internal/capture"
	"inowatch/internal/inotify"
	"inowatch/internal/watcher"
)

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.cap")
	writer, err := capture.Create(path)
	if err != nil {
		t.Fatalf("create capture: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	var frame []byte
	frame = inotify.EncodeEvent(frame, inotify.Event{WatchID: 1, Mask: inotify.MaskCreate, Name: "a.txt"})
	frame = inotify.EncodeEvent(frame, inotify.Event{WatchID: 1, Mask: inotify.MaskMovedFrom, Cookie: 7, Name: "a.txt"})
	if err := writer.WriteFrame(at, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	frame = inotify.EncodeEvent(nil, inotify.Event{WatchID: 2, Mask: inotify.MaskDeleteSelf})
	if err := writer.WriteFrame(at.Add(time.Second), frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close capture: %v", err)
	}
	return path
}

func TestReplayText(t *testing.T) {
	path := writeCapture(t)
	var stdout, stderr bytes.Buffer
	if code := run(t.Context(), []string{"replay", path}, &stdout, &stderr); code != exitCodeSuccess {
		t.Fatalf("expected success, got %d (%s)", code, stderr.String())
	}
	want := "wd=1/a.txt\tIN_CREATE\n" +
		"wd=1/a.txt\tIN_MOVED_FROM\tcookie=7\n" +
		"wd=2\tIN_DELETE_SELF\n"
	if stdout.String() != want {
		t.Fatalf("expected %q, got %q", want, stdout.String())
	}
}

func TestReplayJSON(t *testing.T) {
	path := writeCapture(t)
	var stdout, stderr bytes.Buffer
	if code := run(t.Context(), []string{"replay", "--json", path}, &stdout, &stderr); code != exitCodeSuccess {
		t.Fatalf("expected success, got %d (%s)", code, stderr.String())
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 records, got %d", len(lines))
	}
	var record replayRecord
	if err := json.Unmarshal([]byte(lines[1]), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.WatchID != 1 || record.Name != "a.txt" || record.Mask != "IN_MOVED_FROM" || record.Cookie != 7 {
		t.Fatalf("unexpected record %+v", record)
	}
	if !record.Time.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected time %v", record.Time)
	}
}

func TestReplayMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing.cap")
	if code := run(t.Context(), []string{"replay", missing}, &stdout, &stderr); code != exitCodeUsage {
		t.Fatalf("expected usage code, got %d", code)
	}
	if !strings.Contains(stderr.String(), "no such file") {
		t.Fatalf("expected missing file message, got %q", stderr.String())
	}
}

func TestReplayRejectsOtherFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	writer, err := capture.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writer.WriteFrame(time.Now(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := run(t.Context(), []string{"replay", path}, &stdout, &stderr); code != exitCodeRuntime {
		t.Fatalf("expected runtime code, got %d", code)
	}
	if !strings.Contains(stderr.String(), "frame 0") {
		t.Fatalf("expected frame error, got %q", stderr.String())
	}
}

func TestPrinterEvent(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, false)
	if err := p.event(watcherEvent("", inotify.MaskQueueOverflow, 0)); err != nil {
		t.Fatalf("print: %v", err)
	}
	if err := p.event(watcherEvent("/tmp/x", inotify.MaskMovedTo, 3)); err != nil {
		t.Fatalf("print: %v", err)
	}
	want := "-\tIN_Q_OVERFLOW\n/tmp/x\tIN_MOVED_TO\tcookie=3\n"
	if out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}
}

func watcherEvent(path string, mask inotify.Mask, cookie uint32) watcher.Event {
	return watcher.Event{
		EventType: mask.Kind(),
		Path:      path,
		Mask:      mask,
		Cookie:    cookie,
	}
}
