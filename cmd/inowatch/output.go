package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"inowatch/internal/inotify"
	"inowatch/internal/watcher"
)

type printer struct {
	out     io.Writer
	encoder *json.Encoder
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	p := &printer{out: out}
	if asJSON {
		p.encoder = json.NewEncoder(out)
	}
	return p
}

// event prints "<path>\t<mask>[\tcookie=N]". Records without a path, such as
// queue overflows, print "-".
func (p *printer) event(event watcher.Event) error {
	if p.encoder != nil {
		return p.encoder.Encode(event)
	}
	path := event.Path
	if path == "" {
		path = "-"
	}
	return p.line(path, event.Mask, event.Cookie)
}

type replayRecord struct {
	Time    time.Time `json:"time"`
	WatchID int32     `json:"wd"`
	Name    string    `json:"name,omitempty"`
	Mask    string    `json:"mask"`
	Cookie  uint32    `json:"cookie,omitempty"`
}

// raw prints a record from a capture. Paths are unknown there, so the watch
// id stands in for the directory.
func (p *printer) raw(at time.Time, record inotify.Event) error {
	if p.encoder != nil {
		return p.encoder.Encode(replayRecord{
			Time:    at,
			WatchID: int32(record.WatchID),
			Name:    record.Name,
			Mask:    record.Mask.String(),
			Cookie:  record.Cookie,
		})
	}
	var target strings.Builder
	target.WriteString("wd=")
	target.WriteString(strconv.Itoa(int(record.WatchID)))
	if record.Name != "" {
		target.WriteByte('/')
		target.WriteString(record.Name)
	}
	return p.line(target.String(), record.Mask, record.Cookie)
}

func (p *printer) line(target string, mask inotify.Mask, cookie uint32) error {
	var err error
	if cookie != 0 {
		_, err = fmt.Fprintf(p.out, "%s\t%s\tcookie=%d\n", target, mask, cookie)
	} else {
		_, err = fmt.Fprintf(p.out, "%s\t%s\n", target, mask)
	}
	return err
}
