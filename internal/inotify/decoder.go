package inotify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"strconv"
)

const (
	// HeaderSize is the fixed part of struct inotify_event: wd, mask,
	// cookie and len, each 32 bits in native byte order.
	HeaderSize = 16
	// MaxNameLen is NAME_MAX; one record never exceeds HeaderSize+MaxNameLen+1.
	MaxNameLen = 255
)

// Event is one decoded inotify record.
type Event struct {
	WatchID WatchID
	Mask    Mask
	Cookie  uint32
	// Name is relative to the watched directory; empty for events on the
	// watched object itself.
	Name string
}

func (e Event) Has(flags Mask) bool {
	return e.Mask.Has(flags)
}

func (e Event) IsDir() bool {
	return e.Mask&MaskIsDir != 0
}

// Overflowed reports a queue overflow: the kernel dropped events and the
// caller should rescan whatever it watches.
func (e Event) Overflowed() bool {
	return e.Mask&MaskQueueOverflow != 0
}

// Ignored reports that the watch is gone, either removed explicitly or
// dropped by the kernel (deleted inode, unmount, one-shot fired).
func (e Event) Ignored() bool {
	return e.Mask&MaskIgnored != 0
}

func (e Event) String() string {
	text := "wd=" + strconv.Itoa(int(e.WatchID)) + " mask=" + e.Mask.String()
	if e.Cookie != 0 {
		text += " cookie=" + strconv.FormatUint(uint64(e.Cookie), 10)
	}
	if e.Name != "" {
		text += " name=" + strconv.Quote(e.Name)
	}
	return text
}

type header struct {
	wd      int32
	mask    uint32
	cookie  uint32
	nameLen uint32
}

func readHeader(record []byte) header {
	return header{
		wd:      int32(binary.NativeEndian.Uint32(record[0:4])),
		mask:    binary.NativeEndian.Uint32(record[4:8]),
		cookie:  binary.NativeEndian.Uint32(record[8:12]),
		nameLen: binary.NativeEndian.Uint32(record[12:16]),
	}
}

// Validate walks buf and checks that it is a sequence of complete records.
// It returns the number of records.
func Validate(buf []byte) (int, error) {
	count := 0
	for offset := 0; offset < len(buf); {
		remaining := len(buf) - offset
		if remaining < HeaderSize {
			return 0, malformed(offset, fmt.Errorf("truncated header: %d of %d bytes", remaining, HeaderSize))
		}
		hdr := readHeader(buf[offset : offset+HeaderSize])
		if uint64(hdr.nameLen) > uint64(remaining-HeaderSize) {
			return 0, malformed(offset, fmt.Errorf("name length %d exceeds remaining %d bytes", hdr.nameLen, remaining-HeaderSize))
		}
		offset += HeaderSize + int(hdr.nameLen)
		count++
	}
	return count, nil
}

// Decode turns the bytes of one read into events, in order. An empty buffer
// gives no events and no error. Any framing problem fails the whole buffer
// with ErrMalformedStream; no partial result is returned.
func Decode(buf []byte) ([]Event, error) {
	count, err := Validate(buf)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	events := make([]Event, 0, count)
	for event := range records(buf) {
		events = append(events, event)
	}
	return events, nil
}

// Records validates buf and returns a finite, lazily decoded sequence over
// its events. The sequence may be ranged more than once.
func Records(buf []byte) (iter.Seq[Event], error) {
	if _, err := Validate(buf); err != nil {
		return nil, err
	}
	return records(buf), nil
}

// records assumes buf passed Validate.
func records(buf []byte) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for offset := 0; offset+HeaderSize <= len(buf); {
			hdr := readHeader(buf[offset : offset+HeaderSize])
			offset += HeaderSize
			event := Event{
				WatchID: WatchID(hdr.wd),
				Mask:    Mask(hdr.mask),
				Cookie:  hdr.cookie,
			}
			if hdr.nameLen > 0 {
				event.Name = decodeName(buf[offset : offset+int(hdr.nameLen)])
				offset += int(hdr.nameLen)
			}
			if !yield(event) {
				return
			}
		}
	}
}

// decodeName strips the NUL terminator and alignment padding.
func decodeName(field []byte) string {
	if end := bytes.IndexByte(field, 0); end >= 0 {
		field = field[:end]
	}
	return string(field)
}

// EncodeEvent appends the wire form of event to dst, padding the name to a
// multiple of four bytes the way the kernel does.
func EncodeEvent(dst []byte, event Event) []byte {
	nameLen := 0
	if event.Name != "" {
		nameLen = (len(event.Name) + 1 + 3) &^ 3
	}
	var hdr [HeaderSize]byte
	binary.NativeEndian.PutUint32(hdr[0:4], uint32(event.WatchID))
	binary.NativeEndian.PutUint32(hdr[4:8], uint32(event.Mask))
	binary.NativeEndian.PutUint32(hdr[8:12], event.Cookie)
	binary.NativeEndian.PutUint32(hdr[12:16], uint32(nameLen))
	dst = append(dst, hdr[:]...)
	if nameLen > 0 {
		dst = append(dst, event.Name...)
		dst = append(dst, make([]byte, nameLen-len(event.Name))...)
	}
	return dst
}

func malformed(offset int, err error) error {
	return &Error{Op: "decode", Kind: KindMalformedStream, Err: fmt.Errorf("record at offset %d: %w", offset, err)}
}
