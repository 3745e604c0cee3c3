package inotify

import (
	"fmt"
	"strconv"
	"strings"
)

// Mask is a set of inotify flags. On AddWatch it describes the requested
// interest; on a delivered Event it describes what happened.
type Mask uint32

// Event bits, valid both in AddWatch masks and in delivered events.
// Values follow the kernel ABI in <sys/inotify.h>.
const (
	MaskAccess       Mask = 0x00000001
	MaskModify       Mask = 0x00000002
	MaskAttrib       Mask = 0x00000004
	MaskCloseWrite   Mask = 0x00000008
	MaskCloseNoWrite Mask = 0x00000010
	MaskOpen         Mask = 0x00000020
	MaskMovedFrom    Mask = 0x00000040
	MaskMovedTo      Mask = 0x00000080
	MaskCreate       Mask = 0x00000100
	MaskDelete       Mask = 0x00000200
	MaskDeleteSelf   Mask = 0x00000400
	MaskMoveSelf     Mask = 0x00000800

	MaskClose     = MaskCloseWrite | MaskCloseNoWrite
	MaskMove      = MaskMovedFrom | MaskMovedTo
	MaskAllEvents = Mask(0x00000fff)
)

// Bits only ever set by the kernel on delivered events.
const (
	MaskUnmount       Mask = 0x00002000
	MaskQueueOverflow Mask = 0x00004000
	MaskIgnored       Mask = 0x00008000
	MaskIsDir         Mask = 0x40000000
)

// Flags that change how AddWatch behaves. They never appear on events.
const (
	MaskOnlyDir    Mask = 0x01000000
	MaskDontFollow Mask = 0x02000000
	MaskExclUnlink Mask = 0x04000000
	MaskCreateOnly Mask = 0x10000000 // IN_MASK_CREATE
	MaskAdd        Mask = 0x20000000 // IN_MASK_ADD
	MaskOneShot    Mask = 0x80000000
)

const watchFlags = MaskOnlyDir | MaskDontFollow | MaskExclUnlink | MaskCreateOnly | MaskAdd | MaskOneShot

type maskName struct {
	mask Mask
	name string
}

// Order matters for String: single bits first, in ABI order.
var maskNames = []maskName{
	{MaskAccess, "IN_ACCESS"},
	{MaskModify, "IN_MODIFY"},
	{MaskAttrib, "IN_ATTRIB"},
	{MaskCloseWrite, "IN_CLOSE_WRITE"},
	{MaskCloseNoWrite, "IN_CLOSE_NOWRITE"},
	{MaskOpen, "IN_OPEN"},
	{MaskMovedFrom, "IN_MOVED_FROM"},
	{MaskMovedTo, "IN_MOVED_TO"},
	{MaskCreate, "IN_CREATE"},
	{MaskDelete, "IN_DELETE"},
	{MaskDeleteSelf, "IN_DELETE_SELF"},
	{MaskMoveSelf, "IN_MOVE_SELF"},
	{MaskUnmount, "IN_UNMOUNT"},
	{MaskQueueOverflow, "IN_Q_OVERFLOW"},
	{MaskIgnored, "IN_IGNORED"},
	{MaskOnlyDir, "IN_ONLYDIR"},
	{MaskDontFollow, "IN_DONT_FOLLOW"},
	{MaskExclUnlink, "IN_EXCL_UNLINK"},
	{MaskCreateOnly, "IN_MASK_CREATE"},
	{MaskAdd, "IN_MASK_ADD"},
	{MaskIsDir, "IN_ISDIR"},
	{MaskOneShot, "IN_ONESHOT"},
}

// Aliases accepted by ParseMask in addition to the single-bit names.
var maskAliases = map[string]Mask{
	"IN_CLOSE":      MaskClose,
	"IN_MOVE":       MaskMove,
	"IN_ALL_EVENTS": MaskAllEvents,
	"IN_ALL":        MaskAllEvents,
	"IN_WRITE":      MaskModify | MaskCloseWrite,
	"IN_REMOVE":     MaskDelete | MaskDeleteSelf,
	"IN_RENAME":     MaskMove | MaskMoveSelf,
}

// Has reports whether every bit of flags is set in m.
func (m Mask) Has(flags Mask) bool {
	return flags != 0 && m&flags == flags
}

// Any reports whether at least one bit of flags is set in m.
func (m Mask) Any(flags Mask) bool {
	return m&flags != 0
}

// Events returns only the event bits of m.
func (m Mask) Events() Mask {
	return m & MaskAllEvents
}

// Kind names the lowest meaningful bit of m in lower case without the IN_
// prefix, ignoring IN_ISDIR: "create", "q_overflow", "ignored". It is
// "unknown" when no named bit is set.
func (m Mask) Kind() string {
	for _, entry := range maskNames {
		if entry.mask != MaskIsDir && m&entry.mask != 0 {
			return strings.ToLower(strings.TrimPrefix(entry.name, "IN_"))
		}
	}
	return "unknown"
}

func (m Mask) String() string {
	if m == 0 {
		return "0"
	}
	parts := make([]string, 0, 4)
	rest := m
	for _, entry := range maskNames {
		if rest&entry.mask != 0 {
			parts = append(parts, entry.name)
			rest &^= entry.mask
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}

// ParseMask parses a list of flag names separated by '|', ',' or spaces.
// Names are case-insensitive and the IN_ prefix is optional, so "create|delete",
// "IN_CREATE,IN_DELETE" and "all" are all valid. Hex and decimal literals are
// accepted too.
func ParseMask(value string) (Mask, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == '|' || r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return 0, &Error{Op: "parse_mask", Kind: KindInvalidMask, Err: fmt.Errorf("empty mask %q", value)}
	}

	var mask Mask
	for _, field := range fields {
		bits, err := lookupMask(field)
		if err != nil {
			return 0, &Error{Op: "parse_mask", Kind: KindInvalidMask, Err: err}
		}
		mask |= bits
	}
	return mask, nil
}

func lookupMask(field string) (Mask, error) {
	if parsed, err := strconv.ParseUint(field, 0, 32); err == nil {
		return Mask(parsed), nil
	}
	name := strings.ToUpper(strings.TrimSpace(field))
	if !strings.HasPrefix(name, "IN_") {
		name = "IN_" + name
	}
	if alias, ok := maskAliases[name]; ok {
		return alias, nil
	}
	for _, entry := range maskNames {
		if entry.name == name {
			return entry.mask, nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", field)
}
