// Package cli holds flag helpers shared by the inowatch commands.
package cli

import (
	"flag"
	"strings"

	"inowatch/internal/inotify"
)

const (
	defaultHelpDesc    = "Show help"
	defaultVersionDesc = "Print version and exit"
)

type HelpVersionFlags struct {
	Help    bool
	Version bool
}

func AddHelpVersionFlags(fs *flag.FlagSet, helpDesc, versionDesc string) *HelpVersionFlags {
	if fs == nil {
		return &HelpVersionFlags{}
	}
	if helpDesc == "" {
		helpDesc = defaultHelpDesc
	}
	if versionDesc == "" {
		versionDesc = defaultVersionDesc
	}
	flags := &HelpVersionFlags{}
	fs.BoolVar(&flags.Help, "help", false, helpDesc)
	fs.BoolVar(&flags.Help, "h", false, helpDesc)
	fs.BoolVar(&flags.Version, "version", false, versionDesc)
	fs.BoolVar(&flags.Version, "v", false, versionDesc)
	return flags
}

// MaskValue is a flag.Value holding an event mask. Repeating the flag ORs
// the masks together.
type MaskValue struct {
	Mask inotify.Mask
	Given bool
}

func (v *MaskValue) String() string {
	if v == nil || !v.Given {
		return ""
	}
	return v.Mask.String()
}

func (v *MaskValue) Set(value string) error {
	mask, err := inotify.ParseMask(value)
	if err != nil {
		return err
	}
	v.Mask |= mask
	v.Given = true
	return nil
}

// StringList is a repeatable string flag; comma separated values are split.
type StringList []string

func (l *StringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *StringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}
