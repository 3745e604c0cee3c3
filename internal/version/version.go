// Package version reports build information for inowatch binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags "-X inowatch/internal/version.Version=...".
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

type VersionInfo struct {
	Version   string `json:"version"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func GetVersionInfo() VersionInfo {
	info := VersionInfo{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.GitCommit == "" {
		info.GitCommit = buildSetting("vcs.revision")
	}
	return info
}

// Line formats the --version output for the named binary.
func Line(name string) string {
	info := GetVersionInfo()
	if info.Version == "" || info.Version == "dev" {
		return name + " dev"
	}
	var extra []string
	if info.GitCommit != "" {
		commit := info.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		extra = append(extra, commit)
	}
	if info.Built != "" {
		extra = append(extra, "built "+info.Built)
	}
	if len(extra) == 0 {
		return fmt.Sprintf("%s version %s", name, info.Version)
	}
	return fmt.Sprintf("%s version %s (%s)", name, info.Version, strings.Join(extra, ", "))
}

func buildSetting(key string) string {
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range build.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
