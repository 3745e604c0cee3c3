package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"inowatch/internal/cli"
	"inowatch/internal/config"
	"inowatch/internal/inotify"
	"inowatch/internal/logging"
)

type Config struct {
	File        config.File
	JSON        bool
	Count       int
	Timeout     time.Duration
	AuthToken   string
	Origins     []string
	ShowVersion bool
}

type replayConfig struct {
	Path string
	JSON bool
}

func parseArgs(args []string, errOut io.Writer) (Config, error) {
	fs := flag.NewFlagSet("inowatch", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var events cli.MaskValue
	var origins cli.StringList
	fs.Var(&events, "events", "Events to watch for positional paths (default: all)")
	fs.Var(&events, "e", "Events to watch (short)")
	jsonFlag := fs.Bool("json", false, "Print events as JSON lines")
	configFlag := fs.String("config", "", "TOML or YAML config file")
	nonblockFlag := fs.Bool("nonblock", false, "Open the channel in non-blocking mode")
	recursiveFlag := fs.Bool("recursive", false, "Watch directories recursively")
	countFlag := fs.Int("count", 0, "Exit after this many events (0: no limit)")
	timeoutFlag := fs.Duration("timeout", 0, "Exit after this long without reaching --count (0: no limit)")
	listenFlag := fs.String("listen", "", "Serve the HTTP API on this address")
	tokenFlag := fs.String("token", "", "Auth token required by the HTTP API")
	fs.Var(&origins, "allow-origin", "Websocket origin to allow (repeatable)")
	recordFlag := fs.String("record", "", "Record raw reads to this capture file")
	logLevelFlag := fs.String("log-level", "", "Log level: debug, info, warning, error")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		printHelp(fs.Output())
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return Config{}, flag.ErrHelp
	}
	if helpVersion.Version {
		return Config{ShowVersion: true}, nil
	}
	if *countFlag < 0 {
		return Config{}, exitErr(exitCodeUsage, "--count must not be negative")
	}
	if *timeoutFlag < 0 {
		return Config{}, exitErr(exitCodeUsage, "--timeout must not be negative")
	}

	file := config.Default()
	if path := strings.TrimSpace(*configFlag); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return Config{}, exitErr(exitCodeConfig, err.Error())
		}
		file = loaded
	}

	mask := inotify.MaskAllEvents
	if events.Given {
		mask = events.Mask
	}
	for _, path := range fs.Args() {
		if strings.TrimSpace(path) == "" {
			continue
		}
		file.Watches = append(file.Watches, config.Watch{Path: filepath.Clean(path), Events: mask.String()})
	}
	if len(file.Watches) == 0 {
		fs.Usage()
		return Config{}, exitErr(exitCodeUsage, "at least one path is required")
	}

	if *nonblockFlag {
		file.Channel.NonBlocking = true
	}
	if *recursiveFlag {
		file.Watcher.Recursive = true
	}
	if listen := strings.TrimSpace(*listenFlag); listen != "" {
		file.Server.Listen = listen
	}
	if record := strings.TrimSpace(*recordFlag); record != "" {
		file.Capture.Path = record
	}
	if level := strings.TrimSpace(*logLevelFlag); level != "" {
		if _, ok := logging.ParseLevel(level); !ok {
			return Config{}, exitErr(exitCodeUsage, fmt.Sprintf("invalid log level %q", level))
		}
		file.Log.Level = level
	}
	if err := file.Validate(); err != nil {
		return Config{}, exitErr(exitCodeConfig, err.Error())
	}

	return Config{
		File:      file,
		JSON:      *jsonFlag,
		Count:     *countFlag,
		Timeout:   *timeoutFlag,
		AuthToken: strings.TrimSpace(*tokenFlag),
		Origins:   origins,
	}, nil
}

func parseReplayArgs(args []string, errOut io.Writer) (replayConfig, error) {
	fs := flag.NewFlagSet("inowatch replay", flag.ContinueOnError)
	fs.SetOutput(errOut)
	jsonFlag := fs.Bool("json", false, "Print events as JSON lines")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show this help message", "Print version and exit")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage: inowatch replay [--json] <capture-file>")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Decode a capture recorded with --record and print its events")
	}
	if err := fs.Parse(args); err != nil {
		return replayConfig{}, err
	}
	if helpVersion.Help {
		fs.Usage()
		return replayConfig{}, flag.ErrHelp
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return replayConfig{}, exitErr(exitCodeUsage, "capture file is required")
	}
	return replayConfig{Path: fs.Arg(0), JSON: *jsonFlag}, nil
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: inowatch [options] <path>...")
	fmt.Fprintln(out, "       inowatch replay [--json] <capture-file>")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Watch paths with inotify and print their events")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--events, -e MASK", "Events for positional paths, e.g. create|delete (default: all)")
	writeOption(out, "--json", "Print events as JSON lines")
	writeOption(out, "--config FILE", "TOML or YAML config file")
	writeOption(out, "--nonblock", "Open the channel in non-blocking mode")
	writeOption(out, "--recursive", "Watch directories recursively")
	writeOption(out, "--count N", "Exit after N events")
	writeOption(out, "--timeout DURATION", "Exit after DURATION")
	writeOption(out, "--listen ADDR", "Serve the HTTP API on ADDR")
	writeOption(out, "--token TOKEN", "Auth token required by the HTTP API")
	writeOption(out, "--allow-origin HOST", "Websocket origin to allow (repeatable)")
	writeOption(out, "--record FILE", "Record raw reads to FILE")
	writeOption(out, "--log-level LEVEL", "debug, info, warning or error (default: info)")
	writeOption(out, "--help", "Show this help message")
	writeOption(out, "--version", "Print version and exit")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Exit codes:")
	fmt.Fprintln(out, "  0  Success")
	fmt.Fprintln(out, "  1  Usage error")
	fmt.Fprintln(out, "  2  A path could not be watched")
	fmt.Fprintln(out, "  3  Timed out before --count events")
	fmt.Fprintln(out, "  4  Runtime error")
	fmt.Fprintln(out, "  5  Invalid config")
}

func writeOption(out io.Writer, name, desc string) {
	fmt.Fprintf(out, "  %-22s %s\n", name, desc)
}
