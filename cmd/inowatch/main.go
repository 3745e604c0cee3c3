package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"inowatch/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	return runWithHooks(ctx, args, out, errOut, hooks{})
}

// hooks let tests observe the command once its watches are in place.
type hooks struct {
	ready func(session *session)
}

func runWithHooks(ctx context.Context, args []string, out io.Writer, errOut io.Writer, h hooks) int {
	if len(args) > 0 && args[0] == "replay" {
		cfg, err := parseReplayArgs(args[1:], errOut)
		if err != nil {
			return handleParseError(err, errOut)
		}
		return handleRunError(replay(cfg, out), errOut)
	}

	cfg, err := parseArgs(args, errOut)
	if err != nil {
		return handleParseError(err, errOut)
	}
	if cfg.ShowVersion {
		fmt.Fprintln(out, version.Line("inowatch"))
		return exitCodeSuccess
	}
	return handleRunError(watch(ctx, cfg, out, errOut, h), errOut)
}

func handleParseError(err error, errOut io.Writer) int {
	if errors.Is(err, flag.ErrHelp) {
		return exitCodeSuccess
	}
	var cliErr *cliError
	if errors.As(err, &cliErr) {
		fmt.Fprintln(errOut, cliErr.Message)
		return cliErr.Code
	}
	// The flag package has already reported the problem.
	return exitCodeUsage
}

func handleRunError(err error, errOut io.Writer) int {
	if err == nil {
		return exitCodeSuccess
	}
	var cliErr *cliError
	if errors.As(err, &cliErr) {
		if cliErr.Message != "" {
			fmt.Fprintln(errOut, cliErr.Message)
		}
		return cliErr.Code
	}
	fmt.Fprintln(errOut, err)
	return exitCodeRuntime
}
