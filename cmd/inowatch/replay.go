package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"inowatch/internal/capture"
	"inowatch/internal/inotify"
)

func replay(cfg replayConfig, out io.Writer) error {
	file, err := os.Open(cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitErr(exitCodeUsage, fmt.Sprintf("%s: no such file", cfg.Path))
		}
		return err
	}
	defer file.Close()

	output := newPrinter(out, cfg.JSON)
	_, err = capture.Replay(file, func(frame capture.Frame, events []inotify.Event) error {
		for _, record := range events {
			if err := output.raw(frame.Time, record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", cfg.Path, err)
	}
	return nil
}
