package main

import (
	"context"
	"flag"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/reader"
)

func captureCommand(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ContinueOnError)

	pid := fs.Int(
		"pid",
		0,
		"Process to capture")

	output := fs.String(
		"o",
		"",
		"Directory the snapshot is written to")

	verbose := fs.Bool(
		"v",
		false,
		"Log every skipped region")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *pid == 0 {
		return errors.New("please specify -pid")
	}
	if *output == "" {
		return errors.New("please specify the output directory with -o")
	}

	logger := newLogger(*verbose)
	process, err := reader.NewProcessReader(*pid)
	if err != nil {
		return err
	}

	snapshot, skipped, err := reader.Capture(process, process.Regions())
	if err != nil {
		return err
	}

	for _, region := range skipped {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "skipped region", slog.String("region", region.String()))
	}

	err = snapshot.Save(*output)
	if err != nil {
		return err
	}

	logger.LogAttrs(context.Background(), slog.LevelInfo, "captured process",
		slog.Int("pid", *pid),
		slog.Int("regions", len(snapshot.Regions())),
		slog.Int("skipped", len(skipped)),
		slog.String("dir", *output))

	return nil
}
