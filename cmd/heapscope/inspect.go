package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/corruption"
	"github.com/heapscope/heapscope/finding"
	"github.com/heapscope/heapscope/heap"
	"github.com/heapscope/heapscope/layout"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type inspection struct {
	logger  *slog.Logger
	source  sourceFlags
	profile *layout.Profile
	hint    heap.Hint
	options heap.BuildOptions
	output  string
}

func inspectCommand(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)

	var source sourceFlags
	source.register(fs)

	var hints hintFlags
	hints.register(fs)

	ring := fs.Bool(
		"ring",
		false,
		"Follow the arena ring and read every arena, not only the main arena")

	maxSteps := fs.Int(
		"max-steps",
		0,
		"Maximum number of entries followed in one free list")

	watch := fs.Bool(
		"watch",
		false,
		"Inspect again every time the snapshot manifest changes")

	output := fs.String(
		"o",
		"",
		"Write the report to this file instead of stdout")

	verbose := fs.Bool(
		"v",
		false,
		"Log every build stage")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	profile, err := source.selectProfile()
	if err != nil {
		return err
	}

	logger := newLogger(*verbose)
	run := &inspection{
		logger:  logger,
		source:  source,
		profile: profile,
		hint:    hints.hint(),
		options: heap.BuildOptions{
			Logger:          logger,
			MaxSteps:        *maxSteps,
			FollowArenaRing: *ring,
		},
		output: *output,
	}

	if !*watch {
		return run.inspect()
	}

	if source.snapshot == "" {
		return errors.New("-watch needs -snapshot")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return watchSnapshot(ctx, logger, source.snapshot, run.inspect)
}

func (i *inspection) inspect() error {
	r, err := i.source.open()
	if err != nil {
		return err
	}

	m, err := heap.Build(r, i.profile, i.hint, i.options)
	if err != nil {
		return err
	}

	findings := corruption.Validate(m)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	heapObj := obj.Name("Heap").Object()
	m.PrintDetailedMap(heapObj)
	heapObj.End()
	finding.WriteFindings(obj.Name("Findings"), findings)
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode the report")
	}

	i.logger.LogAttrs(context.Background(), slog.LevelInfo, "inspected heap",
		slog.String("profile", i.profile.Name),
		slog.Int("chunks", len(m.Chunks())),
		slog.Int("findings", len(findings)))

	return writeOutput(i.output, writer.Bytes())
}
