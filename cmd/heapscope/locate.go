package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/arena"
	"github.com/heapscope/heapscope/chunk"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func locateCommand(args []string) error {
	fs := flag.NewFlagSet("locate", flag.ContinueOnError)

	var source sourceFlags
	source.register(fs)

	var seed, seedChunk, image addressFlag
	fs.Var(&seed, "seed", "Forward pointer of a chunk alone in the unsorted bin")
	fs.Var(&seedChunk, "chunk", "Address of a chunk alone in the unsorted bin")
	fs.Var(&image, "image", "Any address inside the image holding the arena, such as a return address")

	maxPages := fs.Int(
		"max-pages",
		arena.DefaultMaxPages,
		"Maximum number of pages searched backward for the image header")

	output := fs.String(
		"o",
		"",
		"Write the result to this file instead of stdout")

	verbose := fs.Bool(
		"v",
		false,
		"Log the search")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if seed == 0 && seedChunk == 0 {
		return errors.New("please specify -seed or -chunk")
	}

	profile, err := source.selectProfile()
	if err != nil {
		return err
	}

	r, err := source.open()
	if err != nil {
		return err
	}

	codec, err := chunk.NewCodec(r, profile)
	if err != nil {
		return err
	}

	logger := newLogger(*verbose)
	locator := arena.NewLocator(codec)
	locator.MaxPages = *maxPages

	var location arena.Location
	if seedChunk != 0 {
		location, err = locator.LocateFromChunk(uint64(seedChunk), uint64(image))
	} else {
		location, err = locator.Locate(uint64(seed), uint64(image))
	}
	if err != nil {
		return err
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "located arena",
		slog.String("arena", fmt.Sprintf("%#x", location.ArenaBase)),
		slog.String("image", fmt.Sprintf("%#x", location.ImageBase)))

	mainArena, err := arena.Read(codec, location.ArenaBase)
	if err != nil {
		return err
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Profile").String(profile.Name)
	obj.Name("ArenaBase").String(fmt.Sprintf("%#x", location.ArenaBase))
	if location.ImageBase != 0 {
		obj.Name("ImageBase").String(fmt.Sprintf("%#x", location.ImageBase))
		obj.Name("ArenaOffset").String(fmt.Sprintf("%#x", location.ArenaOffset))
	}
	obj.Name("Top").String(fmt.Sprintf("%#x", mainArena.Top))
	obj.Name("SystemMem").String(fmt.Sprintf("%#x", mainArena.SystemMem))
	obj.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode the location")
	}

	return writeOutput(*output, writer.Bytes())
}
