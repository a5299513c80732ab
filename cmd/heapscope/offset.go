package main

import (
	"flag"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/reader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// offsetCommand places leaked addresses relative to the object mapped around them, the way
// a libc or heap base is recovered from a leak
func offsetCommand(args []string) error {
	fs := flag.NewFlagSet("offset", flag.ContinueOnError)

	var source sourceFlags
	source.register(fs)

	output := fs.String(
		"o",
		"",
		"Write the offsets to this file instead of stdout")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if fs.NArg() == 0 {
		return errors.New("please specify at least one address")
	}

	r, err := source.open()
	if err != nil {
		return err
	}

	regions, err := regionsOf(r)
	if err != nil {
		return err
	}

	writer := jwriter.NewWriter()
	arr := writer.Array()
	for _, arg := range fs.Args() {
		address, err := reader.ResolveAddress(regions, arg)
		if err != nil {
			return err
		}

		obj := arr.Object()
		obj.Name("Address").String(fmt.Sprintf("%#x", address))
		offset, ok := reader.OffsetOf(regions, address)
		if ok {
			obj.Name("Offset").String(offset.String())
			obj.Name("Base").String(fmt.Sprintf("%#x", offset.Region.Start))
			obj.Name("Region").String(offset.Region.Name)
			obj.Name("Inside").Bool(offset.Inside)
		}
		obj.End()
	}
	arr.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode offsets")
	}

	return writeOutput(*output, writer.Bytes())
}
