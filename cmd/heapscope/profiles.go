package main

import (
	"flag"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/layout"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// profilesCommand prints every known layout profile in the format accepted by -profiles, so
// the output is a starting point for describing a new glibc build
func profilesCommand(args []string) error {
	fs := flag.NewFlagSet("profiles", flag.ContinueOnError)

	var source sourceFlags
	fs.StringVar(&source.profileFile, "profiles", "", "JSON file of additional layout profiles")

	output := fs.String(
		"o",
		"",
		"Write the profiles to this file instead of stdout")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	registry, err := source.registry()
	if err != nil {
		return err
	}

	writer := jwriter.NewWriter()
	layout.WriteProfiles(&writer, registry.Profiles())
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode profiles")
	}

	return writeOutput(*output, writer.Bytes())
}
