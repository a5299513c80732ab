package main

import (
	"flag"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/reader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type searchFlags struct {
	integer  addressFlag
	hasInt   bool
	text     string
	expr     string
	wordSize int
}

func (s *searchFlags) pattern() (reader.Pattern, error) {
	given := 0
	for _, set := range []bool{s.hasInt, s.text != "", s.expr != ""} {
		if set {
			given++
		}
	}
	if given != 1 {
		return nil, errors.New("please specify exactly one of -int, -string and -regexp")
	}

	switch {
	case s.hasInt:
		return reader.IntegerPattern(uint64(s.integer), s.wordSize)
	case s.text != "":
		return reader.BytesPattern([]byte(s.text))
	default:
		return reader.RegexpPattern(s.expr, 0)
	}
}

func findCommand(args []string) error {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)

	var source sourceFlags
	source.register(fs)

	var search searchFlags
	fs.Func("int", "Search for a hexadecimal integer", func(text string) error {
		search.hasInt = true
		return search.integer.Set(text)
	})
	fs.StringVar(&search.text, "string", "", "Search for a string")
	fs.StringVar(&search.expr, "regexp", "", "Search for a regular expression")
	fs.IntVar(&search.wordSize, "size", 8, "Width in bytes of the -int value, 4 or 8")

	from := fs.String(
		"from",
		"",
		"Start of the search: an address or a region such as heap+0x10. Every readable region is searched when empty")

	var length addressFlag
	fs.Var(&length, "length", "Number of bytes searched from -from, the rest of its region when zero")

	limit := fs.Int(
		"limit",
		0,
		"Stop after this many matches, 0 for no limit")

	output := fs.String(
		"o",
		"",
		"Write the matches to this file instead of stdout")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	pattern, err := search.pattern()
	if err != nil {
		return err
	}

	r, err := source.open()
	if err != nil {
		return err
	}

	regions, err := regionsOf(r)
	if err != nil {
		return err
	}

	var addresses []uint64
	if *from == "" {
		matches, err := reader.FindInRegions(r, regions, pattern)
		if err != nil {
			return err
		}
		for _, match := range matches {
			addresses = append(addresses, match.Address)
		}
		if *limit > 0 && len(addresses) > *limit {
			addresses = addresses[:*limit]
		}
	} else {
		start, err := reader.ResolveAddress(regions, *from)
		if err != nil {
			return err
		}

		size := uint64(length)
		if size == 0 {
			region, ok := reader.RegionContaining(regions, start)
			if !ok {
				return errors.Newf("%#x is not mapped, please specify -length", start)
			}
			size = region.End - start
		}

		addresses, err = reader.Find(r, pattern, start, size, *limit)
		if err != nil {
			return err
		}
	}

	writer := jwriter.NewWriter()
	arr := writer.Array()
	for _, address := range addresses {
		obj := arr.Object()
		obj.Name("Address").String(fmt.Sprintf("%#x", address))
		if offset, ok := reader.OffsetOf(regions, address); ok {
			obj.Name("Offset").String(offset.String())
		}
		obj.End()
	}
	arr.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode matches")
	}

	return writeOutput(*output, writer.Bytes())
}
