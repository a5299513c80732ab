package main

import (
	"bytes"
	"flag"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/reader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func dumpCommand(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)

	var source sourceFlags
	source.register(fs)

	at := fs.String(
		"at",
		"",
		"Address to dump: an address or a region such as heap+0x10")

	count := fs.Int(
		"count",
		8,
		"Number of words printed")

	wordSize := fs.Int(
		"size",
		8,
		"Word width in bytes, 4 or 8")

	chunks := fs.Bool(
		"chunks",
		false,
		"Decode the range as consecutive chunks with the selected layout profile")

	var length addressFlag = 0x100
	fs.Var(&length, "length", "Number of bytes decoded with -chunks")

	output := fs.String(
		"o",
		"",
		"Write the dump to this file instead of stdout")

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	if *at == "" {
		return errors.New("please specify the address with -at")
	}
	if *wordSize != 4 && *wordSize != 8 {
		return errors.Newf("unsupported word size %d", *wordSize)
	}

	r, err := source.open()
	if err != nil {
		return err
	}

	regions, err := regionsOf(r)
	if err != nil {
		return err
	}

	address, err := reader.ResolveAddress(regions, *at)
	if err != nil {
		return err
	}

	if *chunks {
		return dumpChunks(source, r, address, uint64(length), *output)
	}

	words, err := reader.ReadWords(r, address, *count, *wordSize)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	err = reader.FormatWords(&out, address, words, *wordSize)
	if err != nil {
		return err
	}

	return writeOutput(*output, bytes.TrimSuffix(out.Bytes(), []byte("\n")))
}

func dumpChunks(source sourceFlags, r reader.Reader, address uint64, length uint64, output string) error {
	profile, err := source.selectProfile()
	if err != nil {
		return err
	}

	codec, err := chunk.NewCodec(r, profile)
	if err != nil {
		return err
	}

	decoded, err := codec.DecodeRange(address, address+length)
	if err != nil && len(decoded) == 0 {
		return err
	}

	writer := jwriter.NewWriter()
	arr := writer.Array()
	for _, c := range decoded {
		obj := arr.Object()
		c.ChunkJsonData(obj)
		obj.End()
	}
	arr.End()

	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "failed to encode chunks")
	}

	return writeOutput(output, writer.Bytes())
}
