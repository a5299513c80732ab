package reader

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

// ReadWords reads count consecutive little-endian words of size 4 or 8 bytes
func ReadWords(r Reader, address uint64, count int, size int) ([]uint64, error) {
	if count < 0 {
		return nil, errors.Newf("negative word count %d", count)
	}

	data, err := r.Read(address, count*size)
	if err != nil {
		return nil, err
	}
	if len(data) < count*size {
		return nil, &ReadError{Address: address, Length: count * size, Err: errors.Wrapf(ErrUnmapped, "short read of %d bytes", len(data))}
	}

	words := make([]uint64, count)
	for i := range words {
		words[i], err = DecodeUint(data[i*size:], size)
		if err != nil {
			return nil, err
		}
	}

	return words, nil
}

// FormatWords prints words read from address sixteen bytes to a line, in the layout of
// gdb's x command
func FormatWords(w io.Writer, address uint64, words []uint64, size int) error {
	perLine := 16 / size
	for i := 0; i < len(words); i += perLine {
		var line strings.Builder
		fmt.Fprintf(&line, "%#x:", address+uint64(i*size))
		for _, word := range words[i:min(i+perLine, len(words))] {
			fmt.Fprintf(&line, "\t0x%0*x", size*2, word)
		}

		_, err := fmt.Fprintln(w, line.String())
		if err != nil {
			return err
		}
	}

	return nil
}
