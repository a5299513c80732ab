package reader

import (
	"bytes"
	"regexp"

	"github.com/cockroachdb/errors"
)

const searchBatchSize = 0x1000

// DefaultRegexpSpan is the longest match a regexp pattern is expected to produce when no
// span is given. Matches longer than the span can be missed where two batches meet.
const DefaultRegexpSpan = 0x100

// Pattern is something Find can search memory for
type Pattern interface {
	// match returns the ascending offsets in data at which the pattern starts
	match(data []byte) []int
	// span is the number of bytes one match can cover
	span() int
}

type bytesPattern []byte

func (p bytesPattern) match(data []byte) []int {
	var offsets []int
	for start := 0; start < len(data); {
		index := bytes.Index(data[start:], p)
		if index < 0 {
			break
		}
		offsets = append(offsets, start+index)
		start += index + 1
	}
	return offsets
}

func (p bytesPattern) span() int {
	return len(p)
}

type regexpPattern struct {
	expr   *regexp.Regexp
	length int
}

func (p regexpPattern) match(data []byte) []int {
	var offsets []int
	for _, loc := range p.expr.FindAllIndex(data, -1) {
		offsets = append(offsets, loc[0])
	}
	return offsets
}

func (p regexpPattern) span() int {
	return p.length
}

// BytesPattern matches data exactly
func BytesPattern(data []byte) (Pattern, error) {
	if len(data) == 0 {
		return nil, errors.New("search pattern is empty")
	}
	return bytesPattern(bytes.Clone(data)), nil
}

// IntegerPattern matches value stored as a little-endian integer of size 4 or 8 bytes
func IntegerPattern(value uint64, size int) (Pattern, error) {
	if size != 4 && size != 8 {
		return nil, errors.Newf("unsupported integer size: %d", size)
	}

	data := make([]byte, size)
	PutUint(data, value, size)
	return bytesPattern(data), nil
}

// RegexpPattern matches a regular expression over raw bytes. span bounds the length of a
// match and defaults to DefaultRegexpSpan.
func RegexpPattern(expr string, span int) (Pattern, error) {
	compiled, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid search expression %q", expr)
	}
	if span <= 0 {
		span = DefaultRegexpSpan
	}

	return regexpPattern{expr: compiled, length: span}, nil
}

// Find searches [start, start+length) for pattern and returns the address of every match,
// at most limit of them when limit is positive. Memory is read in batches ending on page
// boundaries and the search ends quietly at the first batch that is not mapped.
func Find(r Reader, pattern Pattern, start uint64, length uint64, limit int) ([]uint64, error) {
	end := start + length
	if end < start {
		end = ^uint64(0)
	}

	overlap := uint64(pattern.span() - 1)
	var found []uint64
	for current := start; current < end; {
		step := min(searchBatchSize-current%searchBatchSize, end-current)
		size := min(step+overlap, end-current)

		data, err := r.Read(current, int(size))
		if err != nil && size > step && errors.Is(err, ErrUnmapped) {
			data, err = r.Read(current, int(step))
		}
		if err != nil {
			if errors.Is(err, ErrUnmapped) {
				break
			}
			return found, err
		}

		for _, offset := range pattern.match(data) {
			if uint64(offset) >= step {
				break
			}

			found = append(found, current+uint64(offset))
			if limit > 0 && len(found) >= limit {
				return found, nil
			}
		}

		current += step
	}

	return found, nil
}

// Match is one search hit inside a region
type Match struct {
	Region  Region
	Address uint64
}

// FindInRegions searches every readable region for pattern
func FindInRegions(r Reader, regions []Region, pattern Pattern) ([]Match, error) {
	var matches []Match
	for _, region := range regions {
		if !region.IsReadable() {
			continue
		}

		found, err := Find(r, pattern, region.Start, region.Size(), 0)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to search region %s", region)
		}

		for _, address := range found {
			matches = append(matches, Match{Region: region, Address: address})
		}
	}

	return matches, nil
}
