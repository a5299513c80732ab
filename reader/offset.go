package reader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Label is the short name used for the region in address expressions: heap for [heap],
// the file name for a mapped file and the start address for an anonymous mapping
func (r Region) Label() string {
	switch {
	case r.Name == "":
		return fmt.Sprintf("%#x", r.Start)
	case strings.HasPrefix(r.Name, "["):
		return strings.Trim(r.Name, "[]")
	default:
		return filepath.Base(r.Name)
	}
}

// Offset places an address relative to the lowest mapping of the object holding it
type Offset struct {
	Region Region
	Delta  uint64
	// Inside is false when the address falls in a gap after Region rather than in one of
	// the object's mappings
	Inside bool
}

func (o Offset) String() string {
	return fmt.Sprintf("%s+%#x", o.Region.Label(), o.Delta)
}

// OffsetOf returns address relative to the base of the mapped object containing it, so
// an address in the data segment of libc is reported from the start of libc's first
// mapping. An address outside every region is placed after the closest region below it.
func OffsetOf(regions []Region, address uint64) (Offset, bool) {
	region, ok := RegionContaining(regions, address)
	if ok {
		base := region
		if region.Name != "" {
			for _, candidate := range regions {
				if candidate.Name == region.Name && candidate.Start < base.Start {
					base = candidate
				}
			}
		}

		return Offset{Region: base, Delta: address - base.Start, Inside: true}, true
	}

	var closest Region
	found := false
	for _, candidate := range regions {
		if candidate.Start <= address && (!found || candidate.Start > closest.Start) {
			closest, found = candidate, true
		}
	}
	if !found {
		return Offset{}, false
	}

	return Offset{Region: closest, Delta: address - closest.Start}, true
}

// ResolveAddress evaluates an address expression. It is either a hexadecimal address or a
// region label with an optional hexadecimal offset, such as heap, heap+0x10 or
// libc+0x3c4b78. A label names the first region whose name contains it.
func ResolveAddress(regions []Region, expr string) (uint64, error) {
	base, offsetText, hasOffset := strings.Cut(strings.TrimSpace(expr), "+")
	base = strings.TrimSpace(base)
	if base == "" {
		return 0, errors.Newf("invalid address expression %q", expr)
	}

	var offset uint64
	if hasOffset {
		var err error
		offset, err = ParseAddress(offsetText)
		if err != nil {
			return 0, err
		}
	}

	address, err := ParseAddress(base)
	if err == nil {
		return address + offset, nil
	}

	region, ok := FindRegion(regions, "["+base+"]")
	if !ok {
		region, ok = FindRegion(regions, base)
	}
	if !ok {
		return 0, errors.Newf("no region matches %q", base)
	}

	return region.Start + offset, nil
}
