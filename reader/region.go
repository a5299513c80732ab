package reader

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Region is one mapping of the target address space, [Start, End)
type Region struct {
	Start uint64
	End   uint64
	Perms string
	Name  string
}

func (r Region) Size() uint64 {
	return r.End - r.Start
}

func (r Region) Contains(address uint64) bool {
	return address >= r.Start && address < r.End
}

func (r Region) IsReadable() bool {
	return len(r.Perms) > 0 && r.Perms[0] == 'r'
}

func (r Region) IsWritable() bool {
	return len(r.Perms) > 1 && r.Perms[1] == 'w'
}

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x %s %s", r.Start, r.End, r.Perms, r.Name)
}

// ParseMaps parses the contents of a /proc/<pid>/maps file. Lines that do not describe a
// mapping are skipped.
func ParseMaps(in io.Reader) ([]Region, error) {
	var regions []Region
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}

		start, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}

		end, err := strconv.ParseUint(addrRange[1], 16, 64)
		if err != nil || end < start {
			continue
		}

		region := Region{Start: start, End: end, Perms: fields[1]}
		if len(fields) >= 6 {
			region.Name = strings.Join(fields[5:], " ")
		}
		regions = append(regions, region)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan maps")
	}

	return regions, nil
}

// FindRegion returns the first region whose name contains pattern. For "[heap]" the
// region with the highest start address wins, since a process that has called brk from
// several places can carry more than one heap mapping.
func FindRegion(regions []Region, pattern string) (Region, bool) {
	var found Region
	var ok bool
	for _, region := range regions {
		if !strings.Contains(region.Name, pattern) {
			continue
		}

		if !ok {
			found, ok = region, true
			continue
		}

		if pattern == "[heap]" && region.Start > found.Start {
			found = region
		}
	}

	return found, ok
}

// RegionContaining returns the region holding address
func RegionContaining(regions []Region, address uint64) (Region, bool) {
	for _, region := range regions {
		if region.Contains(address) {
			return region, true
		}
	}

	return Region{}, false
}
