package reader

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
)

type segment struct {
	Region
	data []byte
}

// Snapshot is an in-memory copy of some regions of an address space. It serves reads for
// saved process images and is the writable backing store of synthetic fixtures.
type Snapshot struct {
	segments []*segment
}

var _ Reader = &Snapshot{}
var _ RegionLister = &Snapshot{}

func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// AddRegion adds a region backed by data. A nil data slice is replaced by zeroed memory;
// otherwise data must cover the whole region. Regions without permissions are readable
// and writable.
func (s *Snapshot) AddRegion(region Region, data []byte) error {
	if region.End <= region.Start {
		return errors.Newf("region %s is empty", region)
	}
	if region.Perms == "" {
		region.Perms = "rw-p"
	}

	size := region.Size()
	if data == nil {
		data = make([]byte, size)
	}
	if uint64(len(data)) != size {
		return errors.Newf("region %s is %d bytes but %d bytes of data were provided", region, size, len(data))
	}

	for _, existing := range s.segments {
		if region.Start < existing.End && existing.Start < region.End {
			return errors.Newf("region %s overlaps existing region %s", region, existing.Region)
		}
	}

	s.segments = append(s.segments, &segment{Region: region, data: data})
	slices.SortFunc(s.segments, func(left, right *segment) bool {
		return left.Start < right.Start
	})

	return nil
}

func (s *Snapshot) findSegment(address uint64) *segment {
	index, found := slices.BinarySearchFunc(s.segments, address, func(seg *segment, target uint64) int {
		switch {
		case seg.End <= target:
			return -1
		case seg.Start > target:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return nil
	}

	return s.segments[index]
}

// Read copies length bytes at address. The range may span adjacent regions as long as
// there is no gap between them.
func (s *Snapshot) Read(address uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Newf("negative read length %d", length)
	}
	if address+uint64(length) < address {
		return nil, unmapped(address, length)
	}

	out := make([]byte, 0, length)
	current := address
	remaining := uint64(length)
	for remaining > 0 {
		seg := s.findSegment(current)
		if seg == nil || !seg.IsReadable() {
			return nil, unmapped(address, length)
		}

		offset := current - seg.Start
		count := seg.End - current
		if count > remaining {
			count = remaining
		}

		out = append(out, seg.data[offset:offset+count]...)
		current += count
		remaining -= count
	}

	return out, nil
}

// Write stores data at address. Permissions are not checked, fixtures routinely write to
// memory the target itself could only read.
func (s *Snapshot) Write(address uint64, data []byte) error {
	current := address
	remaining := data
	for len(remaining) > 0 {
		seg := s.findSegment(current)
		if seg == nil {
			return unmapped(address, len(data))
		}

		offset := current - seg.Start
		count := copy(seg.data[offset:], remaining)
		current += uint64(count)
		remaining = remaining[count:]
	}

	return nil
}

// WriteUint stores value as a little-endian integer of size 4 or 8 bytes at address
func (s *Snapshot) WriteUint(address uint64, value uint64, size int) error {
	out := make([]byte, size)
	PutUint(out, value, size)
	return s.Write(address, out)
}

// Regions lists the regions of the snapshot ordered by start address
func (s *Snapshot) Regions() []Region {
	regions := make([]Region, 0, len(s.segments))
	for _, seg := range s.segments {
		regions = append(regions, seg.Region)
	}
	return regions
}

// Capture copies every readable region in regions out of source into a new Snapshot.
// Regions that cannot be read in full are skipped and returned in the second value.
func Capture(source Reader, regions []Region) (*Snapshot, []Region, error) {
	snapshot := NewSnapshot()
	var skipped []Region
	for _, region := range regions {
		if !region.IsReadable() || region.Size() == 0 {
			skipped = append(skipped, region)
			continue
		}

		data, err := source.Read(region.Start, int(region.Size()))
		if err != nil {
			if errors.Is(err, ErrUnmapped) {
				skipped = append(skipped, region)
				continue
			}
			return nil, nil, errors.Wrapf(err, "failed to capture region %s", region)
		}

		err = snapshot.AddRegion(region, data)
		if err != nil {
			return nil, nil, err
		}
	}

	return snapshot, skipped, nil
}
