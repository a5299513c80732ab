package chunk

import "github.com/heapscope/heapscope/layout"

func smallbinShift(p *layout.Profile) uint {
	if p.Alignment == 16 {
		return 4
	}
	return 3
}

func fastbinShift(p *layout.Profile) uint {
	if p.PtrSize == 8 {
		return 4
	}
	return 3
}

// RequestToSize converts a malloc request into the chunk size malloc would carve for it
func RequestToSize(p *layout.Profile, request uint64) uint64 {
	mask := p.Alignment - 1
	if request+p.Ptr()+mask < p.MinChunkSize {
		return p.MinChunkSize
	}
	return (request + p.Ptr() + mask) &^ mask
}

// FastbinIndex returns the fastbin a chunk of size is filed under
func FastbinIndex(p *layout.Profile, size uint64) int {
	return int(size>>fastbinShift(p)) - 2
}

// FastbinSize returns the chunk size held by fastbin index
func FastbinSize(p *layout.Profile, index int) uint64 {
	return uint64(index+2) << fastbinShift(p)
}

// IsFastSize reports whether free would file a chunk of size in a fastbin
func IsFastSize(p *layout.Profile, size uint64) bool {
	return size >= p.MinChunkSize && size <= p.MaxFastSize
}

// MinLargeSize is the smallest chunk size filed in a large bin
func MinLargeSize(p *layout.Profile) uint64 {
	return layout.FirstLargeBinIndex * p.Alignment
}

func IsSmallSize(p *layout.Profile, size uint64) bool {
	return size < MinLargeSize(p)
}

// SmallbinIndex returns the small bin index for size, which must be in small bin range
func SmallbinIndex(p *layout.Profile, size uint64) int {
	return int(size >> smallbinShift(p))
}

// SmallbinSize returns the chunk size held by small bin index
func SmallbinSize(p *layout.Profile, index int) uint64 {
	return uint64(index) << smallbinShift(p)
}

// LargebinIndex returns the large bin index for size
func LargebinIndex(p *layout.Profile, size uint64) int {
	if p.PtrSize == 8 {
		if size>>6 <= 48 {
			return 48 + int(size>>6)
		}
	} else if size>>6 <= 38 {
		return 56 + int(size>>6)
	}

	switch {
	case size>>9 <= 20:
		return 91 + int(size>>9)
	case size>>12 <= 10:
		return 110 + int(size>>12)
	case size>>15 <= 4:
		return 119 + int(size>>15)
	case size>>18 <= 2:
		return 124 + int(size>>18)
	default:
		return 126
	}
}

// BinIndex returns the regular bin index malloc sorts a chunk of size into
func BinIndex(p *layout.Profile, size uint64) int {
	if IsSmallSize(p, size) {
		return SmallbinIndex(p, size)
	}
	return LargebinIndex(p, size)
}

// TCacheIndex returns the tcache bin for size. The result may be out of range for the
// profile; use IsTCacheSize to check.
func TCacheIndex(p *layout.Profile, size uint64) int {
	if size < p.MinChunkSize {
		return -1
	}
	return int((size - p.MinChunkSize + p.Alignment - 1) / p.Alignment)
}

// TCacheSize returns the chunk size held by tcache bin index
func TCacheSize(p *layout.Profile, index int) uint64 {
	return p.MinChunkSize + uint64(index)*p.Alignment
}

// IsTCacheSize reports whether free would file a chunk of size in a tcache bin
func IsTCacheSize(p *layout.Profile, size uint64) bool {
	if !p.TCacheEnabled {
		return false
	}
	index := TCacheIndex(p, size)
	return index >= 0 && index < p.TCacheBins
}
