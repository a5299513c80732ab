// Package layout describes the memory layout of a specific glibc build. Nothing in heapscope
// hardcodes a structure offset: the arena, bin and tcache geometry is always read from a
// Profile, so supporting a new glibc release means adding a profile, not changing code.
package layout

import (
	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/memutils"
)

// ErrUnsupportedProfile is returned whenever an operation is attempted without a usable
// layout profile. heapscope never guesses a layout.
var ErrUnsupportedProfile = errors.New("unsupported layout profile")

const (
	// BinCount is the number of bin slots in malloc_state, NBINS in glibc
	BinCount = 128
	// UnsortedBinIndex is the bin index of the unsorted bin
	UnsortedBinIndex = 1
	// FirstLargeBinIndex is the bin index of the first large bin, NSMALLBINS in glibc
	FirstLargeBinIndex = 64
	// LastBinIndex is the highest bin index malloc ever files a chunk under
	LastBinIndex = 126
)

// TCacheKeyKind describes what glibc stores in the key slot of a chunk sitting in a tcache bin
type TCacheKeyKind uint32

const (
	// TCacheKeyNone means the build predates the tcache double free check
	TCacheKeyNone TCacheKeyKind = iota
	// TCacheKeyPointer means the key holds the address of the owning thread's tcache struct
	TCacheKeyPointer
	// TCacheKeyRandom means the key holds a per-process random value and cannot be predicted
	// from the heap alone
	TCacheKeyRandom
)

var tcacheKeyKindMapping = map[TCacheKeyKind]string{
	TCacheKeyNone:    "None",
	TCacheKeyPointer: "Pointer",
	TCacheKeyRandom:  "Random",
}

func (k TCacheKeyKind) String() string {
	str, ok := tcacheKeyKindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// ParseTCacheKeyKind is the inverse of TCacheKeyKind.String
func ParseTCacheKeyKind(text string) (TCacheKeyKind, error) {
	for kind, str := range tcacheKeyKindMapping {
		if str == text {
			return kind, nil
		}
	}

	return TCacheKeyNone, errors.Newf("unknown tcache key kind %q", text)
}

// Profile is the versioned record of every structure offset and size constant heapscope
// needs to decode one glibc build. Profiles are plain data and can be loaded from JSON with
// LoadProfiles.
type Profile struct {
	// Name identifies the profile, e.g. glibc-2.27-amd64
	Name string
	// Arch is the target architecture, amd64 or i386
	Arch string
	// Versions is a semver constraint over the glibc versions this profile describes
	Versions string

	// PtrSize is the size of a pointer and of size_t, SIZE_SZ in glibc
	PtrSize int
	// ChunkHeaderSize is the offset of the user data from the chunk address
	ChunkHeaderSize uint64
	// SizeFieldMask strips the flag bits from a chunk size field
	SizeFieldMask uint64
	MinChunkSize  uint64
	// Alignment is MALLOC_ALIGNMENT
	Alignment uint64
	PageSize  uint64

	FastbinCount int
	// MaxFastSize is the default global_max_fast, the largest chunk size filed in a fastbin
	MaxFastSize uint64

	FastbinsOffset      uint64
	TopOffset           uint64
	LastRemainderOffset uint64
	// BinHeadArrayOffset is the offset of the bins array in malloc_state
	BinHeadArrayOffset uint64
	NextOffset         uint64
	SystemMemOffset    uint64
	// ArenaSize is sizeof(struct malloc_state)
	ArenaSize uint64

	TCacheEnabled bool
	TCacheBins    int
	// TCacheCountSize is the width of one entry of the tcache counts array: 1 byte before
	// glibc 2.30 and 2 bytes after
	TCacheCountSize     int
	TCacheEntriesOffset uint64
	TCacheFillCount     int
	// TCacheKeyFieldOffset is the offset of the key slot from the chunk address
	TCacheKeyFieldOffset uint64
	TCacheKeyKind        TCacheKeyKind
	// SafeLinking is set when singly linked next pointers are mangled with the address of
	// the field holding them (glibc 2.32 and later)
	SafeLinking bool
}

var _ memutils.Validatable = &Profile{}

// Validate checks that the profile is internally consistent
func (p *Profile) Validate() error {
	if p == nil {
		return errors.Wrap(ErrUnsupportedProfile, "no profile")
	}
	if p.Name == "" {
		return errors.Wrap(ErrUnsupportedProfile, "profile has no name")
	}
	if p.PtrSize != 4 && p.PtrSize != 8 {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: pointer size must be 4 or 8 but is %d", p.Name, p.PtrSize)
	}
	if p.ChunkHeaderSize != 2*p.Ptr() {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: chunk header size %d is not two words", p.Name, p.ChunkHeaderSize)
	}

	err := memutils.CheckPow2(p.Alignment, "alignment")
	if err != nil {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: %v", p.Name, err)
	}
	err = memutils.CheckPow2(p.PageSize, "page size")
	if err != nil {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: %v", p.Name, err)
	}

	if p.Alignment < p.Ptr() {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: alignment %d is smaller than a pointer", p.Name, p.Alignment)
	}
	if p.SizeFieldMask == 0 || p.SizeFieldMask&0x7 != 0 {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: size mask %#x does not clear the flag bits", p.Name, p.SizeFieldMask)
	}
	if p.MinChunkSize < p.ChunkHeaderSize || !memutils.IsAligned(p.MinChunkSize, p.Alignment) {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: invalid minimum chunk size %d", p.Name, p.MinChunkSize)
	}
	if p.FastbinCount <= 0 {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: no fastbins", p.Name)
	}
	if p.MaxFastSize < p.MinChunkSize {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: max fast size %d is below the minimum chunk size", p.Name, p.MaxFastSize)
	}
	if p.BinHeadArrayOffset < p.ChunkHeaderSize {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: bin array offset %d is smaller than a chunk header", p.Name, p.BinHeadArrayOffset)
	}

	fields := map[string]uint64{
		"fastbins":       p.FastbinsOffset + uint64(p.FastbinCount)*p.Ptr(),
		"top":            p.TopOffset + p.Ptr(),
		"last remainder": p.LastRemainderOffset + p.Ptr(),
		"bins":           p.BinHeadArrayOffset + uint64(BinCount*2-2)*p.Ptr(),
		"next":           p.NextOffset + p.Ptr(),
		"system_mem":     p.SystemMemOffset + p.Ptr(),
	}
	for name, end := range fields {
		if end > p.ArenaSize {
			return errors.Wrapf(ErrUnsupportedProfile, "profile %s: %s field ends at %d, beyond the arena size %d", p.Name, name, end, p.ArenaSize)
		}
	}

	if p.TCacheEnabled {
		if p.TCacheBins <= 0 || p.TCacheFillCount <= 0 {
			return errors.Wrapf(ErrUnsupportedProfile, "profile %s: tcache has %d bins with fill count %d", p.Name, p.TCacheBins, p.TCacheFillCount)
		}
		if p.TCacheCountSize != 1 && p.TCacheCountSize != 2 {
			return errors.Wrapf(ErrUnsupportedProfile, "profile %s: tcache count size must be 1 or 2 but is %d", p.Name, p.TCacheCountSize)
		}
		if p.TCacheEntriesOffset < uint64(p.TCacheBins*p.TCacheCountSize) {
			return errors.Wrapf(ErrUnsupportedProfile, "profile %s: tcache entries at %d overlap the counts array", p.Name, p.TCacheEntriesOffset)
		}
		if p.TCacheKeyKind != TCacheKeyNone && p.TCacheKeyFieldOffset < p.ChunkHeaderSize+p.Ptr() {
			return errors.Wrapf(ErrUnsupportedProfile, "profile %s: tcache key offset %d overlaps the next pointer", p.Name, p.TCacheKeyFieldOffset)
		}
	} else if p.TCacheKeyKind != TCacheKeyNone {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: tcache key without a tcache", p.Name)
	}

	if _, ok := tcacheKeyKindMapping[p.TCacheKeyKind]; !ok {
		return errors.Wrapf(ErrUnsupportedProfile, "profile %s: invalid tcache key kind %d", p.Name, p.TCacheKeyKind)
	}

	if p.Versions != "" {
		_, err = semver.NewConstraint(p.Versions)
		if err != nil {
			return errors.Wrapf(ErrUnsupportedProfile, "profile %s: invalid version constraint %q: %v", p.Name, p.Versions, err)
		}
	}

	return nil
}

// Ptr returns PtrSize as an address-sized value
func (p *Profile) Ptr() uint64 {
	return uint64(p.PtrSize)
}

// BinAt returns the address of the fake chunk glibc uses as the head of bin index. The fd
// and bk fields of that fake chunk are the bin's slots in the arena's bins array.
func (p *Profile) BinAt(arenaBase uint64, index int) uint64 {
	return arenaBase + p.BinHeadArrayOffset + uint64(index-1)*2*p.Ptr() - 2*p.Ptr()
}

// FastbinSlot returns the address of the head pointer of fastbin index
func (p *Profile) FastbinSlot(arenaBase uint64, index int) uint64 {
	return arenaBase + p.FastbinsOffset + uint64(index)*p.Ptr()
}

// ForwardOffset is the offset of the fd field within a chunk
func (p *Profile) ForwardOffset() uint64 {
	return 2 * p.Ptr()
}

// BackOffset is the offset of the bk field within a chunk
func (p *Profile) BackOffset() uint64 {
	return 3 * p.Ptr()
}

// ForwardNextSizeOffset is the offset of the fd_nextsize field within a chunk
func (p *Profile) ForwardNextSizeOffset() uint64 {
	return 4 * p.Ptr()
}

// BackNextSizeOffset is the offset of the bk_nextsize field within a chunk
func (p *Profile) BackNextSizeOffset() uint64 {
	return 5 * p.Ptr()
}

// TCacheCountOffset returns the offset of counts[index] within the tcache struct
func (p *Profile) TCacheCountOffset(index int) uint64 {
	return uint64(index * p.TCacheCountSize)
}

// TCacheEntryOffset returns the offset of entries[index] within the tcache struct
func (p *Profile) TCacheEntryOffset(index int) uint64 {
	return p.TCacheEntriesOffset + uint64(index)*p.Ptr()
}

// TCacheStructSize is sizeof(struct tcache_perthread_struct)
func (p *Profile) TCacheStructSize() uint64 {
	return p.TCacheEntriesOffset + uint64(p.TCacheBins)*p.Ptr()
}

// MaxTCacheSize is the largest chunk size filed in a tcache bin, or zero when the profile
// has no tcache
func (p *Profile) MaxTCacheSize() uint64 {
	if !p.TCacheEnabled {
		return 0
	}
	return p.MinChunkSize + uint64(p.TCacheBins-1)*p.Alignment
}

// MatchesVersion reports whether the glibc version satisfies the profile's constraint
func (p *Profile) MatchesVersion(version *semver.Version) bool {
	if p.Versions == "" {
		return false
	}

	constraint, err := semver.NewConstraint(p.Versions)
	if err != nil {
		return false
	}

	return constraint.Check(version)
}
