package arena

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/memutils"
	"github.com/heapscope/heapscope/reader"
)

// DefaultMaxPages bounds the backward search for an image header
const DefaultMaxPages = 4096

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Location is the result of a successful Locate
type Location struct {
	ArenaBase uint64
	// ImageBase is the load address of the image holding the arena, or zero when no image
	// search was requested
	ImageBase uint64
	// ArenaOffset is ArenaBase - ImageBase, the value that stays constant across runs of
	// the same libc build
	ArenaOffset uint64
}

// Locator finds the main arena from a pointer leaked by the unsorted bin. When the only
// chunk in the unsorted bin is freed, glibc points its fd and bk at the bin's own head
// inside malloc_state, so reading that pointer back and subtracting the head's offset
// yields the arena.
type Locator struct {
	codec *chunk.Codec
	// MaxPages bounds the image header search, DefaultMaxPages when zero
	MaxPages int
}

func NewLocator(codec *chunk.Codec) *Locator {
	return &Locator{codec: codec, MaxPages: DefaultMaxPages}
}

// ArenaBaseFromSeed converts an unsorted bin head pointer to the arena base
func (l *Locator) ArenaBaseFromSeed(seed uint64) (uint64, error) {
	p := l.codec.Profile()
	delta := p.BinHeadArrayOffset - p.ChunkHeaderSize
	if seed < delta {
		return 0, errors.Wrapf(ErrNotFound, "seed %#x is below the bin head offset %#x", seed, delta)
	}
	if !memutils.IsAligned(seed, p.Ptr()) {
		return 0, errors.Wrapf(ErrNotFound, "seed %#x is not pointer aligned", seed)
	}

	return seed - delta, nil
}

// Locate derives the arena base from seed, a forward pointer read back from a chunk freed
// into the unsorted bin. When imageBaseGuess is non-zero it must be an address inside the
// image holding the arena, such as a saved return address, and the image base is searched
// for backward from it.
func (l *Locator) Locate(seed uint64, imageBaseGuess uint64) (Location, error) {
	base, err := l.ArenaBaseFromSeed(seed)
	if err != nil {
		return Location{}, err
	}

	location := Location{ArenaBase: base}
	if imageBaseGuess == 0 {
		return location, nil
	}

	location.ImageBase, err = l.FindImageBase(imageBaseGuess)
	if err != nil {
		return Location{}, err
	}

	if location.ImageBase > base {
		return Location{}, errors.Wrapf(ErrNotFound, "image base %#x is above arena %#x", location.ImageBase, base)
	}
	location.ArenaOffset = base - location.ImageBase

	return location, nil
}

// LocateFromChunk reads the forward pointer of a chunk sitting alone in the unsorted bin
// and locates the arena from it. Both links of the arena's unsorted head must point back to the chunk.
func (l *Locator) LocateFromChunk(chunkAddress uint64, imageBaseGuess uint64) (Location, error) {
	p := l.codec.Profile()
	seed, err := l.codec.ReadPointer(chunkAddress + p.ForwardOffset())
	if err != nil {
		return Location{}, errors.Wrapf(err, "failed to read forward pointer of chunk %#x", chunkAddress)
	}

	location, err := l.Locate(seed, imageBaseGuess)
	if err != nil {
		return Location{}, err
	}

	// bins[0] is fd of the unsorted head, bins[1] is bk
	back, err := l.codec.ReadPointer(location.ArenaBase + p.BinHeadArrayOffset + p.Ptr())
	if err != nil {
		return Location{}, errors.Wrapf(err, "failed to read unsorted bin of arena %#x", location.ArenaBase)
	}
	forward, err := l.codec.ReadPointer(location.ArenaBase + p.BinHeadArrayOffset)
	if err != nil {
		return Location{}, errors.Wrapf(err, "failed to read unsorted bin of arena %#x", location.ArenaBase)
	}
	if back != chunkAddress || forward != chunkAddress {
		return Location{}, errors.Wrapf(ErrNotFound, "arena %#x derived from chunk %#x does not link back to it", location.ArenaBase, chunkAddress)
	}

	return location, nil
}

// FindImageBase scans backward from start in page strides for an ELF header. Pages that
// cannot be read are skipped.
func (l *Locator) FindImageBase(start uint64) (uint64, error) {
	p := l.codec.Profile()
	pageSize := p.PageSize
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return 0, err
	}

	maxPages := l.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	r := l.codec.Reader()
	current := memutils.AlignDown(start, pageSize)
	for step := 0; step < maxPages; step++ {
		data, err := r.Read(current, len(elfMagic))
		if err == nil && bytes.Equal(data, elfMagic) {
			return current, nil
		}
		if err != nil && !errors.Is(err, reader.ErrUnmapped) {
			return 0, errors.Wrapf(err, "failed to read page %#x", current)
		}

		if current < pageSize {
			return 0, errors.Wrapf(ErrNotFound, "no image header below %#x after %d pages", start, step+1)
		}
		current -= pageSize
	}

	return 0, errors.Wrapf(ErrNotFound, "no image header within %d pages below %#x", maxPages, start)
}
