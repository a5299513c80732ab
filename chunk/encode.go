package chunk

import (
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/reader"
)

// Encode builds the in-memory image of c's header: prev_size and the size field, followed by
// the links when the chunk is free or carries any, and the tcache key when HasKey is set.
// RawSize is written as is when non-zero, otherwise Size|Flags. Forward is written verbatim,
// so callers storing a safe-linked or tcache pointer must mangle it first. The key slot
// overlaps bk and wins when both are set. Encode only
// builds fixtures and never touches live memory.
func Encode(p *layout.Profile, c *Chunk) []byte {
	ptr := p.PtrSize
	length := 2 * ptr
	if c.State == StateFree || c.Forward != 0 || c.Back != 0 {
		length = 4 * ptr
	}
	if c.ForwardNextSize != 0 || c.BackNextSize != 0 {
		length = 6 * ptr
	}
	if c.HasKey && int(p.TCacheKeyFieldOffset)+ptr > length {
		length = int(p.TCacheKeyFieldOffset) + ptr
	}

	out := make([]byte, length)
	put := func(offset uint64, value uint64) {
		reader.PutUint(out[offset:], value, ptr)
	}

	rawSize := c.RawSize
	if rawSize == 0 {
		rawSize = c.Size | uint64(c.Flags&flagMask)
	}

	put(0, c.PrevSize)
	put(p.Ptr(), rawSize)
	if length >= 4*ptr {
		put(p.ForwardOffset(), c.Forward)
		put(p.BackOffset(), c.Back)
	}
	if length >= 6*ptr {
		put(p.ForwardNextSizeOffset(), c.ForwardNextSize)
		put(p.BackNextSizeOffset(), c.BackNextSize)
	}
	if c.HasKey {
		put(p.TCacheKeyFieldOffset, c.Key)
	}

	return out
}
