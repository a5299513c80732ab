// Package heaptest builds synthetic process images holding a glibc-like heap. Heap drives
// a small model of ptmalloc's malloc and free against a reader.Snapshot, so tests can
// reproduce real allocator states (and then corrupt them) without a live process.
//
// The model covers the tcache, fastbins, the unsorted bin and sorted small and large bins.
// It never coalesces, never splits free chunks and never stashes extra small bin chunks in
// the tcache; requests that no free list satisfies exactly are carved from the top chunk.
package heaptest

import (
	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/memutils"
	"github.com/heapscope/heapscope/reader"
)

const (
	heapSize      = 0x21000
	imageSize     = 0x1e7000
	dataOffset    = 0x3eb000
	dataSize      = 0x4000
	arenaOffset64 = 0x3ebc40
	arenaOffset32 = 0x3eb780

	// ReturnAddressOffset is the offset inside the image of the address returned by
	// ReturnAddress
	ReturnAddressOffset = 0x21b97

	randomTCacheKey = 0x5fe1c3a4d1b2e0f8
	maxListLength   = 10000
)

// Heap is a simulated main arena and heap
type Heap struct {
	profile  *layout.Profile
	snapshot *reader.Snapshot

	imageBase  uint64
	arenaBase  uint64
	heapStart  uint64
	heapEnd    uint64
	tcacheBase uint64
}

// New maps an image holding main_arena and an initialized heap for profile. On profiles
// with a tcache the first chunk of the heap is the tcache_perthread_struct, as it is after
// a real program's first call to malloc.
func New(profile *layout.Profile) (*Heap, error) {
	err := profile.Validate()
	if err != nil {
		return nil, err
	}

	h := &Heap{
		profile:  profile,
		snapshot: reader.NewSnapshot(),
	}

	arenaOffset := uint64(arenaOffset64)
	if profile.PtrSize == 8 {
		h.imageBase = 0x7ffff79e4000
		h.heapStart = 0x555555559000
	} else {
		arenaOffset = arenaOffset32
		h.imageBase = 0xf7a00000
		h.heapStart = 0x0804b000
	}
	h.arenaBase = h.imageBase + arenaOffset
	h.heapEnd = h.heapStart + heapSize

	image := make([]byte, imageSize)
	copy(image, []byte{0x7f, 'E', 'L', 'F'})
	regions := []struct {
		region reader.Region
		data   []byte
	}{
		{reader.Region{Start: h.heapStart, End: h.heapEnd, Perms: "rw-p", Name: "[heap]"}, nil},
		{reader.Region{Start: h.imageBase, End: h.imageBase + imageSize, Perms: "r-xp", Name: "/lib/libc.so.6"}, image},
		{reader.Region{Start: h.imageBase + dataOffset, End: h.imageBase + dataOffset + dataSize, Perms: "rw-p", Name: "/lib/libc.so.6"}, nil},
	}
	for _, entry := range regions {
		err = h.snapshot.AddRegion(entry.region, entry.data)
		if err != nil {
			return nil, err
		}
	}

	top := h.heapStart
	if profile.TCacheEnabled {
		size := chunk.RequestToSize(profile, profile.TCacheStructSize())
		err = h.writeHeader(top, 0, size|uint64(chunk.FlagPrevInUse))
		if err != nil {
			return nil, err
		}
		h.tcacheBase = top + profile.ChunkHeaderSize
		top += size
	}

	err = h.initArena(top)
	if err != nil {
		return nil, err
	}

	return h, nil
}

func (h *Heap) initArena(top uint64) error {
	p := h.profile
	err := h.WritePointer(top+p.Ptr(), uint64(chunk.FlagPrevInUse))
	if err != nil {
		return err
	}

	err = h.setTop(top, h.heapEnd-top)
	if err != nil {
		return err
	}

	for i := layout.UnsortedBinIndex; i < layout.BinCount; i++ {
		head := p.BinAt(h.arenaBase, i)
		err = h.WritePointer(head+p.ForwardOffset(), head)
		if err != nil {
			return err
		}
		err = h.WritePointer(head+p.BackOffset(), head)
		if err != nil {
			return err
		}
	}

	err = h.WritePointer(h.arenaBase+p.NextOffset, h.arenaBase)
	if err != nil {
		return err
	}

	return h.WritePointer(h.arenaBase+p.SystemMemOffset, h.heapEnd-h.heapStart)
}

func (h *Heap) Profile() *layout.Profile { return h.profile }

// Snapshot returns the memory image backing the heap. Writes to it are visible to the
// simulation.
func (h *Heap) Snapshot() *reader.Snapshot { return h.snapshot }

func (h *Heap) Reader() reader.Reader { return h.snapshot }

func (h *Heap) ImageBase() uint64 { return h.imageBase }

func (h *Heap) ArenaBase() uint64 { return h.arenaBase }

func (h *Heap) HeapStart() uint64 { return h.heapStart }

func (h *Heap) HeapEnd() uint64 { return h.heapEnd }

// TCacheBase returns the address of the tcache_perthread_struct, zero without a tcache
func (h *Heap) TCacheBase() uint64 { return h.tcacheBase }

// ReturnAddress returns an address inside the image, as a leaked return address would be
func (h *Heap) ReturnAddress() uint64 { return h.imageBase + ReturnAddressOffset }

// TCacheKey returns the value free stores in the key slot of chunks it puts in the tcache
func (h *Heap) TCacheKey() uint64 {
	switch h.profile.TCacheKeyKind {
	case layout.TCacheKeyPointer:
		return h.tcacheBase
	case layout.TCacheKeyRandom:
		if h.profile.PtrSize == 4 {
			return randomTCacheKey & 0xffffffff
		}
		return randomTCacheKey
	default:
		return 0
	}
}

// Top returns the current top chunk
func (h *Heap) Top() uint64 {
	top, _ := h.ReadPointer(h.arenaBase + h.profile.TopOffset)
	return top
}

// ChunkOf converts a user pointer returned by Malloc into its chunk address
func (h *Heap) ChunkOf(ptr uint64) uint64 {
	return ptr - h.profile.ChunkHeaderSize
}

// UserOf converts a chunk address into the pointer Malloc returns for it
func (h *Heap) UserOf(address uint64) uint64 {
	return address + h.profile.ChunkHeaderSize
}

func (h *Heap) Write(address uint64, data []byte) error {
	return h.snapshot.Write(address, data)
}

// WritePointer stores a pointer-sized value at address
func (h *Heap) WritePointer(address uint64, value uint64) error {
	return h.snapshot.WriteUint(address, value, h.profile.PtrSize)
}

// ReadPointer loads a pointer-sized value from address
func (h *Heap) ReadPointer(address uint64) (uint64, error) {
	return reader.ReadUint(h.snapshot, address, h.profile.PtrSize)
}

// WriteChunk stores the encoded header of c at c.Address
func (h *Heap) WriteChunk(c *chunk.Chunk) error {
	return h.Write(c.Address, chunk.Encode(h.profile, c))
}

func (h *Heap) writeHeader(address uint64, prevSize uint64, rawSize uint64) error {
	return h.WriteChunk(&chunk.Chunk{Address: address, PrevSize: prevSize, RawSize: rawSize})
}

func (h *Heap) rawSize(address uint64) (uint64, error) {
	return h.ReadPointer(address + h.profile.Ptr())
}

func (h *Heap) size(address uint64) (uint64, error) {
	raw, err := h.rawSize(address)
	if err != nil {
		return 0, err
	}
	return raw & h.profile.SizeFieldMask, nil
}

func (h *Heap) setTop(address uint64, size uint64) error {
	raw, err := h.rawSize(address)
	if err != nil {
		return err
	}

	err = h.WritePointer(address+h.profile.Ptr(), size|raw&uint64(chunk.FlagPrevInUse))
	if err != nil {
		return err
	}

	return h.WritePointer(h.arenaBase+h.profile.TopOffset, address)
}

// setInUse sets or clears the PREV_INUSE bit of the chunk following address, and on
// clearing also records the free chunk's size in the follower's prev_size
func (h *Heap) setInUse(address uint64, size uint64, inUse bool) error {
	next := address + size
	raw, err := h.rawSize(next)
	if err != nil {
		return err
	}

	if inUse {
		return h.WritePointer(next+h.profile.Ptr(), raw|uint64(chunk.FlagPrevInUse))
	}

	err = h.WritePointer(next, size)
	if err != nil {
		return err
	}
	return h.WritePointer(next+h.profile.Ptr(), raw&^uint64(chunk.FlagPrevInUse))
}

// Malloc services a request the way ptmalloc would for the bins this model keeps and
// returns the user pointer
func (h *Heap) Malloc(request uint64) (uint64, error) {
	p := h.profile
	size := chunk.RequestToSize(p, request)

	if chunk.IsTCacheSize(p, size) {
		ptr, err := h.tcacheGet(chunk.TCacheIndex(p, size))
		if err != nil || ptr != 0 {
			return ptr, err
		}
	}

	if chunk.IsFastSize(p, size) {
		ptr, err := h.fastbinGet(chunk.FastbinIndex(p, size))
		if err != nil || ptr != 0 {
			return ptr, err
		}
	}

	if chunk.IsSmallSize(p, size) {
		ptr, err := h.smallbinGet(chunk.SmallbinIndex(p, size))
		if err != nil || ptr != 0 {
			return ptr, err
		}
	}

	ptr, err := h.processUnsorted(size)
	if err != nil || ptr != 0 {
		return ptr, err
	}

	return h.splitTop(size)
}

func (h *Heap) splitTop(size uint64) (uint64, error) {
	top := h.Top()
	topSize, err := h.size(top)
	if err != nil {
		return 0, err
	}

	if topSize < size+h.profile.MinChunkSize {
		return 0, errors.Newf("top chunk %#x of size %#x cannot serve %#x bytes", top, topSize, size)
	}

	raw, err := h.rawSize(top)
	if err != nil {
		return 0, err
	}

	err = h.WritePointer(top+h.profile.Ptr(), size|raw&uint64(chunk.FlagPrevInUse))
	if err != nil {
		return 0, err
	}

	remainder := top + size
	err = h.WritePointer(remainder+h.profile.Ptr(), uint64(chunk.FlagPrevInUse))
	if err != nil {
		return 0, err
	}

	err = h.setTop(remainder, topSize-size)
	if err != nil {
		return 0, err
	}

	return h.UserOf(top), nil
}

// Free releases ptr. The checks glibc performs on the paths this model covers are
// reproduced, so a plain double free fails just like it aborts a real process.
func (h *Heap) Free(ptr uint64) error {
	p := h.profile
	address := h.ChunkOf(ptr)
	if !memutils.IsAligned(address, p.Alignment) || address < h.heapStart || address >= h.heapEnd {
		return errors.Newf("free(): invalid pointer %#x", ptr)
	}

	size, err := h.size(address)
	if err != nil {
		return err
	}
	if size < p.MinChunkSize || !memutils.IsAligned(size, p.Alignment) || address+size > h.heapEnd {
		return errors.Newf("free(): invalid size %#x", size)
	}

	if chunk.IsTCacheSize(p, size) {
		done, err := h.tcachePut(address, chunk.TCacheIndex(p, size))
		if err != nil || done {
			return err
		}
	}

	if chunk.IsFastSize(p, size) {
		return h.fastbinPut(address, chunk.FastbinIndex(p, size))
	}

	next := address + size
	nextRaw, err := h.rawSize(next)
	if err != nil {
		return err
	}
	if nextRaw&uint64(chunk.FlagPrevInUse) == 0 {
		return errors.Newf("double free or corruption (!prev) at %#x", ptr)
	}

	err = h.setInUse(address, size, false)
	if err != nil {
		return err
	}

	return h.unsortedInsert(address, size)
}
