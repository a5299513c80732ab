package heaptest

import (
	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/memutils"
)

func (h *Heap) protect(fieldAddress uint64, ptr uint64) uint64 {
	if !h.profile.SafeLinking {
		return ptr
	}
	return chunk.Protect(fieldAddress, ptr)
}

func (h *Heap) reveal(fieldAddress uint64) (uint64, error) {
	stored, err := h.ReadPointer(fieldAddress)
	if err != nil {
		return 0, err
	}

	if !h.profile.SafeLinking {
		return stored, nil
	}
	return chunk.Reveal(fieldAddress, stored), nil
}

// TCacheCount returns counts[index] of the tcache
func (h *Heap) TCacheCount(index int) (int, error) {
	p := h.profile
	data, err := h.snapshot.Read(h.tcacheBase+p.TCacheCountOffset(index), p.TCacheCountSize)
	if err != nil {
		return 0, err
	}

	count := int(data[0])
	if p.TCacheCountSize == 2 {
		count |= int(data[1]) << 8
	}
	return count, nil
}

// SetTCacheCount overwrites counts[index] of the tcache
func (h *Heap) SetTCacheCount(index int, count int) error {
	p := h.profile
	data := []byte{byte(count)}
	if p.TCacheCountSize == 2 {
		data = append(data, byte(count>>8))
	}
	return h.Write(h.tcacheBase+p.TCacheCountOffset(index), data)
}

// TCacheHead returns the user pointer at the head of tcache bin index
func (h *Heap) TCacheHead(index int) (uint64, error) {
	return h.ReadPointer(h.tcacheBase + h.profile.TCacheEntryOffset(index))
}

// FastbinHead returns the chunk at the head of fastbin index
func (h *Heap) FastbinHead(index int) (uint64, error) {
	return h.ReadPointer(h.profile.FastbinSlot(h.arenaBase, index))
}

func (h *Heap) tcachePut(address uint64, index int) (bool, error) {
	p := h.profile
	count, err := h.TCacheCount(index)
	if err != nil || count >= p.TCacheFillCount {
		return false, err
	}

	entry := h.UserOf(address)
	if p.TCacheKeyKind != layout.TCacheKeyNone {
		key, err := h.ReadPointer(address + p.TCacheKeyFieldOffset)
		if err != nil {
			return false, err
		}

		if key == h.TCacheKey() {
			current, err := h.TCacheHead(index)
			if err != nil {
				return false, err
			}
			for steps := 0; current != 0 && steps < maxListLength; steps++ {
				if current == entry {
					return false, errors.Newf("free(): double free detected in tcache 2 at %#x", entry)
				}
				current, err = h.reveal(current)
				if err != nil {
					break
				}
			}
		}
	}

	head, err := h.TCacheHead(index)
	if err != nil {
		return false, err
	}

	err = h.WritePointer(entry, h.protect(entry, head))
	if err != nil {
		return false, err
	}

	if p.TCacheKeyKind != layout.TCacheKeyNone {
		err = h.WritePointer(address+p.TCacheKeyFieldOffset, h.TCacheKey())
		if err != nil {
			return false, err
		}
	}

	err = h.WritePointer(h.tcacheBase+p.TCacheEntryOffset(index), entry)
	if err != nil {
		return false, err
	}

	return true, h.SetTCacheCount(index, count+1)
}

func (h *Heap) tcacheGet(index int) (uint64, error) {
	p := h.profile
	entry, err := h.TCacheHead(index)
	if err != nil || entry == 0 {
		return 0, err
	}

	if !memutils.IsAligned(entry, p.Alignment) {
		return 0, errors.Newf("malloc(): unaligned tcache chunk detected at %#x", entry)
	}

	next, err := h.reveal(entry)
	if err != nil {
		return 0, err
	}

	err = h.WritePointer(h.tcacheBase+p.TCacheEntryOffset(index), next)
	if err != nil {
		return 0, err
	}

	count, err := h.TCacheCount(index)
	if err != nil {
		return 0, err
	}
	err = h.SetTCacheCount(index, count-1)
	if err != nil {
		return 0, err
	}

	if p.TCacheKeyKind != layout.TCacheKeyNone {
		err = h.WritePointer(h.ChunkOf(entry)+p.TCacheKeyFieldOffset, 0)
		if err != nil {
			return 0, err
		}
	}

	return entry, nil
}

func (h *Heap) fastbinPut(address uint64, index int) error {
	p := h.profile
	slot := p.FastbinSlot(h.arenaBase, index)
	old, err := h.ReadPointer(slot)
	if err != nil {
		return err
	}

	if old == address {
		return errors.Newf("double free or corruption (fasttop) at %#x", h.UserOf(address))
	}

	field := address + p.ForwardOffset()
	err = h.WritePointer(field, h.protect(field, old))
	if err != nil {
		return err
	}

	return h.WritePointer(slot, address)
}

func (h *Heap) fastbinGet(index int) (uint64, error) {
	p := h.profile
	slot := p.FastbinSlot(h.arenaBase, index)
	victim, err := h.ReadPointer(slot)
	if err != nil || victim == 0 {
		return 0, err
	}

	size, err := h.size(victim)
	if err != nil {
		return 0, err
	}
	if chunk.FastbinIndex(p, size) != index {
		return 0, errors.Newf("malloc(): memory corruption (fast) at %#x", victim)
	}

	next, err := h.reveal(victim + p.ForwardOffset())
	if err != nil {
		return 0, err
	}

	err = h.WritePointer(slot, next)
	if err != nil {
		return 0, err
	}

	return h.UserOf(victim), nil
}

func (h *Heap) smallbinGet(index int) (uint64, error) {
	p := h.profile
	bin := p.BinAt(h.arenaBase, index)
	victim, err := h.ReadPointer(bin + p.BackOffset())
	if err != nil || victim == bin {
		return 0, err
	}

	back, err := h.ReadPointer(victim + p.BackOffset())
	if err != nil {
		return 0, err
	}
	forward, err := h.ReadPointer(back + p.ForwardOffset())
	if err != nil {
		return 0, err
	}
	if forward != victim {
		return 0, errors.Newf("malloc(): smallbin double linked list corrupted at %#x", victim)
	}

	size, err := h.size(victim)
	if err != nil {
		return 0, err
	}

	err = h.setInUse(victim, size, true)
	if err != nil {
		return 0, err
	}

	err = h.WritePointer(bin+p.BackOffset(), back)
	if err != nil {
		return 0, err
	}
	err = h.WritePointer(back+p.ForwardOffset(), bin)
	if err != nil {
		return 0, err
	}

	return h.UserOf(victim), nil
}

func (h *Heap) unsortedInsert(address uint64, size uint64) error {
	p := h.profile
	head := p.BinAt(h.arenaBase, layout.UnsortedBinIndex)
	forward, err := h.ReadPointer(head + p.ForwardOffset())
	if err != nil {
		return err
	}

	back, err := h.ReadPointer(forward + p.BackOffset())
	if err != nil {
		return err
	}
	if back != head {
		return errors.Newf("free(): corrupted unsorted chunks at %#x", h.UserOf(address))
	}

	header := &chunk.Chunk{
		Address: address,
		Forward: forward,
		Back:    head,
		State:   chunk.StateFree,
	}
	header.PrevSize, err = h.ReadPointer(address)
	if err != nil {
		return err
	}
	header.RawSize, err = h.rawSize(address)
	if err != nil {
		return err
	}
	err = h.WriteChunk(header)
	if err != nil {
		return err
	}

	if !chunk.IsSmallSize(p, size) {
		err = h.WritePointer(address+p.ForwardNextSizeOffset(), 0)
		if err != nil {
			return err
		}
		err = h.WritePointer(address+p.BackNextSizeOffset(), 0)
		if err != nil {
			return err
		}
	}

	err = h.WritePointer(head+p.ForwardOffset(), address)
	if err != nil {
		return err
	}
	return h.WritePointer(forward+p.BackOffset(), address)
}

// processUnsorted drains the unsorted bin oldest first. A chunk of exactly size is taken
// and returned as a user pointer; every other chunk is sorted into its bin.
func (h *Heap) processUnsorted(size uint64) (uint64, error) {
	p := h.profile
	head := p.BinAt(h.arenaBase, layout.UnsortedBinIndex)

	for steps := 0; steps < maxListLength; steps++ {
		victim, err := h.ReadPointer(head + p.BackOffset())
		if err != nil || victim == head {
			return 0, err
		}

		victimSize, err := h.size(victim)
		if err != nil {
			return 0, err
		}
		if victimSize < p.MinChunkSize || victimSize > h.heapEnd-h.heapStart {
			return 0, errors.Newf("malloc(): invalid size (unsorted) at %#x", victim)
		}

		back, err := h.ReadPointer(victim + p.BackOffset())
		if err != nil {
			return 0, err
		}

		err = h.WritePointer(head+p.BackOffset(), back)
		if err != nil {
			return 0, err
		}
		err = h.WritePointer(back+p.ForwardOffset(), head)
		if err != nil {
			return 0, err
		}

		if victimSize == size {
			err = h.setInUse(victim, victimSize, true)
			if err != nil {
				return 0, err
			}
			return h.UserOf(victim), nil
		}

		err = h.placeInBin(victim, victimSize)
		if err != nil {
			return 0, err
		}
	}

	return 0, errors.New("malloc(): unsorted bin does not terminate")
}

// SortUnsorted moves every chunk in the unsorted bin into its small or large bin, as a
// malloc that none of them satisfies would
func (h *Heap) SortUnsorted() error {
	_, err := h.processUnsorted(0)
	return err
}

func (h *Heap) placeInBin(address uint64, size uint64) error {
	p := h.profile
	index := chunk.BinIndex(p, size)
	entries, err := h.BinEntries(index)
	if err != nil {
		return err
	}

	position := 0
	if !chunk.IsSmallSize(p, size) {
		position = len(entries)
		for i, entry := range entries {
			entrySize, err := h.size(entry)
			if err != nil {
				return err
			}

			// A chunk joining an existing size group goes right after the group's leader
			if entrySize == size {
				position = i + 1
				break
			}
			if entrySize < size {
				position = i
				break
			}
		}
	}

	updated := make([]uint64, 0, len(entries)+1)
	updated = append(updated, entries[:position]...)
	updated = append(updated, address)
	updated = append(updated, entries[position:]...)

	return h.RewriteBin(index, updated)
}

// BinEntries follows the fd chain of regular bin index and returns its chunks
func (h *Heap) BinEntries(index int) ([]uint64, error) {
	p := h.profile
	head := p.BinAt(h.arenaBase, index)

	var entries []uint64
	current, err := h.ReadPointer(head + p.ForwardOffset())
	if err != nil {
		return nil, err
	}

	for current != head {
		if len(entries) >= maxListLength {
			return nil, errors.Newf("bin %d does not terminate", index)
		}

		entries = append(entries, current)
		current, err = h.ReadPointer(current + p.ForwardOffset())
		if err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// RewriteBin links entries into regular bin index in the given order, rebuilding every fd
// and bk and, for large bins, the nextsize ring of size group leaders
func (h *Heap) RewriteBin(index int, entries []uint64) error {
	p := h.profile
	head := p.BinAt(h.arenaBase, index)

	link := func(i int) uint64 {
		if i < 0 || i >= len(entries) {
			return head
		}
		return entries[i]
	}

	for i, entry := range entries {
		err := h.WritePointer(entry+p.ForwardOffset(), link(i+1))
		if err != nil {
			return err
		}
		err = h.WritePointer(entry+p.BackOffset(), link(i-1))
		if err != nil {
			return err
		}
	}

	err := h.WritePointer(head+p.ForwardOffset(), link(0))
	if err != nil {
		return err
	}
	err = h.WritePointer(head+p.BackOffset(), link(len(entries)-1))
	if err != nil {
		return err
	}

	if index < layout.FirstLargeBinIndex {
		return nil
	}

	var leaders []uint64
	var previousSize uint64
	for i, entry := range entries {
		size, err := h.size(entry)
		if err != nil {
			return err
		}

		if i == 0 || size != previousSize {
			leaders = append(leaders, entry)
		} else {
			err = h.writeNextSize(entry, 0, 0)
			if err != nil {
				return err
			}
		}
		previousSize = size
	}

	for i, leader := range leaders {
		forward := leaders[(i+1)%len(leaders)]
		back := leaders[(i+len(leaders)-1)%len(leaders)]
		err = h.writeNextSize(leader, forward, back)
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Heap) writeNextSize(address uint64, forward uint64, back uint64) error {
	p := h.profile
	err := h.WritePointer(address+p.ForwardNextSizeOffset(), forward)
	if err != nil {
		return err
	}
	return h.WritePointer(address+p.BackNextSizeOffset(), back)
}
