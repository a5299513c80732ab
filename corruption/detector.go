// Package corruption checks a built heap model for the invariant violations left behind by
// heap corruption.
package corruption

import (
	"fmt"

	"github.com/heapscope/heapscope/bins"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/finding"
	"github.com/heapscope/heapscope/heap"
)

// Validate returns the findings recorded while m was built together with those of every
// model-wide check. Findings are deduplicated by kind and address and ordered by address,
// then kind. The model is not modified.
func Validate(m *heap.Model) []finding.Finding {
	set := finding.NewSet()
	set.AddAll(m.Findings())

	chunks := m.Chunks()
	checkAdjacent(set, chunks)
	checkStates(set, chunks)
	checkTCacheKeys(set, m, chunks)
	checkArenaDisclosure(set, m, chunks)

	return set.Findings()
}

// checkAdjacent reports chunks that start before the chunk in front of them ends
func checkAdjacent(set *finding.Set, chunks []chunk.Chunk) {
	for i := 1; i < len(chunks); i++ {
		previous, current := chunks[i-1], chunks[i]
		if previous.End() <= current.Address {
			continue
		}

		set.Add(finding.Finding{
			Kind:    finding.KindOverlappingChunks,
			Address: current.Address,
			Related: []uint64{previous.Address},
			Detail:  fmt.Sprintf("chunk starts inside chunk %#x, which ends at %#x", previous.Address, previous.End()),
		})
	}
}

func checkStates(set *finding.Set, chunks []chunk.Chunk) {
	for _, c := range chunks {
		if c.State != chunk.StateUnknown {
			continue
		}

		set.Add(finding.Finding{
			Kind:    finding.KindInvalidChunkSize,
			Address: c.Address,
			Detail:  fmt.Sprintf("size field %#x is not a valid chunk size", c.RawSize),
		})
	}
}

// checkTCacheKeys compares key fields against the tcache key. A freed tcache entry that lost
// its key was cleared to get past free's double free check, and an allocated chunk that
// still carries it was handed out while a list still held it.
func checkTCacheKeys(set *finding.Set, m *heap.Model, chunks []chunk.Chunk) {
	key := m.TCacheKey()
	if m.TCacheBase() == 0 || key == 0 {
		return
	}

	for _, c := range chunks {
		if !c.HasKey {
			continue
		}

		kind, inBin := m.BinOf(c.Address)
		switch {
		case inBin && kind.Type == bins.TypeTCache && c.Key != key:
			set.Add(finding.Finding{
				Kind:    finding.KindDoubleFree,
				Address: c.Address,
				Bin:     kind.String(),
				Detail:  fmt.Sprintf("key field holds %#x instead of the tcache key %#x", c.Key, key),
			})
		case c.State == chunk.StateAllocated && c.Key == key:
			set.Add(finding.Finding{
				Kind:    finding.KindDoubleFree,
				Address: c.Address,
				Detail:  fmt.Sprintf("allocated chunk still carries the tcache key %#x", key),
			})
		}
	}
}

// checkArenaDisclosure reports chunks outside the arena's own lists whose forward pointer
// leads into a malloc_state
func checkArenaDisclosure(set *finding.Set, m *heap.Model, chunks []chunk.Chunk) {
	for _, c := range chunks {
		if c.Forward == 0 {
			continue
		}

		kind, inBin := m.BinOf(c.Address)
		if inBin && kind.Type.IsDoublyLinked() {
			continue
		}

		for _, a := range m.Arenas() {
			if !a.Contains(c.Forward) {
				continue
			}

			f := finding.Finding{
				Kind:    finding.KindArenaPointerDisclosure,
				Address: c.Address,
				Detail:  fmt.Sprintf("forward pointer %#x points into arena %#x", c.Forward, a.Base),
			}
			if inBin {
				f.Bin = kind.String()
			}
			set.Add(f)
			break
		}
	}
}
