// Package heap assembles a queryable model of a glibc heap out of the arena, the free lists
// and a linear scan of the main heap.
package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/heapscope/heapscope/arena"
	"github.com/heapscope/heapscope/bins"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/finding"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/memutils"
	"golang.org/x/exp/slices"
)

// Model is the reconstructed state of a heap. It is built once by Build and never changes
// afterwards; the slices and bins it hands out must not be modified.
type Model struct {
	profile *layout.Profile

	arenas    []*arena.Arena
	arenaBins [][]*bins.Bin
	imageBase uint64

	heapStart  uint64
	tcacheBase uint64
	tcacheKey  uint64
	tcacheBins []*bins.Bin

	chunks    *swiss.Map[uint64, *chunk.Chunk]
	addresses []uint64
	binOf     *swiss.Map[uint64, bins.Kind]

	findings []finding.Finding
	stats    memutils.DetailedStatistics
}

var _ memutils.Validatable = &Model{}

func newModel(profile *layout.Profile) *Model {
	return &Model{
		profile: profile,
		chunks:  swiss.NewMap[uint64, *chunk.Chunk](256),
		binOf:   swiss.NewMap[uint64, bins.Kind](64),
	}
}

func (m *Model) Profile() *layout.Profile { return m.profile }

// Arenas returns every arena read, the main arena first
func (m *Model) Arenas() []*arena.Arena { return m.arenas }

func (m *Model) MainArena() *arena.Arena { return m.arenas[0] }

// ImageBase returns the base of the image holding the main arena, zero unless Build was
// asked to search for it
func (m *Model) ImageBase() uint64 { return m.imageBase }

// HeapStart returns the address of the first chunk of the main heap
func (m *Model) HeapStart() uint64 { return m.heapStart }

// TCacheBase returns the user pointer of the tcache_perthread_struct, zero when the heap
// has no tcache
func (m *Model) TCacheBase() uint64 { return m.tcacheBase }

// TCacheKey returns the value tcache entries are expected to carry in their key field, zero
// when unknown
func (m *Model) TCacheKey() uint64 { return m.tcacheKey }

// Chunk returns the chunk starting at address
func (m *Model) Chunk(address uint64) (chunk.Chunk, bool) {
	c, ok := m.chunks.Get(address)
	if !ok {
		return chunk.Chunk{}, false
	}
	return *c, true
}

// Chunks returns every chunk ordered by address
func (m *Model) Chunks() []chunk.Chunk {
	out := make([]chunk.Chunk, 0, len(m.addresses))
	for _, address := range m.addresses {
		c, _ := m.chunks.Get(address)
		out = append(out, *c)
	}
	return out
}

func containing(chunks *swiss.Map[uint64, *chunk.Chunk], addresses []uint64, address uint64) (*chunk.Chunk, bool) {
	index, found := slices.BinarySearch(addresses, address)
	if found {
		c, _ := chunks.Get(address)
		return c, true
	}
	if index == 0 {
		return nil, false
	}

	c, _ := chunks.Get(addresses[index-1])
	if !c.Contains(address) {
		return nil, false
	}
	return c, true
}

// ChunkContaining returns the chunk whose extent covers address
func (m *Model) ChunkContaining(address uint64) (chunk.Chunk, bool) {
	c, ok := containing(m.chunks, m.addresses, address)
	if !ok {
		return chunk.Chunk{}, false
	}
	return *c, true
}

// Bins returns the bins of the main arena followed by the tcache bins. Only bins holding
// entries or carrying a problem are recorded.
func (m *Model) Bins() []*bins.Bin {
	out := make([]*bins.Bin, 0, len(m.arenaBins[0])+len(m.tcacheBins))
	out = append(out, m.arenaBins[0]...)
	return append(out, m.tcacheBins...)
}

// ArenaBins returns the bins of the arena at base
func (m *Model) ArenaBins(base uint64) []*bins.Bin {
	for i, a := range m.arenas {
		if a.Base == base {
			return m.arenaBins[i]
		}
	}
	return nil
}

// Bin returns the main arena or tcache bin of the given kind
func (m *Model) Bin(kind bins.Kind) (*bins.Bin, bool) {
	for _, bin := range m.Bins() {
		if bin.Kind == kind {
			return bin, true
		}
	}
	return nil, false
}

// BinOf returns the kind of the bin holding the chunk at address
func (m *Model) BinOf(address uint64) (bins.Kind, bool) {
	return m.binOf.Get(address)
}

// Findings returns the findings recorded while building, ordered by address then kind
func (m *Model) Findings() []finding.Finding {
	return slices.Clone(m.findings)
}

func (m *Model) AddStatistics(stats *memutils.Statistics) {
	stats.AddStatistics(&m.stats.Statistics)
}

func (m *Model) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddDetailedStatistics(&m.stats)
}

func (m *Model) computeStatistics() {
	m.stats.Clear()
	m.stats.ArenaCount = len(m.arenas)
	for _, address := range m.addresses {
		c, _ := m.chunks.Get(address)
		switch c.State {
		case chunk.StateFree:
			m.stats.AddFreeChunk(int(c.Size))
		case chunk.StateTop:
			m.stats.AddTopChunk(int(c.Size))
		default:
			m.stats.AddAllocatedChunk(int(c.Size))
		}
	}
}

// Validate checks the internal consistency of the model
func (m *Model) Validate() error {
	if len(m.arenas) == 0 || len(m.arenaBins) != len(m.arenas) {
		return errors.Newf("model has %d arenas and %d bin sets", len(m.arenas), len(m.arenaBins))
	}

	if len(m.addresses) != m.chunks.Count() {
		return errors.Newf("address index holds %d entries but the chunk table holds %d", len(m.addresses), m.chunks.Count())
	}

	for i, address := range m.addresses {
		if i > 0 && m.addresses[i-1] >= address {
			return errors.Newf("address index is not strictly increasing at %#x", address)
		}

		c, ok := m.chunks.Get(address)
		if !ok {
			return errors.Newf("indexed chunk %#x is missing from the chunk table", address)
		}
		if c.Address != address {
			return errors.Newf("chunk %#x is stored under %#x", c.Address, address)
		}
		if !memutils.IsAligned(c.Size, m.profile.Alignment) {
			return errors.Newf("chunk %#x has size %#x, which is not %d-byte aligned", address, c.Size, m.profile.Alignment)
		}
	}

	for i := 1; i < len(m.findings); i++ {
		previous, current := m.findings[i-1], m.findings[i]
		if previous.Address > current.Address || (previous.Address == current.Address && previous.Kind > current.Kind) {
			return errors.Newf("findings are out of order at %#x", current.Address)
		}
	}

	if m.stats.ChunkCount != len(m.addresses) {
		return errors.Newf("statistics count %d chunks but the model holds %d", m.stats.ChunkCount, len(m.addresses))
	}

	return nil
}
