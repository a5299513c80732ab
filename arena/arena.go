// Package arena finds and reads malloc_state structures.
package arena

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/layout"
)

// ErrNotFound is returned when an arena or image header search exhausts its bound
var ErrNotFound = errors.New("not found")

// ErrUninitialized is returned for an arena whose top chunk was never set up, which is
// what main_arena looks like before the first allocation. It wraps ErrNotFound.
var ErrUninitialized = errors.Wrap(ErrNotFound, "arena is not initialized")

// BinHead is the pair of list pointers stored for one bin in malloc_state
type BinHead struct {
	Forward uint64
	Back    uint64
}

// Arena is a decoded malloc_state
type Arena struct {
	Base          uint64
	Size          uint64
	Top           uint64
	LastRemainder uint64
	SystemMem     uint64
	Next          uint64
	// Fastbins holds the head pointer of every fastbin. Head slots are never safe-linked.
	Fastbins []uint64
	// Bins is indexed by bin number; entry 0 is unused
	Bins []BinHead
	// Profile is the name of the layout profile the arena was decoded with
	Profile string
}

// Contains reports whether address lies inside the malloc_state structure
func (a *Arena) Contains(address uint64) bool {
	return address >= a.Base && address < a.Base+a.Size
}

// BinIsEmpty reports whether bin index points back at its own head
func (a *Arena) BinIsEmpty(p *layout.Profile, index int) bool {
	head := p.BinAt(a.Base, index)
	return a.Bins[index].Forward == head && a.Bins[index].Back == head
}

func (a *Arena) String() string {
	return fmt.Sprintf("arena %#x top %#x system_mem %#x", a.Base, a.Top, a.SystemMem)
}

// Read decodes the malloc_state at base
func Read(codec *chunk.Codec, base uint64) (*Arena, error) {
	p := codec.Profile()
	a := &Arena{
		Base:     base,
		Size:     p.ArenaSize,
		Profile:  p.Name,
		Fastbins: make([]uint64, p.FastbinCount),
		Bins:     make([]BinHead, layout.LastBinIndex+1),
	}

	var err error
	fields := []struct {
		out    *uint64
		offset uint64
		name   string
	}{
		{&a.Top, p.TopOffset, "top"},
		{&a.LastRemainder, p.LastRemainderOffset, "last_remainder"},
		{&a.SystemMem, p.SystemMemOffset, "system_mem"},
		{&a.Next, p.NextOffset, "next"},
	}
	for _, field := range fields {
		*field.out, err = codec.ReadPointer(base + field.offset)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s of arena %#x", field.name, base)
		}
	}

	if a.Top == 0 {
		return nil, errors.Wrapf(ErrUninitialized, "arena %#x", base)
	}

	for i := range a.Fastbins {
		a.Fastbins[i], err = codec.ReadPointer(p.FastbinSlot(base, i))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read fastbin %d of arena %#x", i, base)
		}
	}

	for i := layout.UnsortedBinIndex; i <= layout.LastBinIndex; i++ {
		head := p.BinAt(base, i)
		a.Bins[i].Forward, err = codec.ReadPointer(head + p.ForwardOffset())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read bin %d of arena %#x", i, base)
		}

		a.Bins[i].Back, err = codec.ReadPointer(head + p.BackOffset())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read bin %d of arena %#x", i, base)
		}
	}

	return a, nil
}

// Ring reads the arena at base and then every arena reachable through next pointers, until
// the ring closes or max arenas have been read
func Ring(codec *chunk.Codec, base uint64, max int) ([]*Arena, error) {
	visited := make(map[uint64]bool)
	var arenas []*Arena

	current := base
	for steps := 0; current != 0 && !visited[current]; steps++ {
		if steps >= max {
			return arenas, errors.Wrapf(ErrNotFound, "arena ring from %#x does not close within %d arenas", base, max)
		}

		a, err := Read(codec, current)
		if err != nil {
			return arenas, err
		}

		visited[current] = true
		arenas = append(arenas, a)
		current = a.Next
	}

	return arenas, nil
}
