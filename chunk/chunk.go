// Package chunk decodes and encodes ptmalloc chunk headers.
package chunk

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// State is what heapscope believes a chunk is currently used for
type State uint32

const (
	// StateUnknown marks a chunk whose size field could not be trusted
	StateUnknown State = iota
	StateAllocated
	StateFree
	// StateTop marks the wilderness chunk bordering the unmapped end of the heap
	StateTop
)

var stateMapping = map[State]string{
	StateUnknown:   "Unknown",
	StateAllocated: "Allocated",
	StateFree:      "Free",
	StateTop:       "Top",
}

func (s State) String() string {
	str, ok := stateMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

// Flags are the three low bits of a chunk's size field
type Flags uint64

const (
	// FlagPrevInUse is set when the physically previous chunk is in use
	FlagPrevInUse Flags = 1 << iota
	FlagIsMmapped
	// FlagNonMainArena is set when the chunk belongs to a thread arena
	FlagNonMainArena

	flagMask = FlagPrevInUse | FlagIsMmapped | FlagNonMainArena
)

var flagsMapping = []struct {
	flag Flags
	name string
}{
	{FlagPrevInUse, "PREV_INUSE"},
	{FlagIsMmapped, "IS_MMAPPED"},
	{FlagNonMainArena, "NON_MAIN_ARENA"},
}

func (f Flags) String() string {
	var names []string
	for _, entry := range flagsMapping {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
		}
	}

	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// Chunk is one decoded chunk header. Only the fields that were meaningful to read are
// populated: links are filled in for free-eligible chunks and bin entries, the key for
// tcache-sized chunks when the layout has a key slot.
type Chunk struct {
	Address  uint64
	PrevSize uint64
	// RawSize is the size field as stored, flag bits included
	RawSize uint64
	// Size is RawSize with the flag bits masked off
	Size  uint64
	Flags Flags
	State State

	Forward         uint64
	Back            uint64
	ForwardNextSize uint64
	BackNextSize    uint64

	HasKey bool
	Key    uint64
}

func (c *Chunk) PrevInUse() bool {
	return c.Flags&FlagPrevInUse != 0
}

func (c *Chunk) IsMmapped() bool {
	return c.Flags&FlagIsMmapped != 0
}

func (c *Chunk) NonMainArena() bool {
	return c.Flags&FlagNonMainArena != 0
}

// End returns the address of the physically following chunk
func (c *Chunk) End() uint64 {
	return c.Address + c.Size
}

func (c *Chunk) Contains(address uint64) bool {
	return address >= c.Address && address < c.End()
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %#x size %#x %s [%s]", c.Address, c.Size, c.State, c.Flags)
}

// ChunkJsonData populates a json object with the decoded header. Links are written only for
// free chunks and the key only when it was read.
func (c *Chunk) ChunkJsonData(json jwriter.ObjectState) {
	json.Name("Address").String(fmt.Sprintf("%#x", c.Address))
	json.Name("PrevSize").String(fmt.Sprintf("%#x", c.PrevSize))
	json.Name("Size").String(fmt.Sprintf("%#x", c.Size))
	json.Name("Flags").String(c.Flags.String())
	json.Name("State").String(c.State.String())

	if c.State == StateFree {
		json.Name("Forward").String(fmt.Sprintf("%#x", c.Forward))
		json.Name("Back").String(fmt.Sprintf("%#x", c.Back))
	}
	if c.HasKey {
		json.Name("Key").String(fmt.Sprintf("%#x", c.Key))
	}
}
