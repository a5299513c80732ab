// Package bins walks the free lists of an arena and of a tcache, recording every entry and
// every inconsistency it finds along the way. Walks are bounded and never fail on corrupt
// data: a list that cannot be followed is stopped and reported.
package bins

import (
	"fmt"

	"github.com/heapscope/heapscope/layout"
)

// Type is the family of a bin
type Type uint32

const (
	TypeFastbin Type = iota
	TypeUnsorted
	TypeSmall
	TypeLarge
	// TypeTCache bins are per-thread and reported apart from the arena's bins
	TypeTCache
)

var typeMapping = map[Type]string{
	TypeFastbin:  "Fastbin",
	TypeUnsorted: "Unsorted",
	TypeSmall:    "Small",
	TypeLarge:    "Large",
	TypeTCache:   "TCache",
}

func (t Type) String() string {
	str, ok := typeMapping[t]
	if !ok {
		return "unknown"
	}
	return str
}

// IsDoublyLinked reports whether bins of this type keep fd and bk lists
func (t Type) IsDoublyLinked() bool {
	return t == TypeUnsorted || t == TypeSmall || t == TypeLarge
}

// Kind identifies one bin
type Kind struct {
	Type  Type
	Index int
}

// KindForIndex returns the kind of the regular bin with the given malloc bin index
func KindForIndex(index int) Kind {
	switch {
	case index == layout.UnsortedBinIndex:
		return Kind{Type: TypeUnsorted, Index: index}
	case index < layout.FirstLargeBinIndex:
		return Kind{Type: TypeSmall, Index: index}
	default:
		return Kind{Type: TypeLarge, Index: index}
	}
}

func (k Kind) String() string {
	if k.Type == TypeUnsorted {
		return k.Type.String()
	}
	return fmt.Sprintf("%s[%d]", k.Type, k.Index)
}

func (k Kind) less(other Kind) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	return k.Index < other.Index
}

// StopReason records why a walk ended
type StopReason uint32

const (
	// StopEnd is a walk that reached the list terminator
	StopEnd StopReason = iota
	// StopInvalidPointer is a walk that met a misaligned or unmapped link
	StopInvalidPointer
	// StopRevisit is a walk that met an entry it had already visited
	StopRevisit
	// StopStepCap is a walk that ran longer than the step limit
	StopStepCap
	// StopUnreadable is a walk whose next entry could not be read
	StopUnreadable
)

var stopReasonMapping = map[StopReason]string{
	StopEnd:            "End",
	StopInvalidPointer: "InvalidPointer",
	StopRevisit:        "Revisit",
	StopStepCap:        "StepCap",
	StopUnreadable:     "Unreadable",
}

func (r StopReason) String() string {
	str, ok := stopReasonMapping[r]
	if !ok {
		return "unknown"
	}
	return str
}

// Mismatch is a link that does not agree with the list it was found in
type Mismatch struct {
	// Address is the chunk holding the bad link
	Address  uint64
	Field    string
	Expected uint64
	Actual   uint64
}

// Bin is the result of walking one free list
type Bin struct {
	Kind Kind
	// Head is the address of the head slot for singly linked bins and of the fake head
	// chunk for doubly linked bins
	Head uint64
	// Entries lists the chunk addresses in list order
	Entries []uint64

	Stop StopReason
	// StopAddress is the last chunk read before the walk stopped, zero if the head itself
	// was the problem
	StopAddress uint64
	// StopValue is the link value that stopped the walk
	StopValue uint64

	Mismatches []Mismatch

	// Count is the tcache counts[] slot for the bin, or -1 for arena bins
	Count int
}

// Len returns the number of entries walked
func (b *Bin) Len() int {
	return len(b.Entries)
}

// Complete reports whether the walk reached the list terminator
func (b *Bin) Complete() bool {
	return b.Stop == StopEnd
}

func (b *Bin) Contains(address uint64) bool {
	for _, entry := range b.Entries {
		if entry == address {
			return true
		}
	}
	return false
}
