// Package finding holds the corruption findings produced while building and validating a
// heap model. A finding is a result, never an error: a heap walk that completes is a
// successful walk no matter how many findings it reports.
package finding

import (
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// Kind classifies a finding
type Kind uint32

const (
	// KindInvalidForwardPointer is a free list link that is misaligned, unmapped or part of a
	// list too long to be real
	KindInvalidForwardPointer Kind = iota
	// KindDoubleFree is a chunk that is linked into free lists more than once
	KindDoubleFree
	// KindOverlappingChunks is a chunk claimed twice with disagreeing extents or owners
	KindOverlappingChunks
	// KindUnmappedPointerDereference is a traversal that had to follow a pointer into
	// unreadable memory
	KindUnmappedPointerDereference
	// KindCorruptedLink is a doubly linked list, nextsize ring or tcache count that is
	// inconsistent with itself
	KindCorruptedLink
	// KindInvalidChunkSize is a size field that is misaligned, too small or wrong for the
	// bin holding the chunk
	KindInvalidChunkSize
	// KindArenaPointerDisclosure is a chunk outside the arena's own lists whose forward
	// pointer references arena memory
	KindArenaPointerDisclosure
)

var kindMapping = map[Kind]string{
	KindInvalidForwardPointer:      "InvalidForwardPointer",
	KindDoubleFree:                 "DoubleFree",
	KindOverlappingChunks:          "OverlappingChunks",
	KindUnmappedPointerDereference: "UnmappedPointerDereference",
	KindCorruptedLink:              "CorruptedLink",
	KindInvalidChunkSize:           "InvalidChunkSize",
	KindArenaPointerDisclosure:     "ArenaPointerDisclosure",
}

func (k Kind) String() string {
	str, ok := kindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// Finding is one corruption observed in a heap
type Finding struct {
	Kind Kind
	// Address is the primary offending chunk
	Address uint64
	// Related lists other chunks involved, such as the second owner of an overlap
	Related []uint64
	// Bin names the free list the finding was observed in, if any
	Bin    string
	Detail string
}

func (f Finding) String() string {
	if f.Bin != "" {
		return fmt.Sprintf("%s at %#x in %s: %s", f.Kind, f.Address, f.Bin, f.Detail)
	}
	return fmt.Sprintf("%s at %#x: %s", f.Kind, f.Address, f.Detail)
}

// FindingJsonData populates a json object with the fields of the finding
func (f Finding) FindingJsonData(json jwriter.ObjectState) {
	json.Name("Kind").String(f.Kind.String())
	json.Name("Address").String(fmt.Sprintf("%#x", f.Address))
	if len(f.Related) > 0 {
		related := json.Name("Related").Array()
		for _, address := range f.Related {
			related.String(fmt.Sprintf("%#x", address))
		}
		related.End()
	}
	if f.Bin != "" {
		json.Name("Bin").String(f.Bin)
	}
	json.Name("Detail").String(f.Detail)
}

func less(left, right Finding) bool {
	if left.Address != right.Address {
		return left.Address < right.Address
	}
	return left.Kind < right.Kind
}

// Sort orders findings by address, then kind
func Sort(findings []Finding) {
	slices.SortStableFunc(findings, less)
}

type key struct {
	kind    Kind
	address uint64
}

// Set collects findings, keeping the first one reported for each kind and address
type Set struct {
	findings *swiss.Map[key, Finding]
}

func NewSet() *Set {
	return &Set{findings: swiss.NewMap[key, Finding](16)}
}

// Add records f unless a finding of the same kind at the same address is already present.
// It reports whether f was recorded.
func (s *Set) Add(f Finding) bool {
	k := key{kind: f.Kind, address: f.Address}
	if s.findings.Has(k) {
		return false
	}

	s.findings.Put(k, f)
	return true
}

func (s *Set) AddAll(findings []Finding) {
	for _, f := range findings {
		s.Add(f)
	}
}

func (s *Set) Has(kind Kind, address uint64) bool {
	return s.findings.Has(key{kind: kind, address: address})
}

func (s *Set) Len() int {
	return s.findings.Count()
}

// Findings returns the recorded findings sorted by address, then kind
func (s *Set) Findings() []Finding {
	findings := make([]Finding, 0, s.findings.Count())
	s.findings.Iter(func(_ key, f Finding) bool {
		findings = append(findings, f)
		return false
	})

	Sort(findings)
	return findings
}

// WriteFindings renders findings as a json array
func WriteFindings(writer *jwriter.Writer, findings []Finding) {
	arr := writer.Array()
	defer arr.End()

	for _, f := range findings {
		obj := arr.Object()
		f.FindingJsonData(obj)
		obj.End()
	}
}

// Count returns how many findings of kind are in findings
func Count(findings []Finding, kind Kind) int {
	count := 0
	for _, f := range findings {
		if f.Kind == kind {
			count++
		}
	}
	return count
}
