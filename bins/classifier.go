package bins

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/heapscope/heapscope/arena"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/finding"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/memutils"
	"github.com/heapscope/heapscope/reader"
	"golang.org/x/exp/slices"
)

// DefaultMaxSteps bounds every list walk when no limit is configured
const DefaultMaxSteps = 10000

// ClassifierOptions configures a Classifier
type ClassifierOptions struct {
	// MaxSteps bounds the number of entries followed in one list, DefaultMaxSteps when zero
	MaxSteps int
}

// Result holds the bins walked by one Classify or ClassifyTCache call
type Result struct {
	// Bins lists every bin that holds entries or stopped abnormally, ordered by kind
	Bins []*Bin
	// Chunks holds the decoded header of every entry, keyed by address
	Chunks   *swiss.Map[uint64, *chunk.Chunk]
	Findings []finding.Finding
}

func newResult() *Result {
	return &Result{Chunks: swiss.NewMap[uint64, *chunk.Chunk](64)}
}

// Bin returns the walked bin of the given kind, if it was recorded
func (r *Result) Bin(kind Kind) (*Bin, bool) {
	for _, bin := range r.Bins {
		if bin.Kind == kind {
			return bin, true
		}
	}
	return nil, false
}

func (r *Result) addBin(bin *Bin) {
	if bin.Len() == 0 && bin.Complete() && len(bin.Mismatches) == 0 && bin.Count <= 0 {
		return
	}
	r.Bins = append(r.Bins, bin)
}

func (r *Result) sort() {
	slices.SortFunc(r.Bins, func(left, right *Bin) bool {
		return left.Kind.less(right.Kind)
	})
}

// Classifier walks free lists through a chunk codec
type Classifier struct {
	logger   *slog.Logger
	codec    *chunk.Codec
	profile  *layout.Profile
	maxSteps int
}

func NewClassifier(logger *slog.Logger, codec *chunk.Codec, options ClassifierOptions) *Classifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	maxSteps := options.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	return &Classifier{
		logger:   logger,
		codec:    codec,
		profile:  codec.Profile(),
		maxSteps: maxSteps,
	}
}

func (c *Classifier) report(result *Result, kind finding.Kind, address uint64, bin Kind, detail string, args ...any) {
	result.Findings = append(result.Findings, finding.Finding{
		Kind:    kind,
		Address: address,
		Bin:     bin.String(),
		Detail:  fmt.Sprintf(detail, args...),
	})
}

// implausible returns a description of what is wrong with a link, or the empty string
func (c *Classifier) implausible(address uint64) string {
	if !memutils.IsAligned(address, c.profile.Alignment) {
		return fmt.Sprintf("%#x is not %d-byte aligned", address, c.profile.Alignment)
	}
	if !reader.IsReadable(c.codec.Reader(), address, int(c.profile.ChunkHeaderSize)) {
		return fmt.Sprintf("%#x is not mapped", address)
	}
	return ""
}

func (c *Classifier) sizeMatches(kind Kind, size uint64) bool {
	p := c.profile
	switch kind.Type {
	case TypeFastbin:
		return chunk.IsFastSize(p, size) && chunk.FastbinIndex(p, size) == kind.Index
	case TypeTCache:
		return chunk.TCacheIndex(p, size) == kind.Index
	case TypeUnsorted:
		return true
	default:
		return chunk.BinIndex(p, size) == kind.Index
	}
}

func (c *Classifier) checkSize(result *Result, kind Kind, decoded *chunk.Chunk) {
	if decoded.State == chunk.StateUnknown {
		c.report(result, finding.KindInvalidChunkSize, decoded.Address, kind, "size field %#x is not a valid chunk size", decoded.RawSize)
		return
	}

	if !c.sizeMatches(kind, decoded.Size) {
		c.report(result, finding.KindInvalidChunkSize, decoded.Address, kind, "size %#x does not belong in this bin", decoded.Size)
	}
}

// walkSingle follows a fastbin or tcache list starting at first
func (c *Classifier) walkSingle(result *Result, bin *Bin, first uint64) {
	tcache := bin.Kind.Type == TypeTCache
	visited := make(map[uint64]bool)

	var prev uint64
	current := first
	for steps := 0; current != 0; steps++ {
		if steps >= c.maxSteps {
			bin.Stop, bin.StopAddress, bin.StopValue = StopStepCap, prev, current
			c.report(result, finding.KindInvalidForwardPointer, prev, bin.Kind, "list is longer than %d entries", c.maxSteps)
			return
		}

		if visited[current] {
			bin.Stop, bin.StopAddress, bin.StopValue = StopRevisit, prev, current
			c.report(result, finding.KindDoubleFree, current, bin.Kind, "chunk is linked again after %#x", prev)
			return
		}

		problem := c.implausible(current)
		if problem != "" {
			bin.Stop, bin.StopAddress, bin.StopValue = StopInvalidPointer, prev, current
			address := prev
			if address == 0 {
				address = bin.Head
			}
			c.report(result, finding.KindInvalidForwardPointer, address, bin.Kind, "forward pointer %s", problem)
			return
		}

		decoded, err := c.codec.DecodeEntry(current, tcache)
		if err != nil {
			bin.Stop, bin.StopAddress, bin.StopValue = StopUnreadable, prev, current
			c.report(result, finding.KindUnmappedPointerDereference, current, bin.Kind, "entry could not be read: %v", err)
			return
		}

		visited[current] = true
		bin.Entries = append(bin.Entries, current)
		if _, ok := result.Chunks.Get(current); !ok {
			result.Chunks.Put(current, decoded)
		}
		c.checkSize(result, bin.Kind, decoded)

		prev = current
		current = decoded.Forward
	}
}

// walkDouble follows a regular bin from its head along fd, then along bk
func (c *Classifier) walkDouble(result *Result, bin *Bin, head arena.BinHead) {
	visited := make(map[uint64]bool)
	var decodedEntries []*chunk.Chunk

	prev := bin.Head
	current := head.Forward
	for steps := 0; current != bin.Head; steps++ {
		if steps >= c.maxSteps {
			bin.Stop, bin.StopAddress, bin.StopValue = StopStepCap, prev, current
			c.report(result, finding.KindInvalidForwardPointer, prev, bin.Kind, "list is longer than %d entries", c.maxSteps)
			break
		}

		if visited[current] {
			bin.Stop, bin.StopAddress, bin.StopValue = StopRevisit, prev, current
			c.report(result, finding.KindDoubleFree, current, bin.Kind, "chunk is linked again after %#x", prev)
			break
		}

		problem := c.implausible(current)
		if problem != "" {
			bin.Stop, bin.StopAddress, bin.StopValue = StopInvalidPointer, prev, current
			c.report(result, finding.KindInvalidForwardPointer, prev, bin.Kind, "forward pointer %s", problem)
			break
		}

		decoded, err := c.codec.DecodeLinked(current)
		if err != nil {
			bin.Stop, bin.StopAddress, bin.StopValue = StopUnreadable, prev, current
			c.report(result, finding.KindUnmappedPointerDereference, current, bin.Kind, "entry could not be read: %v", err)
			break
		}

		if decoded.Back != prev {
			bin.Mismatches = append(bin.Mismatches, Mismatch{Address: current, Field: "bk", Expected: prev, Actual: decoded.Back})
			c.report(result, finding.KindCorruptedLink, current, bin.Kind, "bk is %#x but the previous entry is %#x", decoded.Back, prev)
		}

		visited[current] = true
		bin.Entries = append(bin.Entries, current)
		decodedEntries = append(decodedEntries, decoded)
		if _, ok := result.Chunks.Get(current); !ok {
			result.Chunks.Put(current, decoded)
		}
		c.checkSize(result, bin.Kind, decoded)

		prev = current
		current = decoded.Forward
	}

	if !bin.Complete() {
		return
	}

	if head.Back != prev {
		bin.Mismatches = append(bin.Mismatches, Mismatch{Address: bin.Head, Field: "bk", Expected: prev, Actual: head.Back})
		c.report(result, finding.KindCorruptedLink, prev, bin.Kind, "bin bk is %#x but the list ends at %#x", head.Back, prev)
	}

	c.walkBackward(result, bin, head)

	if bin.Kind.Type == TypeLarge {
		c.checkLargeOrder(result, bin, decodedEntries)
	}
}

// walkBackward follows the bk chain of a bin whose fd chain was complete and checks that
// every entry's fd points at the entry walked just before it
func (c *Classifier) walkBackward(result *Result, bin *Bin, head arena.BinHead) {
	visited := make(map[uint64]bool)

	next := bin.Head
	current := head.Back
	for steps := 0; current != bin.Head; steps++ {
		if steps >= c.maxSteps || visited[current] {
			c.report(result, finding.KindCorruptedLink, current, bin.Kind, "bk chain does not return to the bin head")
			return
		}

		if c.implausible(current) != "" {
			c.report(result, finding.KindCorruptedLink, next, bin.Kind, "back pointer %#x is not a chunk", current)
			return
		}

		decoded, err := c.codec.DecodeLinked(current)
		if err != nil {
			c.report(result, finding.KindUnmappedPointerDereference, current, bin.Kind, "entry could not be read: %v", err)
			return
		}

		if decoded.Forward != next {
			bin.Mismatches = append(bin.Mismatches, Mismatch{Address: current, Field: "fd", Expected: next, Actual: decoded.Forward})
			c.report(result, finding.KindCorruptedLink, current, bin.Kind, "fd is %#x but the next entry is %#x", decoded.Forward, next)
		}

		visited[current] = true
		next = current
		current = decoded.Back
	}
}

// checkLargeOrder verifies that a large bin is sorted by decreasing size and that the
// first chunk of every size forms the nextsize ring
func (c *Classifier) checkLargeOrder(result *Result, bin *Bin, entries []*chunk.Chunk) {
	var leaders []*chunk.Chunk
	for i, entry := range entries {
		if i > 0 && entry.Size > entries[i-1].Size {
			c.report(result, finding.KindCorruptedLink, entry.Address, bin.Kind, "size %#x follows smaller size %#x", entry.Size, entries[i-1].Size)
			return
		}

		if i == 0 || entry.Size != entries[i-1].Size {
			leaders = append(leaders, entry)
		}
	}

	for i, leader := range leaders {
		expectedForward := leaders[(i+1)%len(leaders)].Address
		expectedBack := leaders[(i+len(leaders)-1)%len(leaders)].Address

		if leader.ForwardNextSize != expectedForward {
			bin.Mismatches = append(bin.Mismatches, Mismatch{Address: leader.Address, Field: "fd_nextsize", Expected: expectedForward, Actual: leader.ForwardNextSize})
			c.report(result, finding.KindCorruptedLink, leader.Address, bin.Kind, "fd_nextsize is %#x but the next size group starts at %#x", leader.ForwardNextSize, expectedForward)
		}

		if leader.BackNextSize != expectedBack {
			bin.Mismatches = append(bin.Mismatches, Mismatch{Address: leader.Address, Field: "bk_nextsize", Expected: expectedBack, Actual: leader.BackNextSize})
			c.report(result, finding.KindCorruptedLink, leader.Address, bin.Kind, "bk_nextsize is %#x but the previous size group starts at %#x", leader.BackNextSize, expectedBack)
		}
	}
}

// Classify walks every fastbin and regular bin of a
func (c *Classifier) Classify(a *arena.Arena) (*Result, error) {
	if a == nil {
		return nil, errors.New("no arena to classify")
	}
	p := c.profile
	result := newResult()

	for i, first := range a.Fastbins {
		bin := &Bin{
			Kind:  Kind{Type: TypeFastbin, Index: i},
			Head:  p.FastbinSlot(a.Base, i),
			Count: -1,
		}
		c.walkSingle(result, bin, first)
		result.addBin(bin)
	}

	for i := layout.UnsortedBinIndex; i <= layout.LastBinIndex; i++ {
		bin := &Bin{
			Kind:  KindForIndex(i),
			Head:  p.BinAt(a.Base, i),
			Count: -1,
		}

		if a.Bins[i].Forward == 0 || a.Bins[i].Back == 0 {
			bin.Stop, bin.StopValue = StopInvalidPointer, 0
			c.report(result, finding.KindUnmappedPointerDereference, bin.Head, bin.Kind, "bin head holds a null link")
			result.addBin(bin)
			continue
		}

		c.walkDouble(result, bin, a.Bins[i])
		result.addBin(bin)
	}

	result.sort()
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "classified arena bins",
		slog.String("arena", fmt.Sprintf("%#x", a.Base)),
		slog.Int("bins", len(result.Bins)),
		slog.Int("chunks", result.Chunks.Count()),
		slog.Int("findings", len(result.Findings)))

	return result, nil
}

// ClassifyTCache walks the tcache_perthread_struct at base, the user pointer of the first
// chunk of a heap on builds with a tcache
func (c *Classifier) ClassifyTCache(base uint64) (*Result, error) {
	p := c.profile
	if !p.TCacheEnabled {
		return nil, errors.Wrapf(layout.ErrUnsupportedProfile, "profile %s has no tcache", p.Name)
	}

	data, err := c.codec.Reader().Read(base, int(p.TCacheStructSize()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tcache at %#x", base)
	}

	result := newResult()
	for i := 0; i < p.TCacheBins; i++ {
		countOffset := p.TCacheCountOffset(i)
		count, err := reader.DecodeUint(padded(data[countOffset:countOffset+uint64(p.TCacheCountSize)]), 8)
		if err != nil {
			return nil, err
		}

		entryOffset := p.TCacheEntryOffset(i)
		first, err := reader.DecodeUint(data[entryOffset:], p.PtrSize)
		if err != nil {
			return nil, err
		}

		bin := &Bin{
			Kind:  Kind{Type: TypeTCache, Index: i},
			Head:  base + entryOffset,
			Count: int(count),
		}

		// entries hold user pointers
		if first != 0 {
			first -= p.ChunkHeaderSize
		}
		c.walkSingle(result, bin, first)

		if bin.Complete() && bin.Len() != bin.Count {
			address := bin.Head
			if bin.Len() > 0 {
				address = bin.Entries[0]
			}
			c.report(result, finding.KindCorruptedLink, address, bin.Kind, "count is %d but the list holds %d entries", bin.Count, bin.Len())
		}

		result.addBin(bin)
	}

	result.sort()
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "classified tcache",
		slog.String("tcache", fmt.Sprintf("%#x", base)),
		slog.Int("bins", len(result.Bins)),
		slog.Int("findings", len(result.Findings)))

	return result, nil
}

func padded(data []byte) []byte {
	out := make([]byte, 8)
	copy(out, data)
	return out
}
