package bins_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/arena"
	"github.com/heapscope/heapscope/bins"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/finding"
	"github.com/heapscope/heapscope/heaptest"
	"github.com/heapscope/heapscope/layout"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	heap       *heaptest.Heap
	codec      *chunk.Codec
	classifier *bins.Classifier
}

func newFixture(t *testing.T, profile *layout.Profile, options bins.ClassifierOptions) *fixture {
	h, err := heaptest.New(profile)
	require.NoError(t, err)

	codec, err := chunk.NewCodec(h.Reader(), profile)
	require.NoError(t, err)

	return &fixture{
		heap:       h,
		codec:      codec,
		classifier: bins.NewClassifier(nil, codec, options),
	}
}

func (f *fixture) malloc(t *testing.T, request uint64) uint64 {
	ptr, err := f.heap.Malloc(request)
	require.NoError(t, err)
	return ptr
}

func (f *fixture) free(t *testing.T, ptrs ...uint64) {
	for _, ptr := range ptrs {
		require.NoError(t, f.heap.Free(ptr))
	}
}

func (f *fixture) classify(t *testing.T) *bins.Result {
	a, err := arena.Read(f.codec, f.heap.ArenaBase())
	require.NoError(t, err)

	result, err := f.classifier.Classify(a)
	require.NoError(t, err)
	return result
}

func (f *fixture) classifyTCache(t *testing.T) *bins.Result {
	result, err := f.classifier.ClassifyTCache(f.heap.TCacheBase())
	require.NoError(t, err)
	return result
}

func requireBin(t *testing.T, result *bins.Result, kind bins.Kind) *bins.Bin {
	bin, ok := result.Bin(kind)
	require.True(t, ok, "bin %s was not recorded", kind)
	return bin
}

var tcache0 = bins.Kind{Type: bins.TypeTCache, Index: 0}

func TestClassifyTCacheLists(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})
	a := f.malloc(t, 0x18)
	b := f.malloc(t, 0x18)
	c := f.malloc(t, 0x18)
	f.free(t, a, b, c)

	result := f.classifyTCache(t)
	require.Empty(t, result.Findings)
	require.Len(t, result.Bins, 1)

	bin := requireBin(t, result, tcache0)
	require.Equal(t, []uint64{f.heap.ChunkOf(c), f.heap.ChunkOf(b), f.heap.ChunkOf(a)}, bin.Entries)
	require.Equal(t, 3, bin.Count)
	require.True(t, bin.Complete())
	require.True(t, bin.Contains(f.heap.ChunkOf(b)))

	decoded, ok := result.Chunks.Get(f.heap.ChunkOf(b))
	require.True(t, ok)
	require.Equal(t, uint64(0x20), decoded.Size)
	require.Equal(t, f.heap.ChunkOf(a), decoded.Forward)
}

func TestClassifyTCachePoisonedPointer(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})
	a := f.malloc(t, 0x18)
	b := f.malloc(t, 0x18)
	f.free(t, a, b)

	require.NoError(t, f.heap.WritePointer(b, 0x4141414141414141))

	result := f.classifyTCache(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindInvalidForwardPointer, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(b), result.Findings[0].Address)
	require.Equal(t, "TCache[0]", result.Findings[0].Bin)

	bin := requireBin(t, result, tcache0)
	require.Equal(t, bins.StopInvalidPointer, bin.Stop)
	require.Equal(t, f.heap.ChunkOf(b), bin.StopAddress)
	require.Equal(t, []uint64{f.heap.ChunkOf(b)}, bin.Entries)
}

func TestClassifyTCacheUnmangledPointer(t *testing.T) {
	f := newFixture(t, layout.Glibc232AMD64(), bins.ClassifierOptions{})
	a := f.malloc(t, 0x18)
	b := f.malloc(t, 0x18)
	f.free(t, a, b)

	result := f.classifyTCache(t)
	require.Empty(t, result.Findings)

	// A raw pointer written over a protected field decodes to a misaligned address
	require.NoError(t, f.heap.WritePointer(b, f.heap.HeapStart()+0x1010))

	result = f.classifyTCache(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindInvalidForwardPointer, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(b), result.Findings[0].Address)
}

func TestClassifyTCacheLoop(t *testing.T) {
	f := newFixture(t, layout.Glibc229AMD64(), bins.ClassifierOptions{})
	v := f.malloc(t, 0x18)
	u := f.malloc(t, 0x18)
	f.free(t, v, u)

	require.NoError(t, f.heap.WritePointer(v+8, 0))
	f.free(t, v)

	result := f.classifyTCache(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindDoubleFree, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(v), result.Findings[0].Address)

	bin := requireBin(t, result, tcache0)
	require.Equal(t, bins.StopRevisit, bin.Stop)
	require.Equal(t, []uint64{f.heap.ChunkOf(v), f.heap.ChunkOf(u)}, bin.Entries)
	require.Equal(t, 3, bin.Count)
}

func TestClassifyTCacheCountMismatch(t *testing.T) {
	f := newFixture(t, layout.Glibc230AMD64(), bins.ClassifierOptions{})
	a := f.malloc(t, 0x18)
	b := f.malloc(t, 0x18)
	f.free(t, a, b)
	require.NoError(t, f.heap.SetTCacheCount(0, 300))

	result := f.classifyTCache(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindCorruptedLink, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(b), result.Findings[0].Address)
	require.Equal(t, 300, requireBin(t, result, tcache0).Count)
}

func TestClassifyTCacheEmptyBinWithCount(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})
	require.NoError(t, f.heap.SetTCacheCount(3, 1))

	result := f.classifyTCache(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindCorruptedLink, result.Findings[0].Kind)

	bin := requireBin(t, result, bins.Kind{Type: bins.TypeTCache, Index: 3})
	require.Equal(t, bin.Head, result.Findings[0].Address)
}

func TestClassifyTCacheWrongSize(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})
	a := f.malloc(t, 0x18)
	f.malloc(t, 0x18)
	f.free(t, a)
	require.NoError(t, f.heap.WritePointer(f.heap.ChunkOf(a)+8, 0x31))

	result := f.classifyTCache(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindInvalidChunkSize, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(a), result.Findings[0].Address)
}

func TestClassifyStepCap(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{MaxSteps: 2})
	a := f.malloc(t, 0x18)
	b := f.malloc(t, 0x18)
	c := f.malloc(t, 0x18)
	f.free(t, a, b, c)

	result := f.classifyTCache(t)
	bin := requireBin(t, result, tcache0)
	require.Equal(t, bins.StopStepCap, bin.Stop)
	require.Len(t, bin.Entries, 2)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindInvalidForwardPointer, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(b), result.Findings[0].Address)
}

func TestClassifyTCacheUnsupported(t *testing.T) {
	f := newFixture(t, layout.Glibc223AMD64(), bins.ClassifierOptions{})

	_, err := f.classifier.ClassifyTCache(f.heap.HeapStart() + 0x10)
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))
}

func TestClassifyFastbinDoubleFree(t *testing.T) {
	f := newFixture(t, layout.Glibc223AMD64(), bins.ClassifierOptions{})
	a := f.malloc(t, 0x18)
	b := f.malloc(t, 0x18)
	f.free(t, a, b, a)

	result := f.classify(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindDoubleFree, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(a), result.Findings[0].Address)
	require.Equal(t, "Fastbin[0]", result.Findings[0].Bin)

	bin := requireBin(t, result, bins.Kind{Type: bins.TypeFastbin, Index: 0})
	require.Equal(t, []uint64{f.heap.ChunkOf(a), f.heap.ChunkOf(b)}, bin.Entries)
	require.Equal(t, -1, bin.Count)
}

func TestClassifyUnsorted(t *testing.T) {
	f := newFixture(t, layout.Glibc223AMD64(), bins.ClassifierOptions{})
	v := f.malloc(t, 0x80)
	f.malloc(t, 0x10)
	w := f.malloc(t, 0x100)
	f.malloc(t, 0x10)
	f.free(t, v, w)

	result := f.classify(t)
	require.Empty(t, result.Findings)
	require.Len(t, result.Bins, 1)

	bin := requireBin(t, result, bins.KindForIndex(layout.UnsortedBinIndex))
	require.Equal(t, []uint64{f.heap.ChunkOf(w), f.heap.ChunkOf(v)}, bin.Entries)
	require.True(t, bin.Complete())
	require.Empty(t, bin.Mismatches)
}

func TestClassifyCorruptedBack(t *testing.T) {
	f := newFixture(t, layout.Glibc223AMD64(), bins.ClassifierOptions{})
	v := f.malloc(t, 0x80)
	f.malloc(t, 0x10)
	f.free(t, v)

	victim := f.heap.ChunkOf(v)
	require.NoError(t, f.heap.WritePointer(victim+24, 0x4242424242424240))

	result := f.classify(t)
	require.NotEmpty(t, result.Findings)
	for _, found := range result.Findings {
		require.Equal(t, finding.KindCorruptedLink, found.Kind)
		require.Equal(t, victim, found.Address)
	}

	bin := requireBin(t, result, bins.KindForIndex(layout.UnsortedBinIndex))
	require.True(t, bin.Complete())
	require.Equal(t, []bins.Mismatch{{
		Address:  victim,
		Field:    "bk",
		Expected: bin.Head,
		Actual:   0x4242424242424240,
	}}, bin.Mismatches)
}

func TestClassifyCorruptedForward(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})
	v := f.malloc(t, 0x500)
	f.malloc(t, 0x10)
	f.free(t, v)

	victim := f.heap.ChunkOf(v)
	require.NoError(t, f.heap.WritePointer(victim+16, 0x1000))

	result := f.classify(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindInvalidForwardPointer, result.Findings[0].Kind)
	require.Equal(t, victim, result.Findings[0].Address)

	bin := requireBin(t, result, bins.KindForIndex(layout.UnsortedBinIndex))
	require.Equal(t, bins.StopInvalidPointer, bin.Stop)
	require.Equal(t, uint64(0x1000), bin.StopValue)
}

func TestClassifySortedBins(t *testing.T) {
	f := newFixture(t, layout.Glibc223AMD64(), bins.ClassifierOptions{})
	small := f.malloc(t, 0x80)
	f.malloc(t, 0x10)
	big := f.malloc(t, 0x418)
	f.malloc(t, 0x10)
	smaller := f.malloc(t, 0x408)
	f.malloc(t, 0x10)
	same := f.malloc(t, 0x418)
	f.malloc(t, 0x10)
	f.free(t, small, big, smaller, same)
	require.NoError(t, f.heap.SortUnsorted())

	result := f.classify(t)
	require.Empty(t, result.Findings)
	require.Len(t, result.Bins, 2)
	require.Equal(t, bins.Kind{Type: bins.TypeSmall, Index: 9}, result.Bins[0].Kind)
	require.Equal(t, bins.Kind{Type: bins.TypeLarge, Index: 64}, result.Bins[1].Kind)

	large := result.Bins[1]
	require.Equal(t, []uint64{f.heap.ChunkOf(big), f.heap.ChunkOf(same), f.heap.ChunkOf(smaller)}, large.Entries)

	// Break the nextsize ring
	require.NoError(t, f.heap.WritePointer(f.heap.ChunkOf(big)+32, f.heap.ChunkOf(same)))

	result = f.classify(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindCorruptedLink, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(big), result.Findings[0].Address)

	large = requireBin(t, result, bins.Kind{Type: bins.TypeLarge, Index: 64})
	require.Len(t, large.Mismatches, 1)
	require.Equal(t, "fd_nextsize", large.Mismatches[0].Field)
}

func TestClassifyLargeBinOrder(t *testing.T) {
	f := newFixture(t, layout.Glibc223AMD64(), bins.ClassifierOptions{})
	big := f.malloc(t, 0x418)
	f.malloc(t, 0x10)
	smaller := f.malloc(t, 0x408)
	f.malloc(t, 0x10)
	f.free(t, big, smaller)
	require.NoError(t, f.heap.SortUnsorted())

	require.NoError(t, f.heap.RewriteBin(64, []uint64{f.heap.ChunkOf(smaller), f.heap.ChunkOf(big)}))

	result := f.classify(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindCorruptedLink, result.Findings[0].Kind)
	require.Equal(t, f.heap.ChunkOf(big), result.Findings[0].Address)
}

func TestClassifyNullBinHead(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})
	profile := f.codec.Profile()
	head := profile.BinAt(f.heap.ArenaBase(), 5)
	require.NoError(t, f.heap.WritePointer(head+profile.ForwardOffset(), 0))

	result := f.classify(t)
	require.Len(t, result.Findings, 1)
	require.Equal(t, finding.KindUnmappedPointerDereference, result.Findings[0].Kind)
	require.Equal(t, head, result.Findings[0].Address)
	require.Equal(t, bins.StopInvalidPointer, requireBin(t, result, bins.KindForIndex(5)).Stop)
}

func TestClassifyNilArena(t *testing.T) {
	f := newFixture(t, layout.Glibc227AMD64(), bins.ClassifierOptions{})

	_, err := f.classifier.Classify(nil)
	require.Error(t, err)
}

func TestKindStrings(t *testing.T) {
	testCases := map[string]struct {
		kind     bins.Kind
		expected string
	}{
		"Unsorted": {kind: bins.KindForIndex(1), expected: "Unsorted"},
		"Small":    {kind: bins.KindForIndex(9), expected: "Small[9]"},
		"Large":    {kind: bins.KindForIndex(64), expected: "Large[64]"},
		"Fastbin":  {kind: bins.Kind{Type: bins.TypeFastbin, Index: 2}, expected: "Fastbin[2]"},
		"TCache":   {kind: bins.Kind{Type: bins.TypeTCache, Index: 7}, expected: "TCache[7]"},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.expected, testCase.kind.String())
		})
	}

	require.True(t, bins.TypeLarge.IsDoublyLinked())
	require.False(t, bins.TypeTCache.IsDoublyLinked())
	require.Equal(t, "Revisit", bins.StopRevisit.String())
}
