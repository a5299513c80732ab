package heap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/heapscope/heapscope/arena"
	"github.com/heapscope/heapscope/bins"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/finding"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/memutils"
	"github.com/heapscope/heapscope/reader"
	"golang.org/x/exp/slices"
)

type builder struct {
	logger     *slog.Logger
	codec      *chunk.Codec
	profile    *layout.Profile
	options    BuildOptions
	classifier *bins.Classifier

	model    *Model
	findings *finding.Set
	results  []*bins.Result
	// pending holds chunks reached only through a free list, added after the scan
	pending []*chunk.Chunk
}

// Build reads the heap behind r into a Model. Structural failures, such as an arena that
// cannot be found or read, return an error. Corruption met along the way does not: the
// model is still assembled and the problems are attached as findings.
func Build(r reader.Reader, profile *layout.Profile, hint Hint, options BuildOptions) (*Model, error) {
	if profile == nil {
		return nil, errors.Wrap(layout.ErrUnsupportedProfile, "no layout profile was supplied")
	}

	codec, err := chunk.NewCodec(r, profile)
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &builder{
		logger:     logger,
		codec:      codec,
		profile:    profile,
		options:    options,
		classifier: bins.NewClassifier(logger, codec, bins.ClassifierOptions{MaxSteps: options.MaxSteps}),
		model:      newModel(profile),
		findings:   finding.NewSet(),
	}

	base, err := b.locate(hint)
	if err != nil {
		return nil, err
	}

	err = b.readArenas(base)
	if err != nil {
		return nil, err
	}

	err = b.classify()
	if err != nil {
		return nil, err
	}

	err = b.resolveHeapStart(hint)
	if err != nil {
		return nil, err
	}

	err = b.classifyTCache(hint)
	if err != nil {
		return nil, err
	}

	b.scan()
	b.addTops()
	b.merge()
	b.finish(hint)

	memutils.DebugValidate(b.model)

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "built heap model",
		slog.String("profile", profile.Name),
		slog.Int("arenas", len(b.model.arenas)),
		slog.Int("chunks", len(b.model.addresses)),
		slog.Int("findings", len(b.model.findings)))

	return b.model, nil
}

func (b *builder) locate(hint Hint) (uint64, error) {
	if hint.ArenaBase != 0 {
		return hint.ArenaBase, nil
	}

	locator := arena.NewLocator(b.codec)
	var location arena.Location
	var err error
	var address uint64
	switch {
	case hint.Seed != 0:
		address = hint.Seed
		location, err = locator.Locate(hint.Seed, hint.ImageBaseGuess)
	case hint.SeedChunk != 0:
		address = hint.SeedChunk
		location, err = locator.LocateFromChunk(hint.SeedChunk, hint.ImageBaseGuess)
	default:
		err = errors.Wrap(arena.ErrNotFound, "no arena base, seed or seed chunk was supplied")
	}
	if err != nil {
		return 0, &BuildError{Stage: "locate", Address: address, Err: err}
	}

	b.model.imageBase = location.ImageBase
	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "located arena",
		slog.String("arena", fmt.Sprintf("%#x", location.ArenaBase)),
		slog.String("image", fmt.Sprintf("%#x", location.ImageBase)))

	return location.ArenaBase, nil
}

func (b *builder) readArenas(base uint64) error {
	if !b.options.FollowArenaRing {
		a, err := arena.Read(b.codec, base)
		if err != nil {
			return &BuildError{Stage: "arena", Address: base, Err: err}
		}
		b.model.arenas = []*arena.Arena{a}
		return nil
	}

	maxArenas := b.options.MaxArenas
	if maxArenas <= 0 {
		maxArenas = DefaultMaxArenas
	}

	arenas, err := arena.Ring(b.codec, base, maxArenas)
	if err != nil {
		return &BuildError{Stage: "arena", Address: base, Err: err}
	}
	b.model.arenas = arenas
	return nil
}

func (b *builder) classify() error {
	for _, a := range b.model.arenas {
		result, err := b.classifier.Classify(a)
		if err != nil {
			return &BuildError{Stage: "classify", Address: a.Base, Err: err}
		}

		b.results = append(b.results, result)
		b.model.arenaBins = append(b.model.arenaBins, result.Bins)
		b.findings.AddAll(result.Findings)
	}
	return nil
}

// resolveHeapStart picks the first chunk of the main heap: the hint, else the [heap]
// mapping holding the top chunk, else the end of the top chunk minus system_mem
func (b *builder) resolveHeapStart(hint Hint) error {
	if hint.HeapStart != 0 {
		b.model.heapStart = hint.HeapStart
		return nil
	}

	main := b.model.MainArena()
	lister, ok := b.codec.Reader().(reader.RegionLister)
	if ok {
		region, found := reader.FindRegion(lister.Regions(), "[heap]")
		if found && region.Contains(main.Top) {
			b.model.heapStart = memutils.AlignUp(region.Start, b.profile.Alignment)
			return nil
		}
	}

	rawSize, err := b.codec.ReadPointer(main.Top + b.profile.Ptr())
	if err != nil {
		return &BuildError{Stage: "heap", Address: main.Top, Err: errors.Wrap(err, "failed to read the top chunk")}
	}

	end := main.Top + (rawSize & b.profile.SizeFieldMask)
	if end < main.SystemMem {
		return &BuildError{Stage: "heap", Address: main.Top, Err: errors.Wrapf(arena.ErrNotFound, "top chunk ends at %#x, below system_mem %#x", end, main.SystemMem)}
	}

	b.model.heapStart = memutils.AlignUp(end-main.SystemMem, b.profile.Alignment)
	return nil
}

func (b *builder) classifyTCache(hint Hint) error {
	p := b.profile
	base := hint.TCacheBase
	if base == 0 && p.TCacheEnabled {
		rawSize, err := b.codec.ReadPointer(b.model.heapStart + p.Ptr())
		if err == nil && rawSize&p.SizeFieldMask == chunk.RequestToSize(p, p.TCacheStructSize()) {
			base = b.model.heapStart + p.ChunkHeaderSize
		} else {
			b.logger.LogAttrs(context.Background(), slog.LevelDebug, "first chunk is not a tcache",
				slog.String("heap", fmt.Sprintf("%#x", b.model.heapStart)))
		}
	}

	if base == 0 {
		return nil
	}

	result, err := b.classifier.ClassifyTCache(base)
	if err != nil {
		return &BuildError{Stage: "tcache", Address: base, Err: err}
	}

	b.model.tcacheBase = base
	b.model.tcacheBins = result.Bins
	b.results = append(b.results, result)
	b.findings.AddAll(result.Findings)
	return nil
}

func (b *builder) report(kind finding.Kind, address uint64, related []uint64, bin string, detail string, args ...any) {
	b.findings.Add(finding.Finding{
		Kind:    kind,
		Address: address,
		Related: related,
		Bin:     bin,
		Detail:  fmt.Sprintf(detail, args...),
	})
}

func (b *builder) insert(c *chunk.Chunk) {
	b.model.chunks.Put(c.Address, c)
	b.model.addresses = append(b.model.addresses, c.Address)
}

// scan walks the main heap chunk by chunk from its start up to the top chunk
func (b *builder) scan() {
	top := b.model.MainArena().Top
	address := b.model.heapStart
	if address > top {
		return
	}

	// no chunk is smaller than MinChunkSize, which bounds the number of steps to top
	maxSteps := (top-address)/b.profile.MinChunkSize + 1
	for steps := uint64(0); address < top; steps++ {
		if steps >= maxSteps {
			b.report(finding.KindInvalidChunkSize, address, nil, "", "heap scan exceeded %d chunks", maxSteps)
			return
		}

		decoded, err := b.codec.Decode(address)
		if err != nil {
			b.report(finding.KindUnmappedPointerDereference, address, nil, "", "heap scan could not read the chunk header: %v", err)
			return
		}

		if decoded.State == chunk.StateUnknown {
			b.report(finding.KindInvalidChunkSize, address, nil, "", "size field %#x stops the heap scan", decoded.RawSize)
			return
		}

		if decoded.End() <= address {
			b.report(finding.KindInvalidChunkSize, address, nil, "", "size field %#x wraps the address space", decoded.RawSize)
			return
		}

		if decoded.End() > top {
			b.report(finding.KindOverlappingChunks, address, []uint64{top}, "", "chunk of size %#x runs over the top chunk", decoded.Size)
			b.insert(decoded)
			return
		}

		b.insert(decoded)
		address = decoded.End()
	}

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "scanned heap",
		slog.String("start", fmt.Sprintf("%#x", b.model.heapStart)),
		slog.String("top", fmt.Sprintf("%#x", top)),
		slog.Int("chunks", len(b.model.addresses)))
}

func (b *builder) addTops() {
	for _, a := range b.model.arenas {
		if b.model.chunks.Has(a.Top) {
			b.report(finding.KindOverlappingChunks, a.Top, nil, "", "top chunk of arena %#x was already claimed", a.Base)
			continue
		}

		decoded, err := b.codec.Decode(a.Top)
		if err != nil {
			b.report(finding.KindUnmappedPointerDereference, a.Top, nil, "", "top chunk of arena %#x could not be read: %v", a.Base, err)
			continue
		}

		if decoded.State == chunk.StateUnknown {
			b.report(finding.KindInvalidChunkSize, a.Top, nil, "", "top chunk of arena %#x has size field %#x", a.Base, decoded.RawSize)
			continue
		}

		decoded.State = chunk.StateTop
		if a.Top == b.model.MainArena().Top {
			b.insert(decoded)
		} else {
			b.pending = append(b.pending, decoded)
		}
	}
}

// merge folds the chunks reached through free lists into the scanned chunks
func (b *builder) merge() {
	for _, result := range b.results {
		for _, bin := range result.Bins {
			for _, address := range bin.Entries {
				decoded, ok := result.Chunks.Get(address)
				if !ok {
					continue
				}
				b.addMember(bin.Kind, decoded)
			}
		}
	}
}

func (b *builder) addMember(kind bins.Kind, decoded *chunk.Chunk) {
	m := b.model
	address := decoded.Address

	owner, ok := m.binOf.Get(address)
	if ok {
		b.report(finding.KindOverlappingChunks, address, nil, kind.String(), "chunk is also linked into %s", owner)
		return
	}
	m.binOf.Put(address, kind)

	scanned, ok := m.chunks.Get(address)
	if ok {
		if scanned.State == chunk.StateTop {
			b.report(finding.KindOverlappingChunks, address, nil, kind.String(), "top chunk is linked into a free list")
			return
		}

		if scanned.Size != decoded.Size {
			b.report(finding.KindOverlappingChunks, address, nil, kind.String(), "free list entry has size %#x but the heap scan found %#x", decoded.Size, scanned.Size)
		}

		merged := *scanned
		merged.State = chunk.StateFree
		merged.Forward = decoded.Forward
		merged.Back = decoded.Back
		merged.ForwardNextSize = decoded.ForwardNextSize
		merged.BackNextSize = decoded.BackNextSize
		merged.HasKey = decoded.HasKey
		merged.Key = decoded.Key
		m.chunks.Put(address, &merged)
		return
	}

	container, ok := containing(m.chunks, m.addresses, address)
	if ok {
		b.report(finding.KindOverlappingChunks, address, []uint64{container.Address}, kind.String(), "free list entry lies inside chunk %#x", container.Address)
	}

	if !memutils.IsAligned(decoded.Size, b.profile.Alignment) || decoded.End() <= address {
		return
	}

	entry := *decoded
	if entry.State != chunk.StateUnknown {
		entry.State = chunk.StateFree
	}
	b.pending = append(b.pending, &entry)
}

func (b *builder) finish(hint Hint) {
	m := b.model
	for _, c := range b.pending {
		if m.chunks.Has(c.Address) {
			continue
		}
		m.chunks.Put(c.Address, c)
		m.addresses = append(m.addresses, c.Address)
	}
	slices.Sort(m.addresses)

	m.tcacheKey = b.tcacheKey(hint)
	m.findings = b.findings.Findings()
	m.computeStatistics()
}

// tcacheKey returns the value freed tcache entries carry in their key field. Builds with a
// random key keep it in libc's data, so the most common key among the walked entries stands
// in for it.
func (b *builder) tcacheKey(hint Hint) uint64 {
	if hint.TCacheKey != 0 {
		return hint.TCacheKey
	}

	if b.profile.TCacheKeyKind == layout.TCacheKeyPointer {
		return b.model.tcacheBase
	}
	if b.profile.TCacheKeyKind != layout.TCacheKeyRandom {
		return 0
	}

	votes := swiss.NewMap[uint64, int](8)
	for _, bin := range b.model.tcacheBins {
		for _, address := range bin.Entries {
			c, ok := b.model.chunks.Get(address)
			if ok && c.HasKey && c.Key != 0 {
				count, _ := votes.Get(c.Key)
				votes.Put(c.Key, count+1)
			}
		}
	}

	var best uint64
	bestVotes := 0
	votes.Iter(func(key uint64, count int) bool {
		if count > bestVotes || (count == bestVotes && key < best) {
			best, bestVotes = key, count
		}
		return false
	})
	return best
}
