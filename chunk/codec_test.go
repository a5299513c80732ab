package chunk_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/chunk"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/reader"
	mock_reader "github.com/heapscope/heapscope/reader/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const heapBase = 0x602000

func newHeap(t *testing.T, profile *layout.Profile) (*reader.Snapshot, *chunk.Codec) {
	snapshot := reader.NewSnapshot()
	require.NoError(t, snapshot.AddRegion(reader.Region{Start: heapBase, End: heapBase + 0x1000, Name: "[heap]"}, nil))

	codec, err := chunk.NewCodec(snapshot, profile)
	require.NoError(t, err)

	return snapshot, codec
}

func writeChunk(t *testing.T, snapshot *reader.Snapshot, profile *layout.Profile, c *chunk.Chunk) {
	require.NoError(t, snapshot.Write(c.Address, chunk.Encode(profile, c)))
}

func TestNewCodecRequiresProfile(t *testing.T) {
	snapshot := reader.NewSnapshot()

	_, err := chunk.NewCodec(snapshot, nil)
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))

	broken := layout.Glibc227AMD64()
	broken.Alignment = 0
	_, err = chunk.NewCodec(snapshot, broken)
	require.True(t, errors.Is(err, layout.ErrUnsupportedProfile))

	_, err = chunk.NewCodec(nil, layout.Glibc227AMD64())
	require.Error(t, err)
}

func TestDecodeAllocated(t *testing.T) {
	profile := layout.Glibc223AMD64()
	snapshot, codec := newHeap(t, profile)

	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase, Size: 0x20, Flags: chunk.FlagPrevInUse})
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x20, Size: 0x30, Flags: chunk.FlagPrevInUse})
	require.NoError(t, snapshot.WriteUint(heapBase+0x10, 0x4141414141414141, 8))

	decoded, err := codec.Decode(heapBase)
	require.NoError(t, err)
	require.Equal(t, chunk.StateAllocated, decoded.State)
	require.Equal(t, uint64(0x20), decoded.Size)
	require.Equal(t, uint64(0x21), decoded.RawSize)
	require.True(t, decoded.PrevInUse())
	require.False(t, decoded.IsMmapped())
	require.Zero(t, decoded.Forward)
	require.Equal(t, uint64(heapBase+0x20), decoded.End())
}

func TestDecodeFreeReadsLinks(t *testing.T) {
	profile := layout.Glibc223AMD64()
	snapshot, codec := newHeap(t, profile)

	writeChunk(t, snapshot, profile, &chunk.Chunk{
		Address: heapBase,
		Size:    0x90,
		Flags:   chunk.FlagPrevInUse,
		State:   chunk.StateFree,
		Forward: 0x7ffff7dd1b78,
		Back:    0x7ffff7dd1b78,
	})
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x90, PrevSize: 0x90, Size: 0x20})

	decoded, err := codec.Decode(heapBase)
	require.NoError(t, err)
	require.Equal(t, chunk.StateFree, decoded.State)
	require.Equal(t, uint64(0x7ffff7dd1b78), decoded.Forward)
	require.Equal(t, uint64(0x7ffff7dd1b78), decoded.Back)
	require.Zero(t, decoded.ForwardNextSize)
}

func TestDecodeLargeFreeReadsNextSize(t *testing.T) {
	profile := layout.Glibc227AMD64()
	snapshot, codec := newHeap(t, profile)

	writeChunk(t, snapshot, profile, &chunk.Chunk{
		Address:         heapBase,
		Size:            0x410,
		Flags:           chunk.FlagPrevInUse,
		Forward:         0x1111,
		Back:            0x2222,
		ForwardNextSize: heapBase,
		BackNextSize:    heapBase,
	})
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x410, PrevSize: 0x410, Size: 0x20})

	decoded, err := codec.Decode(heapBase)
	require.NoError(t, err)
	require.Equal(t, chunk.StateFree, decoded.State)
	require.Equal(t, uint64(heapBase), decoded.ForwardNextSize)
	require.Equal(t, uint64(heapBase), decoded.BackNextSize)
	require.False(t, decoded.HasKey)
}

func TestDecodeUnknownSizes(t *testing.T) {
	profile := layout.Glibc227AMD64()

	testCases := map[string]uint64{
		"Zero":       0,
		"BelowMin":   0x10,
		"Misaligned": 0x28,
		"FlagsOnly":  0x7,
	}

	for name, rawSize := range testCases {
		t.Run(name, func(t *testing.T) {
			snapshot, codec := newHeap(t, profile)
			writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase, RawSize: rawSize})

			decoded, err := codec.Decode(heapBase)
			require.NoError(t, err)
			require.Equal(t, chunk.StateUnknown, decoded.State)
		})
	}
}

func TestDecodeNextHeaderUnreadable(t *testing.T) {
	profile := layout.Glibc227AMD64()
	snapshot, codec := newHeap(t, profile)

	// Runs past the end of the mapping
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0xf00, Size: 0x200, Flags: chunk.FlagPrevInUse})

	decoded, err := codec.Decode(heapBase + 0xf00)
	require.NoError(t, err)
	require.Equal(t, chunk.StateAllocated, decoded.State)
}

func TestDecodeUnmapped(t *testing.T) {
	_, codec := newHeap(t, layout.Glibc227AMD64())

	_, err := codec.Decode(0xdead0000)
	require.Error(t, err)
	require.True(t, errors.Is(err, reader.ErrUnmapped))

	var readErr *reader.ReadError
	require.True(t, errors.As(err, &readErr))
	require.Equal(t, uint64(0xdead0000), readErr.Address)
}

func TestDecodeReadsTCacheKey(t *testing.T) {
	profile := layout.Glibc229AMD64()
	snapshot, codec := newHeap(t, profile)

	writeChunk(t, snapshot, profile, &chunk.Chunk{
		Address: heapBase + 0x250,
		Size:    0x20,
		Flags:   chunk.FlagPrevInUse,
		HasKey:  true,
		Key:     heapBase + 0x10,
	})
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x270, Size: 0x20, Flags: chunk.FlagPrevInUse})

	decoded, err := codec.Decode(heapBase + 0x250)
	require.NoError(t, err)
	require.Equal(t, chunk.StateAllocated, decoded.State)
	require.True(t, decoded.HasKey)
	require.Equal(t, uint64(heapBase+0x10), decoded.Key)
}

func TestDecodeEntryRevealsSafeLinking(t *testing.T) {
	profile := layout.Glibc232AMD64()
	snapshot, codec := newHeap(t, profile)

	entry := uint64(heapBase + 0x2a0)
	next := uint64(heapBase + 0x2c0)
	field := entry + profile.ForwardOffset()
	writeChunk(t, snapshot, profile, &chunk.Chunk{
		Address: entry,
		Size:    0x20,
		Flags:   chunk.FlagPrevInUse,
		Forward: chunk.Protect(field, next+profile.ChunkHeaderSize),
	})

	decoded, err := codec.DecodeEntry(entry, true)
	require.NoError(t, err)
	require.Equal(t, next, decoded.Forward)

	stored, err := codec.ReadPointer(field)
	require.NoError(t, err)
	require.NotEqual(t, next+profile.ChunkHeaderSize, stored)
	require.Equal(t, next+profile.ChunkHeaderSize, codec.Reveal(field, stored))
}

func TestRevealIsIdentityWithoutSafeLinking(t *testing.T) {
	_, codec := newHeap(t, layout.Glibc227AMD64())
	require.Equal(t, uint64(0x602010), codec.Reveal(0x602010, 0x602010))

	require.Equal(t, uint64(0x602abc), chunk.Reveal(0x602010, chunk.Protect(0x602010, 0x602abc)))
}

func TestDecodeLinked(t *testing.T) {
	profile := layout.Glibc223AMD64()
	snapshot, codec := newHeap(t, profile)

	// Allocated according to its neighbour, but walked as a bin member anyway
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase, Size: 0x100, Flags: chunk.FlagPrevInUse, Forward: 0xaaaa, Back: 0xbbbb})
	writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x100, Size: 0x20, Flags: chunk.FlagPrevInUse})

	decoded, err := codec.DecodeLinked(heapBase)
	require.NoError(t, err)
	require.Equal(t, chunk.StateFree, decoded.State)
	require.Equal(t, uint64(0xaaaa), decoded.Forward)
	require.Equal(t, uint64(0xbbbb), decoded.Back)
}

func TestIsPlausible(t *testing.T) {
	_, codec := newHeap(t, layout.Glibc227AMD64())

	require.True(t, codec.IsPlausible(heapBase+0x20))
	require.False(t, codec.IsPlausible(heapBase+0x28))
	require.False(t, codec.IsPlausible(0))
	require.False(t, codec.IsPlausible(0xdeadbee0))
}

func TestDecodePropagatesReaderErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockReader := mock_reader.NewMockReader(ctrl)
	failure := errors.New("ptrace denied")
	mockReader.EXPECT().Read(uint64(0x1000), 16).Return(nil, failure)

	codec, err := chunk.NewCodec(mockReader, layout.Glibc227AMD64())
	require.NoError(t, err)

	_, err = codec.Decode(0x1000)
	require.True(t, errors.Is(err, failure))
}

func TestDecodeShortRead(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockReader := mock_reader.NewMockReader(ctrl)
	mockReader.EXPECT().Read(uint64(0x1000), 16).Return(make([]byte, 4), nil).Times(3)

	codec, err := chunk.NewCodec(mockReader, layout.Glibc227AMD64())
	require.NoError(t, err)

	_, err = codec.Decode(0x1000)
	require.True(t, errors.Is(err, reader.ErrUnmapped))

	_, err = codec.DecodeEntry(0x1000, true)
	require.True(t, errors.Is(err, reader.ErrUnmapped))

	_, err = codec.DecodeLinked(0x1000)
	require.True(t, errors.Is(err, reader.ErrUnmapped))
}

func TestDecodeAtAddressSpaceEnd(t *testing.T) {
	snapshot, _ := newHeap(t, layout.Glibc227AMD64())
	cache, err := reader.NewCachingReader(snapshot, reader.CachingReaderOptions{})
	require.NoError(t, err)

	codec, err := chunk.NewCodec(cache, layout.Glibc227AMD64())
	require.NoError(t, err)

	const last = 0xfffffffffffffff0
	require.False(t, codec.IsPlausible(last))

	_, err = codec.DecodeEntry(last, false)
	require.True(t, errors.Is(err, reader.ErrUnmapped))

	_, err = codec.Decode(last)
	require.True(t, errors.Is(err, reader.ErrUnmapped))
}

func TestDecodeRange(t *testing.T) {
	profile := layout.Glibc223AMD64()

	testCases := map[string]struct {
		thirdSize uint64
		end       uint64
		sizes     []uint64
		last      chunk.State
	}{
		"StopsAtUnknown": {
			thirdSize: 0x1,
			end:       heapBase + 0x100,
			sizes:     []uint64{0x20, 0x30, 0},
			last:      chunk.StateUnknown,
		},
		"StopsAtEnd": {
			thirdSize: 0x1,
			end:       heapBase + 0x20,
			sizes:     []uint64{0x20},
			last:      chunk.StateAllocated,
		},
		"StopsOnWrap": {
			thirdSize: 0xffffffffffffffe1,
			end:       heapBase + 0x100,
			sizes:     []uint64{0x20, 0x30, 0xffffffffffffffe0},
			last:      chunk.StateFree,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			snapshot, codec := newHeap(t, profile)
			writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase, Size: 0x20, Flags: chunk.FlagPrevInUse})
			writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x20, Size: 0x30, Flags: chunk.FlagPrevInUse})
			writeChunk(t, snapshot, profile, &chunk.Chunk{Address: heapBase + 0x50, RawSize: testCase.thirdSize})

			decoded, err := codec.DecodeRange(heapBase, testCase.end)
			require.NoError(t, err)

			var sizes []uint64
			for _, c := range decoded {
				sizes = append(sizes, c.Size)
			}
			require.Equal(t, testCase.sizes, sizes)
			require.Equal(t, testCase.last, decoded[len(decoded)-1].State)
		})
	}
}

func TestDecodeRangeUnreadable(t *testing.T) {
	_, codec := newHeap(t, layout.Glibc223AMD64())

	decoded, err := codec.DecodeRange(heapBase+0xff8, heapBase+0x1100)
	require.True(t, errors.Is(err, reader.ErrUnmapped))
	require.Empty(t, decoded)

	decoded, err = codec.DecodeRange(heapBase+0x100, heapBase)
	require.NoError(t, err)
	require.Empty(t, decoded)
}
