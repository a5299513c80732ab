package reader_test

import (
	"testing"

	"github.com/heapscope/heapscope/reader"
	mock_reader "github.com/heapscope/heapscope/reader/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func page(fill byte, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestCachingReaderReadsPagesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_reader.NewMockReader(ctrl)
	source.EXPECT().Read(uint64(0x1000), 0x100).Return(page(0xaa, 0x100), nil).Times(1)
	source.EXPECT().Read(uint64(0x1100), 0x100).Return(page(0xbb, 0x100), nil).Times(1)

	cache, err := reader.NewCachingReader(source, reader.CachingReaderOptions{PageSize: 0x100})
	require.NoError(t, err)

	data, err := cache.Read(0x1010, 8)
	require.NoError(t, err)
	require.Equal(t, page(0xaa, 8), data)

	data, err = cache.Read(0x10fc, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xbb, 0xbb, 0xbb, 0xbb}, data)

	_, err = cache.Read(0x1180, 16)
	require.NoError(t, err)
	require.Equal(t, 2, cache.CachedPages())
}

func TestCachingReaderFallsBackOnShortPage(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_reader.NewMockReader(ctrl)
	source.EXPECT().Read(uint64(0x2000), 0x100).Return(nil, &reader.ReadError{Address: 0x2000, Length: 0x100, Err: reader.ErrUnmapped})
	source.EXPECT().Read(uint64(0x2008), 8).Return(page(0x11, 8), nil)

	cache, err := reader.NewCachingReader(source, reader.CachingReaderOptions{PageSize: 0x100, ExternallySynchronized: true})
	require.NoError(t, err)

	data, err := cache.Read(0x2008, 8)
	require.NoError(t, err)
	require.Equal(t, page(0x11, 8), data)
	require.Equal(t, 0, cache.CachedPages())
}

func TestCachingReaderFlush(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_reader.NewMockReader(ctrl)
	source.EXPECT().Read(uint64(0x1000), 0x1000).Return(page(1, 0x1000), nil).Times(2)

	cache, err := reader.NewCachingReader(source, reader.CachingReaderOptions{})
	require.NoError(t, err)

	_, err = cache.Read(0x1000, 8)
	require.NoError(t, err)
	cache.Flush()
	require.Equal(t, 0, cache.CachedPages())

	_, err = cache.Read(0x1000, 8)
	require.NoError(t, err)
}

func TestCachingReaderRejectsBadPageSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_reader.NewMockReader(ctrl)

	_, err := reader.NewCachingReader(source, reader.CachingReaderOptions{PageSize: 0x300})
	require.Error(t, err)
}

func TestCachingReaderRegions(t *testing.T) {
	snapshot := reader.NewSnapshot()
	require.NoError(t, snapshot.AddRegion(reader.Region{Start: 0x1000, End: 0x2000, Name: "[heap]"}, nil))

	cache, err := reader.NewCachingReader(snapshot, reader.CachingReaderOptions{})
	require.NoError(t, err)
	require.Equal(t, snapshot.Regions(), cache.Regions())

	ctrl := gomock.NewController(t)
	opaque, err := reader.NewCachingReader(mock_reader.NewMockReader(ctrl), reader.CachingReaderOptions{})
	require.NoError(t, err)
	require.Nil(t, opaque.Regions())
}

func TestCachingReaderRejectsWrappingRange(t *testing.T) {
	ctrl := gomock.NewController(t)
	source := mock_reader.NewMockReader(ctrl)

	cache, err := reader.NewCachingReader(source, reader.CachingReaderOptions{})
	require.NoError(t, err)

	_, err = cache.Read(0xfffffffffffffff0, 0x20)
	require.ErrorIs(t, err, reader.ErrUnmapped)
	require.False(t, reader.IsReadable(cache, 0xfffffffffffffff0, 0x20))

	_, err = cache.Read(0x1000, -1)
	require.Error(t, err)
}
