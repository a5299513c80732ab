package memutils_test

import (
	"math"
	"testing"

	"github.com/heapscope/heapscope/memutils"
	"github.com/stretchr/testify/require"
)

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()

	stats.AddAllocatedChunk(0x20)
	stats.AddAllocatedChunk(0x90)
	stats.AddFreeChunk(0x30)
	stats.AddTopChunk(0x20d00)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ChunkCount:     4,
			HeapBytes:      0x20 + 0x90 + 0x30 + 0x20d00,
			AllocatedCount: 2,
			AllocatedBytes: 0xb0,
		},
		FreeCount:        1,
		FreeBytes:        0x30,
		TopBytes:         0x20d00,
		AllocatedSizeMin: 0x20,
		AllocatedSizeMax: 0x90,
		FreeSizeMin:      0x30,
		FreeSizeMax:      0x30,
	}, stats)

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(&stats)
	total.AddDetailedStatistics(&stats)

	require.Equal(t, 8, total.ChunkCount)
	require.Equal(t, 2, total.FreeCount)
	require.Equal(t, 0x20, total.AllocatedSizeMin)

	total.Clear()
	require.Equal(t, math.MaxInt, total.FreeSizeMin)
	require.Zero(t, total.HeapBytes)
}
