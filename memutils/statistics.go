package memutils

import "math"

// Statistics summarizes the chunks recovered from a heap
type Statistics struct {
	ArenaCount     int
	ChunkCount     int
	HeapBytes      int
	AllocatedCount int
	AllocatedBytes int
}

func (s *Statistics) Clear() {
	s.ArenaCount = 0
	s.ChunkCount = 0
	s.HeapBytes = 0
	s.AllocatedCount = 0
	s.AllocatedBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.ChunkCount += other.ChunkCount
	s.HeapBytes += other.HeapBytes
	s.AllocatedCount += other.AllocatedCount
	s.AllocatedBytes += other.AllocatedBytes
}

// DetailedStatistics extends Statistics with free chunk counts and size extremes. The
// top chunk counts toward HeapBytes but toward neither the allocated nor the free figures.
type DetailedStatistics struct {
	Statistics
	FreeCount        int
	FreeBytes        int
	TopBytes         int
	AllocatedSizeMin int
	AllocatedSizeMax int
	FreeSizeMin      int
	FreeSizeMax      int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeCount = 0
	s.FreeBytes = 0
	s.TopBytes = 0
	s.AllocatedSizeMin = math.MaxInt
	s.AllocatedSizeMax = 0
	s.FreeSizeMin = math.MaxInt
	s.FreeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeChunk(size int) {
	s.ChunkCount++
	s.HeapBytes += size
	s.FreeCount++
	s.FreeBytes += size

	if size < s.FreeSizeMin {
		s.FreeSizeMin = size
	}

	if size > s.FreeSizeMax {
		s.FreeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocatedChunk(size int) {
	s.ChunkCount++
	s.HeapBytes += size
	s.AllocatedCount++
	s.AllocatedBytes += size

	if size < s.AllocatedSizeMin {
		s.AllocatedSizeMin = size
	}

	if size > s.AllocatedSizeMax {
		s.AllocatedSizeMax = size
	}
}

func (s *DetailedStatistics) AddTopChunk(size int) {
	s.ChunkCount++
	s.HeapBytes += size
	s.TopBytes += size
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeCount += other.FreeCount
	s.FreeBytes += other.FreeBytes
	s.TopBytes += other.TopBytes

	if other.FreeSizeMin < s.FreeSizeMin {
		s.FreeSizeMin = other.FreeSizeMin
	}

	if other.FreeSizeMax > s.FreeSizeMax {
		s.FreeSizeMax = other.FreeSizeMax
	}

	if other.AllocatedSizeMin < s.AllocatedSizeMin {
		s.AllocatedSizeMin = other.AllocatedSizeMin
	}

	if other.AllocatedSizeMax > s.AllocatedSizeMax {
		s.AllocatedSizeMax = other.AllocatedSizeMax
	}
}
