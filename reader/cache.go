package reader

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/heapscope/heapscope/internal/utils"
	"github.com/heapscope/heapscope/memutils"
)

const defaultCachePageSize = 0x1000

// CachingReaderOptions configures a CachingReader
type CachingReaderOptions struct {
	// PageSize is the granularity of cached reads. It must be a power of two and defaults
	// to 4KiB.
	PageSize int
	// ExternallySynchronized disables the internal lock. The consumer must guarantee the
	// reader is only used from one goroutine at a time.
	ExternallySynchronized bool
}

// CachingReader keeps whole pages read from a slower source, usually a live process,
// so the many small header reads of a heap walk turn into a few page reads
type CachingReader struct {
	source   Reader
	pageSize uint64
	mutex    utils.OptionalRWMutex
	pages    *swiss.Map[uint64, []byte]
}

var _ Reader = &CachingReader{}

func NewCachingReader(source Reader, options CachingReaderOptions) (*CachingReader, error) {
	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = defaultCachePageSize
	}

	err := memutils.CheckPow2(pageSize, "cache page size")
	if err != nil {
		return nil, err
	}

	return &CachingReader{
		source:   source,
		pageSize: uint64(pageSize),
		mutex:    utils.OptionalRWMutex{UseMutex: !options.ExternallySynchronized},
		pages:    swiss.NewMap[uint64, []byte](64),
	}, nil
}

func (c *CachingReader) page(base uint64) ([]byte, error) {
	c.mutex.RLock()
	data, ok := c.pages.Get(base)
	c.mutex.RUnlock()
	if ok {
		return data, nil
	}

	data, err := c.source.Read(base, int(c.pageSize))
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	c.pages.Put(base, data)
	c.mutex.Unlock()

	return data, nil
}

// Read serves the range from cached pages. A range touching a page that cannot be read
// whole, such as the tail of a short mapping, is passed straight to the source.
func (c *CachingReader) Read(address uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Newf("negative read length %d", length)
	}

	end := address + uint64(length)
	if end < address {
		return nil, unmapped(address, length)
	}

	out := make([]byte, 0, length)
	for current := address; current < end; {
		base := memutils.AlignDown(current, c.pageSize)
		data, err := c.page(base)
		if err != nil {
			return c.source.Read(address, length)
		}

		offset := current - base
		count := c.pageSize - offset
		if count > end-current {
			count = end - current
		}

		out = append(out, data[offset:offset+count]...)
		current += count
	}

	return out, nil
}

// Regions passes through the source's region list, if it has one
func (c *CachingReader) Regions() []Region {
	lister, ok := c.source.(RegionLister)
	if !ok {
		return nil
	}
	return lister.Regions()
}

// Flush drops every cached page
func (c *CachingReader) Flush() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.pages = swiss.NewMap[uint64, []byte](64)
}

// CachedPages returns the number of pages currently held
func (c *CachingReader) CachedPages() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.pages.Count()
}
