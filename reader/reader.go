// Package reader provides the memory access seam used by the rest of heapscope. Every byte
// the engine inspects is fetched through a Reader, so snapshot files, in-memory fixtures and
// live processes can be swapped without touching the engine.
package reader

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrUnmapped is wrapped by every ReadError produced for an address range that is not
// backed by readable memory
var ErrUnmapped = errors.New("address range is not mapped")

//go:generate mockgen -destination mocks/reader.go -package mock_reader github.com/heapscope/heapscope/reader Reader,RegionLister

// Reader supplies byte ranges of a target address space
type Reader interface {
	// Read returns exactly length bytes starting at address, or a *ReadError
	Read(address uint64, length int) ([]byte, error)
}

// RegionLister is implemented by readers that know the layout of the address space they
// serve, such as snapshots and live processes
type RegionLister interface {
	Regions() []Region
}

// ReadError is returned when some part of a requested range could not be read
type ReadError struct {
	Address uint64
	Length  int
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read of %d bytes at %#x failed: %v", e.Length, e.Address, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func unmapped(address uint64, length int) *ReadError {
	return &ReadError{Address: address, Length: length, Err: ErrUnmapped}
}

// ReadUint reads a little-endian unsigned integer of size 4 or 8 bytes at address
func ReadUint(r Reader, address uint64, size int) (uint64, error) {
	data, err := r.Read(address, size)
	if err != nil {
		return 0, err
	}
	if len(data) < size {
		return 0, &ReadError{Address: address, Length: size, Err: errors.Wrapf(ErrUnmapped, "short read of %d bytes", len(data))}
	}

	return DecodeUint(data, size)
}

// DecodeUint decodes a little-endian unsigned integer of size 4 or 8 bytes from data
func DecodeUint(data []byte, size int) (uint64, error) {
	switch size {
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	default:
		return 0, errors.Newf("unsupported integer size: %d", size)
	}
}

// PutUint encodes value as a little-endian unsigned integer of size 4 or 8 bytes into out
func PutUint(out []byte, value uint64, size int) {
	switch size {
	case 4:
		binary.LittleEndian.PutUint32(out, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(out, value)
	default:
		panic(fmt.Sprintf("unsupported integer size: %d", size))
	}
}

// IsReadable reports whether length bytes at address can be read through r
func IsReadable(r Reader, address uint64, length int) bool {
	_, err := r.Read(address, length)
	return err == nil
}
