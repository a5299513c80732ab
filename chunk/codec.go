package chunk

import (
	"github.com/cockroachdb/errors"
	"github.com/heapscope/heapscope/layout"
	"github.com/heapscope/heapscope/memutils"
	"github.com/heapscope/heapscope/reader"
)

// Codec decodes chunk headers out of a Reader according to a layout profile
type Codec struct {
	reader  reader.Reader
	profile *layout.Profile
}

func NewCodec(r reader.Reader, profile *layout.Profile) (*Codec, error) {
	if r == nil {
		return nil, errors.New("no memory reader")
	}

	err := profile.Validate()
	if err != nil {
		return nil, err
	}

	return &Codec{reader: r, profile: profile}, nil
}

func (c *Codec) Profile() *layout.Profile { return c.profile }

func (c *Codec) Reader() reader.Reader { return c.reader }

// ReadPointer reads one pointer-sized value
func (c *Codec) ReadPointer(address uint64) (uint64, error) {
	return reader.ReadUint(c.reader, address, c.profile.PtrSize)
}

// ReadNext reads the next pointer of a singly linked fastbin or tcache entry stored at
// fieldAddress, undoing safe-linking when the profile uses it
func (c *Codec) ReadNext(fieldAddress uint64) (uint64, error) {
	stored, err := c.ReadPointer(fieldAddress)
	if err != nil {
		return 0, err
	}

	return c.Reveal(fieldAddress, stored), nil
}

// Reveal demangles a singly linked next pointer stored at fieldAddress. Profiles without
// safe-linking return stored unchanged.
func (c *Codec) Reveal(fieldAddress uint64, stored uint64) uint64 {
	if !c.profile.SafeLinking {
		return stored
	}
	return Reveal(fieldAddress, stored)
}

// Protect mangles ptr for storage at fieldAddress the way glibc's PROTECT_PTR does
func Protect(fieldAddress uint64, ptr uint64) uint64 {
	return (fieldAddress >> 12) ^ ptr
}

// Reveal is the inverse of Protect
func Reveal(fieldAddress uint64, stored uint64) uint64 {
	return (fieldAddress >> 12) ^ stored
}

// IsPlausible reports whether address could be a chunk: aligned and backed by a readable
// header
func (c *Codec) IsPlausible(address uint64) bool {
	if address == 0 || !memutils.IsAligned(address, c.profile.Alignment) {
		return false
	}
	return reader.IsReadable(c.reader, address, int(c.profile.ChunkHeaderSize))
}

// SizeIsValid reports whether a masked size could belong to a real chunk
func (c *Codec) SizeIsValid(size uint64) bool {
	return size >= c.profile.MinChunkSize && memutils.IsAligned(size, c.profile.Alignment)
}

func (c *Codec) decodeHeader(address uint64) (*Chunk, error) {
	ptr := c.profile.PtrSize
	data, err := c.reader.Read(address, 2*ptr)
	if err != nil {
		return nil, err
	}
	if len(data) < 2*ptr {
		return nil, &reader.ReadError{Address: address, Length: 2 * ptr, Err: errors.Wrapf(reader.ErrUnmapped, "short read of %d bytes", len(data))}
	}

	header := &Chunk{Address: address}
	header.PrevSize, err = reader.DecodeUint(data[:ptr], ptr)
	if err != nil {
		return nil, err
	}
	header.RawSize, err = reader.DecodeUint(data[ptr:], ptr)
	if err != nil {
		return nil, err
	}
	header.Size = header.RawSize & c.profile.SizeFieldMask
	header.Flags = Flags(header.RawSize) & flagMask

	return header, nil
}

func (c *Codec) readLinks(header *Chunk) error {
	p := c.profile
	var err error

	header.Forward, err = c.ReadPointer(header.Address + p.ForwardOffset())
	if err != nil {
		return err
	}

	header.Back, err = c.ReadPointer(header.Address + p.BackOffset())
	if err != nil {
		return err
	}

	if IsSmallSize(p, header.Size) {
		return nil
	}

	// The nextsize fields lie inside the chunk, so a size this large guarantees room
	header.ForwardNextSize, err = c.ReadPointer(header.Address + p.ForwardNextSizeOffset())
	if err != nil {
		return err
	}

	header.BackNextSize, err = c.ReadPointer(header.Address + p.BackNextSizeOffset())
	return err
}

func (c *Codec) readKey(header *Chunk) {
	p := c.profile
	if p.TCacheKeyKind == layout.TCacheKeyNone || !IsTCacheSize(p, header.Size) {
		return
	}

	key, err := c.ReadPointer(header.Address + p.TCacheKeyFieldOffset)
	if err != nil {
		return
	}

	header.HasKey = true
	header.Key = key
}

// Decode reads the chunk at address. A size that is zero, below the minimum or misaligned
// yields StateUnknown. Otherwise the chunk is free when the following chunk's PREV_INUSE bit
// is clear, in which case its links are read as well. Chunks parked in fastbins and tcache
// bins keep that bit set, so Decode reports them as allocated; only a bin walk can tell
// them apart.
func (c *Codec) Decode(address uint64) (*Chunk, error) {
	header, err := c.decodeHeader(address)
	if err != nil {
		return nil, err
	}

	if !c.SizeIsValid(header.Size) {
		header.State = StateUnknown
		return header, nil
	}

	header.State = StateAllocated
	c.readKey(header)

	if header.IsMmapped() {
		return header, nil
	}

	nextSize, err := c.ReadPointer(header.End() + c.profile.Ptr())
	if err != nil {
		return header, nil
	}

	if Flags(nextSize)&FlagPrevInUse != 0 {
		return header, nil
	}

	header.State = StateFree
	err = c.readLinks(header)
	if err != nil {
		return nil, err
	}

	return header, nil
}

// DecodeLinked reads the chunk at address as a member of a doubly linked bin: the header
// plus its links, without consulting the following chunk. The state is Free for a usable
// size and Unknown otherwise.
func (c *Codec) DecodeLinked(address uint64) (*Chunk, error) {
	header, err := c.decodeHeader(address)
	if err != nil {
		return nil, err
	}

	header.State = StateFree
	if !c.SizeIsValid(header.Size) {
		header.State = StateUnknown
	}

	err = c.readLinks(header)
	if err != nil {
		return nil, err
	}
	c.readKey(header)

	return header, nil
}

// DecodeEntry reads the chunk at address as a member of a singly linked fastbin or tcache
// list. Forward holds the revealed next chunk address, converted from a user pointer for
// tcache lists.
func (c *Codec) DecodeEntry(address uint64, tcache bool) (*Chunk, error) {
	header, err := c.decodeHeader(address)
	if err != nil {
		return nil, err
	}

	header.State = StateFree
	if !c.SizeIsValid(header.Size) {
		header.State = StateUnknown
	}

	next, err := c.ReadNext(address + c.profile.ForwardOffset())
	if err != nil {
		return nil, err
	}

	if tcache && next != 0 {
		next -= c.profile.ChunkHeaderSize
	}
	header.Forward = next
	c.readKey(header)

	return header, nil
}

// DecodeRange decodes the chunks laid out back to back in [start, end). The walk ends after
// a chunk with an unusable size, a chunk reaching end, or a size that wraps the address
// space; that chunk is still returned. A header that cannot be read ends the walk with an
// error alongside the chunks decoded before it.
func (c *Codec) DecodeRange(start uint64, end uint64) ([]*Chunk, error) {
	if end <= start {
		return nil, nil
	}

	var chunks []*Chunk
	maxSteps := (end-start)/c.profile.MinChunkSize + 1
	address := start
	for steps := uint64(0); address < end && steps < maxSteps; steps++ {
		decoded, err := c.Decode(address)
		if err != nil {
			return chunks, errors.Wrapf(err, "failed to decode chunk %#x", address)
		}

		chunks = append(chunks, decoded)
		if decoded.State == StateUnknown || decoded.End() <= address {
			break
		}
		address = decoded.End()
	}

	return chunks, nil
}
