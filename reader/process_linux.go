//go:build linux

package reader

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ProcessReader reads the memory of a live process with process_vm_readv. The caller needs
// ptrace access to the target. The process is not stopped, so a walk over a running target
// can observe a heap in the middle of an update.
type ProcessReader struct {
	pid     int
	regions []Region
}

var _ Reader = &ProcessReader{}
var _ RegionLister = &ProcessReader{}

// ReadMaps parses /proc/<pid>/maps
func ReadMaps(pid int) ([]Region, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open maps of process %d", pid)
	}
	defer file.Close()

	return ParseMaps(file)
}

func NewProcessReader(pid int) (*ProcessReader, error) {
	regions, err := ReadMaps(pid)
	if err != nil {
		return nil, err
	}

	return &ProcessReader{pid: pid, regions: regions}, nil
}

func (p *ProcessReader) Pid() int {
	return p.pid
}

func (p *ProcessReader) Read(address uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.Newf("negative read length %d", length)
	}

	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}

	local := []unix.Iovec{{Base: &out[0]}}
	local[0].SetLen(length)
	remote := []unix.RemoteIovec{{Base: uintptr(address), Len: length}}

	count, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return nil, &ReadError{Address: address, Length: length, Err: errors.Mark(err, ErrUnmapped)}
	}
	if count < length {
		return nil, &ReadError{Address: address, Length: length, Err: errors.Wrapf(ErrUnmapped, "short read of %d bytes", count)}
	}

	return out, nil
}

// Regions returns the mappings read when the reader was created
func (p *ProcessReader) Regions() []Region {
	return p.regions
}

// Refresh rereads the mappings of the process
func (p *ProcessReader) Refresh() error {
	regions, err := ReadMaps(p.pid)
	if err != nil {
		return err
	}

	p.regions = regions
	return nil
}
