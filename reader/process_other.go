//go:build !linux

package reader

import (
	"github.com/cockroachdb/errors"
)

// ErrProcessUnsupported is returned when live process inspection is not available on the
// current platform
var ErrProcessUnsupported = errors.New("live process inspection is only supported on linux")

type ProcessReader struct{}

func ReadMaps(pid int) ([]Region, error) {
	return nil, errors.Wrapf(ErrProcessUnsupported, "pid %d", pid)
}

func NewProcessReader(pid int) (*ProcessReader, error) {
	return nil, errors.Wrapf(ErrProcessUnsupported, "pid %d", pid)
}

func (p *ProcessReader) Pid() int {
	return 0
}

func (p *ProcessReader) Read(address uint64, length int) ([]byte, error) {
	return nil, ErrProcessUnsupported
}

func (p *ProcessReader) Regions() []Region {
	return nil
}

func (p *ProcessReader) Refresh() error {
	return ErrProcessUnsupported
}
