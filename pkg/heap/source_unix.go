//go:build unix

package heap

import (
	"golang.org/x/sys/unix"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

// mmapSource reserves segments as private anonymous mappings. Mappings are
// never unmapped: pools keep their segments for the life of the process.
type mmapSource struct{}

func newMmapSource() (segmentSource, error) {
	return mmapSource{}, nil
}

func (mmapSource) alloc(n int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOutOfMemory, "mmap failed").
			WithDetail("size", n)
	}
	return data, nil
}

func (mmapSource) name() string { return "mmap" }
