//go:build !unix

package heap

import (
	"runtime"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

func newMmapSource() (segmentSource, error) {
	return nil, errors.New(errors.ErrorTypeConfig, "mmap segments are not supported on this platform").
		WithDetail("os", runtime.GOOS)
}
