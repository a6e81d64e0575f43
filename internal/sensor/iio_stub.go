//go:build !linux

package sensor

import "github.com/pkg/errors"

// IIOReader is not available on non-Linux platforms.
type IIOReader struct{}

// Supported always reports false on non-Linux platforms.
func Supported(dir string) bool {
	return false
}

// Open returns ErrUnsupported on non-Linux platforms.
func Open(dir string) (*IIOReader, error) {
	return nil, errors.Wrap(ErrUnsupported, "requires Linux IIO")
}

// Read is not implemented on non-Linux platforms.
func (r *IIOReader) Read() (float32, error) {
	return 0, ErrUnsupported
}

// Close is not implemented on non-Linux platforms.
func (r *IIOReader) Close() error {
	return nil
}
