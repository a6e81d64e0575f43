//go:build linux

package sensor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// IIO attribute names. The kernel reports pressure in kPa.
const (
	attrInput = "in_pressure_input"
	attrRaw   = "in_pressure_raw"
	attrScale = "in_pressure_scale"
)

// IIOReader reads a barometer through the Linux Industrial I/O sysfs files.
type IIOReader struct {
	dir   string
	raw   bool    // true when only raw+scale are exposed
	scale float64 // kPa per raw unit
}

// Supported reports whether dir exposes a pressure channel.
func Supported(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, attrInput)); err == nil {
		return true
	}
	_, errRaw := os.Stat(filepath.Join(dir, attrRaw))
	_, errScale := os.Stat(filepath.Join(dir, attrScale))
	return errRaw == nil && errScale == nil
}

// Open returns a reader for the IIO device directory dir.
// It fails with ErrUnsupported when the device has no pressure channel.
func Open(dir string) (*IIOReader, error) {
	if !Supported(dir) {
		return nil, errors.Wrapf(ErrUnsupported, "no pressure channel in %s", dir)
	}

	r := &IIOReader{dir: dir}
	if _, err := os.Stat(filepath.Join(dir, attrInput)); err != nil {
		scale, err := readAttr(filepath.Join(dir, attrScale))
		if err != nil {
			return nil, errors.Wrap(err, "read pressure scale")
		}
		r.raw = true
		r.scale = scale
	}

	// Fail now rather than on the first tick.
	if _, err := r.Read(); err != nil {
		return nil, errors.Wrap(err, "initial pressure read")
	}
	return r, nil
}

// Read returns the current pressure in hPa.
func (r *IIOReader) Read() (float32, error) {
	if r.raw {
		v, err := readAttr(filepath.Join(r.dir, attrRaw))
		if err != nil {
			return 0, errors.Wrap(err, "read raw pressure")
		}
		return kPaToHPa(v * r.scale), nil
	}

	v, err := readAttr(filepath.Join(r.dir, attrInput))
	if err != nil {
		return 0, errors.Wrap(err, "read pressure")
	}
	return kPaToHPa(v), nil
}

// Close is a no-op; sysfs attributes are opened per read.
func (r *IIOReader) Close() error {
	return nil
}

func readAttr(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", filepath.Base(path))
	}
	return v, nil
}

func kPaToHPa(kPa float64) float32 {
	return float32(kPa * 10)
}
