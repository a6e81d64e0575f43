//go:build linux

package gpio

import (
	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the button from actual hardware using Linux GPIO character device.
type RealReader struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// NewRealReader requests pin as an input with pull-up; the button shorts it to ground.
func NewRealReader(pin int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, errors.Wrap(err, "open gpio chip")
	}

	line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, errors.Wrapf(err, "request reset pin %d", pin)
	}

	return &RealReader{
		chip: chip,
		line: line,
	}, nil
}

// Read returns true while the button is held (raw 0).
func (r *RealReader) Read() (bool, error) {
	raw, err := r.line.Value()
	if err != nil {
		return false, errors.Wrap(err, "read reset pin")
	}
	return raw == 0, nil
}

// Close releases GPIO resources.
// Reconfigures the pin to input with pull-down (matching Pi boot defaults)
// before closing.
func (r *RealReader) Close() error {
	var errs []error

	if r.line != nil {
		if err := r.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, errors.Wrap(err, "reconfigure reset pin"))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close reset pin"))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close chip"))
		}
	}

	if len(errs) > 0 {
		return errors.Errorf("close errors: %v", errs)
	}
	return nil
}
