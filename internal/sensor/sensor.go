// Package sensor provides pressure readings with hardware abstraction.
// The real implementation reads the Linux Industrial I/O sysfs interface.
// The fake and replay implementations allow running without hardware.
package sensor

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnsupported is returned when the device has no usable pressure sensor.
	ErrUnsupported = errors.New("sensor: pressure sensor not supported")

	// ErrClosed is returned when a closed feed is started again.
	ErrClosed = errors.New("sensor: feed closed")
)

// DefaultDevice is the IIO device directory of the first barometer.
const DefaultDevice = "/sys/bus/iio/devices/iio:device0"

// Reader reads a single pressure value.
type Reader interface {
	// Read returns the current pressure in hPa.
	Read() (float32, error)

	// Close releases sensor resources.
	Close() error
}

// Sample is a reading delivered by a Feed.
type Sample struct {
	Value float32
	Time  time.Time
}

// Feed delivers samples to subscribers, one at a time.
type Feed interface {
	Start() error
	Stop() error
	Close() error

	// Subscribe registers fn for every sample. The returned func removes it.
	Subscribe(fn func(Sample)) (cancel func())
}
