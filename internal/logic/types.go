// Package logic contains the pure squat-counting logic.
// This package has NO I/O dependencies (no sensor, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"time"

	"github.com/pkg/errors"
)

// State represents the edge detector's position in its state machine.
type State string

const (
	StateUncalibrated State = "UNCALIBRATED"
	StateIdle         State = "IDLE"
	StateArmed        State = "ARMED"
)

// EventType represents something worth publishing.
type EventType string

const (
	EventCalibrated EventType = "CALIBRATED"
	EventArmed      EventType = "ARMED"
	EventSquat      EventType = "SQUAT"
	EventReset      EventType = "RESET"
)

// Defaults tuned for a wrist-worn barometer sampled every 10ms.
const (
	DefaultWindowSize         = 10
	DefaultAccuracy   float32 = 0.030
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("invalid detector params")

// Params are the tuning knobs of the detector.
type Params struct {
	// Number of samples in the sliding window. Must be at least 3.
	WindowSize int
	// Half-width of the band around the calibrated mean.
	Accuracy float32
	// Samples between automatic recalibrations while idle. 0 disables.
	RecalibrateEvery int
}

// DefaultParams returns the window size and accuracy the counter ships with.
func DefaultParams() Params {
	return Params{
		WindowSize: DefaultWindowSize,
		Accuracy:   DefaultAccuracy,
	}
}

// Validate reports whether p can drive a detector.
func (p Params) Validate() error {
	if p.WindowSize < 3 {
		return errors.Wrapf(ErrInvalidParams, "window size %d, need at least 3", p.WindowSize)
	}
	if p.Accuracy <= 0 {
		return errors.Wrapf(ErrInvalidParams, "accuracy %v, must be positive", p.Accuracy)
	}
	if p.RecalibrateEvery < 0 {
		return errors.Wrapf(ErrInvalidParams, "recalibrate every %d, must not be negative", p.RecalibrateEvery)
	}
	return nil
}

// Input represents a single sensor reading.
type Input struct {
	Value float32 // hPa
	Time  time.Time
}

// Calibration holds the thresholds derived from the first full window.
type Calibration struct {
	Upper      float32
	Lower      float32
	Calibrated bool
}

// Event represents a detector transition to be published.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Count     int
	State     State
	Mean      float32
	Upper     float32
	Lower     float32
}

// EventCounts tracks lifetime totals since startup. Reset does not clear them.
type EventCounts struct {
	Squats       int
	Resets       int
	Calibrations int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Count     int
	Counts    EventCounts
}
