package logic

import "time"

// Detector turns a stream of pressure readings into a repetition count.
//
// The first time the window fills, the trimmed mean of that window becomes
// the baseline and the thresholds are set to baseline +/- Accuracy. After
// that, a trimmed mean above Upper arms the detector and the next trimmed
// mean back inside [Lower, Upper] counts one repetition.
type Detector struct {
	params           Params
	window           *Window
	cal              Calibration
	armed            bool
	mean             float32
	count            int
	sinceCalibration int
	startTime        time.Time
	eventCounts      EventCounts
	lastHeartbeat    time.Time
}

// NewDetector creates a detector with the given params.
// The startTime is used for calculating uptime in heartbeat events.
func NewDetector(params Params, startTime time.Time) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		params:        params,
		window:        NewWindow(params.WindowSize),
		startTime:     startTime,
		lastHeartbeat: startTime,
	}, nil
}

// Process takes a new reading and returns any events that should be emitted.
// Nothing is emitted until the window is full.
func (d *Detector) Process(input Input) []Event {
	d.window.Push(input.Value)
	if !d.window.Full() {
		return nil
	}

	mean := d.window.TrimmedMean()
	d.mean = mean

	var events []Event

	if !d.cal.Calibrated {
		d.calibrate(mean)
		events = append(events, d.event(EventCalibrated, input.Time))
	} else if d.params.RecalibrateEvery > 0 {
		d.sinceCalibration++
		if d.sinceCalibration >= d.params.RecalibrateEvery && !d.armed {
			d.calibrate(mean)
			events = append(events, d.event(EventCalibrated, input.Time))
		}
	}

	switch {
	case d.armed && mean >= d.cal.Lower && mean <= d.cal.Upper:
		d.armed = false
		d.count++
		d.eventCounts.Squats++
		events = append(events, d.event(EventSquat, input.Time))
	case mean > d.cal.Upper:
		if !d.armed {
			d.armed = true
			events = append(events, d.event(EventArmed, input.Time))
		}
	}

	return events
}

func (d *Detector) calibrate(mean float32) {
	d.cal = Calibration{
		Upper:      mean + d.params.Accuracy,
		Lower:      mean - d.params.Accuracy,
		Calibrated: true,
	}
	d.sinceCalibration = 0
	d.eventCounts.Calibrations++
}

func (d *Detector) event(t EventType, ts time.Time) Event {
	return Event{
		Timestamp: ts,
		Type:      t,
		Count:     d.count,
		State:     d.State(),
		Mean:      d.mean,
		Upper:     d.cal.Upper,
		Lower:     d.cal.Lower,
	}
}

// Reset sets the count to zero. Window and calibration are kept.
func (d *Detector) Reset(now time.Time) Event {
	d.count = 0
	d.eventCounts.Resets++
	return d.event(EventReset, now)
}

// Recalibrate discards the current thresholds. The next reading processed
// with a full window sets new ones.
func (d *Detector) Recalibrate() {
	d.cal = Calibration{}
	d.armed = false
	d.sinceCalibration = 0
}

// State returns the detector's current state.
func (d *Detector) State() State {
	switch {
	case !d.cal.Calibrated:
		return StateUncalibrated
	case d.armed:
		return StateArmed
	default:
		return StateIdle
	}
}

// Count returns the repetitions counted since start or the last reset.
func (d *Detector) Count() int {
	return d.count
}

// Calibration returns the current thresholds.
func (d *Detector) Calibration() Calibration {
	return d.cal
}

// Mean returns the last computed trimmed mean, or 0 before the window fills.
func (d *Detector) Mean() float32 {
	return d.mean
}

// WindowLen returns the number of readings currently held.
func (d *Detector) WindowLen() int {
	return d.window.Len()
}

// Params returns the detector's tuning.
func (d *Detector) Params() Params {
	return d.params
}

// EventCountsSnapshot returns a copy of the lifetime event counts.
func (d *Detector) EventCountsSnapshot() EventCounts {
	return d.eventCounts
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet calibrated, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if !d.cal.Calibrated {
		return nil
	}

	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Count:     d.count,
		Counts:    d.eventCounts,
	}
}
