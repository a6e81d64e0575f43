// Package status provides a thread-safe status tracker for the squat-counter daemon.
// It is read by the HTTP handlers and used to build MQTT lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/squat-counter/internal/counter"
	"github.com/sweeney/squat-counter/internal/logic"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs           int64
	WindowSize       int
	Accuracy         float32
	RecalibrateEvery int
	HeartbeatMs      int64
	Broker           string
	HTTPAddr         string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	State         logic.State
	Count         int
	Calibration   logic.Calibration
	Mean          float32
	WindowLen     int
	Running       bool
	Counts        logic.EventCounts
	Session       string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time, session id and config.
func NewTracker(startTime time.Time, session string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			State:     logic.StateUncalibrated,
			Session:   session,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Update copies the counter state into the tracker.
func (t *Tracker) Update(s counter.State) {
	t.mu.Lock()
	t.snap.State = s.State
	t.snap.Count = s.Count
	t.snap.Calibration = s.Calibration
	t.snap.Mean = s.Mean
	t.snap.WindowLen = s.WindowLen
	t.snap.Running = s.Running
	t.snap.Counts = s.Counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
