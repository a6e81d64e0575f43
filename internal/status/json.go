package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	State         string       `json:"state"`
	Count         int          `json:"count"`
	Ready         bool         `json:"ready"`
	Running       bool         `json:"running"`
	Mean          float32      `json:"mean"`
	Upper         *float32     `json:"upper,omitempty"`
	Lower         *float32     `json:"lower,omitempty"`
	Window        WindowJSON   `json:"window"`
	Session       string       `json:"session,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// WindowJSON reports how full the sample window is.
type WindowJSON struct {
	Len  int `json:"len"`
	Size int `json:"size"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of lifetime event counts.
type CountsJSON struct {
	Squats       int `json:"squats"`
	Resets       int `json:"resets"`
	Calibrations int `json:"calibrations"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs           int64   `json:"poll_ms"`
	WindowSize       int     `json:"window_size"`
	Accuracy         float32 `json:"accuracy"`
	RecalibrateEvery int     `json:"recalibrate_every"`
	HeartbeatMs      int64   `json:"heartbeat_ms"`
	Broker           string  `json:"broker"`
	HTTPAddr         string  `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	state := string(snap.State)
	if state == "" {
		state = "UNKNOWN"
	}

	inner := StatusInner{
		State:         state,
		Count:         snap.Count,
		Ready:         snap.Calibration.Calibrated,
		Running:       snap.Running,
		Mean:          snap.Mean,
		Window:        WindowJSON{Len: snap.WindowLen, Size: snap.Config.WindowSize},
		Session:       snap.Session,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Squats:       snap.Counts.Squats,
			Resets:       snap.Counts.Resets,
			Calibrations: snap.Counts.Calibrations,
		},
		Config: ConfigJSON{
			PollMs:           snap.Config.PollMs,
			WindowSize:       snap.Config.WindowSize,
			Accuracy:         snap.Config.Accuracy,
			RecalibrateEvery: snap.Config.RecalibrateEvery,
			HeartbeatMs:      snap.Config.HeartbeatMs,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
	}
	if snap.Calibration.Calibrated {
		upper, lower := snap.Calibration.Upper, snap.Calibration.Lower
		inner.Upper = &upper
		inner.Lower = &lower
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
