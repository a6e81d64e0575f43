package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/squat-counter/internal/logic"
	"github.com/sweeney/squat-counter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": stateOrUnknown,
	"stateClass": func(s logic.State) string {
		return strings.ToLower(stateOrUnknown(s))
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Squat Counter</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
#count { font-size: 4em; text-align: center; margin: 0.3em 0; }
.armed { color: green; font-weight: bold; }
.idle { color: #888; }
.uncalibrated { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Squat Counter<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<div id="count">{{.Count}}</div>
<form method="post" action="/reset"><button type="submit">Reset</button></form>

<h2>Detector</h2>
<table>
<tr><th>State</th><td id="state" class="{{stateClass .State}}">{{stateOrUnknown .State}}</td></tr>
<tr><th>Trimmed mean</th><td id="mean">{{printf "%.3f" .Mean}}</td></tr>
{{if .Calibration.Calibrated}}<tr><th>Upper</th><td>{{printf "%.3f" .Calibration.Upper}}</td></tr>
<tr><th>Lower</th><td>{{printf "%.3f" .Calibration.Lower}}</td></tr>{{else}}<tr><th>Calibration</th><td class="uncalibrated">collecting {{.WindowLen}}/{{.Config.WindowSize}}</td></tr>{{end}}
<tr><th>Running</th><td>{{if .Running}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Squats</th><td>{{.Counts.Squats}}</td></tr>
<tr><th>Resets</th><td>{{.Counts.Resets}}</td></tr>
<tr><th>Calibrations</th><td>{{.Counts.Calibrations}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if .Session}}<tr><th>Session</th><td>{{.Session}}</td></tr>{{end}}
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Window</th><td>{{.Config.WindowSize}} samples, accuracy {{.Config.Accuracy}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var countEl = document.getElementById("count");
  var stateEl = document.getElementById("state");
  var meanEl = document.getElementById("mean");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/live");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        countEl.textContent = msg.count;
        stateEl.textContent = msg.state;
        stateEl.className = msg.state.toLowerCase();
        meanEl.textContent = msg.mean.toFixed(3);
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func stateOrUnknown(s logic.State) string {
	if s == "" {
		return "UNKNOWN"
	}
	return string(s)
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
