// Command squat-counter reads a barometric pressure sensor, counts squats from
// pressure excursions and publishes the results to MQTT and a status page.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/squat-counter/internal/config"
	"github.com/sweeney/squat-counter/internal/counter"
	"github.com/sweeney/squat-counter/internal/gpio"
	"github.com/sweeney/squat-counter/internal/logger"
	"github.com/sweeney/squat-counter/internal/logic"
	"github.com/sweeney/squat-counter/internal/metrics"
	"github.com/sweeney/squat-counter/internal/mqtt"
	"github.com/sweeney/squat-counter/internal/sensor"
	"github.com/sweeney/squat-counter/internal/status"
	"github.com/sweeney/squat-counter/internal/web"
)

// statusInterval is how often the loop polls the reset button and refreshes
// the status tracker.
const statusInterval = 100 * time.Millisecond

type cliOptions struct {
	printSample bool
}

func main() {
	cfg, opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "squat-counter: %v\n", err)
		os.Exit(2)
	}
	os.Exit(execute(cfg, opts))
}

// execute builds the configured logger, runs the daemon and returns the
// process exit code. Errors from run go through the configured logger and
// the log file is closed before returning.
func execute(cfg config.Config, opts cliOptions) int {
	base, logCloser, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "squat-counter: init logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	if err := run(cfg, opts, base); err != nil {
		base.WithError(err).Error("fatal")
		return 1
	}
	return 0
}

// parseArgs loads the config file named by --config and applies any flags
// that were set explicitly on top of it.
func parseArgs(args []string) (config.Config, cliOptions, error) {
	def := config.Default()
	fs := flag.NewFlagSet("squat-counter", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML config file")
	device := fs.String("device", def.Sensor.Device, "IIO pressure sensor sysfs directory")
	replay := fs.String("replay", "", "Read samples from a trace file instead of the sensor")
	poll := fs.Duration("poll", def.Sensor.Interval, "Sensor polling interval")
	window := fs.Int("window", def.Detector.WindowSize, "Samples in the sliding window")
	accuracy := fs.Float64("accuracy", float64(def.Detector.Accuracy), "Threshold distance from the calibrated mean (hPa)")
	recalibrate := fs.Int("recalibrate-every", 0, "Recalibrate after this many idle samples (0 disables)")
	broker := fs.String("broker", def.MQTT.Broker, "MQTT broker address (empty to disable)")
	heartbeat := fs.Duration("heartbeat", def.Heartbeat, "Heartbeat interval (0 to disable)")
	httpAddr := fs.String("http", def.HTTPAddr, "HTTP status address (empty to disable)")
	pinReset := fs.Int("pin-reset", def.ResetPin, "BCM pin number for the reset button (-1 to disable)")
	logLevel := fs.String("log-level", def.Log.Level, "Log level")
	logFile := fs.String("log-file", "", "Also log to this file, rotated")
	printSample := fs.Bool("print-sample", false, "Print one sensor reading and exit")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, cliOptions{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, cliOptions{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Sensor.Device = *device
		case "replay":
			cfg.Sensor.Replay = *replay
		case "poll":
			cfg.Sensor.Interval = *poll
		case "window":
			cfg.Detector.WindowSize = *window
		case "accuracy":
			cfg.Detector.Accuracy = float32(*accuracy)
		case "recalibrate-every":
			cfg.Detector.RecalibrateEvery = *recalibrate
		case "broker":
			cfg.MQTT.Broker = *broker
		case "heartbeat":
			cfg.Heartbeat = *heartbeat
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "pin-reset":
			cfg.ResetPin = *pinReset
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, cliOptions{}, err
	}
	return cfg, cliOptions{printSample: *printSample}, nil
}

func run(cfg config.Config, opts cliOptions, base *logrus.Logger) error {
	reader, err := openReader(cfg.Sensor)
	if err != nil {
		return err
	}

	if opts.printSample {
		defer reader.Close()
		v, err := reader.Read()
		if err != nil {
			return errors.Wrap(err, "read sensor")
		}
		fmt.Printf("pressure: %.3f hPa\n", v)
		return nil
	}

	session := uuid.NewString()
	startTime := time.Now()
	log := base.WithField("session", session)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher, mqttStatus, err := newPublisher(cfg.MQTT, session, log, m)
	if err != nil {
		reader.Close()
		return err
	}
	defer publisher.Close()

	var doneOnce sync.Once
	feedDone := make(chan struct{})
	feed := sensor.NewPollingFeed(reader, sensor.FeedOptions{
		Interval: cfg.Sensor.Interval,
		Logger:   log,
		OnError:  func(error) { m.ObserveReadError() },
		OnDone:   func() { doneOnce.Do(func() { close(feedDone) }) },
	})

	ctr, err := counter.New(feed, cfg.Params(),
		counter.WithLogger(log),
		counter.WithSampleObserver(m.ObserveSample),
	)
	if err != nil {
		feed.Close()
		return errors.Wrap(err, "init counter")
	}
	defer ctr.Close()

	tracker := status.NewTracker(startTime, session, status.Config{
		PollMs:           cfg.Sensor.Interval.Milliseconds(),
		WindowSize:       cfg.Detector.WindowSize,
		Accuracy:         cfg.Detector.Accuracy,
		RecalibrateEvery: cfg.Detector.RecalibrateEvery,
		HeartbeatMs:      cfg.Heartbeat.Milliseconds(),
		Broker:           cfg.MQTT.Broker,
		HTTPAddr:         cfg.HTTPAddr,
	})
	network := envNetworkSource(cfg.EnvFile)
	if net := network(); net != nil {
		tracker.SetNetwork(net)
	}

	hub := web.NewHub(log, func() web.LiveMessage {
		snap := tracker.Snapshot()
		return web.LiveMessage{
			Timestamp: snap.Now.UTC().Format(time.RFC3339),
			Event:     "SNAPSHOT",
			Count:     snap.Count,
			State:     string(snap.State),
			Mean:      snap.Mean,
		}
	})
	defer hub.Close()

	wireListeners(ctr, publisher, tracker, m, hub, log)

	var button *gpio.Button
	if cfg.ResetPin >= 0 {
		r, err := gpio.NewRealReader(cfg.ResetPin)
		if err != nil {
			log.WithError(err).WithField("pin", cfg.ResetPin).Warn("reset button unavailable")
		} else {
			button = gpio.NewButton(r)
			defer button.Close()
		}
	}

	// Publish startup event with full status snapshot
	tracker.SetMQTTConnected(mqttStatus.IsConnected())
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.WithError(err).Warn("failed to publish startup event")
	} else {
		log.Info("published startup event")
	}

	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, web.Options{
			Reset:    ctr.Reset,
			Gatherer: reg,
			Hub:      hub,
			Logger:   log,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http server error")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.WithField("addr", cfg.HTTPAddr).Info("http status server listening")
	}

	if err := ctr.Start(); err != nil {
		return errors.Wrap(err, "start counter")
	}

	log.WithFields(logrus.Fields{
		"poll":      cfg.Sensor.Interval,
		"window":    cfg.Detector.WindowSize,
		"accuracy":  cfg.Detector.Accuracy,
		"broker":    cfg.MQTT.Broker,
		"heartbeat": cfg.Heartbeat,
	}).Info("started")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	l := &loop{
		counter:    ctr,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		tracker:    tracker,
		button:     button,
		network:    network,
		heartbeat:  cfg.Heartbeat,
		now:        time.Now,
		log:        log,
	}
	return l.run(ticker.C, sigCh, feedDone)
}

func openReader(cfg config.SensorConfig) (sensor.Reader, error) {
	if cfg.Replay != "" {
		r, err := sensor.OpenReplay(cfg.Replay)
		if err != nil {
			return nil, errors.Wrap(err, "open replay")
		}
		return r, nil
	}
	r, err := sensor.Open(cfg.Device)
	if errors.Is(err, sensor.ErrUnsupported) {
		return nil, errors.Wrapf(err, "no pressure sensor at %s (use --replay for a trace file)", cfg.Device)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open sensor")
	}
	return r, nil
}

func newPublisher(cfg config.MQTTConfig, session string, log logrus.FieldLogger, m *metrics.Metrics) (mqtt.Publisher, mqtt.ConnectionStatus, error) {
	if cfg.Broker == "" {
		log.Info("mqtt disabled")
		return mqtt.NopPublisher{}, mqtt.NopPublisher{}, nil
	}
	p, err := mqtt.NewRealPublisher(mqtt.Options{
		Broker:     cfg.Broker,
		ClientID:   cfg.ClientID,
		Session:    session,
		BufferSize: cfg.BufferSize,
		Logger:     log,
		OnPublish:  m.ObservePublish,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "init mqtt")
	}
	return p, p, nil
}

// wireListeners fans detector events out to metrics, the live stream, MQTT
// and the status tracker.
func wireListeners(ctr *counter.Counter, publisher mqtt.Publisher, tracker *status.Tracker, m *metrics.Metrics, hub *web.Hub, log logrus.FieldLogger) {
	ctr.OnEvent(func(e logic.Event) {
		m.ObserveEvent(e)
		if hub != nil {
			hub.Broadcast(e)
		}
		if err := publisher.Publish(e); err != nil {
			log.WithError(err).WithField("event", e.Type).Warn("publish error")
		}
		tracker.Update(ctr.Snapshot())
	})
	ctr.OnCountChanged(func(n int) {
		log.WithField("count", n).Info("count changed")
	})
}

// loop owns the daemon's periodic work: the reset button, status refresh,
// heartbeats and shutdown.
type loop struct {
	counter    *counter.Counter
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	button     *gpio.Button
	network    func() *status.NetworkInfo
	heartbeat  time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

// run blocks until a signal arrives or the feed reports it is exhausted.
func (l *loop) run(tick <-chan time.Time, sig <-chan os.Signal, done <-chan struct{}) error {
	for {
		select {
		case s := <-sig:
			l.log.WithField("signal", s).Info("shutting down")
			l.shutdown(signalName(s))
			return nil

		case <-done:
			l.log.Info("sensor feed finished, shutting down")
			l.shutdown("FEED_END")
			return nil

		case <-tick:
			t := l.now()
			l.pollButton()
			l.refresh()

			if hb := l.counter.CheckHeartbeat(t, l.heartbeat); hb != nil {
				l.log.WithFields(logrus.Fields{
					"uptime":       hb.Uptime,
					"count":        hb.Count,
					"squats":       hb.Counts.Squats,
					"resets":       hb.Counts.Resets,
					"calibrations": hb.Counts.Calibrations,
				}).Info("heartbeat")

				if l.network != nil {
					if net := l.network(); net != nil {
						l.tracker.SetNetwork(net)
					}
				}
				snap := l.tracker.Snapshot()
				hbEvent := mqtt.SystemEvent{
					Timestamp:  hb.Timestamp,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
				}
				if err := l.publisher.PublishSystem(hbEvent); err != nil {
					l.log.WithError(err).Warn("heartbeat publish error")
				}
			}
		}
	}
}

func (l *loop) pollButton() {
	if l.button == nil {
		return
	}
	pressed, err := l.button.Poll()
	if err != nil {
		l.log.WithError(err).Debug("reset button read error")
		return
	}
	if !pressed {
		return
	}
	l.log.Info("reset button pressed")
	if err := l.counter.Reset(); err != nil {
		l.log.WithError(err).Warn("reset failed")
	}
}

func (l *loop) refresh() {
	l.tracker.Update(l.counter.Snapshot())
	if l.mqttStatus != nil {
		l.tracker.SetMQTTConnected(l.mqttStatus.IsConnected())
	}
}

func (l *loop) shutdown(reason string) {
	if err := l.counter.Stop(); err != nil {
		l.log.WithError(err).Warn("stop counter")
	}
	l.refresh()
	snap := l.tracker.Snapshot()
	event := mqtt.SystemEvent{
		Timestamp:  l.now(),
		Event:      "SHUTDOWN",
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", reason),
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		l.log.WithError(err).Warn("failed to publish shutdown event")
	} else {
		l.log.Info("published shutdown event")
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

// envNetworkSource returns a func that reads network info from the pi-helper
// env file, falling back to the process environment. pi-helper rewrites the
// file as the network changes, so it is re-read on every call.
func envNetworkSource(path string) func() *status.NetworkInfo {
	return func() *status.NetworkInfo {
		env := map[string]string{}
		if path != "" {
			if m, err := godotenv.Read(path); err == nil {
				env = m
			}
		}
		return readNetworkInfo(func(key string) string {
			if v, ok := env[key]; ok {
				return v
			}
			return os.Getenv(key)
		})
	}
}

func readNetworkInfo(getenv func(string) string) *status.NetworkInfo {
	s := getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       getenv(envNetworkType),
		IP:         getenv(envNetworkIP),
		Status:     s,
		Gateway:    getenv(envNetworkGateway),
		WifiStatus: getenv(envNetworkWifiStatus),
		SSID:       getenv(envNetworkWifiSSID),
	}
}
