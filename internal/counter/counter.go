// Package counter wires a logic.Detector to a sensor feed and fans its
// results out to listeners.
//
// Each sample is appended and evaluated under one mutex, so the window and
// thresholds are never seen half-updated even when the feed, the reset
// button and the HTTP server call in from different goroutines. Listeners
// are called in event order, outside that mutex, and may call Snapshot but
// must not call Reset, Stop or Close themselves.
//
// Lock order is lifecycleMu, then dispatchMu, then mu.
package counter

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/squat-counter/internal/logic"
	"github.com/sweeney/squat-counter/internal/sensor"
)

// ErrClosed is returned by operations on a closed Counter.
var ErrClosed = errors.New("counter: closed")

// State is a point-in-time view of the counter.
type State struct {
	Count       int
	State       logic.State
	Calibration logic.Calibration
	Mean        float32
	WindowLen   int
	Running     bool
	Counts      logic.EventCounts
	Params      logic.Params
}

// Option configures a Counter.
type Option func(*Counter)

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Counter) { c.log = log }
}

// WithClock sets the clock used for reset timestamps and heartbeat uptime.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// WithSampleObserver registers fn to be called after every processed sample
// with the trimmed mean and detector state.
func WithSampleObserver(fn func(mean float32, state logic.State)) Option {
	return func(c *Counter) { c.observe = fn }
}

// Counter counts repetitions from a sensor feed.
type Counter struct {
	feed    sensor.Feed
	log     logrus.FieldLogger
	now     func() time.Time
	observe func(mean float32, state logic.State)

	// lifecycleMu is held for the whole of Start, Stop and Close.
	lifecycleMu sync.Mutex

	mu          sync.Mutex
	detector    *logic.Detector
	unsubscribe func()
	running     bool
	closed      bool

	// dispatchMu serialises listener calls so they see events in order.
	dispatchMu sync.Mutex

	listenersMu    sync.Mutex
	nextID         int
	countListeners map[int]func(int)
	eventListeners map[int]func(logic.Event)
}

// New creates a stopped Counter reading from feed. The Counter owns feed
// and closes it on Close.
func New(feed sensor.Feed, params logic.Params, opts ...Option) (*Counter, error) {
	c := &Counter{
		feed:           feed,
		log:            logrus.StandardLogger(),
		now:            time.Now,
		countListeners: make(map[int]func(int)),
		eventListeners: make(map[int]func(logic.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "counter")

	d, err := logic.NewDetector(params, c.now())
	if err != nil {
		return nil, errors.Wrap(err, "create detector")
	}
	c.detector = d
	return c, nil
}

// Start subscribes to the feed and starts it. Starting a running counter is
// a no-op.
func (c *Counter) Start() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.running {
		return nil
	}

	c.unsubscribe = c.feed.Subscribe(c.handleSample)
	if err := c.feed.Start(); err != nil {
		c.unsubscribe()
		c.unsubscribe = nil
		return errors.Wrap(err, "start feed")
	}
	c.running = true
	c.log.Info("counting started")
	return nil
}

// Stop unsubscribes from the feed and stops it. Samples that arrive after
// Stop returns are dropped. Stopping a stopped counter is a no-op.
func (c *Counter) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stop()
}

// stop must be called with lifecycleMu held.
func (c *Counter) stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	// The feed may be blocked delivering to handleSample, which needs
	// dispatchMu and mu.
	unsubscribe()
	if err := c.feed.Stop(); err != nil {
		return errors.Wrap(err, "stop feed")
	}
	c.log.Info("counting stopped")
	return nil
}

// Reset sets the count to zero and notifies listeners. Calibration and the
// window are kept.
func (c *Counter) Reset() error {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e := c.detector.Reset(c.now())
	c.mu.Unlock()

	c.log.Info("count reset")
	c.notify([]logic.Event{e})
	return nil
}

// Recalibrate discards the thresholds; the next full window sets new ones.
func (c *Counter) Recalibrate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.detector.Recalibrate()
	c.log.Info("recalibration requested")
	return nil
}

// Close stops counting, closes the feed and drops all listeners. No
// notification is delivered after Close returns. Safe to call more than once.
func (c *Counter) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if err := c.stop(); err != nil {
		c.log.WithError(err).Warn("stop during close")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Wait for any dispatch that started before closed was set.
	c.dispatchMu.Lock()
	c.listenersMu.Lock()
	c.countListeners = make(map[int]func(int))
	c.eventListeners = make(map[int]func(logic.Event))
	c.listenersMu.Unlock()
	c.dispatchMu.Unlock()

	if err := c.feed.Close(); err != nil {
		return errors.Wrap(err, "close feed")
	}
	c.log.Info("counter closed")
	return nil
}

// OnCountChanged registers fn to be called with the new count after every
// repetition and every reset. The returned func removes it.
func (c *Counter) OnCountChanged(fn func(int)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.countListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.countListeners, id)
		c.listenersMu.Unlock()
	}
}

// OnEvent registers fn for every detector event. The returned func removes it.
func (c *Counter) OnEvent(fn func(logic.Event)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.eventListeners[id] = fn
	return func() {
		c.listenersMu.Lock()
		delete(c.eventListeners, id)
		c.listenersMu.Unlock()
	}
}

// Snapshot returns the current counter state.
func (c *Counter) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		Count:       c.detector.Count(),
		State:       c.detector.State(),
		Calibration: c.detector.Calibration(),
		Mean:        c.detector.Mean(),
		WindowLen:   c.detector.WindowLen(),
		Running:     c.running,
		Counts:      c.detector.EventCountsSnapshot(),
		Params:      c.detector.Params(),
	}
}

// CheckHeartbeat forwards to the detector under the counter lock.
func (c *Counter) CheckHeartbeat(now time.Time, interval time.Duration) *logic.HeartbeatData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detector.CheckHeartbeat(now, interval)
}

func (c *Counter) handleSample(s sensor.Sample) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	if !c.running || c.closed {
		c.mu.Unlock()
		return
	}
	events := c.detector.Process(logic.Input{Value: s.Value, Time: s.Time})
	mean, state := c.detector.Mean(), c.detector.State()
	c.mu.Unlock()

	if c.observe != nil {
		c.safeCall(func() { c.observe(mean, state) })
	}
	for _, e := range events {
		c.log.WithFields(logrus.Fields{
			"event": e.Type,
			"count": e.Count,
			"state": e.State,
			"mean":  e.Mean,
		}).Debug("detector event")
	}
	if len(events) > 0 {
		c.notify(events)
	}
}

// notify must be called with dispatchMu held.
func (c *Counter) notify(events []logic.Event) {
	c.listenersMu.Lock()
	countFns := make([]func(int), 0, len(c.countListeners))
	for _, fn := range c.countListeners {
		countFns = append(countFns, fn)
	}
	eventFns := make([]func(logic.Event), 0, len(c.eventListeners))
	for _, fn := range c.eventListeners {
		eventFns = append(eventFns, fn)
	}
	c.listenersMu.Unlock()

	for _, e := range events {
		for _, fn := range eventFns {
			c.safeCall(func() { fn(e) })
		}
		if e.Type != logic.EventSquat && e.Type != logic.EventReset {
			continue
		}
		for _, fn := range countFns {
			c.safeCall(func() { fn(e.Count) })
		}
	}
}

func (c *Counter) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("listener panicked")
		}
	}()
	fn()
}
