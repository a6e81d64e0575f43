package sensor

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultInterval is the nominal barometer sampling period.
const DefaultInterval = 10 * time.Millisecond

// FeedOptions configures a PollingFeed.
type FeedOptions struct {
	Interval time.Duration
	Logger   logrus.FieldLogger
	// Now returns the sample timestamp. Defaults to time.Now.
	Now func() time.Time
	// Tick, if set, replaces the internal ticker. Used by tests.
	Tick <-chan time.Time
	// OnError is called for every failed read other than io.EOF.
	OnError func(error)
	// OnDone is called once when the reader reports io.EOF.
	OnDone func()
}

// PollingFeed polls a Reader and delivers each reading to subscribers from a
// single goroutine, so subscribers never run concurrently with each other.
type PollingFeed struct {
	reader Reader
	opts   FeedOptions
	log    logrus.FieldLogger

	mu      sync.Mutex
	subs    map[int]func(Sample)
	nextID  int
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// NewPollingFeed creates a stopped feed over reader.
func NewPollingFeed(reader Reader, opts FeedOptions) *PollingFeed {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PollingFeed{
		reader: reader,
		opts:   opts,
		log:    log.WithField("component", "feed"),
		subs:   make(map[int]func(Sample)),
	}
}

// Subscribe registers fn for every sample. The returned func removes it and
// is safe to call more than once.
func (f *PollingFeed) Subscribe(fn func(Sample)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Start begins polling. Starting a running feed is a no-op.
func (f *PollingFeed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.running {
		return nil
	}

	f.running = true
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.loop(f.stop, f.done)
	f.log.WithField("interval", f.opts.Interval).Debug("feed started")
	return nil
}

// Stop halts polling and waits for the polling goroutine to exit.
// Stopping a stopped feed is a no-op.
func (f *PollingFeed) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	stop, done := f.stop, f.done
	f.mu.Unlock()

	close(stop)
	<-done
	f.log.Debug("feed stopped")
	return nil
}

// Close stops the feed and releases the reader. Safe to call more than once.
func (f *PollingFeed) Close() error {
	if err := f.Stop(); err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.subs = make(map[int]func(Sample))
	f.mu.Unlock()

	return f.reader.Close()
}

func (f *PollingFeed) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := f.opts.Tick
	if tick == nil {
		ticker := time.NewTicker(f.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
			// A stop racing with the tick wins.
			select {
			case <-stop:
				return
			default:
			}

			v, err := f.reader.Read()
			if err == io.EOF {
				f.log.Info("sensor exhausted")
				f.mu.Lock()
				f.running = false
				f.mu.Unlock()
				if f.opts.OnDone != nil {
					f.opts.OnDone()
				}
				return
			}
			if err != nil {
				f.log.WithError(err).Warn("sensor read failed")
				if f.opts.OnError != nil {
					f.opts.OnError(err)
				}
				continue
			}
			f.dispatch(Sample{Value: v, Time: f.opts.Now()})
		}
	}
}

func (f *PollingFeed) dispatch(s Sample) {
	f.mu.Lock()
	subs := make([]func(Sample), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
