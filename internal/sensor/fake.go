package sensor

import (
	"sync"

	"github.com/pkg/errors"
)

// FakeReader is a test double that returns scripted pressure values.
type FakeReader struct {
	mu sync.Mutex

	// Values contains scripted readings.
	// Each call to Read() consumes the next value.
	Values []float32

	// index tracks current position in Values
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeReader creates a FakeReader with the given values.
func NewFakeReader(values ...float32) *FakeReader {
	return &FakeReader{Values: values}
}

// Read returns the next scripted value.
// If values are exhausted, returns the last value repeatedly.
func (f *FakeReader) Read() (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return 0, f.ReadError
	}

	if len(f.Values) == 0 {
		return 0, errors.New("no values configured")
	}

	v := f.Values[f.index]
	if f.index < len(f.Values)-1 {
		f.index++
	}
	return v, nil
}

// SetReadError makes subsequent reads fail with err (nil clears it).
func (f *FakeReader) SetReadError(err error) {
	f.mu.Lock()
	f.ReadError = err
	f.mu.Unlock()
}

// Close marks the reader as closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (f *FakeReader) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}

// Reset resets the reader to the beginning of values.
func (f *FakeReader) Reset() {
	f.mu.Lock()
	f.index = 0
	f.Closed = false
	f.mu.Unlock()
}

// ManualFeed is a Feed driven by the test: Push delivers a sample to every
// subscriber synchronously, but only while started.
type ManualFeed struct {
	mu      sync.Mutex
	subs    map[int]func(Sample)
	nextID  int
	started bool
	closed  bool

	// StartCalls and StopCalls count lifecycle calls.
	StartCalls int
	StopCalls  int
	CloseCalls int
}

// NewManualFeed creates an idle ManualFeed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{subs: make(map[int]func(Sample))}
}

// Start marks the feed as started.
func (m *ManualFeed) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.StartCalls++
	m.started = true
	return nil
}

// Stop marks the feed as stopped.
func (m *ManualFeed) Stop() error {
	m.mu.Lock()
	m.StopCalls++
	m.started = false
	m.mu.Unlock()
	return nil
}

// Close stops the feed for good.
func (m *ManualFeed) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.started = false
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Subscribe registers fn for pushed samples.
func (m *ManualFeed) Subscribe(fn func(Sample)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Subscribers returns the number of registered subscribers.
func (m *ManualFeed) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Push delivers s to all subscribers if the feed is started.
func (m *ManualFeed) Push(s Sample) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	subs := make([]func(Sample), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// Handlers returns the currently registered subscriber funcs. Tests hold on
// to them to simulate a sample already in flight when Stop was called.
func (m *ManualFeed) Handlers() []func(Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]func(Sample), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}
