package counter

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/squat-counter/internal/logic"
	"github.com/sweeney/squat-counter/internal/sensor"
)

var testStart = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	feed   *sensor.ManualFeed
	c      *Counter
	n      int
	mu     sync.Mutex
	counts []int
	events []logic.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, _ := test.NewNullLogger()
	h := &harness{t: t, feed: sensor.NewManualFeed()}

	c, err := New(h.feed, logic.DefaultParams(),
		WithLogger(log),
		WithClock(func() time.Time { return testStart }))
	require.NoError(t, err)
	h.c = c

	c.OnCountChanged(func(n int) {
		h.mu.Lock()
		h.counts = append(h.counts, n)
		h.mu.Unlock()
	})
	c.OnEvent(func(e logic.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) push(values ...float32) {
	for _, v := range values {
		h.feed.Push(sensor.Sample{Value: v, Time: testStart.Add(time.Duration(h.n) * 10 * time.Millisecond)})
		h.n++
	}
}

func (h *harness) countsSeen() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.counts...)
}

func (h *harness) eventTypes() []logic.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]logic.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func repeat(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// squat pushes one full excursion and return to baseline.
func (h *harness) squat() {
	h.push(repeat(1.5, logic.DefaultWindowSize)...)
	h.push(repeat(1.0, logic.DefaultWindowSize)...)
}

func TestNewInvalidParams(t *testing.T) {
	_, err := New(sensor.NewManualFeed(), logic.Params{WindowSize: 1, Accuracy: 0.03})
	require.Error(t, err)
	assert.ErrorIs(t, err, logic.ErrInvalidParams)
}

func TestCountsSquats(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())

	h.push(repeat(1.0, logic.DefaultWindowSize)...)
	h.squat()
	h.squat()

	assert.Equal(t, []int{1, 2}, h.countsSeen())
	assert.Equal(t, []logic.EventType{
		logic.EventCalibrated,
		logic.EventArmed, logic.EventSquat,
		logic.EventArmed, logic.EventSquat,
	}, h.eventTypes())

	snap := h.c.Snapshot()
	assert.Equal(t, 2, snap.Count)
	assert.Equal(t, logic.StateIdle, snap.State)
	assert.True(t, snap.Calibration.Calibrated)
	assert.True(t, snap.Running)
	assert.Equal(t, logic.DefaultWindowSize, snap.WindowLen)
}

func TestNothingCountedBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.push(repeat(1.0, 30)...)

	assert.Equal(t, 0, h.c.Snapshot().WindowLen)
	assert.Equal(t, 0, h.feed.Subscribers())
}

func TestDoubleStartSubscribesOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())
	require.NoError(t, h.c.Start())

	assert.Equal(t, 1, h.feed.Subscribers())
	assert.Equal(t, 1, h.feed.StartCalls)

	h.push(repeat(1.0, logic.DefaultWindowSize)...)
	h.squat()
	assert.Equal(t, []int{1}, h.countsSeen(), "a duplicate subscription would double count")
}

func TestStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Stop(), "stop before start is a no-op")
	assert.Equal(t, 0, h.feed.StopCalls)

	require.NoError(t, h.c.Start())
	h.push(repeat(1.0, logic.DefaultWindowSize)...)

	handlers := h.feed.Handlers()
	require.Len(t, handlers, 1)

	require.NoError(t, h.c.Stop())
	assert.Equal(t, 0, h.feed.Subscribers())
	assert.False(t, h.c.Snapshot().Running)

	// A sample already in flight when Stop ran is dropped.
	for _, v := range repeat(1.5, logic.DefaultWindowSize) {
		handlers[0](sensor.Sample{Value: v, Time: testStart})
	}
	assert.Equal(t, logic.StateIdle, h.c.Snapshot().State)

	// Restart keeps window and calibration.
	require.NoError(t, h.c.Start())
	h.squat()
	assert.Equal(t, []int{1}, h.countsSeen())
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())
	h.push(repeat(1.0, logic.DefaultWindowSize)...)
	h.squat()
	cal := h.c.Snapshot().Calibration

	require.NoError(t, h.c.Reset())

	assert.Equal(t, []int{1, 0}, h.countsSeen())
	snap := h.c.Snapshot()
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, cal, snap.Calibration)
	assert.Equal(t, 1, snap.Counts.Resets)

	h.squat()
	assert.Equal(t, []int{1, 0, 1}, h.countsSeen())
}

func TestResetWhileStopped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Reset())
	assert.Equal(t, []int{0}, h.countsSeen())
}

func TestRecalibrate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())
	h.push(repeat(1.0, logic.DefaultWindowSize)...)

	// The user's baseline drifts up and stays there.
	h.push(repeat(1.2, logic.DefaultWindowSize)...)
	require.Equal(t, logic.StateArmed, h.c.Snapshot().State)

	require.NoError(t, h.c.Recalibrate())
	assert.Equal(t, logic.StateUncalibrated, h.c.Snapshot().State)

	h.push(1.2)
	snap := h.c.Snapshot()
	assert.Equal(t, logic.StateIdle, snap.State)
	assert.InDelta(t, 1.23, snap.Calibration.Upper, 1e-5)
	assert.InDelta(t, 1.17, snap.Calibration.Lower, 1e-5)
	assert.Empty(t, h.countsSeen())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())
	h.push(repeat(1.0, logic.DefaultWindowSize)...)

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())
	assert.Equal(t, 1, h.feed.CloseCalls)

	before := h.countsSeen()
	h.squat()
	assert.ErrorIs(t, h.c.Reset(), ErrClosed)
	assert.ErrorIs(t, h.c.Start(), ErrClosed)
	assert.ErrorIs(t, h.c.Recalibrate(), ErrClosed)
	assert.Equal(t, before, h.countsSeen(), "no notifications after close")
}

func TestUnsubscribeListener(t *testing.T) {
	h := newHarness(t)
	var got []int
	cancel := h.c.OnCountChanged(func(n int) { got = append(got, n) })

	require.NoError(t, h.c.Reset())
	cancel()
	require.NoError(t, h.c.Reset())

	assert.Equal(t, []int{0}, got)
}

func TestListenerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.c.OnCountChanged(func(int) { panic("boom") })

	require.NoError(t, h.c.Reset())
	assert.Equal(t, []int{0}, h.countsSeen(), "other listeners still notified")
}

func TestListenerMayReadSnapshot(t *testing.T) {
	h := newHarness(t)
	var seen int
	h.c.OnCountChanged(func(int) { seen = h.c.Snapshot().Count })
	require.NoError(t, h.c.Start())

	h.push(repeat(1.0, logic.DefaultWindowSize)...)
	h.squat()
	assert.Equal(t, 1, seen)
}

func waitFor(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not finish", what)
	}
}

func TestSnapshotFromListenerDuringReset(t *testing.T) {
	h := newHarness(t)
	delivering := make(chan struct{})
	var once sync.Once
	h.c.OnEvent(func(logic.Event) {
		once.Do(func() { close(delivering) })
		time.Sleep(20 * time.Millisecond)
		h.c.Snapshot()
	})
	require.NoError(t, h.c.Start())

	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		h.push(repeat(1.0, logic.DefaultWindowSize)...)
	}()

	<-delivering
	reset := make(chan struct{})
	go func() {
		defer close(reset)
		assert.NoError(t, h.c.Reset())
	}()

	waitFor(t, pushed, "sample delivery")
	waitFor(t, reset, "reset")
	assert.Equal(t, []logic.EventType{logic.EventCalibrated, logic.EventReset}, h.eventTypes())
}

// gatedFeed blocks its first Stop until release is closed.
type gatedFeed struct {
	*sensor.ManualFeed
	stopping chan struct{}
	release  chan struct{}
	gated    bool
}

func (g *gatedFeed) Stop() error {
	if !g.gated {
		g.gated = true
		close(g.stopping)
		<-g.release
	}
	return g.ManualFeed.Stop()
}

func TestStartWaitsForStop(t *testing.T) {
	feed := &gatedFeed{
		ManualFeed: sensor.NewManualFeed(),
		stopping:   make(chan struct{}),
		release:    make(chan struct{}),
	}
	log, _ := test.NewNullLogger()
	c, err := New(feed, logic.DefaultParams(), WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, c.Start())

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, c.Stop())
	}()
	<-feed.stopping

	started := make(chan struct{})
	go func() {
		defer close(started)
		assert.NoError(t, c.Start())
	}()

	select {
	case <-started:
		t.Fatal("Start returned while Stop was still stopping the feed")
	case <-time.After(50 * time.Millisecond):
	}

	close(feed.release)
	waitFor(t, stopped, "stop")
	waitFor(t, started, "start")

	assert.True(t, c.Snapshot().Running)
	assert.Equal(t, 1, feed.Subscribers())
	for i := 0; i < 3; i++ {
		feed.Push(sensor.Sample{Value: 1.0, Time: testStart})
	}
	assert.Equal(t, 3, c.Snapshot().WindowLen, "restarted feed delivers samples")
	require.NoError(t, c.Close())
}

func TestCheckHeartbeat(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())
	assert.Nil(t, h.c.CheckHeartbeat(testStart.Add(time.Hour), time.Minute), "not calibrated")

	h.push(repeat(1.0, logic.DefaultWindowSize)...)
	h.squat()
	hb := h.c.CheckHeartbeat(testStart.Add(time.Hour), time.Minute)
	require.NotNil(t, hb)
	assert.Equal(t, 1, hb.Count)
	assert.Equal(t, time.Hour, hb.Uptime)
}

func TestConcurrentResetAndSamples(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.Start())
	h.push(repeat(1.0, logic.DefaultWindowSize)...)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			h.squat()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			h.c.Reset()
		}
	}()
	wg.Wait()

	snap := h.c.Snapshot()
	assert.Equal(t, 20, snap.Counts.Squats)
	assert.Equal(t, 20, snap.Counts.Resets)
}

func TestSampleObserver(t *testing.T) {
	feed := sensor.NewManualFeed()
	var means []float32
	var states []logic.State
	c, err := New(feed, logic.Params{WindowSize: 3, Accuracy: 0.03},
		WithSampleObserver(func(mean float32, state logic.State) {
			means = append(means, mean)
			states = append(states, state)
		}))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Close()

	for _, v := range []float32{1, 1, 1, 2} {
		feed.Push(sensor.Sample{Value: v, Time: testStart})
	}

	assert.Equal(t, []float32{0, 0, 1, 1}, means)
	assert.Equal(t, []logic.State{
		logic.StateUncalibrated, logic.StateUncalibrated, logic.StateIdle, logic.StateIdle,
	}, states)
}
