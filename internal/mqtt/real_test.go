package mqtt

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus/hooks/test"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakeClient implements the subset of paho.Client the publisher uses.
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	open         bool
	failPublish  error
	published    []published
	disconnected bool
	// afterPublish, if set, runs once after the next successful publish.
	afterPublish func()
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	if c.failPublish != nil {
		c.mu.Unlock()
		return doneToken{err: c.failPublish}
	}
	c.published = append(c.published, published{topic, qos, retained, string(payload.([]byte))})
	hook := c.afterPublish
	c.afterPublish = nil
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return doneToken{}
}

func (c *fakeClient) setFailPublish(err error) {
	c.mu.Lock()
	c.failPublish = err
	c.mu.Unlock()
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func newTestPublisher(client *fakeClient, onPublish func(error)) *RealPublisher {
	logger, _ := test.NewNullLogger()
	return newPublisher(client, Options{
		Session:    "s1",
		BufferSize: 3,
		Logger:     logger,
		Now:        func() time.Time { return time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC) },
		OnPublish:  onPublish,
	})
}

func TestRealPublisherPublishesWhenConnected(t *testing.T) {
	client := &fakeClient{open: true}
	var results []error
	p := newTestPublisher(client, func(err error) { results = append(results, err) })

	if err := p.Publish(squatEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.PublishSystem(SystemEvent{Event: "STARTUP", Timestamp: time.Now(), Retained: true}); err != nil {
		t.Fatalf("publish system: %v", err)
	}

	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].topic != Topic || msgs[0].qos != 0 || msgs[0].retained {
		t.Errorf("event message: %+v", msgs[0])
	}
	if msgs[1].topic != TopicSystem || msgs[1].qos != 1 || !msgs[1].retained {
		t.Errorf("system message: %+v", msgs[1])
	}
	if len(results) != 2 || results[0] != nil || results[1] != nil {
		t.Errorf("unexpected publish results: %v", results)
	}
}

func TestRealPublisherBuffersWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client, nil)

	for i := 0; i < 2; i++ {
		if err := p.Publish(squatEvent()); err != nil {
			t.Fatalf("publish while disconnected should not fail: %v", err)
		}
	}
	if len(client.messages()) != 0 {
		t.Fatal("nothing should reach the broker while disconnected")
	}
	if p.Buffered() != 2 {
		t.Fatalf("expected 2 buffered, got %d", p.Buffered())
	}

	// First connect replays without announcing a reconnect.
	client.setOpen(true)
	p.handleConnect()

	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 replayed messages, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.topic != Topic {
			t.Errorf("unexpected replay topic %s", m.topic)
		}
	}
	if p.Buffered() != 0 {
		t.Errorf("buffer should be empty, got %d", p.Buffered())
	}
}

func TestRealPublisherAnnouncesReconnect(t *testing.T) {
	client := &fakeClient{open: true}
	p := newTestPublisher(client, nil)
	p.handleConnect()

	client.setOpen(false)
	p.Publish(squatEvent())
	client.setOpen(true)
	p.handleConnect()

	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected reconnect event and replay, got %d", len(msgs))
	}
	want := `{"system":{"timestamp":"2026-02-10T14:30:00Z","event":"RECONNECTED"}}`
	if msgs[0].topic != TopicSystem || msgs[0].payload != want {
		t.Errorf("first message should announce reconnect, got %+v", msgs[0])
	}
	if msgs[1].topic != Topic {
		t.Errorf("second message should be the replayed event, got %s", msgs[1].topic)
	}
}

func TestRealPublisherBufferDropsOldest(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client, nil)

	for i := 1; i <= 5; i++ {
		e := squatEvent()
		e.Count = i
		p.Publish(e)
	}
	if p.Buffered() != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", p.Buffered())
	}
	if p.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", p.Dropped())
	}

	client.setOpen(true)
	p.handleConnect()
	msgs := client.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 replayed, got %d", len(msgs))
	}
	if want := `"count":3`; !strings.Contains(msgs[0].payload, want) {
		t.Errorf("oldest surviving message should have %s, got %s", want, msgs[0].payload)
	}
}

func publishCount(t *testing.T, p *RealPublisher, n int) {
	t.Helper()
	e := squatEvent()
	e.Count = n
	if err := p.Publish(e); err != nil {
		t.Fatalf("publish count %d: %v", n, err)
	}
}

func eventCounts(msgs []published) []string {
	var out []string
	for _, m := range msgs {
		if m.topic != Topic {
			continue
		}
		i := strings.Index(m.payload, `"count":`)
		j := strings.Index(m.payload[i:], ",")
		out = append(out, m.payload[i+len(`"count":`):i+j])
	}
	return out
}

func TestRealPublisherReplayKeepsOrderWithLiveTraffic(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client, nil)
	for i := 1; i <= 3; i++ {
		publishCount(t, p, i)
	}

	client.setOpen(true)
	client.afterPublish = func() { publishCount(t, p, 4) }
	p.handleConnect()

	if got, want := strings.Join(eventCounts(client.messages()), ","), "1,2,3,4"; got != want {
		t.Errorf("broker order: got %s, want %s", got, want)
	}
	if p.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d", p.Buffered())
	}

	publishCount(t, p, 5)
	if got := eventCounts(client.messages()); got[len(got)-1] != "5" {
		t.Errorf("publish after replay should go straight out, got %v", got)
	}
}

func TestRealPublisherInterruptedReplayRequeuesAhead(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client, nil)
	for i := 1; i <= 3; i++ {
		publishCount(t, p, i)
	}

	client.setOpen(true)
	client.afterPublish = func() {
		publishCount(t, p, 4)
		client.setFailPublish(errors.New("connection reset"))
	}
	p.handleConnect()

	if p.Buffered() != 3 {
		t.Fatalf("expected 3 buffered after interruption, got %d", p.Buffered())
	}

	client.setFailPublish(nil)
	p.handleConnect()

	msgs := client.messages()
	if got, want := strings.Join(eventCounts(msgs), ","), "1,2,3,4"; got != want {
		t.Errorf("broker order: got %s, want %s", got, want)
	}
	if msgs[1].topic != TopicSystem || !strings.Contains(msgs[1].payload, "RECONNECTED") {
		t.Errorf("second connect should announce the reconnect first, got %+v", msgs[1])
	}
}

func TestRealPublisherFailedPublishIsBuffered(t *testing.T) {
	client := &fakeClient{open: true, failPublish: errors.New("broken pipe")}
	var results []error
	p := newTestPublisher(client, func(err error) { results = append(results, err) })

	if err := p.Publish(squatEvent()); err == nil {
		t.Fatal("expected publish error")
	}
	if p.Buffered() != 1 {
		t.Errorf("failed message should be buffered, got %d", p.Buffered())
	}
	if len(results) != 1 || results[0] == nil {
		t.Errorf("expected one failed publish result, got %v", results)
	}
}

func TestRealPublisherClose(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(client, nil)
	p.Publish(squatEvent())

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !client.disconnected {
		t.Error("close should disconnect the client")
	}
	if p.IsConnected() {
		t.Error("closed publisher should not report connected")
	}
}
