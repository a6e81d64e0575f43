package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sweeney/squat-counter/internal/logic"
)

// DefaultBufferSize is the number of messages held while the broker is unreachable.
const DefaultBufferSize = 100

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	Session    string
	BufferSize int
	Logger     logrus.FieldLogger
	Now        func() time.Time
	// OnPublish, if set, is called with the result of every broker publish.
	OnPublish func(error)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed, oldest first, after the
// client reconnects.
type RealPublisher struct {
	client    paho.Client
	session   string
	log       logrus.FieldLogger
	now       func() time.Time
	onPublish func(error)

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool // at least one successful connect has happened
	replaying bool // handleConnect is draining the buffer
}

// NewRealPublisher creates a publisher for the given broker. An unreachable
// broker is not an error: the client keeps retrying in the background and
// messages are buffered until it connects.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	p := newPublisher(nil, opts)

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: p.now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, errors.Wrap(err, "format will payload")
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.WithError(err).Warn("mqtt connection lost")
		})

	p.client = paho.NewClient(clientOpts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.WithField("broker", opts.Broker).Warn("mqtt broker not reachable yet, buffering")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "connect to broker")
	}
	return p, nil
}

func newPublisher(client paho.Client, opts Options) *RealPublisher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.WithField("component", "mqtt")
	buffer := newRingBuffer(opts.BufferSize)
	buffer.log = log
	return &RealPublisher{
		client:    client,
		session:   opts.Session,
		log:       log,
		now:       opts.Now,
		onPublish: opts.OnPublish,
		buffer:    buffer,
	}
}

// Publish sends a detector event to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event, p.session)
	if err != nil {
		return errors.Wrap(err, "format payload")
	}
	// QoS 0 (at-most-once), not retained
	return p.send(bufferedMsg{topic: Topic, payload: payload})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return errors.Wrap(err, "format system payload")
	}
	// QoS 1 (at-least-once) for lifecycle events
	return p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the client currently has an open connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Dropped returns how many buffered messages were evicted to make room.
func (p *RealPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.dropped
}

// Close disconnects from the broker. Buffered messages are discarded.
func (p *RealPublisher) Close() error {
	if n := p.Buffered(); n > 0 {
		p.log.WithField("dropped", n).Warn("closing with undelivered messages")
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	p.mu.Lock()
	if p.replaying || !p.client.IsConnectionOpen() {
		// Queue behind anything older so the broker sees publish order.
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.publish(msg)
	if err != nil {
		p.mu.Lock()
		p.buffer.push(msg)
		p.mu.Unlock()
	}
	return err
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	var err error
	if !token.WaitTimeout(publishTimeout) {
		err = errors.Errorf("publish to %s: timeout", msg.topic)
	} else if token.Error() != nil {
		err = errors.Wrapf(token.Error(), "publish to %s", msg.topic)
	}
	if p.onPublish != nil {
		p.onPublish(err)
	}
	return err
}

// handleConnect announces a reconnect and replays anything buffered while
// the connection was down. Messages sent during the replay are queued and
// replayed after it.
func (p *RealPublisher) handleConnect() {
	p.mu.Lock()
	reconnect := p.connected
	p.connected = true
	p.replaying = true
	pending := p.buffer.drainAll()
	p.mu.Unlock()

	log := p.log.WithField("buffered", len(pending))
	if reconnect {
		log.Info("mqtt reconnected")
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: p.now(), Event: "RECONNECTED"})
		if err == nil {
			err = p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1})
		}
		if err != nil {
			log.WithError(err).Warn("publish reconnect event")
		}
	} else {
		log.Info("mqtt connected")
	}

	for {
		for i, msg := range pending {
			if err := p.publish(msg); err != nil {
				p.log.WithError(err).WithField("remaining", len(pending)-i).Warn("replay interrupted")
				p.mu.Lock()
				queued := p.buffer.drainAll()
				for _, m := range append(pending[i:], queued...) {
					p.buffer.push(m)
				}
				p.replaying = false
				p.mu.Unlock()
				return
			}
		}
		p.mu.Lock()
		pending = p.buffer.drainAll()
		if len(pending) == 0 {
			p.replaying = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}
