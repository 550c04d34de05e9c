// Package bus wraps the MQTT connection every Alicia service shares: one
// client per process, topic-filter routing, request correlation, and a
// reconnect supervisor so collaborators never observe transient broker
// outages as errors.
package bus

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/retry"
)

// newPahoClient builds the underlying MQTT client. Tests swap it for a fake.
var newPahoClient = mqtt.NewClient

// MessageHandler receives every inbound publish before routing.
type MessageHandler func(topic string, payload []byte)

// Options configures a Client. Zero values fall back to the defaults noted
// per field.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLS       *tls.Config

	KeepAlive      time.Duration // default 30s
	ConnectTimeout time.Duration // default 10s

	// Reconnect backoff, full jitter between initial and max.
	ReconnectInitialDelay time.Duration // default 1s
	ReconnectMaxDelay     time.Duration // default 60s

	// PublishBuffer bounds the number of publishes held while the
	// connection is down. Oldest entries are dropped on overflow.
	PublishBuffer int // default 1024

	// Last-will message the broker publishes if this client vanishes
	// without a clean disconnect.
	WillTopic    string
	WillPayload  []byte
	WillQoS      byte
	WillRetained bool

	// OnConnectionUp runs after every successful connect; resumed is false
	// for the first connect of the process. OnConnectionDown runs when an
	// established connection is lost.
	OnConnectionUp   func(resumed bool)
	OnConnectionDown func(err error)

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.KeepAlive <= 0 {
		out.KeepAlive = 30 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.ReconnectInitialDelay <= 0 {
		out.ReconnectInitialDelay = time.Second
	}
	if out.ReconnectMaxDelay <= 0 {
		out.ReconnectMaxDelay = 60 * time.Second
	}
	if out.PublishBuffer <= 0 {
		out.PublishBuffer = 1024
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Client is a supervised MQTT connection. Subscriptions registered through
// it are replayed after every reconnect, and publishes attempted while the
// broker is unreachable are buffered and flushed on reconnect.
type Client struct {
	opts Options
	log  *slog.Logger
	paho mqtt.Client
	ring *publishRing

	mu      sync.Mutex
	subs    map[string]byte
	handler MessageHandler

	connected     atomic.Bool
	everConnected atomic.Bool
	lost          chan error
}

// NewClient prepares a client for opts without touching the network.
// Call SetHandler before Connect so no inbound message is missed.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts: opts,
		log:  opts.Logger,
		ring: newPublishRing(opts.PublishBuffer),
		subs: make(map[string]byte),
		lost: make(chan error, 1),
	}

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.BrokerURL)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		po.SetTLSConfig(opts.TLS)
	}
	po.SetKeepAlive(opts.KeepAlive)
	po.SetConnectTimeout(opts.ConnectTimeout)
	// Reconnects go through Run so subscription replay and ring flush are
	// under our control, not paho's.
	po.SetAutoReconnect(false)
	// Persistent session: QoS 1 messages published while we are away are
	// queued by the broker and redelivered on reconnect.
	po.SetCleanSession(false)
	po.SetDefaultPublishHandler(c.inbound)
	po.SetOnConnectHandler(c.onConnect)
	po.SetConnectionLostHandler(c.onConnectionLost)
	if opts.WillTopic != "" {
		po.SetBinaryWill(opts.WillTopic, opts.WillPayload, opts.WillQoS, opts.WillRetained)
	}
	c.paho = newPahoClient(po)
	return c
}

// SetHandler installs the inbound message callback. Must be called before
// Connect.
func (c *Client) SetHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect dials the broker, retrying with jittered backoff until it
// succeeds or ctx expires. On ctx expiry the last dial error is wrapped in
// a ConnectError.
func (c *Client) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		token := c.paho.Connect()
		err := waitToken(ctx, token)
		if err == nil {
			return nil
		}
		lastErr = err
		delay := retry.FullJitter(attempt, c.opts.ReconnectInitialDelay, c.opts.ReconnectMaxDelay)
		c.log.Warn("bus: connect failed",
			"broker", c.opts.BrokerURL,
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err)
		select {
		case <-ctx.Done():
			return &ConnectError{Broker: c.opts.BrokerURL, Err: lastErr}
		case <-time.After(delay):
		}
	}
}

// Run supervises the connection until ctx is done, redialing with jittered
// backoff whenever the connection drops. Returns nil on clean shutdown.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case err := <-c.lost:
			if err := c.redial(ctx, err); err != nil {
				c.shutdown()
				return nil
			}
		}
	}
}

func (c *Client) redial(ctx context.Context, cause error) error {
	for attempt := 0; ; attempt++ {
		delay := retry.FullJitter(attempt, c.opts.ReconnectInitialDelay, c.opts.ReconnectMaxDelay)
		c.log.Warn("bus: reconnecting",
			"broker", c.opts.BrokerURL,
			"attempt", attempt+1,
			"delay", delay,
			"cause", cause)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		token := c.paho.Connect()
		if err := waitToken(ctx, token); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			cause = err
		}
	}
}

func (c *Client) shutdown() {
	if c.paho.IsConnectionOpen() {
		c.paho.Disconnect(250)
	}
	c.connected.Store(false)
}

// onConnect runs on every successful connect: replay subscriptions, then
// flush publishes buffered during the outage, in arrival order.
func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	metrics.BusConnectsTotal.Inc()

	c.mu.Lock()
	filters := make(map[string]byte, len(c.subs))
	for f, qos := range c.subs {
		filters[f] = qos
	}
	c.mu.Unlock()

	if len(filters) > 0 {
		token := c.paho.SubscribeMultiple(filters, c.inbound)
		if ok := token.WaitTimeout(c.opts.ConnectTimeout); !ok || token.Error() != nil {
			c.log.Error("bus: subscription replay failed", "filters", len(filters), "error", token.Error())
		}
	}

	for _, p := range c.ring.drain() {
		c.paho.Publish(p.topic, p.qos, p.retained, p.payload)
	}

	resumed := c.everConnected.Swap(true)
	c.log.Info("bus: connected", "broker", c.opts.BrokerURL, "resumed", resumed)
	if c.opts.OnConnectionUp != nil {
		c.opts.OnConnectionUp(resumed)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	metrics.BusDisconnectsTotal.Inc()
	c.log.Warn("bus: connection lost", "broker", c.opts.BrokerURL, "error", err)
	if c.opts.OnConnectionDown != nil {
		c.opts.OnConnectionDown(err)
	}
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) inbound(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	h(msg.Topic(), msg.Payload())
}

// Subscribe registers a filter and, when connected, waits for the broker to
// acknowledge it. Registered filters survive reconnects.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[filter] = qos
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	token := c.paho.Subscribe(filter, qos, c.inbound)
	return waitToken(ctx, token)
}

// Unsubscribe removes a filter so it is no longer replayed on reconnect.
func (c *Client) Unsubscribe(ctx context.Context, filter string) error {
	c.mu.Lock()
	delete(c.subs, filter)
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	token := c.paho.Unsubscribe(filter)
	return waitToken(ctx, token)
}

// Publish sends payload on topic. While disconnected the publish is
// buffered and flushed after reconnect; overflow drops the oldest buffered
// entry. Publish never blocks on the broker.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.connected.Load() {
		if evicted := c.ring.add(pendingPublish{topic: topic, qos: qos, retained: retained, payload: payload}); evicted {
			metrics.PublishesDropped.Inc()
			c.log.Warn("bus: publish buffer full, dropped oldest", "topic", topic)
		}
		metrics.PublishesBuffered.Inc()
		return nil
	}
	token := c.paho.Publish(topic, qos, retained, payload)
	if qos > 0 {
		go func() {
			<-token.Done()
			if err := token.Error(); err != nil {
				c.log.Warn("bus: publish failed", "topic", topic, "qos", qos, "error", err)
			}
		}()
	}
	return nil
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// BufferedPublishes reports how many publishes are waiting for reconnect.
func (c *Client) BufferedPublishes() int {
	return c.ring.len()
}

// DroppedPublishes reports how many buffered publishes were evicted.
func (c *Client) DroppedPublishes() uint64 {
	return c.ring.droppedCount()
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
