// Package mqttbus is the bus client of the node, a thin wrapper over the paho MQTT
// client. Brokers may be tcp://, ssl://, ws:// or wss:// URLs.
package mqttbus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/r0bb10/ornament-node/internal/fault"
)

// Handler receives inbound messages. It runs on a paho goroutine.
type Handler func(topic string, payload []byte)

// Options configures a Client.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// KeepAlive is the MQTT keepalive interval.
	KeepAlive time.Duration
	// OpTimeout bounds every connect, subscribe and publish.
	OpTimeout time.Duration
	QoS       byte
	// InsecureTLS skips certificate verification, for tunnel endpoints with
	// self-signed certificates.
	InsecureTLS bool
	// AvailabilityTopic, when set, carries a retained "online" after connect and
	// "offline" as the last will.
	AvailabilityTopic string
	Logger            *slog.Logger
}

// Client implements the bus operations over a paho client. Reconnection is left to
// the caller; paho's auto reconnect is off.
type Client struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	avail   string
	log     *slog.Logger

	mu      sync.RWMutex
	handler Handler
	onLost  func(error)
}

// New builds a client for opts. It does not connect.
func New(opts Options) *Client {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		qos:     opts.QoS,
		timeout: opts.OpTimeout,
		avail:   opts.AvailabilityTopic,
		log:     opts.Logger,
	}

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	po.SetUsername(opts.Username)
	po.SetPassword(opts.Password)
	po.SetKeepAlive(opts.KeepAlive)
	po.SetConnectTimeout(opts.OpTimeout)
	po.SetWriteTimeout(opts.OpTimeout)
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetCleanSession(true)
	if opts.InsecureTLS {
		po.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if c.avail != "" {
		po.SetWill(c.avail, "offline", 0, true)
	}
	po.SetDefaultPublishHandler(c.dispatch)
	po.SetConnectionLostHandler(c.connectionLost)

	c.client = mqtt.NewClient(po)
	return c
}

// newWithClient wraps an existing paho client.
func newWithClient(client mqtt.Client, opts Options) *Client {
	c := New(opts)
	c.client = client
	return c
}

// SetHandler installs the inbound message callback.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnConnectionLost installs the callback run when the broker connection drops.
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

func (c *Client) connectionLost(_ mqtt.Client, err error) {
	c.log.Warn("mqtt connection lost", "error", err)
	c.mu.RLock()
	lost := c.onLost
	c.mu.RUnlock()
	if lost != nil {
		lost(err)
	}
}

func (c *Client) dispatch(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	h(msg.Topic(), msg.Payload())
}

// Connect opens the session and announces availability.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.wait(ctx, "mqtt connect", c.client.Connect()); err != nil {
		return err
	}
	if c.avail != "" {
		if err := c.wait(ctx, "publish availability", c.client.Publish(c.avail, 0, true, "online")); err != nil {
			c.log.Warn("availability publish failed", "error", err)
		}
	}
	return nil
}

// Subscribe subscribes topic; its messages reach the installed Handler.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	return c.wait(ctx, "subscribe "+topic, c.client.Subscribe(topic, c.qos, nil))
}

// Publish sends payload to topic, not retained.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.wait(ctx, "publish "+topic, c.client.Publish(topic, c.qos, false, payload))
}

// Disconnect closes the session, allowing 250ms for in-flight work.
func (c *Client) Disconnect() {
	if c.client.IsConnectionOpen() && c.avail != "" {
		c.client.Publish(c.avail, 0, true, "offline").WaitTimeout(c.timeout)
	}
	c.client.Disconnect(250)
}

// IsConnected reports the client's own view of the connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

var errTimeout = errors.New("timed out")

func (c *Client) wait(ctx context.Context, op string, token mqtt.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fault.NewTransient(op, errTimeout)
	case <-ctx.Done():
		return fault.NewTransient(op, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fault.NewTransient(op, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				return fault.NewTransient(op, fmt.Errorf("broker refused subscription to %s", topic))
			}
		}
	}
	return nil
}
