package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
)

// Client is the gateway's connection to the Gray Logic MQTT broker.
//
// It carries telemetry out and write commands in, re-subscribes after every
// reconnect and keeps a retained online/offline status on
// graylogic/ble/status/{client_id}. All methods are safe for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	subs      subscriptionSet
	connected atomic.Bool

	mu    sync.RWMutex
	hooks hooks
}

// hooks are the optional observers of connection events.
type hooks struct {
	logger       Logger
	onConnect    func()
	onDisconnect func(err error)
}

// Logger is satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler receives one MQTT message. It runs on a paho goroutine and
// should return quickly; a returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker in cfg and waits up to defaultConnectTimeout for
// the first connection. The Last Will marks the gateway offline if it drops
// without calling Close; later drops reconnect with backoff.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, o *pahomqtt.ClientOptions) {
		if l := c.observers().logger; l != nil {
			l.Info("MQTT reconnecting", "client_id", o.ClientID)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: no answer from %s within %v", ErrConnectionFailed, brokerURL(cfg), defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The on-connect handler runs asynchronously and may not have fired yet.
	c.connected.Store(true)
	return c, nil
}

func (c *Client) observers() hooks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hooks
}

func (c *Client) handleConnect() {
	c.connected.Store(true)

	// Tokens are not awaited on paho's callback goroutine.
	for _, sub := range c.subs.snapshot() {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
	c.publishStatus(statusOnline, "")

	if fn := c.observers().onConnect; fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	h := c.observers()
	if h.logger != nil {
		h.logger.Warn("MQTT connection lost", "error", err)
	}
	if h.onDisconnect != nil {
		h.onDisconnect(err)
	}
}

// publishStatus publishes the retained gateway status without waiting.
func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	id := c.cfg.Broker.ClientID
	return c.client.Publish(Topics{}.Status(id), byte(c.cfg.QoS), true, buildStatusPayload(id, status, reason))
}

// Close publishes an "offline/graceful_shutdown" status, so subscribers can
// tell a clean stop from the Last Will, then disconnects. Closing a client
// that never connected is not an error.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishStatus(statusOffline, "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the connection is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect registers fn for the initial connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.hooks.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn for connection loss.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.hooks.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for connection events and handler failures.
// Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.hooks.logger = logger
	c.mu.Unlock()
}

// wrapHandler adapts handler to paho, logging returned errors and
// recovering panics so one bad message cannot stop the client.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		logger := c.observers().logger
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil && logger != nil {
			logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
