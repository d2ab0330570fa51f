package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/printmesh/printmesh-core/internal/infrastructure/config"
)

// State describes the connection state of a Client.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client wraps paho.mqtt.golang with PrintMesh-specific functionality.
//
// It owns exactly one logical connection to the broker and hides physical
// reconnects from higher layers: subscriptions registered through the
// client survive connection loss and are replayed automatically when the
// session is re-established.
//
// A Client is explicitly constructed with New and shared by reference;
// there is no package-level instance.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// registry tracks local handlers and broker-level subscriptions.
	registry *registry

	// Connection state machine. attempt is non-nil while a connect attempt
	// is in flight and is closed when the attempt settles; attemptErr holds
	// the attempt's outcome.
	state      State
	attempt    chan struct{}
	attemptErr error
	closed     bool
	mu         sync.Mutex

	// Callbacks for connection events (optional, set via SetOnConnect/SetOnDisconnect).
	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked synchronously with message arrival, in registration
// order for their topic. They must not perform blocking I/O; long work
// belongs in a goroutine started by the handler.
//
// Parameters:
//   - topic: The topic the message was received on (wildcards expanded)
//   - payload: The raw message payload (typically JSON)
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// New creates a disconnected Client from the given configuration.
//
// The returned client must be connected with Connect before publishing.
// Subscribe may be called before Connect; staged subscriptions are issued
// once the connection opens.
func New(cfg config.MQTTConfig) *Client {
	opts := buildClientOptions(cfg)

	c := &Client{
		cfg:     cfg,
		options: opts,
		state:   StateDisconnected,
	}
	c.registry = newRegistry(c)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect establishes the connection to the MQTT broker.
//
// Connect is idempotent: if the client is already connected it returns
// immediately, and if another goroutine's attempt is in flight the call
// joins that attempt instead of starting a second one.
//
// The client transitions to Connected only after the broker acknowledges
// the handshake. If the handshake does not complete within the configured
// connect timeout, Connect fails with ErrConnectionFailed.
//
// Parameters:
//   - ctx: Context for cancellation while waiting
//
// Returns:
//   - error: nil once connected, ErrConnectionFailed or ErrClosed otherwise
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		// Join the in-flight attempt rather than starting a second one.
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		}
		c.mu.Lock()
		err := c.attemptErr
		c.mu.Unlock()
		return err
	}

	c.state = StateConnecting
	attempt := make(chan struct{})
	c.attempt = attempt
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	if err != nil {
		c.state = StateDisconnected
	} else {
		c.state = StateConnected
	}
	c.attemptErr = err
	c.attempt = nil
	close(attempt)
	c.mu.Unlock()

	return err
}

// dial performs one physical connection attempt.
func (c *Client) dial(ctx context.Context) error {
	timeout := c.cfg.GetConnectTimeout()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	token := c.client.Connect()

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		// Abandon the attempt; a late success would leave a stray session.
		c.client.Disconnect(0)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	case <-ctx.Done():
		c.client.Disconnect(0)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// handleConnect is called by paho when a connection is established,
// including automatic reconnects after a lost session.
func (c *Client) handleConnect() {
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	// Replay subscriptions from local memory; the broker has no durable
	// knowledge of a closed session's subscriptions.
	c.registry.replay()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// handleDisconnect is called by paho when the connection is lost.
// Reconnection is scheduled internally; callers observe the outage only
// through timed-out pending requests.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost, reconnecting",
			"error", err,
			"max_interval", c.cfg.GetReconnectInterval(),
		)
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// Close gracefully disconnects from the MQTT broker.
//
// A closed client cannot be reused; construct a new one with New.
//
// Returns:
//   - error: If disconnect fails (already disconnected is not an error)
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	c.mu.Unlock()

	if c.client != nil {
		// Disconnect with quiesce period for pending operations
		c.client.Disconnect(defaultDisconnectQuiesce)
	}

	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns the current connection state.
//
// Note: This reflects the last known state; a broken link is noticed when
// keepalive or an in-flight operation fails.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	return state == StateConnected && c.client.IsConnected()
}

// HealthCheck verifies the MQTT connection is alive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// SetOnConnect sets a callback to be invoked when connection is established.
// This is called on initial connect and on every reconnect, after the
// subscription replay has been issued.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
// The error parameter describes why the connection was lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// brokerSubscribe issues a broker-level subscribe for a topic filter,
// routing received messages into cb.
func (c *Client) brokerSubscribe(filter string, qos byte, cb func(topic string, payload []byte)) error {
	token := c.client.Subscribe(filter, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		cb(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// brokerUnsubscribe removes a broker-level subscription for a topic filter.
func (c *Client) brokerUnsubscribe(filter string) error {
	token := c.client.Unsubscribe(filter)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}
