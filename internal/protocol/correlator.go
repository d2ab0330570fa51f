package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/printmesh/printmesh-core/internal/infrastructure/mqtt"
)

// Bus is the transport surface the correlator needs. *mqtt.Client
// implements it; tests substitute an in-memory fake.
type Bus interface {
	// Connect lazily establishes the connection; idempotent.
	Connect(ctx context.Context) error

	// Publish sends one framed message, failing fast when disconnected.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler; the subscription survives reconnects.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) (*mqtt.Subscription, error)
}

// ProgressFunc receives intermediate progress percentages for a request.
// It is invoked synchronously from the dispatch path and must not block.
type ProgressFunc func(percent float64)

// RequestOptions tunes a single request.
type RequestOptions struct {
	// Timeout bounds the wait for a terminal result. Zero uses the
	// correlator's default.
	Timeout time.Duration

	// OnProgress, if set, receives progress messages matching the request's
	// correlation token. Progress never settles the request.
	OnProgress ProgressFunc
}

// pendingRequest is one outstanding command awaiting its terminal result.
// Exactly one settlement path wins: the entry is removed from the table
// under the mutex before any path acts, so a late response after a timeout
// (or the reverse) is a no-op.
type pendingRequest struct {
	token      string
	deviceID   string
	createdAt  time.Time
	onProgress ProgressFunc
	done       chan settlement
}

type settlement struct {
	result *Result
	err    error
}

// Correlator converts one-way pub/sub messaging into awaitable
// request/response semantics with bounded latency.
//
// Each request is tagged with a fresh UUID correlation token and recorded
// in an explicit correlation table; responses on the device's result topic
// are matched by token. Result-topic subscriptions are established lazily
// per topic and persist for the correlator's lifetime, riding the
// transport's reconnect replay.
//
// Thread Safety: all methods are safe for concurrent use; any number of
// requests may be outstanding at once.
type Correlator struct {
	bus            Bus
	qos            byte
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
	subs    map[string]*mqtt.Subscription
	closed  bool

	latency *Window

	// onSample, if set, receives each round-trip sample (telemetry export).
	onSample   func(deviceID string, rtt time.Duration)
	onSampleMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// NewCorrelator creates a correlator over the given bus.
//
// Parameters:
//   - bus: Transport used for publishes and result subscriptions
//   - qos: QoS level for protocol traffic
//   - defaultTimeout: Request timeout applied when a call does not set one
func NewCorrelator(bus Bus, qos byte, defaultTimeout time.Duration) *Correlator {
	return &Correlator{
		bus:            bus,
		qos:            qos,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingRequest),
		subs:           make(map[string]*mqtt.Subscription),
		latency:        NewWindow(DefaultWindowSize),
	}
}

// SetLogger sets a logger for dropped-message and dispatch diagnostics.
func (c *Correlator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Correlator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// SetLatencyObserver registers a callback invoked for every round-trip
// sample, in addition to the internal window. Used to export samples to
// the telemetry sink.
func (c *Correlator) SetLatencyObserver(fn func(deviceID string, rtt time.Duration)) {
	c.onSampleMu.Lock()
	c.onSample = fn
	c.onSampleMu.Unlock()
}

// Latency returns the current round-trip statistics.
func (c *Correlator) Latency() Stats {
	return c.latency.Snapshot()
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request publishes cmd on the device's control topic and waits for the
// terminal result on its result topic.
//
// A fresh correlation token is assigned unless the envelope already
// carries one. The call lazily connects the transport, so commands work
// from a cold start. It returns:
//   - the terminal Result on device-reported success
//   - *DeviceError when the device reports failure
//   - ErrTimeout when no terminal result arrives within the budget
//   - ErrTransport when the publish could not be delivered
//   - ctx.Err() (wrapped) when the caller abandons the request
func (c *Correlator) Request(ctx context.Context, deviceID string, cmd *Envelope, opts RequestOptions) (*Result, error) {
	topics := mqtt.Topics{}
	return c.RequestOn(ctx, deviceID, topics.Control(deviceID), topics.Result(deviceID), cmd, opts)
}

// RequestOn is Request with explicit publish and result topics. The upload
// coordinator uses it to await a commit result on the upload result topic.
func (c *Correlator) RequestOn(ctx context.Context, deviceID, publishTopic, resultTopic string, cmd *Envelope, opts RequestOptions) (*Result, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", ErrProtocol)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	// Assign the correlation token (upload commits arrive pre-tokenised).
	token := cmd.CorrelationToken()
	if token == "" {
		token = uuid.NewString()
		cmd.ID = token
	}

	// Result subscriptions are per-topic and shared by all requests to the
	// same device; established before publishing so the response cannot
	// outrun the listener.
	if err := c.attach(resultTopic); err != nil {
		return nil, err
	}

	pending := &pendingRequest{
		token:      token,
		deviceID:   deviceID,
		createdAt:  time.Now(),
		onProgress: opts.OnProgress,
		done:       make(chan settlement, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := c.pending[token]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: correlation token %q already in flight", ErrProtocol, token)
	}
	c.pending[token] = pending
	c.mu.Unlock()

	// Stamp for latency instrumentation; devices echo the timestamp.
	cmd.Timestamp = time.Now().UnixNano()

	payload, err := cmd.Encode()
	if err != nil {
		c.abandon(token)
		return nil, err
	}

	// Commands lazily connect; the caller's flow blocks until ready.
	if err := c.bus.Connect(ctx); err != nil {
		c.abandon(token)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := c.bus.Publish(publishTopic, payload, c.qos, false); err != nil {
		c.abandon(token)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-pending.done:
		return s.result, s.err

	case <-timer.C:
		// The response path may have removed the entry in the meantime; if
		// so the settlement is already on its way and wins.
		if c.abandon(token) {
			return nil, fmt.Errorf("%w: no terminal response within %v", ErrTimeout, timeout)
		}
		s := <-pending.done
		return s.result, s.err

	case <-ctx.Done():
		if c.abandon(token) {
			return nil, fmt.Errorf("request abandoned: %w", ctx.Err())
		}
		s := <-pending.done
		return s.result, s.err
	}
}

// abandon removes a pending request from the table, reporting whether this
// call performed the removal. Exactly one caller wins.
func (c *Correlator) abandon(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[token]; !ok {
		return false
	}
	delete(c.pending, token)
	return true
}

// attach ensures a result-topic subscription exists. Subscribing while
// disconnected stages the topic; the transport issues it on connect.
func (c *Correlator) attach(resultTopic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.subs[resultTopic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(resultTopic, c.qos, c.handleResult)
	if err != nil {
		return fmt.Errorf("%w: subscribing to %q: %w", ErrTransport, resultTopic, err)
	}

	c.mu.Lock()
	if _, ok := c.subs[resultTopic]; ok {
		// Lost the race to another request; release the duplicate.
		c.mu.Unlock()
		return sub.Unsubscribe()
	}
	c.subs[resultTopic] = sub
	c.mu.Unlock()
	return nil
}

// handleResult is the dispatch handler for result topics. It must never
// block or panic the dispatch loop: malformed payloads are logged and
// dropped, and unmatched tokens (late responses, stale traffic after a
// cancel) are a no-op.
func (c *Correlator) handleResult(topic string, payload []byte) error {
	res, err := ParseResult(payload)
	if err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("dropping malformed result message",
				"topic", topic,
				"error", err,
			)
		}
		return nil
	}

	c.mu.Lock()
	pending, ok := c.pending[res.Token]
	if ok && !res.Terminal() {
		onProgress := pending.onProgress
		c.mu.Unlock()
		if onProgress != nil {
			onProgress(res.Percent)
		}
		return nil
	}
	if ok {
		delete(c.pending, res.Token)
	}
	c.mu.Unlock()

	if !ok {
		// Late response after timeout or cancellation: settled already.
		return nil
	}

	c.observeLatency(pending.deviceID, res.Timestamp)

	var s settlement
	if res.OK {
		s.result = res
	} else {
		s.err = &DeviceError{
			DeviceID: pending.deviceID,
			Code:     res.Code,
			Message:  res.Message,
		}
	}
	pending.done <- s
	return nil
}

// observeLatency records a round-trip sample from an echoed timestamp.
func (c *Correlator) observeLatency(deviceID string, sentNanos int64) {
	if sentNanos <= 0 {
		return
	}
	rtt := time.Duration(time.Now().UnixNano() - sentNanos)
	if rtt < 0 {
		// Clock skew between stamp and echo; not a usable sample.
		return
	}

	c.latency.Observe(rtt)

	c.onSampleMu.RLock()
	onSample := c.onSample
	c.onSampleMu.RUnlock()
	if onSample != nil {
		onSample(deviceID, rtt)
	}
}

// Close rejects all outstanding requests with ErrClosed and releases the
// result-topic subscriptions. The correlator cannot be reused.
func (c *Correlator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	outstanding := make([]*pendingRequest, 0, len(c.pending))
	for token, p := range c.pending {
		outstanding = append(outstanding, p)
		delete(c.pending, token)
	}
	subs := make([]*mqtt.Subscription, 0, len(c.subs))
	for topic, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	for _, p := range outstanding {
		p.done <- settlement{err: ErrClosed}
	}

	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
