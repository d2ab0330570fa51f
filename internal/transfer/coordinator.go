package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/printmesh/printmesh-core/internal/infrastructure/mqtt"
	"github.com/printmesh/printmesh-core/internal/protocol"
)

// DefaultChunkSize is the raw byte count per upload chunk before base64
// framing. 32 KiB keeps each MQTT message well under broker payload
// limits while bounding per-chunk overhead.
const DefaultChunkSize = 32 * 1024

// DefaultCommitTimeout bounds the wait for the device to verify and
// persist a completed upload. Flash writes on edge hardware are slow, so
// this is longer than the command timeout.
const DefaultCommitTimeout = 20 * time.Second

// State identifies a phase of an upload's lifecycle.
type State string

// Upload lifecycle states. Sending and Committing are transient;
// Succeeded and Failed are terminal.
const (
	StateSending    State = "sending"
	StateCommitting State = "committing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Committer awaits the terminal verdict for an upload commit.
// *protocol.Correlator implements it.
type Committer interface {
	RequestOn(ctx context.Context, deviceID, publishTopic, resultTopic string, cmd *protocol.Envelope, opts protocol.RequestOptions) (*protocol.Result, error)
}

// Logger interface for optional logging support.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	// OnProgress, if set, receives completion percentages. Local chunk
	// accounting is capped at 99; only the device's commit verdict or its
	// own progress reports can drive the figure to 100.
	OnProgress func(percent float64)

	// CommitTimeout bounds the wait for the commit verdict. Zero uses the
	// coordinator's default.
	CommitTimeout time.Duration
}

// Receipt summarises a completed upload.
type Receipt struct {
	// UploadID is the session identifier the chunks were tagged with.
	UploadID string

	// Chunks is the number of chunk messages sent.
	Chunks int

	// Bytes is the raw payload size before base64 framing.
	Bytes int64

	// Duration covers first chunk publish through commit verdict.
	Duration time.Duration
}

// Coordinator drives the chunked upload sub-protocol: it splits a file
// into sequenced chunks, streams them to the device's upload topic, and
// awaits the commit verdict through the correlator.
//
// Chunks are sent strictly in order. Devices reassemble by index and a
// gap means a lost message, so there is no windowing; MQTT QoS handles
// per-message delivery and ordering within the single connection.
//
// Thread Safety: safe for concurrent use. Uploads to distinct devices
// proceed in parallel; a second upload to a device with one already
// active fails with ErrUploadInProgress.
type Coordinator struct {
	bus           protocol.Bus
	committer     Committer
	qos           byte
	chunkSize     int
	commitTimeout time.Duration

	// history, when set, records every finished upload. Recording is best
	// effort; a storage failure never fails the upload itself.
	history Repository

	mu     sync.Mutex
	active map[string]State

	logger   Logger
	loggerMu sync.RWMutex

	onFinish   func(deviceID string, bytes int64, duration time.Duration, succeeded bool)
	onFinishMu sync.RWMutex
}

// NewCoordinator creates an upload coordinator.
//
// Parameters:
//   - bus: Transport used for chunk publishes
//   - committer: Correlator awaiting the commit verdict
//   - qos: QoS level for chunk and commit messages
//   - chunkSize: Raw bytes per chunk; zero or less uses DefaultChunkSize
func NewCoordinator(bus protocol.Bus, committer Committer, qos byte, chunkSize int) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Coordinator{
		bus:           bus,
		committer:     committer,
		qos:           qos,
		chunkSize:     chunkSize,
		commitTimeout: DefaultCommitTimeout,
		active:        make(map[string]State),
	}
}

// SetLogger sets a logger for history-write and diagnostic warnings.
func (c *Coordinator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Coordinator) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// SetTransferObserver registers a callback invoked once per finished
// upload, successful or not. Used to export throughput telemetry. The
// callback must not block.
func (c *Coordinator) SetTransferObserver(fn func(deviceID string, bytes int64, duration time.Duration, succeeded bool)) {
	c.onFinishMu.Lock()
	c.onFinish = fn
	c.onFinishMu.Unlock()
}

// SetHistory attaches a repository that records finished uploads.
func (c *Coordinator) SetHistory(history Repository) {
	c.history = history
}

// SetCommitTimeout overrides the default commit timeout.
func (c *Coordinator) SetCommitTimeout(d time.Duration) {
	if d > 0 {
		c.commitTimeout = d
	}
}

// ActiveState reports the lifecycle state of the device's current upload,
// or "" when none is active.
func (c *Coordinator) ActiveState(deviceID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[deviceID]
}

// Upload streams data to the device as a sequence of chunks and awaits
// the commit verdict. It blocks until the device confirms the upload,
// rejects it, or the commit times out.
//
// Returns:
//   - ErrEmptyUpload for zero-length data
//   - ErrUploadInProgress when the device already has an active upload
//   - ErrInvalidFilename for an empty filename
//   - protocol.ErrTransport / ErrTimeout / *DeviceError from the wire
func (c *Coordinator) Upload(ctx context.Context, deviceID, filename string, data []byte, opts UploadOptions) (*Receipt, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}
	if filename == "" {
		return nil, ErrInvalidFilename
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", protocol.ErrProtocol)
	}

	if err := c.acquire(deviceID); err != nil {
		return nil, err
	}
	defer c.release(deviceID)

	uploadID := uuid.NewString()
	started := time.Now()
	chunks := (len(data) + c.chunkSize - 1) / c.chunkSize

	c.recordStart(ctx, &Record{
		UploadID:  uploadID,
		DeviceID:  deviceID,
		Filename:  filename,
		SizeBytes: int64(len(data)),
		Chunks:    chunks,
		Status:    StateSending,
		StartedAt: started,
	})

	receipt, err := c.run(ctx, deviceID, uploadID, filename, data, chunks, opts)

	status := StateSucceeded
	errText := ""
	if err != nil {
		status = StateFailed
		errText = err.Error()
	}
	c.recordFinish(uploadID, status, errText)

	elapsed := time.Since(started)
	c.onFinishMu.RLock()
	onFinish := c.onFinish
	c.onFinishMu.RUnlock()
	if onFinish != nil {
		onFinish(deviceID, int64(len(data)), elapsed, err == nil)
	}

	if err != nil {
		return nil, err
	}
	receipt.Duration = elapsed
	return receipt, nil
}

// run performs the send and commit phases. The device slot is held by the
// caller.
func (c *Coordinator) run(ctx context.Context, deviceID, uploadID, filename string, data []byte, chunks int, opts UploadOptions) (*Receipt, error) {
	topics := mqtt.Topics{}
	gate := newProgressGate(opts.OnProgress)

	if err := c.bus.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}

	c.setState(deviceID, StateSending)
	totalSize := int64(len(data))

	for i := 0; i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("upload abandoned at chunk %d/%d: %w", i, chunks, err)
		}

		start := i * c.chunkSize
		end := start + c.chunkSize
		if end > len(data) {
			end = len(data)
		}

		env := protocol.NewUploadChunk(uploadID, i, data[start:end], filename, totalSize)
		payload, err := env.Encode()
		if err != nil {
			return nil, err
		}
		if err := c.bus.Publish(topics.Upload(deviceID), payload, c.qos, false); err != nil {
			return nil, fmt.Errorf("%w: chunk %d/%d: %w", protocol.ErrTransport, i, chunks, err)
		}

		// Progress tracks bytes on the wire, not chunk count; the final
		// chunk is usually short.
		gate.local(float64(end) / float64(totalSize) * 100)
	}

	c.setState(deviceID, StateCommitting)

	commitTimeout := opts.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = c.commitTimeout
	}

	commit := protocol.NewUploadCommit(uploadID)
	_, err := c.committer.RequestOn(ctx, deviceID,
		topics.UploadCommit(deviceID), topics.UploadResult(deviceID),
		commit, protocol.RequestOptions{
			Timeout:    commitTimeout,
			OnProgress: gate.device,
		})
	if err != nil {
		return nil, err
	}

	gate.complete()
	return &Receipt{
		UploadID: uploadID,
		Chunks:   chunks,
		Bytes:    totalSize,
	}, nil
}

// acquire claims the device's upload slot.
func (c *Coordinator) acquire(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[deviceID]; busy {
		return fmt.Errorf("%w: %s", ErrUploadInProgress, deviceID)
	}
	c.active[deviceID] = StateSending
	return nil
}

func (c *Coordinator) release(deviceID string) {
	c.mu.Lock()
	delete(c.active, deviceID)
	c.mu.Unlock()
}

func (c *Coordinator) setState(deviceID string, state State) {
	c.mu.Lock()
	if _, ok := c.active[deviceID]; ok {
		c.active[deviceID] = state
	}
	c.mu.Unlock()
}

// recordStart writes the in-progress history row, best effort.
func (c *Coordinator) recordStart(ctx context.Context, rec *Record) {
	if c.history == nil {
		return
	}
	if err := c.history.Create(ctx, rec); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("recording transfer start failed",
				"upload_id", rec.UploadID,
				"error", err,
			)
		}
	}
}

// recordFinish closes out the history row, best effort. A fresh context
// is used so a cancelled upload still gets its failure recorded.
func (c *Coordinator) recordFinish(uploadID string, status State, errText string) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Finish(ctx, uploadID, status, errText, time.Now()); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("recording transfer result failed",
				"upload_id", uploadID,
				"error", err,
			)
		}
	}
}

// progressGate merges local chunk accounting with device-reported
// progress into one monotonic non-decreasing stream. Device reports take
// precedence: once the device speaks, local estimates are ignored. Local
// figures are capped at 99 since only the device can confirm completion.
type progressGate struct {
	mu         sync.Mutex
	fn         func(percent float64)
	last       float64
	deviceSeen bool
}

func newProgressGate(fn func(percent float64)) *progressGate {
	return &progressGate{fn: fn}
}

func (g *progressGate) local(percent float64) {
	if percent > 99 {
		percent = 99
	}
	g.emit(percent, false)
}

func (g *progressGate) device(percent float64) {
	g.emit(percent, true)
}

func (g *progressGate) complete() {
	g.emit(100, true)
}

func (g *progressGate) emit(percent float64, fromDevice bool) {
	g.mu.Lock()
	if g.fn == nil {
		g.mu.Unlock()
		return
	}
	if g.deviceSeen && !fromDevice {
		g.mu.Unlock()
		return
	}
	if fromDevice {
		g.deviceSeen = true
	}
	if percent < g.last {
		g.mu.Unlock()
		return
	}
	g.last = percent
	fn := g.fn
	g.mu.Unlock()

	fn(percent)
}
