package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/printmesh/printmesh-core/internal/infrastructure/mqtt"
	"github.com/printmesh/printmesh-core/internal/protocol"
)

// fakeBus records chunk publishes without a broker.
type fakeBus struct {
	mu         sync.Mutex
	publishErr error
	published  []fakePublish
	blockCh    chan struct{}
}

type fakePublish struct {
	topic   string
	payload []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{}
}

func (b *fakeBus) Connect(_ context.Context) error { return nil }

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	if b.blockCh != nil {
		<-b.blockCh
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, fakePublish{topic: topic, payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(_ string, _ byte, _ mqtt.MessageHandler) (*mqtt.Subscription, error) {
	return &mqtt.Subscription{}, nil
}

// chunks decodes the published chunk envelopes in publish order.
func (b *fakeBus) chunks(t *testing.T) []protocol.Envelope {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	envs := make([]protocol.Envelope, 0, len(b.published))
	for _, p := range b.published {
		var env protocol.Envelope
		if err := json.Unmarshal(p.payload, &env); err != nil {
			t.Fatalf("decoding chunk envelope: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

// fakeCommitter resolves commits immediately with a configured outcome,
// optionally streaming device progress first.
type fakeCommitter struct {
	mu       sync.Mutex
	err      error
	progress []float64
	commits  []*protocol.Envelope
	started  chan struct{}
	unblock  chan struct{}
}

func (f *fakeCommitter) RequestOn(_ context.Context, deviceID, _, _ string, cmd *protocol.Envelope, opts protocol.RequestOptions) (*protocol.Result, error) {
	f.mu.Lock()
	f.commits = append(f.commits, cmd)
	started := f.started
	unblock := f.unblock
	f.mu.Unlock()

	if started != nil {
		close(started)
		f.mu.Lock()
		f.started = nil
		f.mu.Unlock()
	}
	if unblock != nil {
		<-unblock
	}

	for _, p := range f.progress {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.Result{Type: protocol.TypeResult, Token: cmd.UploadID, OK: true}, nil
}

// fakeHistory records repository calls in memory.
type fakeHistory struct {
	mu       sync.Mutex
	created  []Record
	finished []finishCall
}

type finishCall struct {
	uploadID string
	status   State
	errText  string
}

func (h *fakeHistory) Create(_ context.Context, rec *Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, *rec)
	return nil
}

func (h *fakeHistory) Finish(_ context.Context, uploadID string, status State, errText string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, finishCall{uploadID: uploadID, status: status, errText: errText})
	return nil
}

func (h *fakeHistory) GetByUploadID(_ context.Context, _ string) (*Record, error) {
	return nil, ErrTransferNotFound
}

func (h *fakeHistory) ListByDevice(_ context.Context, _ string, _ int) ([]Record, error) {
	return nil, nil
}

func (h *fakeHistory) ListRecent(_ context.Context, _ int) ([]Record, error) {
	return nil, nil
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestCoordinator_ChunkingExact(t *testing.T) {
	bus := newFakeBus()
	committer := &fakeCommitter{}
	coord := NewCoordinator(bus, committer, 1, 32*1024)

	data := testData(100 * 1024)
	receipt, err := coord.Upload(context.Background(), "printer-01", "part.gcode", data, UploadOptions{})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	// 102400 bytes at 32768 per chunk: three full chunks plus 4096.
	if receipt.Chunks != 4 {
		t.Errorf("Receipt.Chunks = %d, want 4", receipt.Chunks)
	}
	if receipt.Bytes != int64(len(data)) {
		t.Errorf("Receipt.Bytes = %d, want %d", receipt.Bytes, len(data))
	}

	envs := bus.chunks(t)
	if len(envs) != 4 {
		t.Fatalf("published %d chunks, want 4", len(envs))
	}

	wantSizes := []int{32768, 32768, 32768, 4096}
	for i, env := range envs {
		if env.Type != protocol.TypeUploadChunk {
			t.Errorf("chunk %d type = %q", i, env.Type)
		}
		if env.Index == nil || *env.Index != i {
			t.Errorf("chunk %d Index = %v, want %d", i, env.Index, i)
		}
		if env.Size != wantSizes[i] {
			t.Errorf("chunk %d Size = %d, want %d", i, env.Size, wantSizes[i])
		}
		if env.UploadID != receipt.UploadID {
			t.Errorf("chunk %d UploadID = %q, want %q", i, env.UploadID, receipt.UploadID)
		}
	}
}

func TestCoordinator_FirstChunkCarriesMetadata(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 1024)

	data := testData(3000)
	if _, err := coord.Upload(context.Background(), "printer-01", "bracket.gcode", data, UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	envs := bus.chunks(t)
	if len(envs) != 3 {
		t.Fatalf("published %d chunks, want 3", len(envs))
	}

	if envs[0].Filename != "bracket.gcode" {
		t.Errorf("chunk 0 Filename = %q, want bracket.gcode", envs[0].Filename)
	}
	if envs[0].TotalSize != 3000 {
		t.Errorf("chunk 0 TotalSize = %d, want 3000", envs[0].TotalSize)
	}
	for i := 1; i < len(envs); i++ {
		if envs[i].Filename != "" || envs[i].TotalSize != 0 {
			t.Errorf("chunk %d carries metadata: filename=%q total=%d", i, envs[i].Filename, envs[i].TotalSize)
		}
	}
}

func TestCoordinator_PayloadRoundTrip(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 700)

	data := testData(5000)
	if _, err := coord.Upload(context.Background(), "printer-01", "part.gcode", data, UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	var reassembled []byte
	for i, env := range bus.chunks(t) {
		decoded, err := base64.StdEncoding.DecodeString(env.DataB64)
		if err != nil {
			t.Fatalf("decoding chunk %d: %v", i, err)
		}
		reassembled = append(reassembled, decoded...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Error("reassembled payload differs from original")
	}
}

func TestCoordinator_PublishesToUploadTopic(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 0)

	if _, err := coord.Upload(context.Background(), "printer-07", "part.gcode", testData(10), UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, p := range bus.published {
		if p.topic != "upload/printer-07" {
			t.Errorf("chunk published to %q, want upload/printer-07", p.topic)
		}
	}
}

func TestCoordinator_CommitSentAfterChunks(t *testing.T) {
	bus := newFakeBus()
	committer := &fakeCommitter{}
	coord := NewCoordinator(bus, committer, 1, 1024)

	receipt, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(2048), UploadOptions{})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	committer.mu.Lock()
	defer committer.mu.Unlock()
	if len(committer.commits) != 1 {
		t.Fatalf("got %d commits, want 1", len(committer.commits))
	}
	commit := committer.commits[0]
	if commit.Type != protocol.TypeUploadCommit {
		t.Errorf("commit type = %q", commit.Type)
	}
	if commit.UploadID != receipt.UploadID {
		t.Errorf("commit UploadID = %q, want %q", commit.UploadID, receipt.UploadID)
	}
}

func TestCoordinator_InputValidation(t *testing.T) {
	coord := NewCoordinator(newFakeBus(), &fakeCommitter{}, 1, 0)

	if _, err := coord.Upload(context.Background(), "printer-01", "part.gcode", nil, UploadOptions{}); !errors.Is(err, ErrEmptyUpload) {
		t.Errorf("empty data error = %v, want ErrEmptyUpload", err)
	}
	if _, err := coord.Upload(context.Background(), "printer-01", "", testData(10), UploadOptions{}); !errors.Is(err, ErrInvalidFilename) {
		t.Errorf("empty filename error = %v, want ErrInvalidFilename", err)
	}
	if _, err := coord.Upload(context.Background(), "", "part.gcode", testData(10), UploadOptions{}); !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("empty device error = %v, want ErrProtocol", err)
	}
}

func TestCoordinator_RejectsConcurrentUploadSameDevice(t *testing.T) {
	bus := newFakeBus()
	committer := &fakeCommitter{
		started: make(chan struct{}),
		unblock: make(chan struct{}),
	}
	coord := NewCoordinator(bus, committer, 1, 0)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Upload(context.Background(), "printer-01", "a.gcode", testData(10), UploadOptions{})
		done <- err
	}()

	// Wait until the first upload is parked in its commit.
	select {
	case <-committer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first upload never reached commit")
	}

	if got := coord.ActiveState("printer-01"); got != StateCommitting {
		t.Errorf("ActiveState() = %q, want committing", got)
	}

	_, err := coord.Upload(context.Background(), "printer-01", "b.gcode", testData(10), UploadOptions{})
	if !errors.Is(err, ErrUploadInProgress) {
		t.Errorf("second upload error = %v, want ErrUploadInProgress", err)
	}

	close(committer.unblock)
	if err := <-done; err != nil {
		t.Errorf("first upload error = %v", err)
	}

	if got := coord.ActiveState("printer-01"); got != "" {
		t.Errorf("ActiveState() after finish = %q, want empty", got)
	}
}

func TestCoordinator_ParallelUploadsDistinctDevices(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 0)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			device := fmt.Sprintf("printer-%02d", i)
			_, errs[i] = coord.Upload(context.Background(), device, "part.gcode", testData(100), UploadOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Upload() [%d] error = %v", i, err)
		}
	}
}

func TestCoordinator_ProgressMonotonicCappedAt99(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 100)

	var mu sync.Mutex
	var seen []float64
	_, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(1000), UploadOptions{
		OnProgress: func(percent float64) {
			mu.Lock()
			seen = append(seen, percent)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Errorf("progress regressed: %v then %v", seen[i-1], seen[i])
		}
	}
	// Local accounting stays below 100 until the device confirms.
	for _, p := range seen[:len(seen)-1] {
		if p > 99 {
			t.Errorf("pre-commit progress %v exceeds 99", p)
		}
	}
	if final := seen[len(seen)-1]; final != 100 {
		t.Errorf("final progress = %v, want 100", final)
	}
}

func TestCoordinator_ProgressReflectsBytesSent(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 100)

	var mu sync.Mutex
	var seen []float64
	// 250 bytes at 100 per chunk: the short final chunk means byte-based
	// progress (40, 80) diverges from chunk-count ratios (33.3, 66.7).
	_, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(250), UploadOptions{
		OnProgress: func(percent float64) {
			mu.Lock()
			seen = append(seen, percent)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []float64{40, 80, 99, 100}
	if len(seen) != len(want) {
		t.Fatalf("progress = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestCoordinator_DeviceProgressTakesPrecedence(t *testing.T) {
	bus := newFakeBus()
	committer := &fakeCommitter{progress: []float64{99.5}}
	coord := NewCoordinator(bus, committer, 1, 0)

	var mu sync.Mutex
	var seen []float64
	_, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(10), UploadOptions{
		OnProgress: func(percent float64) {
			mu.Lock()
			seen = append(seen, percent)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawDevice bool
	for _, p := range seen {
		if p == 99.5 {
			sawDevice = true
		}
	}
	if !sawDevice {
		t.Errorf("device progress 99.5 not surfaced; saw %v", seen)
	}
	if seen[len(seen)-1] != 100 {
		t.Errorf("final progress = %v, want 100", seen[len(seen)-1])
	}
}

func TestCoordinator_CommitFailurePropagates(t *testing.T) {
	bus := newFakeBus()
	deviceErr := &protocol.DeviceError{DeviceID: "printer-01", Code: "E_CHECKSUM", Message: "size mismatch"}
	committer := &fakeCommitter{err: deviceErr}
	history := &fakeHistory{}

	coord := NewCoordinator(bus, committer, 1, 0)
	coord.SetHistory(history)

	_, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(10), UploadOptions{})
	var devErr *protocol.DeviceError
	if !errors.As(err, &devErr) {
		t.Fatalf("Upload() error = %v, want *DeviceError", err)
	}

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.finished) != 1 {
		t.Fatalf("got %d finish records, want 1", len(history.finished))
	}
	if history.finished[0].status != StateFailed {
		t.Errorf("recorded status = %q, want failed", history.finished[0].status)
	}
	if history.finished[0].errText == "" {
		t.Error("recorded failure has no error text")
	}
}

func TestCoordinator_PublishFailureAborts(t *testing.T) {
	bus := newFakeBus()
	bus.publishErr = fmt.Errorf("connection lost")
	committer := &fakeCommitter{}
	coord := NewCoordinator(bus, committer, 1, 0)

	_, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(10), UploadOptions{})
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("Upload() error = %v, want ErrTransport", err)
	}

	committer.mu.Lock()
	defer committer.mu.Unlock()
	if len(committer.commits) != 0 {
		t.Error("commit sent despite chunk failure")
	}
}

func TestCoordinator_ContextCancellationMidSend(t *testing.T) {
	bus := newFakeBus()
	bus.blockCh = make(chan struct{}, 1)
	bus.blockCh <- struct{}{} // first chunk proceeds, second blocks

	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Upload(ctx, "printer-01", "part.gcode", testData(100), UploadOptions{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	bus.blockCh <- struct{}{}
	close(bus.blockCh)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Upload() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Upload() did not return after cancel")
	}
}

func TestCoordinator_HistoryRecordsLifecycle(t *testing.T) {
	bus := newFakeBus()
	history := &fakeHistory{}
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 1024)
	coord.SetHistory(history)

	receipt, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(2500), UploadOptions{})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	history.mu.Lock()
	defer history.mu.Unlock()
	if len(history.created) != 1 {
		t.Fatalf("got %d create records, want 1", len(history.created))
	}
	created := history.created[0]
	if created.UploadID != receipt.UploadID || created.DeviceID != "printer-01" {
		t.Errorf("created record = %+v", created)
	}
	if created.SizeBytes != 2500 || created.Chunks != 3 {
		t.Errorf("created record size=%d chunks=%d, want 2500/3", created.SizeBytes, created.Chunks)
	}

	if len(history.finished) != 1 {
		t.Fatalf("got %d finish records, want 1", len(history.finished))
	}
	if history.finished[0].status != StateSucceeded {
		t.Errorf("recorded status = %q, want succeeded", history.finished[0].status)
	}
}

func TestCoordinator_TransferObserver(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 1024)

	type observation struct {
		deviceID  string
		bytes     int64
		succeeded bool
	}
	var mu sync.Mutex
	var observed []observation
	coord.SetTransferObserver(func(deviceID string, bytes int64, _ time.Duration, succeeded bool) {
		mu.Lock()
		observed = append(observed, observation{deviceID: deviceID, bytes: bytes, succeeded: succeeded})
		mu.Unlock()
	})

	if _, err := coord.Upload(context.Background(), "printer-01", "part.gcode", testData(2500), UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	failing := NewCoordinator(bus, &fakeCommitter{err: protocol.ErrTimeout}, 1, 1024)
	failing.SetTransferObserver(func(deviceID string, bytes int64, _ time.Duration, succeeded bool) {
		mu.Lock()
		observed = append(observed, observation{deviceID: deviceID, bytes: bytes, succeeded: succeeded})
		mu.Unlock()
	})
	if _, err := failing.Upload(context.Background(), "printer-02", "part.gcode", testData(100), UploadOptions{}); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Upload() error = %v, want ErrTimeout", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 {
		t.Fatalf("got %d observations, want 2", len(observed))
	}
	if observed[0].deviceID != "printer-01" || observed[0].bytes != 2500 || !observed[0].succeeded {
		t.Errorf("success observation = %+v", observed[0])
	}
	if observed[1].deviceID != "printer-02" || observed[1].bytes != 100 || observed[1].succeeded {
		t.Errorf("failure observation = %+v", observed[1])
	}
}

func TestCoordinator_SingleChunkUpload(t *testing.T) {
	bus := newFakeBus()
	coord := NewCoordinator(bus, &fakeCommitter{}, 1, 0)

	data := []byte("G28\n")
	receipt, err := coord.Upload(context.Background(), "printer-01", "tiny.gcode", data, UploadOptions{})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if receipt.Chunks != 1 {
		t.Errorf("Receipt.Chunks = %d, want 1", receipt.Chunks)
	}

	envs := bus.chunks(t)
	if envs[0].Filename != "tiny.gcode" || envs[0].TotalSize != int64(len(data)) {
		t.Errorf("single chunk metadata = %+v", envs[0])
	}
}
