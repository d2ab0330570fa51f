package printer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/printmesh/printmesh-core/internal/infrastructure/mqtt"
	"github.com/printmesh/printmesh-core/internal/protocol"
	"github.com/printmesh/printmesh-core/internal/transfer"
)

// fakeRequester records issued commands and returns a canned result.
type fakeRequester struct {
	mu       sync.Mutex
	commands []*protocol.Envelope
	devices  []string
	result   *protocol.Result
	err      error
}

func (f *fakeRequester) Request(_ context.Context, deviceID string, cmd *protocol.Envelope, _ protocol.RequestOptions) (*protocol.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.devices = append(f.devices, deviceID)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &protocol.Result{Type: protocol.TypeResult, OK: true}, nil
}

func (f *fakeRequester) last(t *testing.T) *protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		t.Fatal("no command issued")
	}
	return f.commands[len(f.commands)-1]
}

// fakeUploader records upload calls.
type fakeUploader struct {
	mu       sync.Mutex
	deviceID string
	filename string
	data     []byte
}

func (f *fakeUploader) Upload(_ context.Context, deviceID, filename string, data []byte, _ transfer.UploadOptions) (*transfer.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceID = deviceID
	f.filename = filename
	f.data = data
	return &transfer.Receipt{UploadID: "up-1", Chunks: 1, Bytes: int64(len(data))}, nil
}

// statusBus feeds status payloads to subscribed handlers.
type statusBus struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func newStatusBus() *statusBus {
	return &statusBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *statusBus) Connect(_ context.Context) error { return nil }

func (b *statusBus) Publish(_ string, _ []byte, _ byte, _ bool) error { return nil }

func (b *statusBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) (*mqtt.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return &mqtt.Subscription{}, nil
}

func (b *statusBus) deliver(topic string, payload []byte) error {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(topic, payload)
}

func newTestController(requester *fakeRequester) (*Controller, *fakeUploader, *statusBus) {
	uploader := &fakeUploader{}
	bus := newStatusBus()
	return NewController(requester, uploader, bus, 1), uploader, bus
}

func floatPtr(v float64) *float64 { return &v }

func TestController_Home(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, _ := newTestController(requester)

	if err := ctrl.Home(context.Background(), "printer-01"); err != nil {
		t.Fatalf("Home() error = %v", err)
	}
	cmd := requester.last(t)
	if cmd.Type != protocol.TypeHome {
		t.Errorf("command type = %q, want home", cmd.Type)
	}
	if requester.devices[0] != "printer-01" {
		t.Errorf("device = %q", requester.devices[0])
	}
}

func TestController_MoveTo(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, _ := newTestController(requester)

	err := ctrl.MoveTo(context.Background(), "printer-01", Move{
		X:        floatPtr(10.5),
		Z:        floatPtr(0.2),
		Feedrate: 1500,
	})
	if err != nil {
		t.Fatalf("MoveTo() error = %v", err)
	}

	cmd := requester.last(t)
	if cmd.Type != protocol.TypeMove {
		t.Errorf("command type = %q, want move", cmd.Type)
	}
	if cmd.Params["x"] != 10.5 || cmd.Params["z"] != 0.2 {
		t.Errorf("params = %v", cmd.Params)
	}
	if _, present := cmd.Params["y"]; present {
		t.Error("unset axis y included in params")
	}
	if cmd.Params["feedrate"] != float64(1500) {
		t.Errorf("feedrate = %v", cmd.Params["feedrate"])
	}
}

func TestController_MoveToNoAxes(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, _ := newTestController(requester)

	err := ctrl.MoveTo(context.Background(), "printer-01", Move{Feedrate: 1000})
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("MoveTo() error = %v, want ErrProtocol", err)
	}
	if len(requester.commands) != 0 {
		t.Error("command issued for empty move")
	}
}

func TestController_Temperatures(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, _ := newTestController(requester)

	if err := ctrl.SetToolTemperature(context.Background(), "printer-01", 215); err != nil {
		t.Fatalf("SetToolTemperature() error = %v", err)
	}
	cmd := requester.last(t)
	if cmd.Type != protocol.TypeSetTemperature {
		t.Errorf("command type = %q", cmd.Type)
	}
	if cmd.Params["heater"] != "tool" || cmd.Params["target"] != float64(215) {
		t.Errorf("params = %v", cmd.Params)
	}

	if err := ctrl.SetBedTemperature(context.Background(), "printer-01", 60); err != nil {
		t.Fatalf("SetBedTemperature() error = %v", err)
	}
	cmd = requester.last(t)
	if cmd.Params["heater"] != "bed" || cmd.Params["target"] != float64(60) {
		t.Errorf("params = %v", cmd.Params)
	}

	if err := ctrl.SetToolTemperature(context.Background(), "printer-01", -5); !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("negative target error = %v, want ErrProtocol", err)
	}
}

func TestController_SendGcode(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, _ := newTestController(requester)

	if err := ctrl.SendGcode(context.Background(), "printer-01", "M104 S200"); err != nil {
		t.Fatalf("SendGcode() error = %v", err)
	}
	cmd := requester.last(t)
	if cmd.Params["gcode"] != "M104 S200" {
		t.Errorf("params = %v", cmd.Params)
	}

	if err := ctrl.SendGcode(context.Background(), "printer-01", ""); !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("empty gcode error = %v, want ErrProtocol", err)
	}
}

func TestController_ScanWiFi(t *testing.T) {
	data, _ := json.Marshal(map[string]any{
		"networks": []map[string]any{
			{"ssid": "workshop", "rssi": -48, "secured": true},
			{"ssid": "guest", "rssi": -71, "secured": false},
		},
	})
	requester := &fakeRequester{result: &protocol.Result{Type: protocol.TypeResult, OK: true, Data: data}}
	ctrl, _, _ := newTestController(requester)

	networks, err := ctrl.ScanWiFi(context.Background(), "printer-01")
	if err != nil {
		t.Fatalf("ScanWiFi() error = %v", err)
	}
	if len(networks) != 2 {
		t.Fatalf("got %d networks, want 2", len(networks))
	}
	if networks[0].SSID != "workshop" || networks[0].RSSI != -48 || !networks[0].Secured {
		t.Errorf("networks[0] = %+v", networks[0])
	}
}

func TestController_ScanWiFiMalformedResponse(t *testing.T) {
	requester := &fakeRequester{result: &protocol.Result{Type: protocol.TypeResult, OK: true, Data: []byte("{bad")}}
	ctrl, _, _ := newTestController(requester)

	_, err := ctrl.ScanWiFi(context.Background(), "printer-01")
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("ScanWiFi() error = %v, want ErrProtocol", err)
	}
}

func TestController_JoinWiFi(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, _ := newTestController(requester)

	err := ctrl.JoinWiFi(context.Background(), "printer-01", WiFiCredentials{SSID: "workshop", Password: "hunter2"})
	if err != nil {
		t.Fatalf("JoinWiFi() error = %v", err)
	}
	cmd := requester.last(t)
	if cmd.Params["ssid"] != "workshop" || cmd.Params["password"] != "hunter2" {
		t.Errorf("params = %v", cmd.Params)
	}

	if err := ctrl.JoinWiFi(context.Background(), "printer-01", WiFiCredentials{}); !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("empty SSID error = %v, want ErrProtocol", err)
	}
}

func TestController_Status(t *testing.T) {
	data, _ := json.Marshal(StatusReport{
		State:          "printing",
		ToolTemp:       208.4,
		TargetToolTemp: 210,
		BedTemp:        59.8,
		TargetBedTemp:  60,
		JobName:        "bracket.gcode",
		JobProgress:    37.5,
	})
	requester := &fakeRequester{result: &protocol.Result{Type: protocol.TypeResult, OK: true, Data: data}}
	ctrl, _, _ := newTestController(requester)

	report, err := ctrl.Status(context.Background(), "printer-01")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if report.State != "printing" || report.JobProgress != 37.5 {
		t.Errorf("report = %+v", report)
	}
	if report.ToolTemp != 208.4 || report.TargetBedTemp != 60 {
		t.Errorf("report temps = %+v", report)
	}
}

func TestController_DeviceErrorPassthrough(t *testing.T) {
	devErr := &protocol.DeviceError{DeviceID: "printer-01", Code: "E_BUSY", Message: "printing"}
	requester := &fakeRequester{err: devErr}
	ctrl, _, _ := newTestController(requester)

	err := ctrl.Home(context.Background(), "printer-01")
	var got *protocol.DeviceError
	if !errors.As(err, &got) {
		t.Fatalf("Home() error = %v, want *DeviceError", err)
	}
	if got.Code != "E_BUSY" {
		t.Errorf("Code = %q", got.Code)
	}
}

func TestController_UploadGcode(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, uploader, _ := newTestController(requester)

	data := []byte("G28\nG1 X10\n")
	receipt, err := ctrl.UploadGcode(context.Background(), "printer-01", "part.gcode", data, nil)
	if err != nil {
		t.Fatalf("UploadGcode() error = %v", err)
	}
	if receipt.UploadID != "up-1" {
		t.Errorf("receipt = %+v", receipt)
	}

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	if uploader.deviceID != "printer-01" || uploader.filename != "part.gcode" {
		t.Errorf("uploader called with device=%q filename=%q", uploader.deviceID, uploader.filename)
	}
	if string(uploader.data) != string(data) {
		t.Error("upload data altered")
	}
}

func TestController_WatchStatus(t *testing.T) {
	requester := &fakeRequester{}
	ctrl, _, bus := newTestController(requester)

	var mu sync.Mutex
	var reports []StatusReport
	sub, err := ctrl.WatchStatus("printer-01", func(deviceID string, report StatusReport) {
		if deviceID != "printer-01" {
			t.Errorf("handler device = %q", deviceID)
		}
		mu.Lock()
		reports = append(reports, report)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("WatchStatus() error = %v", err)
	}
	defer sub.Unsubscribe()

	payload, _ := json.Marshal(StatusReport{State: "idle", ToolTemp: 24.1})
	if err := bus.deliver("status/printer-01", payload); err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	// Malformed reports are rejected by the handler, not swallowed silently.
	if err := bus.deliver("status/printer-01", []byte("{nope")); err == nil {
		t.Error("malformed status accepted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || reports[0].State != "idle" {
		t.Errorf("reports = %+v", reports)
	}
}
