package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/printmesh/printmesh-core/internal/infrastructure/mqtt"
	"github.com/printmesh/printmesh-core/internal/protocol"
	"github.com/printmesh/printmesh-core/internal/transfer"
)

// Per-operation timeouts. Motion and G-code run on the device's planner
// and respond quickly; WiFi scans block on radio dwell time.
const (
	commandTimeout  = 10 * time.Second
	wifiScanTimeout = 15 * time.Second
	wifiJoinTimeout = 30 * time.Second
)

// Requester issues correlated commands. *protocol.Correlator implements it.
type Requester interface {
	Request(ctx context.Context, deviceID string, cmd *protocol.Envelope, opts protocol.RequestOptions) (*protocol.Result, error)
}

// Uploader streams files to a device. *transfer.Coordinator implements it.
type Uploader interface {
	Upload(ctx context.Context, deviceID, filename string, data []byte, opts transfer.UploadOptions) (*transfer.Receipt, error)
}

// StatusHandler receives unsolicited device status reports.
type StatusHandler func(deviceID string, report StatusReport)

// Controller is the typed command surface for one fleet of printers. It
// translates printer operations into protocol envelopes and decodes the
// device responses into typed results.
type Controller struct {
	requester Requester
	uploader  Uploader
	bus       protocol.Bus
	qos       byte
}

// NewController creates a printer controller.
func NewController(requester Requester, uploader Uploader, bus protocol.Bus, qos byte) *Controller {
	return &Controller{
		requester: requester,
		uploader:  uploader,
		bus:       bus,
		qos:       qos,
	}
}

// Home homes all axes.
func (c *Controller) Home(ctx context.Context, deviceID string) error {
	_, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeHome, nil),
		protocol.RequestOptions{Timeout: commandTimeout})
	return err
}

// MoveTo moves the tool head. At least one axis must be set.
func (c *Controller) MoveTo(ctx context.Context, deviceID string, move Move) error {
	if move.X == nil && move.Y == nil && move.Z == nil {
		return fmt.Errorf("%w: move with no axes", protocol.ErrProtocol)
	}

	params := make(map[string]any)
	if move.X != nil {
		params["x"] = *move.X
	}
	if move.Y != nil {
		params["y"] = *move.Y
	}
	if move.Z != nil {
		params["z"] = *move.Z
	}
	if move.Feedrate > 0 {
		params["feedrate"] = move.Feedrate
	}

	_, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeMove, params),
		protocol.RequestOptions{Timeout: commandTimeout})
	return err
}

// SetToolTemperature sets the hot end target in Celsius.
func (c *Controller) SetToolTemperature(ctx context.Context, deviceID string, celsius float64) error {
	return c.setTemperature(ctx, deviceID, "tool", celsius)
}

// SetBedTemperature sets the heated bed target in Celsius.
func (c *Controller) SetBedTemperature(ctx context.Context, deviceID string, celsius float64) error {
	return c.setTemperature(ctx, deviceID, "bed", celsius)
}

func (c *Controller) setTemperature(ctx context.Context, deviceID, heater string, celsius float64) error {
	if celsius < 0 {
		return fmt.Errorf("%w: negative temperature target %v", protocol.ErrProtocol, celsius)
	}
	_, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeSetTemperature, map[string]any{
			"heater": heater,
			"target": celsius,
		}),
		protocol.RequestOptions{Timeout: commandTimeout})
	return err
}

// SendGcode executes a raw G-code line on the device.
func (c *Controller) SendGcode(ctx context.Context, deviceID, gcode string) error {
	if gcode == "" {
		return fmt.Errorf("%w: empty gcode", protocol.ErrProtocol)
	}
	_, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeGcode, map[string]any{"gcode": gcode}),
		protocol.RequestOptions{Timeout: commandTimeout})
	return err
}

// ScanWiFi asks the device to scan for access points.
func (c *Controller) ScanWiFi(ctx context.Context, deviceID string) ([]WiFiNetwork, error) {
	res, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeWiFiScan, nil),
		protocol.RequestOptions{Timeout: wifiScanTimeout})
	if err != nil {
		return nil, err
	}

	var data struct {
		Networks []WiFiNetwork `json:"networks"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: decoding wifi scan response: %w", protocol.ErrProtocol, err)
	}
	return data.Networks, nil
}

// JoinWiFi joins the device to an access point. The device answers before
// switching networks; a broker reconnect on the device side is expected
// afterwards.
func (c *Controller) JoinWiFi(ctx context.Context, deviceID string, creds WiFiCredentials) error {
	if creds.SSID == "" {
		return fmt.Errorf("%w: empty SSID", protocol.ErrProtocol)
	}
	_, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeWiFiJoin, map[string]any{
			"ssid":     creds.SSID,
			"password": creds.Password,
		}),
		protocol.RequestOptions{Timeout: wifiJoinTimeout})
	return err
}

// Status queries the device for a state snapshot.
func (c *Controller) Status(ctx context.Context, deviceID string) (*StatusReport, error) {
	res, err := c.requester.Request(ctx, deviceID,
		protocol.NewCommand(protocol.TypeStatusQuery, nil),
		protocol.RequestOptions{Timeout: commandTimeout})
	if err != nil {
		return nil, err
	}

	var report StatusReport
	if err := json.Unmarshal(res.Data, &report); err != nil {
		return nil, fmt.Errorf("%w: decoding status response: %w", protocol.ErrProtocol, err)
	}
	return &report, nil
}

// UploadGcode streams a G-code file to the device.
func (c *Controller) UploadGcode(ctx context.Context, deviceID, filename string, data []byte, onProgress func(percent float64)) (*transfer.Receipt, error) {
	return c.uploader.Upload(ctx, deviceID, filename, data, transfer.UploadOptions{
		OnProgress: onProgress,
	})
}

// WatchStatus subscribes to a device's unsolicited status reports.
// Malformed reports are dropped. The returned subscription survives
// reconnects until unsubscribed.
func (c *Controller) WatchStatus(deviceID string, handler StatusHandler) (*mqtt.Subscription, error) {
	topics := mqtt.Topics{}
	return c.bus.Subscribe(topics.Status(deviceID), c.qos, func(_ string, payload []byte) error {
		var report StatusReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return fmt.Errorf("decoding status report: %w", err)
		}
		handler(deviceID, report)
		return nil
	})
}
