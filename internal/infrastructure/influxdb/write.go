package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteLatencySample records one command round-trip measurement.
//
// This is the primary telemetry feed: the request correlator exports each
// round-trip sample here. The write is non-blocking; data is batched and
// sent asynchronously.
//
// Parameters:
//   - deviceID: Unique identifier for the device (e.g., "printer-01")
//   - rtt: Round-trip time from command publish to result dispatch
func (c *Client) WriteLatencySample(deviceID string, rtt time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_latency",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"rtt_ms": float64(rtt.Microseconds()) / 1000,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTransferMetric records the outcome of one chunked upload.
//
// Parameters:
//   - deviceID: Device identifier
//   - bytes: Raw payload size transferred
//   - duration: Total time from first chunk to commit verdict
//   - succeeded: Whether the device confirmed the upload
func (c *Client) WriteTransferMetric(deviceID string, bytes int64, duration time.Duration, succeeded bool) {
	if !c.IsConnected() {
		return
	}

	status := "failed"
	if succeeded {
		status = "succeeded"
	}

	fields := map[string]interface{}{
		"bytes":       bytes,
		"duration_ms": float64(duration.Microseconds()) / 1000,
	}
	if succeeded && duration > 0 {
		fields["throughput_bps"] = float64(bytes) / duration.Seconds()
	}

	point := write.NewPoint(
		"transfer",
		map[string]string{
			"device_id": deviceID,
			"status":    status,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceStatus records a device's self-reported temperatures and job
// progress from its status topic.
//
// Parameters:
//   - deviceID: Device identifier
//   - state: Job state tag (idle, printing, paused, error)
//   - fields: Numeric status readings (temperatures, progress)
func (c *Client) WriteDeviceStatus(deviceID, state string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"device_id": deviceID,
			"state":     state,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
