package mqtt

import "fmt"

// Topic families for device-scoped communication. Every topic carries the
// device ID as its last segment; the families separate command traffic,
// results, and the chunked upload sub-protocol so that subscriptions stay
// narrow.
const (
	// TopicPrefixControl carries JSON commands to a device.
	TopicPrefixControl = "control"

	// TopicPrefixResult carries command results and progress from a device.
	TopicPrefixResult = "result"

	// TopicPrefixUpload carries upload chunks to a device.
	TopicPrefixUpload = "upload"

	// TopicPrefixUploadCommit carries the upload finalisation message.
	TopicPrefixUploadCommit = "upload_commit"

	// TopicPrefixUploadResult carries upload progress and commit results.
	TopicPrefixUploadResult = "upload_result"

	// TopicPrefixStatus carries unsolicited device status (telemetry).
	TopicPrefixStatus = "status"
)

// Topics provides builders for PrintMesh MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.Control("printer-01")
//	// Returns: "control/printer-01"
type Topics struct{}

// Control returns the command topic for a device.
//
// Example: control/printer-01
func (Topics) Control(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixControl, deviceID)
}

// Result returns the command result topic for a device.
//
// Example: result/printer-01
func (Topics) Result(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixResult, deviceID)
}

// Upload returns the chunk topic for a device upload.
//
// Example: upload/printer-01
func (Topics) Upload(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixUpload, deviceID)
}

// UploadCommit returns the commit topic for a device upload.
//
// Example: upload_commit/printer-01
func (Topics) UploadCommit(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixUploadCommit, deviceID)
}

// UploadResult returns the upload result topic for a device.
//
// Example: upload_result/printer-01
func (Topics) UploadResult(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixUploadResult, deviceID)
}

// Status returns the unsolicited status topic for a device.
//
// Example: status/printer-01
func (Topics) Status(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixStatus, deviceID)
}

// AllResults returns a pattern matching result topics for all devices.
//
// Pattern: result/+
func (Topics) AllResults() string {
	return TopicPrefixResult + "/+"
}

// AllUploadResults returns a pattern matching upload results for all devices.
//
// Pattern: upload_result/+
func (Topics) AllUploadResults() string {
	return TopicPrefixUploadResult + "/+"
}

// AllStatus returns a pattern matching status topics for all devices.
//
// Pattern: status/+
func (Topics) AllStatus() string {
	return TopicPrefixStatus + "/+"
}
