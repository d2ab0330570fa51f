package transfer

import "errors"

// Transfer error definitions.
var (
	// ErrEmptyUpload is returned when an upload has no payload bytes.
	ErrEmptyUpload = errors.New("transfer: upload has no data")

	// ErrUploadInProgress is returned when a device already has an active
	// upload. One upload per device at a time; chunks from interleaved
	// uploads would corrupt the device-side reassembly.
	ErrUploadInProgress = errors.New("transfer: upload already in progress for device")

	// ErrInvalidFilename is returned when the target filename is empty.
	ErrInvalidFilename = errors.New("transfer: filename must not be empty")

	// ErrTransferNotFound is returned when a transfer record does not exist.
	ErrTransferNotFound = errors.New("transfer: record not found")
)
