package protocol

import (
	"errors"
	"fmt"
)

// Failure taxonomy surfaced to callers of the protocol layer.
// Use errors.Is() / errors.As() to distinguish the kinds.
var (
	// ErrTimeout is returned when no terminal response arrives for a
	// correlation token within its budget.
	ErrTimeout = errors.New("protocol: request timed out")

	// ErrTransport is returned when a connection-level failure prevented
	// the request from being published.
	ErrTransport = errors.New("protocol: transport failure")

	// ErrProtocol is returned for malformed or unparseable messages on a
	// result topic, and for locally rejected protocol misuse.
	ErrProtocol = errors.New("protocol: malformed message")

	// ErrClosed is returned when the correlator has been shut down.
	ErrClosed = errors.New("protocol: correlator closed")
)

// DeviceError is a terminal response that explicitly signals failure,
// carrying the device-supplied detail.
//
// Matched with errors.As:
//
//	var devErr *protocol.DeviceError
//	if errors.As(err, &devErr) {
//	    log.Printf("device %s said: %s", devErr.DeviceID, devErr.Message)
//	}
type DeviceError struct {
	// DeviceID identifies the device that reported the failure.
	DeviceID string

	// Code is the device's machine-readable error code, if provided.
	Code string

	// Message is the device's human-readable failure description.
	Message string
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("device %s reported failure [%s]: %s", e.DeviceID, e.Code, e.Message)
	}
	return fmt.Sprintf("device %s reported failure: %s", e.DeviceID, e.Message)
}
