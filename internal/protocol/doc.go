// Package protocol implements the command protocol spoken with PrintMesh
// edge devices over the MQTT transport.
//
// MQTT is one-way pub/sub; this package layers request/response semantics
// on top of it. Commands are JSON envelopes published to a device's
// control topic, tagged with a UUID correlation token. Devices echo the
// token on their result topic, where the Correlator matches the response
// to its pending request. Every request has a deadline: no response means
// ErrTimeout, never an indefinite hang.
//
// Architecture:
//   - message.go: wire envelopes, result parsing, the closed message set
//   - correlator.go: correlation table, per-request settle-exactly-once
//   - latency.go: sliding window of round-trip samples
//   - errors.go: failure taxonomy (timeout / transport / protocol / device)
//
// Usage:
//
//	corr := protocol.NewCorrelator(client, 1, 10*time.Second)
//	defer corr.Close()
//
//	cmd := protocol.NewCommand(protocol.TypeHome, nil)
//	res, err := corr.Request(ctx, "printer-01", cmd, protocol.RequestOptions{})
//	if err != nil {
//	    var devErr *protocol.DeviceError
//	    switch {
//	    case errors.Is(err, protocol.ErrTimeout):
//	        // device unreachable or busy
//	    case errors.As(err, &devErr):
//	        // device rejected the command
//	    }
//	}
//	_ = res
package protocol
