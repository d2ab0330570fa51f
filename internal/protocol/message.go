package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType discriminates the closed set of message variants carried on
// device topics. Anything outside this set is rejected with ErrProtocol
// instead of propagating shapeless data.
type MessageType string

// Command families published by the core.
const (
	TypeHome           MessageType = "home"
	TypeMove           MessageType = "move"
	TypeSetTemperature MessageType = "set_temperature"
	TypeGcode          MessageType = "gcode"
	TypeWiFiScan       MessageType = "wifi_scan"
	TypeWiFiJoin       MessageType = "wifi_join"
	TypeStatusQuery    MessageType = "status"
	TypeUploadChunk    MessageType = "upload_chunk"
	TypeUploadCommit   MessageType = "upload_commit"
)

// Message variants published by devices on result topics.
const (
	TypeResult   MessageType = "result"
	TypeProgress MessageType = "progress"
)

// Envelope is the wire form of one protocol message. Only the fields
// relevant to the variant are populated; the JSON encoding omits the rest.
//
// Correlation: commands carry ID, the upload sub-protocol carries UploadID.
// Devices echo whichever token they received, which is how responses find
// their pending request.
type Envelope struct {
	// Type discriminates the message variant.
	Type MessageType `json:"type"`

	// ID is the correlation token for command request/response pairs.
	ID string `json:"id,omitempty"`

	// UploadID identifies an upload session; it doubles as the correlation
	// token for the commit result.
	UploadID string `json:"upload_id,omitempty"`

	// Index is the chunk sequence number (upload chunks only, from 0).
	Index *int `json:"index,omitempty"`

	// Filename and TotalSize describe the upload; sent on chunk 0 only.
	Filename  string `json:"filename,omitempty"`
	TotalSize int64  `json:"total_size,omitempty"`

	// DataB64 is the base64 text of a raw byte chunk.
	DataB64 string `json:"data_b64,omitempty"`

	// Size is the decoded byte count of the chunk, for device-side verification.
	Size int `json:"size,omitempty"`

	// Timestamp is the sender-side clock in nanoseconds, echoed by the
	// device for latency instrumentation.
	Timestamp int64 `json:"timestamp,omitempty"`

	// Params carries command-specific values (axes, temperatures, SSIDs).
	Params map[string]any `json:"params,omitempty"`
}

// CorrelationToken returns the token responses will echo: the command ID,
// or the upload ID for the upload sub-protocol.
func (e *Envelope) CorrelationToken() string {
	if e.ID != "" {
		return e.ID
	}
	return e.UploadID
}

// Encode marshals the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", e.Type, err)
	}
	return data, nil
}

// NewCommand builds a command envelope of the given type. The correlation
// token is assigned by the correlator at send time.
func NewCommand(msgType MessageType, params map[string]any) *Envelope {
	return &Envelope{
		Type:   msgType,
		Params: params,
	}
}

// NewUploadChunk builds one chunk of an upload. Chunk 0 is distinguished:
// it alone carries the filename and total size, bounding per-message
// metadata overhead.
func NewUploadChunk(uploadID string, index int, data []byte, filename string, totalSize int64) *Envelope {
	idx := index
	env := &Envelope{
		Type:     TypeUploadChunk,
		UploadID: uploadID,
		Index:    &idx,
		DataB64:  base64.StdEncoding.EncodeToString(data),
		Size:     len(data),
	}
	if index == 0 {
		env.Filename = filename
		env.TotalSize = totalSize
	}
	return env
}

// NewUploadCommit builds the commit message that finalises an upload.
func NewUploadCommit(uploadID string) *Envelope {
	return &Envelope{
		Type:     TypeUploadCommit,
		UploadID: uploadID,
	}
}

// Result is a decoded message from a device result topic.
type Result struct {
	// Type is TypeResult (terminal) or TypeProgress (intermediate).
	Type MessageType

	// Token is the echoed correlation token (command ID or upload ID).
	Token string

	// OK reports device-side success for terminal results.
	OK bool

	// Code and Message carry device-supplied failure detail when OK is false.
	Code    string
	Message string

	// Percent is the device-reported completion for progress messages.
	Percent float64

	// Data is the command-specific response payload, if any.
	Data json.RawMessage

	// Timestamp is the echoed sender-side clock (nanoseconds), zero if absent.
	Timestamp int64
}

// Terminal reports whether this result settles its pending request.
// Progress messages are intermediate and never settle.
func (r *Result) Terminal() bool {
	return r.Type == TypeResult
}

// resultWire mirrors the JSON shape of result-topic messages. The ok field
// is a pointer so a terminal result without a verdict is detectable.
type resultWire struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	UploadID  string          `json:"upload_id"`
	OK        *bool           `json:"ok"`
	Code      string          `json:"code"`
	Error     string          `json:"error"`
	Percent   float64         `json:"percent"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// ParseResult decodes and validates a result-topic payload.
//
// Malformed payloads fail with ErrProtocol. Callers log and drop such
// messages rather than letting them disturb the dispatch loop; stale
// traffic for an already-settled request is a normal occurrence.
func ParseResult(payload []byte) (*Result, error) {
	var wire resultWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	switch wire.Type {
	case TypeResult, TypeProgress:
	default:
		return nil, fmt.Errorf("%w: unexpected result type %q", ErrProtocol, wire.Type)
	}

	token := wire.ID
	if token == "" {
		token = wire.UploadID
	}
	if token == "" {
		return nil, fmt.Errorf("%w: result carries no correlation token", ErrProtocol)
	}

	res := &Result{
		Type:      wire.Type,
		Token:     token,
		Code:      wire.Code,
		Message:   wire.Error,
		Percent:   wire.Percent,
		Data:      wire.Data,
		Timestamp: wire.Timestamp,
	}

	if wire.Type == TypeResult {
		if wire.OK == nil {
			return nil, fmt.Errorf("%w: terminal result without ok field", ErrProtocol)
		}
		res.OK = *wire.OK
	}

	if wire.Type == TypeProgress && (wire.Percent < 0 || wire.Percent > 100) {
		return nil, fmt.Errorf("%w: progress percent %v out of range", ErrProtocol, wire.Percent)
	}

	return res, nil
}
