// Package wire defines the control-channel message types exchanged with
// the automation daemon: one JSON object per WebSocket text message.
package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is advertised in the hello frame.
const ProtocolVersion = "1.2.0"

// Request is an inbound command from the daemon. IDs are opaque and
// supplied by the peer; the bridge never generates or deduplicates them.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the reply for exactly one accepted Request. ID echoes the
// originating request so the peer can correlate out-of-order replies.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Hello is the handshake frame the bridge sends right after the channel
// opens. Capabilities is the full ordered method catalog and does not
// change for the lifetime of the connection.
type Hello struct {
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// NewHello builds the handshake frame for the given capability list.
func NewHello(capabilities []string) Hello {
	return Hello{Type: "hello", Version: ProtocolVersion, Capabilities: capabilities}
}

// OKResponse wraps a handler result in a success envelope.
func OKResponse(id string, result any) Response {
	return Response{ID: id, OK: true, Result: result}
}

// ErrResponse wraps a handler failure in the uniform failure envelope.
func ErrResponse(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

// ParseRequest decodes one inbound frame. On failure it attempts a
// best-effort recovery of the request id so the caller can still address
// an error response; the returned id is "" when nothing was recoverable.
func ParseRequest(data []byte) (*Request, string, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, recoverID(data), fmt.Errorf("parse request: %w", err)
	}
	if req.Method == "" {
		return nil, req.ID, fmt.Errorf("parse request: missing method")
	}
	return &req, req.ID, nil
}

// recoverID pulls an id out of a frame that failed full decoding.
func recoverID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// DecodeParams unmarshals request params into a typed handler argument.
// A missing params object decodes as the zero value so optional fields
// fall back to handler defaults.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
