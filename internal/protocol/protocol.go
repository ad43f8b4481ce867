// Package protocol defines the JSON wire frames exchanged with the server.
// A request carries a process-unique id, a function name, positional args,
// and keyword args; a response echoes the id with either a result or a
// structured error. Poll batches are plain JSON arrays of frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is an outbound call frame.
type Request struct {
	ID       string         `json:"id"`
	Function string         `json:"fn"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`
}

// Response is an inbound frame correlated to a Request by ID. Exactly one of
// Result and Error is meaningful. Frames without an ID are push events, not
// call responses.
type Response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is the structured failure shape reported by the callee.
type WireError struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// EncodeRequest serializes a request frame.
func EncodeRequest(r Request) ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("encoding request: id is required")
	}
	if r.Function == "" {
		return nil, fmt.Errorf("encoding request: function name is required")
	}
	return json.Marshal(r)
}

// DecodeResponse parses a single inbound frame.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding response frame: %w", err)
	}
	return resp, nil
}

// DecodeBatch parses a poll payload: a JSON array of frames. Order is
// preserved; the transport dispatches these to handlers as returned.
func DecodeBatch(data []byte) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var frames []json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("decoding poll batch: %w", err)
	}
	return frames, nil
}
