// Package rpc implements the JSON-RPC 2.0 wire format used between the
// daemon and its clients: one JSON document per connection, no pipelining,
// no streaming framing.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/zarvent/v2m-daemon/internal/apperr"
)

// ProtocolVersion is the only accepted value for the "jsonrpc" field.
const ProtocolVersion = "2.0"

// Request is a decoded JSON-RPC request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *ID             `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id (no response
// is ever emitted for it).
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// ID is a request/response correlation id: an integer, a string, or absent.
// The zero value (both fields empty) represents "absent" only when used via
// a nil *ID; a present ID always has exactly one of the two fields set.
type ID struct {
	strVal string
	intVal int64
	isStr  bool
}

// NewIntID creates an integer-valued ID.
func NewIntID(v int64) *ID { return &ID{intVal: v} }

// NewStringID creates a string-valued ID.
func NewStringID(v string) *ID { return &ID{strVal: v, isStr: true} }

// MarshalJSON implements json.Marshaler.
func (i *ID) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}
	if i.isStr {
		return json.Marshal(i.strVal)
	}
	return json.Marshal(i.intVal)
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.isStr = true
		i.strVal = s
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		i.isStr = false
		i.intVal = n
		return nil
	}
	return fmt.Errorf("rpc: id must be a string or integer")
}

// Equal reports whether two IDs (possibly nil) carry the same value.
func (i *ID) Equal(other *ID) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.isStr != other.isStr {
		return false
	}
	if i.isStr {
		return i.strVal == other.strVal
	}
	return i.intVal == other.intVal
}

// WireError is the JSON-RPC error object embedded in a Response.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response is an encodable JSON-RPC response envelope. Exactly one of
// Result/Error is populated.
type Response struct {
	JSONRPC string     `json:"jsonrpc"`
	Result  any        `json:"result,omitempty"`
	Error   *WireError `json:"error,omitempty"`
	ID      *ID        `json:"id"`
}

// NewResult builds a successful response.
func NewResult(id *ID, result any) *Response {
	return &Response{JSONRPC: ProtocolVersion, Result: result, ID: id}
}

// NewError builds an error response with the given wire code.
func NewError(id *ID, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: ProtocolVersion,
		Error:   &WireError{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// NewErrorFromApp builds an error response from an *apperr.Error, encoding
// its kind into the message the way the taxonomy specifies (spec §7: "the
// kind encoded in message").
func NewErrorFromApp(id *ID, err *apperr.Error) *Response {
	return NewError(id, err.JSONRPCCode(), err.Error(), nil)
}

// Encode serializes a response to its wire bytes.
func Encode(resp *Response) ([]byte, error) {
	if resp.JSONRPC == "" {
		resp.JSONRPC = ProtocolVersion
	}
	return json.Marshal(resp)
}

// Decode parses raw request bytes. On success it returns a *Request; on a
// wire-level failure it returns a *Response already shaped as the matching
// error (ParseError for malformed JSON, InvalidEnvelope for a missing or
// wrong "jsonrpc" tag or a malformed params shape), so callers only ever
// need to check which return value is non-nil.
func Decode(data []byte) (*Request, *Response) {
	if len(data) == 0 {
		return nil, NewError(nil, -32700, "Parse error: empty input", nil)
	}

	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		ID      *ID             `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewError(nil, -32700, "Parse error", err.Error())
	}

	if raw.JSONRPC != ProtocolVersion {
		return nil, NewError(raw.ID, -32600, "Invalid Request: jsonrpc must be \"2.0\"", nil)
	}
	if raw.Method == "" {
		return nil, NewError(raw.ID, -32600, "Invalid Request: method is required", nil)
	}
	if len(raw.Params) > 0 {
		var asArray []json.RawMessage
		var asObject map[string]json.RawMessage
		isArray := json.Unmarshal(raw.Params, &asArray) == nil
		isObject := !isArray && json.Unmarshal(raw.Params, &asObject) == nil
		if !isArray && !isObject {
			return nil, NewError(raw.ID, -32600, "Invalid Request: params must be a list or mapping", nil)
		}
	}

	return &Request{
		JSONRPC: raw.JSONRPC,
		Method:  raw.Method,
		Params:  raw.Params,
		ID:      raw.ID,
	}, nil
}
