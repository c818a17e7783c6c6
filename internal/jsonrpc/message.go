// ABOUTME: JSON-RPC 2.0 message envelope and classification helpers.
// ABOUTME: A single struct carries requests, responses and notifications.

package jsonrpc

import (
	"bytes"
	"strconv"

	"github.com/2389/coven-relay/internal/jsonx"
)

// Version is the only protocol version this package speaks.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeRequestFailed  = -32803
)

// Message is a JSON-RPC object: request (id+method), notification (method
// only) or response (id with result or error).
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      jsonx.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  jsonx.RawMessage `json:"params,omitempty"`
	Result  jsonx.RawMessage `json:"result,omitempty"`
	Error   *WireError       `json:"error,omitempty"`
}

// WireError is the error member of a response.
type WireError struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Data    jsonx.RawMessage `json:"data,omitempty"`
}

func (m *Message) hasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.hasID() }

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool { return m.Method != "" && !m.hasID() }

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool { return m.Method == "" }

// IntID returns the numeric id of the message. String ids holding digits are
// accepted because some peers echo ids back quoted.
func (m *Message) IntID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	raw := bytes.TrimSpace(m.ID)
	if raw[0] == '"' {
		var s string
		if err := jsonx.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	return n, err == nil
}

func encodeID(id int64) jsonx.RawMessage {
	return jsonx.RawMessage(strconv.FormatInt(id, 10))
}

func marshalParams(params any) (jsonx.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case jsonx.RawMessage:
		return p, nil
	default:
		return jsonx.Marshal(params)
	}
}

// NewRequest builds a request message with the given numeric id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: encodeID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// Decode parses one message body.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := jsonx.Unmarshal(body, &msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON-RPC message", Err: err}
	}
	return &msg, nil
}
