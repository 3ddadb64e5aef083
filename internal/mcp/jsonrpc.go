// ABOUTME: JSON-RPC 2.0 message types and boundary validation for MCP
// ABOUTME: Raw bytes are classified once into requests, notifications or responses

package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// MessageKind classifies an inbound JSON-RPC message.
type MessageKind int

const (
	KindRequest MessageKind = iota + 1
	KindNotification
	KindResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is a validated inbound message. ID is set for requests and
// responses; Method and Params for requests and notifications.
type Message struct {
	Kind   MessageKind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// IsInitialize reports whether m opens a session.
func (m *Message) IsInitialize() bool {
	return m.Kind == KindRequest && m.Method == "initialize"
}

// wireMessage is the union of every field a JSON-RPC message may carry.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// ParseMessage validates data as a single JSON-RPC 2.0 message. Failures are
// returned as *JSONRPCError so they can be sent back as-is; the ID of a
// request that parsed far enough is kept in the returned Message.
func ParseMessage(data []byte) (*Message, *JSONRPCError) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "empty message"}
	}
	if trimmed[0] == '[' {
		return nil, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "batch requests are not supported"}
	}

	var wire wireMessage
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, &JSONRPCError{Code: JSONRPCParseError, Message: "invalid JSON"}
	}

	hasID := len(wire.ID) > 0 && string(wire.ID) != "null"
	msg := &Message{Method: wire.Method, Params: wire.Params}
	if hasID {
		msg.ID = wire.ID
	}

	if wire.JSONRPC != "2.0" {
		return msg, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "invalid JSON-RPC version"}
	}

	switch {
	case wire.Method != "" && hasID:
		msg.Kind = KindRequest
	case wire.Method != "":
		msg.Kind = KindNotification
	case hasID && (len(wire.Result) > 0 || len(wire.Error) > 0):
		msg.Kind = KindResponse
	default:
		return msg, &JSONRPCError{Code: JSONRPCInvalidRequest, Message: "message is neither a request, notification nor response"}
	}
	return msg, nil
}

func encodeResult(id json.RawMessage, result any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: nullID(id), Result: result})
}

func encodeError(id json.RawMessage, rpcErr *JSONRPCError) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", ID: nullID(id), Error: rpcErr})
}

// nullID keeps "id": null in error responses to unidentifiable requests.
func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
