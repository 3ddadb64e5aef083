// ABOUTME: Per-session MCP adapter answering initialize, ping and tool calls
// ABOUTME: Each adapter is bound to one session's tool set and API key

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/easel-gateway/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// ServerInfo identifies the gateway in initialize responses.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	SessionID string
	Tools     tools.ToolSet
	Server    ServerInfo
	Logger    *slog.Logger
}

// Adapter turns MCP messages into tool set calls for one session.
type Adapter struct {
	tools  tools.ToolSet
	server ServerInfo
	logger *slog.Logger

	mu              sync.Mutex
	protocolVersion string
}

// NewAdapter creates an adapter.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionID != "" {
		logger = logger.With("session_id", cfg.SessionID)
	}
	return &Adapter{
		tools:  cfg.Tools,
		server: cfg.Server,
		logger: logger,
	}
}

// ProtocolVersion returns the version negotiated by initialize, or "" before it.
func (a *Adapter) ProtocolVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.protocolVersion
}

// HandleMessage processes one raw JSON-RPC message and returns the encoded
// response, or nil for notifications and client responses. Protocol errors
// are encoded into the response; a returned error means encoding failed.
func (a *Adapter) HandleMessage(ctx context.Context, raw []byte) ([]byte, error) {
	msg, rpcErr := ParseMessage(raw)
	if rpcErr != nil {
		var id json.RawMessage
		if msg != nil {
			id = msg.ID
		}
		return encodeError(id, rpcErr)
	}

	switch msg.Kind {
	case KindNotification:
		if strings.HasPrefix(msg.Method, "notifications/") {
			a.logger.Debug("accepted MCP notification", "method", msg.Method)
		} else {
			a.logger.Warn("received notification for non-notification method", "method", msg.Method)
		}
		return nil, nil
	case KindResponse:
		a.logger.Debug("ignoring client response", "id", string(msg.ID))
		return nil, nil
	}

	switch msg.Method {
	case "initialize":
		return a.handleInitialize(msg)
	case "ping":
		return encodeResult(msg.ID, struct{}{})
	case "tools/list":
		return a.handleToolsList(msg)
	case "tools/call":
		return a.handleToolsCall(ctx, msg)
	default:
		return encodeError(msg.ID, &JSONRPCError{Code: JSONRPCMethodNotFound, Message: "method not found"})
	}
}

func (a *Adapter) handleInitialize(msg *Message) ([]byte, error) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return encodeError(msg.ID, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"})
		}
	}

	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	a.mu.Lock()
	a.protocolVersion = version
	a.mu.Unlock()

	a.logger.Info("MCP session initialized",
		"protocol_version", version,
		"client_name", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
	)

	return encodeResult(msg.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": a.server,
	})
}

func (a *Adapter) handleToolsList(msg *Message) ([]byte, error) {
	defs := a.tools.List()
	result := MCPListToolsResult{Tools: make([]MCPToolInfo, len(defs))}
	for i, def := range defs {
		schema := def.InputSchemaJSON
		if schema == "" {
			schema = `{"type":"object"}`
		}
		result.Tools[i] = MCPToolInfo{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: json.RawMessage(schema),
		}
	}

	a.logger.Debug("tools/list", "count", len(defs))
	return encodeResult(msg.ID, result)
}

func (a *Adapter) handleToolsCall(ctx context.Context, msg *Message) ([]byte, error) {
	var params MCPCallToolParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return encodeError(msg.ID, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "invalid params"})
		}
	}
	if params.Name == "" {
		return encodeError(msg.ID, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool name is required"})
	}

	// Generate request ID for correlation
	requestID := uuid.New().String()
	logger := a.logger.With("tool_name", params.Name, "request_id", requestID)
	logger.Debug("tools/call")

	output, err := a.tools.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		return a.toolError(msg.ID, logger, err)
	}

	result := MCPCallToolResult{Content: []MCPContent{{Type: "text", Text: string(output)}}}
	logger.Debug("tools/call complete")
	return encodeResult(msg.ID, result)
}

// toolError maps tool failures. Unknown tools are protocol errors; anything
// else is reported inside the tool result so the model can see it.
func (a *Adapter) toolError(id json.RawMessage, logger *slog.Logger, err error) ([]byte, error) {
	logger.Warn("tool execution failed", "error", err)

	message := "tool execution failed"
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return encodeError(id, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool not found"})
	case errors.Is(err, tools.ErrSecretRequired):
		message = "no API key is configured for this session; reconnect and authorize again"
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}

	return encodeResult(id, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: message}},
		IsError: true,
	})
}
