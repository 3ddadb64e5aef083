// ABOUTME: MCP Streamable HTTP endpoint that opens, routes and closes sessions
// ABOUTME: Resolves the upstream API key for each new session from config or bearer token

package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/2389/easel-gateway/internal/auth"
	"github.com/2389/easel-gateway/internal/httpx"
	"github.com/2389/easel-gateway/internal/oauth"
	"github.com/2389/easel-gateway/internal/session"
	"github.com/2389/easel-gateway/internal/tools"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// SessionHeader carries the session ID on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

// Config holds configuration for the MCP server.
type Config struct {
	Sessions *session.Table
	Tools    *tools.Registry
	// Provider verifies bearer tokens. Nil when auth is disabled.
	Provider *oauth.Provider
	// StaticAPIKey, when set, is used for every session and bypasses the
	// provider entirely.
	StaticAPIKey string
	Server       ServerInfo
	Logger       *slog.Logger
}

// Server implements the MCP Streamable HTTP endpoint.
type Server struct {
	sessions  *session.Table
	tools     *tools.Registry
	provider  *oauth.Provider
	staticKey string
	info      ServerInfo
	logger    *slog.Logger

	warnOnce sync.Once
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session table is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("tool registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		sessions:  cfg.Sessions,
		tools:     cfg.Tools,
		provider:  cfg.Provider,
		staticKey: cfg.StaticAPIKey,
		info:      cfg.Server,
		logger:    logger,
	}, nil
}

// SecretMode describes where session API keys come from.
func (s *Server) SecretMode() string {
	switch {
	case s.staticKey != "":
		return "static"
	case s.provider != nil:
		return "oauth"
	default:
		return "bearer-passthrough"
	}
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux. With OAuth
// enabled, POST and DELETE require a valid bearer token.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	protect := func(h http.HandlerFunc) http.Handler { return h }
	if s.staticKey == "" && s.provider != nil {
		protect = func(h http.HandlerFunc) http.Handler { return s.provider.BearerMiddleware(h) }
	}

	mux.Handle("POST /mcp", protect(s.handlePost))
	mux.Handle("DELETE /mcp", protect(s.handleDelete))
	mux.HandleFunc("GET /mcp", func(w http.ResponseWriter, r *http.Request) {
		// We don't support server-initiated SSE streams
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	})
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	logger := httpx.LoggerFrom(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		s.openSession(w, r, body)
		return
	}

	// Validate protocol version header (not required on initialize)
	if v := r.Header.Get("Mcp-Protocol-Version"); v != "" && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !s.authorizeSession(w, r, sessionID) {
		return
	}

	resp, err := s.sessions.Route(r.Context(), sessionID, body)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrTransportClosed):
		// Session expired or invalid - client must re-initialize
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	case err != nil:
		logger.Error("session dispatch failed", "session_id", sessionID, "error", err)
		s.sendJSONRPCError(w, nil, JSONRPCInternalError, "internal error")
		return
	}

	s.writeResponse(w, resp)
}

// openSession handles a request without a session ID, which must be initialize.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request, body []byte) {
	logger := httpx.LoggerFrom(r.Context())

	msg, rpcErr := ParseMessage(body)
	if rpcErr != nil {
		var id json.RawMessage
		if msg != nil {
			id = msg.ID
		}
		s.sendJSONRPCError(w, id, rpcErr.Code, rpcErr.Message)
		return
	}
	if !msg.IsInitialize() {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	secret, clientID, err := s.resolveSecret(r)
	if err != nil {
		logger.Info("rejected session open", "reason", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	factory := func(id string) (session.Adapter, error) {
		return NewAdapter(AdapterConfig{
			SessionID: id,
			Tools:     s.tools.Bind(secret),
			Server:    s.info,
			Logger:    s.logger,
		}), nil
	}

	sess, err := s.sessions.Create(NewTransport(), factory, clientID)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		s.sendJSONRPCError(w, msg.ID, JSONRPCInternalError, "internal error")
		return
	}

	resp, err := s.sessions.Route(r.Context(), sess.ID(), body)
	if err != nil {
		logger.Error("initialize dispatch failed", "session_id", sess.ID(), "error", err)
		s.sessions.Close(sess.ID())
		s.sendJSONRPCError(w, msg.ID, JSONRPCInternalError, "internal error")
		return
	}

	// Set the session ID header so the client can use it on subsequent requests
	w.Header().Set(SessionHeader, sess.ID())
	s.writeResponse(w, resp)
}

// resolveSecret picks the API key for a new session: the configured static
// key, then the key carried by a verified bearer token, and finally, with
// auth disabled, the raw bearer value itself.
func (s *Server) resolveSecret(r *http.Request) (secret, clientID string, err error) {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		clientID = authCtx.Subject
	}

	if s.staticKey != "" {
		return s.staticKey, clientID, nil
	}

	token, errMsg := auth.ExtractBearerToken(r.Header.Get("Authorization"))

	if s.provider != nil {
		if errMsg != "" {
			return "", "", errors.New(errMsg)
		}
		secret, err := s.provider.ResolveSecret(token)
		if err != nil {
			return "", "", err
		}
		return secret, clientID, nil
	}

	s.warnOnce.Do(func() {
		s.logger.Warn("auth disabled: using unverified bearer header as API key")
	})
	return token, "", nil
}

// authorizeSession rejects requests for a session opened by another client.
func (s *Server) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	sess, ok := s.sessions.Lookup(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return false
	}

	owner := sess.ClientID()
	if owner == "" {
		return true
	}
	if authCtx := auth.FromContext(r.Context()); authCtx == nil || authCtx.Subject != owner {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// handleDelete terminates a session per the Streamable HTTP spec.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !s.authorizeSession(w, r, sessionID) {
		return
	}

	s.sessions.Close(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// writeResponse sends an adapter reply; nil means the message needed none.
func (s *Server) writeResponse(w http.ResponseWriter, resp []byte) {
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		s.logger.Warn("failed to write MCP response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp, err := encodeError(id, &JSONRPCError{Code: code, Message: message})
	if err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeResponse(w, resp)
}
