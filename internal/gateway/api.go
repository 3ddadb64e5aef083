// ABOUTME: Health, status and operator admin HTTP endpoints
// ABOUTME: Admin routes list and force-close sessions behind an operator JWT

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/easel-gateway/internal/auth"
	"github.com/2389/easel-gateway/internal/httpx"
	"github.com/2389/easel-gateway/internal/session"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Sessions    int    `json:"sessions"`
	AuthEnabled bool   `json:"auth_enabled"`
	Clients     int    `json:"clients"`
	Version     string `json:"version"`
	SecretMode  string `json:"secret_mode"`
	Uptime      string `json:"uptime"`
}

// ListSessionsResponse is the JSON response for GET /admin/sessions.
type ListSessionsResponse struct {
	Sessions    []session.Info `json:"sessions"`
	IdleTimeout string         `json:"idle_timeout"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /status", g.handleStatus)

	operator := auth.RequireOperator(g.verifier)
	mux.Handle("GET /admin/sessions", operator(http.HandlerFunc(g.handleListSessions)))
	mux.Handle("DELETE /admin/sessions/{id}", operator(http.HandlerFunc(g.handleCloseSession)))
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Sessions:    g.sessions.Len(),
		AuthEnabled: g.provider != nil,
		Version:     Version,
		SecretMode:  g.SecretMode(),
		Uptime:      g.uptime().String(),
	}
	if g.provider != nil {
		resp.Clients = g.provider.Registry().Len()
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) uptime() time.Duration {
	return time.Since(g.startedAt).Truncate(time.Second)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions:    g.sessions.Snapshot(),
		IdleTimeout: g.sessions.IdleTimeout().String(),
	})
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.sessions.Close(id) {
		httpx.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	operator := auth.MustFromContext(r.Context())
	httpx.LoggerFrom(r.Context()).Info("session closed by operator", "session_id", id, "operator", operator.Subject)
	w.WriteHeader(http.StatusNoContent)
}
