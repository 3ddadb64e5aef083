// Package gateway wires the easel-gateway components together and owns
// their lifecycle.
//
// # Components
//
// New builds, from a *config.Config:
//
//   - an oauth.Provider and its HTTP handler, when auth.enabled is set and no
//     static API key is configured
//   - a session.Table and the session.Reclaimer that sweeps it
//   - the tools.Registry shared by every session
//   - the mcp.Server serving POST/DELETE /mcp
//   - an auth.JWTVerifier for the admin routes, when auth.jwt_secret is set
//
// # HTTP API
//
//   - GET /health: liveness, always "OK"
//   - GET /status: session and client counts, secret mode, version
//   - GET /admin/sessions: live sessions, oldest first (operator JWT)
//   - DELETE /admin/sessions/{id}: force-close a session (operator JWT)
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run listens on server.http_addr, or on a tsnet node when tailscale.enabled
// is set (plain :80, HTTPS :443 with tailnet certificates, or Funnel). When
// Run returns it has already called Shutdown, which stops the reclaimer and
// the OAuth housekeeping loop, closes every session, and then shuts down the
// HTTP server and the tailnet node, all within five seconds.
//
// RunStdio is the local alternative: one session on stdin/stdout bound to
// auth.static_api_key, with no HTTP listener at all.
package gateway
