// Package session keeps the table of live MCP sessions.
//
// A session is created when a client sends initialize without an
// Mcp-Session-Id header. Its ID is 32 random bytes and works as a
// capability: anyone holding it can address the session.
//
//	sess, err := table.Create(transport, factory, clientID)
//	resp, err := table.Route(ctx, sess.ID(), body)
//
// Every Route bumps the session's last activity. The Reclaimer sweeps the
// table on a fixed interval and closes sessions idle for longer than
// sessions.idle_timeout. A request that races the sweep may see
// ErrTransportClosed; the client starts over the same way it would after
// ErrNotFound.
//
// The adapter for a session is built once, with the secret resolved when the
// session opened. It is not re-resolved if the bearer token later expires.
package session
