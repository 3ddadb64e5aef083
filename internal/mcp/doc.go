// Package mcp implements the Model Context Protocol surface of easel-gateway.
//
// # Transports
//
// Two transports share one Adapter implementation:
//
//   - Streamable HTTP (Server): POST /mcp carries one JSON-RPC message per
//     request and the reply comes back in the response body. DELETE /mcp ends
//     a session. GET /mcp answers 405; there is no server-initiated stream.
//   - stdio (ServeStdio): one message per line on stdin, one reply per line on
//     stdout. Used by `easel-gateway stdio` for local, single-user setups.
//
// # Sessions
//
// An HTTP request without an Mcp-Session-Id header must be initialize. The
// server resolves the API key for the new session, creates it in the
// session table and returns its ID in the Mcp-Session-Id response header.
// Later requests must carry that header:
//
//	POST /mcp
//	Mcp-Session-Id: 0cV4...
//	Authorization: Bearer <token>
//
//	{"jsonrpc":"2.0","id":2,"method":"tools/list"}
//
// Unknown or reclaimed sessions get 404 and the client should initialize
// again.
//
// # API key resolution
//
// In order of precedence:
//
//  1. auth.static_api_key from config. The OAuth provider is not consulted.
//  2. The key carried by a verified OAuth bearer token.
//  3. With auth disabled, the raw bearer header value, unverified. Only use
//     this on a trusted network.
//
// # Methods
//
//   - initialize, ping
//   - tools/list, tools/call
//   - notifications/* are accepted with 202 and no body
package mcp
