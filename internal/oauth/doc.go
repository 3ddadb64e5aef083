// Package oauth implements the in-memory authorization server that lets a
// user trade an upstream API key for an opaque bearer token.
//
// # Flow
//
//  1. The client registers itself (POST /register, RFC 7591) and receives a
//     client_id.
//  2. It sends the user to GET /authorize with a PKCE S256 challenge. The
//     user sees a form whose only input is their API key.
//  3. Submitting the form (POST /authorize) stores a single-use code bound to
//     the key and redirects back to the client with ?code=...&state=...
//  4. The client calls POST /token with the code and its code_verifier and
//     receives a bearer token valid for auth.token_ttl.
//
// The gateway later calls Provider.ResolveSecret with that token to recover
// the key for the session it opens.
//
// # Lifetimes
//
// Clients live for the lifetime of the process. Codes are consumed on first
// exchange and expire after auth.code_ttl. Tokens are never refreshed; an
// expired token is evicted the first time it is read and the user must
// authorize again. A housekeeping loop sweeps anything left behind.
//
// Nothing is persisted.
package oauth
