// Package auth provides request identity helpers shared by easel-gateway's
// HTTP surfaces.
//
// # Identities
//
// Two kinds of credential reach the gateway:
//
//   - OAuth bearer tokens issued by the oauth package. They identify a
//     registered client and carry an upstream API key server side.
//   - Operator JWTs, HS256 signed with auth.jwt_secret and carrying
//     role=operator. They guard the /admin endpoints.
//
// Both end up as an *AuthContext in the request context:
//
//	authCtx := auth.FromContext(r.Context())
//
// # Operator Tokens
//
// Mint a token with the CLI:
//
//	easel-gateway token --name alice
//
// and send it as:
//
//	Authorization: Bearer <token>
package auth
