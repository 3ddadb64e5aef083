// ABOUTME: Bearer token middleware for resources protected by the provider
// ABOUTME: Attaches the verified client identity to the request context

package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/easel-gateway/internal/auth"
	"github.com/2389/easel-gateway/internal/httpx"
)

// BearerMiddleware admits requests carrying a live access token. Rejections
// are 401 with a WWW-Authenticate challenge pointing at the resource
// metadata document, which is how MCP clients discover the authorization
// server.
func (p *Provider) BearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			p.challenge(w, "", errMsg)
			return
		}

		info, err := p.VerifyToken(token)
		if err != nil {
			desc := "invalid access token"
			if errors.Is(err, ErrExpiredToken) {
				desc = "access token expired"
			}
			httpx.LoggerFrom(r.Context()).Debug("bearer rejected", "reason", err)
			p.challenge(w, ErrorCodeInvalidToken, desc)
			return
		}

		authCtx := &auth.AuthContext{
			Subject:   info.ClientID,
			Scopes:    info.Scopes,
			ExpiresAt: info.ExpiresAt,
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAuth(r.Context(), authCtx)))
	})
}

func (p *Provider) challenge(w http.ResponseWriter, code, desc string) {
	value := fmt.Sprintf(`Bearer resource_metadata=%q`, p.ResourceMetadataURL())
	if code != "" {
		value = fmt.Sprintf(`Bearer error=%q, error_description=%q, resource_metadata=%q`,
			code, desc, p.ResourceMetadataURL())
	}
	w.Header().Set("WWW-Authenticate", value)

	if code == "" {
		code = ErrorCodeInvalidToken
	}
	(&Error{StatusCode: http.StatusUnauthorized, Code: code, Description: desc}).WriteError(w)
}
