// ABOUTME: HTTP endpoints for discovery, client registration, authorization and token exchange
// ABOUTME: Translates engine errors into OAuth error responses

package oauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/easel-gateway/internal/httpx"
)

const maxRegistrationBytes = 64 << 10

// Handler serves the OAuth HTTP surface for a Provider.
type Handler struct {
	provider *Provider
	limit    httpx.RateLimitConfig
}

// NewHandler creates a Handler. Credential-accepting endpoints are rate
// limited per client IP with httpx.StrictLimit.
func NewHandler(p *Provider) *Handler {
	return &Handler{provider: p, limit: httpx.StrictLimit}
}

// RegisterRoutes mounts the OAuth endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	limited := func(fn http.HandlerFunc) http.Handler {
		return httpx.RateLimit(h.limit, httpx.ClientIP)(fn)
	}

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleServerMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/mcp", h.handleResourceMetadata)
	mux.Handle("POST /register", limited(h.handleRegister))
	mux.HandleFunc("GET /authorize", h.handleAuthorizeForm)
	mux.Handle("POST /authorize", limited(h.handleAuthorizeSubmit))
	mux.Handle("POST /token", limited(h.handleToken))
}

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (p *Provider) ResourceMetadataURL() string {
	return p.issuer + "/.well-known/oauth-protected-resource"
}

func (h *Handler) handleServerMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.provider.issuer
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{PKCEMethodS256},
		"token_endpoint_auth_methods_supported": []string{"none"},
	})
}

func (h *Handler) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := h.provider.issuer
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"resource":                 issuer + "/mcp",
		"authorization_servers":    []string{issuer},
		"bearer_methods_supported": []string{"header"},
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegistrationBytes+1))
	if err != nil {
		invalidRequest("could not read request body").WriteError(w)
		return
	}
	if len(body) > maxRegistrationBytes {
		invalidRequest("registration document too large").WriteError(w)
		return
	}

	var reg ClientRegistration
	if err := json.Unmarshal(body, &reg); err != nil {
		invalidRequest("registration must be a JSON object").WriteError(w)
		return
	}
	if len(reg.RedirectURIs) == 0 {
		invalidRequest("redirect_uris is required").WriteError(w)
		return
	}
	for _, uri := range reg.RedirectURIs {
		if !validRedirectURI(uri) {
			invalidRequest("invalid redirect_uri: " + uri).WriteError(w)
			return
		}
	}
	if reg.TokenEndpointAuthMethod == "" {
		reg.TokenEndpointAuthMethod = "none"
	}
	if len(reg.GrantTypes) == 0 {
		reg.GrantTypes = []string{"authorization_code"}
	}
	if len(reg.ResponseTypes) == 0 {
		reg.ResponseTypes = []string{"code"}
	}
	reg.Raw = bytes.Clone(body)

	client := h.provider.registry.Register(reg)
	httpx.LoggerFrom(r.Context()).Info("client registered",
		"client_id", client.ID,
		"client_name", client.Name,
	)

	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ID,
		"client_id_issued_at":        client.IssuedAt.Unix(),
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
	})
}

func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Fragment != "" {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return u.Host != ""
	default:
		// Native apps register private-use schemes.
		return true
	}
}

// authorizationRequest pulls the flow parameters out of a query or form.
func authorizationRequest(values url.Values) (string, AuthorizationParams) {
	method := strings.TrimSpace(values.Get("code_challenge_method"))
	if method == "" {
		method = PKCEMethodS256
	}
	return strings.TrimSpace(values.Get("client_id")), AuthorizationParams{
		RedirectURI:         strings.TrimSpace(values.Get("redirect_uri")),
		CodeChallenge:       strings.TrimSpace(values.Get("code_challenge")),
		CodeChallengeMethod: method,
		State:               values.Get("state"),
		Scopes:              httpx.ParseSpaceDelimitedFields(values.Get("scope")),
	}
}

// validateAuthorization resolves the client and checks the request parameters.
func (h *Handler) validateAuthorization(clientID string, params AuthorizationParams) (*RegisteredClient, *Error) {
	if clientID == "" {
		return nil, invalidRequest("client_id is required")
	}
	client, ok := h.provider.registry.Lookup(clientID)
	if !ok {
		return nil, errUnknownClient
	}
	if params.RedirectURI == "" {
		return nil, invalidRequest("redirect_uri is required")
	}
	if !client.HasRedirectURI(params.RedirectURI) {
		return nil, invalidRequest("redirect_uri is not registered for this client")
	}
	if params.CodeChallenge == "" {
		return nil, invalidRequest("code_challenge is required")
	}
	if params.CodeChallengeMethod != PKCEMethodS256 {
		return nil, invalidRequest("code_challenge_method must be S256")
	}
	return client, nil
}

func (h *Handler) handleAuthorizeForm(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("response_type") != "code" {
		errUnsupportedResponseType.WriteError(w)
		return
	}

	clientID, params := authorizationRequest(query)
	client, oauthErr := h.validateAuthorization(clientID, params)
	if oauthErr != nil {
		oauthErr.WriteError(w)
		return
	}

	httpx.NoCache(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	if err := h.provider.BeginAuthorization(w, client, params); err != nil {
		httpx.LoggerFrom(r.Context()).Error("failed to render authorize form", "error", err)
	}
}

func (h *Handler) handleAuthorizeSubmit(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		invalidRequest("expected a form submission").WriteError(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		invalidRequest("could not parse form").WriteError(w)
		return
	}

	clientID, params := authorizationRequest(r.PostForm)
	client, oauthErr := h.validateAuthorization(clientID, params)
	if oauthErr != nil {
		oauthErr.WriteError(w)
		return
	}

	secret := r.PostForm.Get("api_key")
	if strings.TrimSpace(secret) == "" {
		invalidRequest("api_key is required").WriteError(w)
		return
	}

	redirectURL, err := h.provider.CompleteAuthorization(client, params, secret)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			invalidRequest(err.Error()).WriteError(w)
			return
		}
		httpx.LoggerFrom(r.Context()).Error("failed to complete authorization", "error", err)
		errServer.WriteError(w)
		return
	}

	httpx.NoCache(w)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		invalidRequest("could not parse form").WriteError(w)
		return
	}

	switch grant := r.PostForm.Get("grant_type"); grant {
	case "authorization_code":
		h.exchangeAuthorizationCode(w, r)
	case "refresh_token":
		if _, err := h.provider.ExchangeRefreshToken(r.PostForm.Get("refresh_token")); errors.Is(err, ErrUnsupported) {
			errUnsupportedGrant.WriteError(w)
			return
		}
		errServer.WriteError(w)
	case "":
		invalidRequest("grant_type is required").WriteError(w)
	default:
		errUnsupportedGrant.WriteError(w)
	}
}

func (h *Handler) exchangeAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	logger := httpx.LoggerFrom(r.Context())

	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	if code == "" {
		invalidRequest("code is required").WriteError(w)
		return
	}
	if verifier == "" {
		invalidRequest("code_verifier is required").WriteError(w)
		return
	}

	grant, err := h.provider.peek(code)
	if err != nil {
		errInvalidGrant.WriteError(w)
		return
	}
	if clientID := r.PostForm.Get("client_id"); clientID != "" && clientID != grant.clientID {
		logger.Warn("token request client mismatch", "client_id", clientID)
		errInvalidGrant.WriteError(w)
		return
	}
	if uri := r.PostForm.Get("redirect_uri"); uri != "" && uri != grant.params.RedirectURI {
		errInvalidGrant.WriteError(w)
		return
	}

	challenge, err := h.provider.CodeChallenge(code)
	if err != nil {
		errInvalidGrant.WriteError(w)
		return
	}
	if !verifyCodeVerifier(challenge, verifier) {
		logger.Warn("pkce verification failed", "client_id", grant.clientID)
		(&Error{
			StatusCode:  http.StatusBadRequest,
			Code:        ErrorCodeInvalidGrant,
			Description: "code_verifier does not match code_challenge",
		}).WriteError(w)
		return
	}

	resp, err := h.provider.ExchangeCode(code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			errInvalidGrant.WriteError(w)
			return
		}
		logger.Error("token exchange failed", "error", err)
		errServer.WriteError(w)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}
