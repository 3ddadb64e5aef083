// ABOUTME: Authorization engine: issues single-use codes and bearer tokens carrying an API key
// ABOUTME: All grants and tokens are memory resident and lost on restart

package oauth

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// Engine errors. ErrInvalidToken wraps ErrNotFound; ErrExpiredToken does not,
// so diagnostics can tell the two apart.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidToken = fmt.Errorf("invalid token: %w", ErrNotFound)
	ErrExpiredToken = errors.New("token expired")
	ErrUnsupported  = errors.New("unsupported grant")
	ErrMalformed    = errors.New("malformed request")
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "bearer"

// AuthorizationParams are the request parameters echoed through the approval
// form and stored with the issued code.
type AuthorizationParams struct {
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scopes              []string
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// AuthInfo describes a verified token. It never includes the carried secret.
type AuthInfo struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
}

type pendingAuthorization struct {
	clientID  string
	params    AuthorizationParams
	secret    string
	createdAt time.Time
}

type issuedToken struct {
	clientID  string
	scopes    []string
	expiresAt time.Time
	secret    string
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Registry *Registry
	// Issuer is the external base URL, used in metadata documents.
	Issuer   string
	TokenTTL time.Duration
	CodeTTL  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Provider is the in-memory authorization engine.
type Provider struct {
	registry *Registry
	issuer   string
	tokenTTL time.Duration
	codeTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	form     *template.Template
	helpHTML template.HTML

	mu      sync.Mutex
	pending map[string]*pendingAuthorization
	tokens  map[string]*issuedToken

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewProvider creates a Provider. Registry is required.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}
	if cfg.CodeTTL <= 0 {
		return nil, errors.New("code TTL must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	form, helpHTML, err := loadAuthorizeTemplate()
	if err != nil {
		return nil, err
	}

	return &Provider{
		registry: cfg.Registry,
		issuer:   strings.TrimRight(cfg.Issuer, "/"),
		tokenTTL: cfg.TokenTTL,
		codeTTL:  cfg.CodeTTL,
		now:      now,
		logger:   logger,
		form:     form,
		helpHTML: helpHTML,
		pending:  make(map[string]*pendingAuthorization),
		tokens:   make(map[string]*issuedToken),
	}, nil
}

// Registry returns the client registry backing this provider.
func (p *Provider) Registry() *Registry {
	return p.registry
}

// CompleteAuthorization stores a grant carrying secret and returns the URL
// the user agent should be redirected to. Only presence is checked here;
// callers must have re-resolved client from its ID.
func (p *Provider) CompleteAuthorization(client *RegisteredClient, params AuthorizationParams, secret string) (string, error) {
	if client == nil || client.ID == "" {
		return "", fmt.Errorf("%w: client is required", ErrMalformed)
	}
	if params.RedirectURI == "" {
		return "", fmt.Errorf("%w: redirect_uri is required", ErrMalformed)
	}
	if params.CodeChallenge == "" {
		return "", fmt.Errorf("%w: code_challenge is required", ErrMalformed)
	}
	if secret == "" {
		return "", fmt.Errorf("%w: api key is required", ErrMalformed)
	}

	target, err := url.Parse(params.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: redirect_uri: %v", ErrMalformed, err)
	}

	code, err := randomToken(codeSize)
	if err != nil {
		return "", err
	}

	grant := &pendingAuthorization{
		clientID:  client.ID,
		params:    params,
		secret:    secret,
		createdAt: p.now(),
	}
	grant.params.Scopes = slices.Clone(params.Scopes)

	p.mu.Lock()
	p.pending[code] = grant
	p.mu.Unlock()

	q := target.Query()
	q.Set("code", code)
	if params.State != "" {
		q.Set("state", params.State)
	}
	target.RawQuery = q.Encode()

	p.logger.Info("authorization code issued", "client_id", client.ID)
	return target.String(), nil
}

// peek returns a copy of the pending grant for code without consuming it.
// Expired grants are evicted and reported as not found.
func (p *Provider) peek(code string) (pendingAuthorization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	grant, ok := p.pending[code]
	if !ok {
		return pendingAuthorization{}, ErrNotFound
	}
	if p.now().Sub(grant.createdAt) > p.codeTTL {
		delete(p.pending, code)
		return pendingAuthorization{}, ErrNotFound
	}
	return *grant, nil
}

// CodeChallenge returns the PKCE challenge stored with code. The code is not consumed.
func (p *Provider) CodeChallenge(code string) (string, error) {
	grant, err := p.peek(code)
	if err != nil {
		return "", err
	}
	return grant.params.CodeChallenge, nil
}

// ExchangeCode consumes code and issues a bearer token. Unknown, expired and
// already consumed codes all fail with ErrNotFound.
func (p *Provider) ExchangeCode(code string) (*TokenResponse, error) {
	p.mu.Lock()
	grant, ok := p.pending[code]
	delete(p.pending, code)
	p.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	now := p.now()
	if now.Sub(grant.createdAt) > p.codeTTL {
		return nil, ErrNotFound
	}

	token, err := randomToken(tokenSize)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.tokens[token] = &issuedToken{
		clientID:  grant.clientID,
		scopes:    grant.params.Scopes,
		expiresAt: now.Add(p.tokenTTL),
		secret:    grant.secret,
	}
	p.mu.Unlock()

	p.logger.Info("access token issued",
		"client_id", grant.clientID,
		"expires_in", p.tokenTTL,
	)

	return &TokenResponse{
		AccessToken: token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(p.tokenTTL.Seconds()),
		Scope:       strings.Join(grant.params.Scopes, " "),
	}, nil
}

// ExchangeRefreshToken always fails: refresh tokens are never issued.
func (p *Provider) ExchangeRefreshToken(string) (*TokenResponse, error) {
	return nil, ErrUnsupported
}

// lookupToken returns the token record, evicting it if expired.
func (p *Provider) lookupToken(token string) (issuedToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.tokens[token]
	if !ok {
		return issuedToken{}, ErrInvalidToken
	}
	if p.now().After(rec.expiresAt) {
		delete(p.tokens, token)
		p.logger.Debug("evicted expired token", "client_id", rec.clientID)
		return issuedToken{}, ErrExpiredToken
	}
	return *rec, nil
}

// VerifyToken returns the identity behind token.
func (p *Provider) VerifyToken(token string) (*AuthInfo, error) {
	rec, err := p.lookupToken(token)
	if err != nil {
		return nil, err
	}
	return &AuthInfo{
		ClientID:  rec.clientID,
		Scopes:    slices.Clone(rec.scopes),
		ExpiresAt: rec.expiresAt,
	}, nil
}

// ResolveSecret returns the upstream API key carried by token.
func (p *Provider) ResolveSecret(token string) (string, error) {
	rec, err := p.lookupToken(token)
	if err != nil {
		return "", err
	}
	return rec.secret, nil
}

// Sweep evicts expired pending grants and tokens, returning how many of each
// were removed.
func (p *Provider) Sweep() (codes, tokens int) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for code, grant := range p.pending {
		if now.Sub(grant.createdAt) > p.codeTTL {
			delete(p.pending, code)
			codes++
		}
	}
	for token, rec := range p.tokens {
		if now.After(rec.expiresAt) {
			delete(p.tokens, token)
			tokens++
		}
	}
	return codes, tokens
}

// StartHousekeeping runs Sweep every interval until Stop is called.
func (p *Provider) StartHousekeeping(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if codes, tokens := p.Sweep(); codes+tokens > 0 {
					p.logger.Debug("oauth housekeeping", "expired_codes", codes, "expired_tokens", tokens)
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop halts housekeeping and waits for it to exit. Safe to call more than
// once, and without a prior StartHousekeeping.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		if p.stopCh == nil {
			return
		}
		close(p.stopCh)
		<-p.doneCh
	})
}

// Counts reports the number of pending grants and live tokens.
func (p *Provider) Counts() (pending, tokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending), len(p.tokens)
}
