// ABOUTME: In-memory registry of dynamically registered OAuth clients
// ABOUTME: Clients are created once, never updated, and looked up by ID only

package oauth

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientRegistration is the caller-supplied part of a client record
// (RFC 7591 metadata). It is immutable once stored.
type ClientRegistration struct {
	Name                    string          `json:"client_name,omitempty"`
	RedirectURIs            []string        `json:"redirect_uris"`
	GrantTypes              []string        `json:"grant_types,omitempty"`
	ResponseTypes           []string        `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string          `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string          `json:"scope,omitempty"`
	Raw                     json.RawMessage `json:"-"`
}

// RegisteredClient is a stored client identity.
type RegisteredClient struct {
	ID       string
	IssuedAt time.Time
	ClientRegistration
}

// DisplayName returns the client name, falling back to the ID.
func (c *RegisteredClient) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// HasRedirectURI reports whether uri was registered for this client.
func (c *RegisteredClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

func (c *RegisteredClient) clone() *RegisteredClient {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.Raw = slices.Clone(c.Raw)
	return &cp
}

// Registry holds registered clients for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*RegisteredClient
	now     func() time.Time
}

// NewRegistry creates an empty registry. A nil now uses time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		clients: make(map[string]*RegisteredClient),
		now:     now,
	}
}

// Register stores a new client with a fresh identifier and issuance time.
func (r *Registry) Register(reg ClientRegistration) *RegisteredClient {
	client := &RegisteredClient{
		ID:                 uuid.NewString(),
		IssuedAt:           r.now(),
		ClientRegistration: reg,
	}
	stored := client.clone()

	r.mu.Lock()
	for {
		if _, taken := r.clients[stored.ID]; !taken {
			break
		}
		stored.ID = uuid.NewString()
	}
	r.clients[stored.ID] = stored
	r.mu.Unlock()

	return stored.clone()
}

// Lookup returns a copy of the client, or false if it is unknown.
func (r *Registry) Lookup(clientID string) (*RegisteredClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}
	return client.clone(), true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
