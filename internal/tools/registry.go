// ABOUTME: Registry of in-process MCP tools and per-session bindings
// ABOUTME: A binding carries the upstream API key resolved for one session

// Package tools defines the MCP tool surface exposed to sessions.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Tool errors.
var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolCollision  = errors.New("tool name collision")
	ErrSecretRequired = errors.New("no API key bound to this session")
)

// Handler executes a tool. secret is the upstream API key bound to the
// calling session and may be empty.
type Handler func(ctx context.Context, secret string, input json.RawMessage) (json.RawMessage, error)

// Definition describes a tool to MCP clients.
type Definition struct {
	Name            string
	Description     string
	InputSchemaJSON string
	// RequiresSecret rejects calls from sessions without an API key.
	RequiresSecret bool
}

// Tool is a definition paired with its handler.
type Tool struct {
	Definition Definition
	Handler    Handler
}

// Pack is a named group of tools registered together.
type Pack struct {
	ID    string
	Tools []*Tool
}

type entry struct {
	tool   *Tool
	packID string
}

// Registry holds every tool the gateway exposes.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
}

// RegisterPack adds every tool in pack. Nothing is registered if any name
// is already taken.
func (r *Registry) RegisterPack(pack *Pack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range pack.Tools {
		name := tool.Definition.Name
		if existing, ok := r.tools[name]; ok {
			return fmt.Errorf("%w: tool '%s' already registered by %s", ErrToolCollision, name, existing.packID)
		}
	}
	for _, tool := range pack.Tools {
		r.tools[tool.Definition.Name] = &entry{tool: tool, packID: pack.ID}
	}

	r.logger.Info("tool pack registered", "pack_id", pack.ID, "tool_count", len(pack.Tools))
	return nil
}

// Definitions lists every tool, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.tool.Definition)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// ToolSet is the tool surface one session sees.
type ToolSet interface {
	List() []Definition
	Call(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
}

// Bind returns the ToolSet for a session holding secret.
func (r *Registry) Bind(secret string) ToolSet {
	return &binding{registry: r, secret: secret}
}

type binding struct {
	registry *Registry
	secret   string
}

func (b *binding) List() []Definition {
	return b.registry.Definitions()
}

func (b *binding) Call(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	tool, ok := b.registry.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if tool.Definition.RequiresSecret && b.secret == "" {
		return nil, ErrSecretRequired
	}
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage(`{}`)
	}
	return tool.Handler(ctx, b.secret, input)
}
