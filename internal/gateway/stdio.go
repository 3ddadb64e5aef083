// ABOUTME: Local single-tenant mode serving one MCP session over stdin/stdout
// ABOUTME: The session is bound to the configured static API key

package gateway

import (
	"context"
	"io"
	"log/slog"

	"github.com/2389/easel-gateway/internal/config"
	"github.com/2389/easel-gateway/internal/mcp"
)

// RunStdio serves a single MCP session on in/out until in closes or ctx is
// canceled. Logs must not go to out.
func RunStdio(ctx context.Context, cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := NewToolRegistry(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Auth.StaticAPIKey == "" {
		logger.Warn("auth.static_api_key not set: tools that call the upstream API will fail")
	}

	adapter := mcp.NewAdapter(mcp.AdapterConfig{
		Tools:  registry.Bind(cfg.Auth.StaticAPIKey),
		Server: ServerInfo(),
		Logger: logger.With("component", "mcp"),
	})

	logger.Info("serving MCP over stdio", "tools", len(registry.Definitions()))
	return mcp.ServeStdio(ctx, in, out, adapter, logger.With("component", "stdio"))
}
