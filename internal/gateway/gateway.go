// ABOUTME: Gateway orchestrator that wires the OAuth provider, session table and MCP endpoint
// ABOUTME: Manages the HTTP listener (plain TCP or tailnet) and the ordered shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/easel-gateway/internal/auth"
	"github.com/2389/easel-gateway/internal/config"
	"github.com/2389/easel-gateway/internal/httpx"
	"github.com/2389/easel-gateway/internal/mcp"
	"github.com/2389/easel-gateway/internal/oauth"
	"github.com/2389/easel-gateway/internal/session"
	"github.com/2389/easel-gateway/internal/tools"
)

// Version is reported in /status and MCP initialize responses. Set by
// goreleaser at build time.
var Version = "dev"

// shutdownTimeout bounds the whole shutdown sequence once Run returns.
const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the easel-gateway server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	// provider is nil when auth.enabled is false or a static key is set
	provider  *oauth.Provider
	sessions  *session.Table
	reclaimer *session.Reclaimer
	tools     *tools.Registry
	mcpServer *mcp.Server

	// verifier guards the admin endpoints; nil disables them
	verifier auth.TokenVerifier

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	startedAt    time.Time
	shutdownOnce sync.Once
	shutdownErr  error
}

// ServerInfo identifies this build in MCP initialize responses.
func ServerInfo() mcp.ServerInfo {
	return mcp.ServerInfo{Name: "easel-gateway", Version: Version}
}

// NewToolRegistry builds the tool registry shared by every session.
func NewToolRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger.With("component", "tools"))
	info := tools.InfoPack(tools.UpstreamInfo{
		Model:   cfg.Upstream.Model,
		BaseURL: cfg.Upstream.BaseURL,
		Version: Version,
	})
	if err := registry.RegisterPack(info); err != nil {
		return nil, fmt.Errorf("registering info tools: %w", err)
	}
	return registry, nil
}

// New creates a gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:    cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	if cfg.Auth.Enabled && cfg.Auth.StaticAPIKey == "" {
		provider, err := oauth.NewProvider(oauth.ProviderConfig{
			Registry: oauth.NewRegistry(nil),
			Issuer:   cfg.ExternalURL(),
			TokenTTL: cfg.Auth.TokenTTL,
			CodeTTL:  cfg.Auth.CodeTTL,
			Logger:   logger.With("component", "oauth"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating OAuth provider: %w", err)
		}
		gw.provider = provider
	}

	gw.sessions = session.NewTable(session.Config{
		IdleTimeout:  cfg.Sessions.IdleTimeout,
		CloseTimeout: cfg.Sessions.CloseTimeout,
		Logger:       logger.With("component", "sessions"),
	})
	gw.reclaimer = session.NewReclaimer(gw.sessions, cfg.Sessions.SweepInterval, logger.With("component", "reclaimer"))

	registry, err := NewToolRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	gw.tools = registry

	mcpServer, err := mcp.NewServer(mcp.Config{
		Sessions:     gw.sessions,
		Tools:        gw.tools,
		Provider:     gw.provider,
		StaticAPIKey: cfg.Auth.StaticAPIKey,
		Server:       ServerInfo(),
		Logger:       logger.With("component", "mcp"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.mcpServer = mcpServer

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the full HTTP handler, wrapped in request logging.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	if g.provider != nil {
		oauth.NewHandler(g.provider).RegisterRoutes(mux)
	}
	g.mcpServer.RegisterRoutes(mux)
	g.registerAPIRoutes(mux)

	return httpx.LoggingMiddleware(g.logger)(mux)
}

// SecretMode reports where session API keys come from.
func (g *Gateway) SecretMode() string {
	return g.mcpServer.SecretMode()
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts background sweeps and the HTTP server, and blocks until the
// context is canceled or the server fails. Shutdown runs before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.logStartup(ln.Addr().String())

	g.reclaimer.Start()
	if g.provider != nil {
		g.provider.StartHousekeeping(g.config.Sessions.SweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already canceled here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) logStartup(addr string) {
	mode := g.SecretMode()
	g.logger.Info("HTTP server listening",
		"addr", addr,
		"external_url", g.config.ExternalURL(),
		"secret_mode", mode,
		"idle_timeout", g.sessions.IdleTimeout(),
	)
	if mode == "bearer-passthrough" {
		g.logger.Warn("auth disabled: the raw bearer header is used as the upstream API key; only run this on a trusted network")
	}
	if g.verifier == nil {
		g.logger.Info("admin endpoints disabled (auth.jwt_secret not set)")
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "easel-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if g.config.Server.BaseURL == "" && dnsName != "" {
		g.logger.Warn("server.base_url not set; OAuth metadata will advertise the bare hostname", "dns_name", dnsName)
	}
}

// createTailscaleListener picks Funnel, tailnet HTTPS or plain :80.
func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops background sweeps, closes every session, then the HTTP
// listener and tailnet node. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		g.reclaimer.Stop()
		if g.provider != nil {
			g.provider.Stop()
		}

		var errs []error
		errs = appendCloseError(errs, "session close", g.sessions.CloseAll(ctx))
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		g.shutdownErr = errors.Join(errs...)
	})
	return g.shutdownErr
}
