// ABOUTME: Entry point for easel-gateway, the MCP front door for the image API
// ABOUTME: Subcommands serve over HTTP, serve over stdio, mint operator tokens and probe health

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/easel-gateway/internal/auth"
	"github.com/2389/easel-gateway/internal/config"
	"github.com/2389/easel-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                      _
  ___  __ _ ___  ___| |       __ _  __ _| |_ _____      ____ _ _   _
 / _ \/ _' / __|/ _ \ |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  __/ (_| \__ \  __/ |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___|\__,_|___/\___|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                             |___/                             |___/
`

// defaultTokenTTL is the lifetime of operator tokens minted by "token".
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the gateway config file.
// Priority: EASEL_CONFIG env var > XDG_CONFIG_HOME/easel/gateway.yaml > ~/.config/easel/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("EASEL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "easel", "gateway.yaml")
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist so that a bare "easel-gateway stdio" works out of the box.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

func usage() {
	fmt.Println("Usage: easel-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the HTTP gateway (MCP Streamable HTTP + OAuth)")
	fmt.Println("  stdio                  Serve one MCP session on stdin/stdout")
	fmt.Println("  init                   Write a starter config file")
	fmt.Println("  token --name NAME      Mint an operator token for the admin endpoints")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  status                 Show session and client counts")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway.Version = version

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "stdio":
		err = runStdio(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, found, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if found {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Printf("Config:    (defaults, %s not found)\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("URL:       %s\n", cfg.ExternalURL())
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	switch {
	case cfg.Auth.StaticAPIKey != "":
		yellow.Println("static API key")
	case cfg.Auth.Enabled:
		cyan.Println("oauth")
	default:
		yellow.Println("disabled (bearer passthrough)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting easel-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runStdio(ctx context.Context) error {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stderr)
	return gateway.RunStdio(ctx, cfg, logger, os.Stdin, os.Stdout)
}

// parseNameFlag accepts "--name value", "--name=value" and the -n forms.
func parseNameFlag(args []string) (string, error) {
	var name string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			name = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("--name flag is required")
	}
	if len(name) > 100 {
		return "", fmt.Errorf("name exceeds maximum length of 100 characters")
	}
	return name, nil
}

func runToken(args []string) error {
	name, err := parseNameFlag(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (run easel-gateway init)", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(name, defaultTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	expiresAt := time.Now().Add(defaultTokenTTL).UTC()
	fmt.Fprintf(os.Stderr, "operator token for %q (expires %s):\n", name, expiresAt.Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	configContent := fmt.Sprintf(`# easel-gateway configuration
# Generated by easel-gateway init

server:
  http_addr: "localhost:8080"
  # base_url: "https://easel.example.com"

auth:
  enabled: true
  # static_api_key: "${EASEL_API_KEY}"
  jwt_secret: "%s"
  token_ttl: "1h"
  code_ttl: "10m"

sessions:
  idle_timeout: "30m"
  sweep_interval: "1m"
  close_timeout: "5s"

upstream:
  model: "gemini-2.5-flash-image"

tailscale:
  enabled: false
  hostname: "easel"

logging:
  level: "info"
  format: "text"
`, jwtSecret)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next:")
	fmt.Println("    easel-gateway serve               # start the gateway")
	fmt.Println("    easel-gateway token --name you    # mint an admin token")
	return nil
}

// fetch GETs path on the configured local listener and returns the body.
func fetch(ctx context.Context, path string) (int, []byte, error) {
	cfg, _, err := loadConfig(getConfigPath())
	if err != nil {
		return 0, nil, err
	}

	url := cfg.ExternalURL() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	code, _, err := fetch(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", code)
	}
	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	code, body, err := fetch(ctx, "/status")
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("status request failed: status %d", code)
	}
	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}
