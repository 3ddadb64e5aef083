// ABOUTME: Tests for local stdio mode wiring
// ABOUTME: Checks the session is bound to the configured static key

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/easel-gateway/internal/config"
	"github.com/2389/easel-gateway/internal/mcp"
)

func callInfo(t *testing.T, cfg *config.Config) map[string]any {
	t.Helper()

	in := strings.NewReader(strings.Join([]string{
		initializeBody,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"info","arguments":{}}}`,
	}, "\n"))
	var out bytes.Buffer

	require.NoError(t, RunStdio(context.Background(), cfg, testLogger(), in, &out))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var resp struct {
		ID     json.RawMessage       `json:"id"`
		Result mcp.MCPCallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &resp))
	assert.Equal(t, "2", string(resp.ID))
	require.False(t, resp.Result.IsError)
	require.Len(t, resp.Result.Content, 1)

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Result.Content[0].Text), &info))
	return info
}

func TestRunStdioUsesStaticKey(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.StaticAPIKey = "sk-local-0123456789"
	cfg.Upstream.BaseURL = "https://images.example.com"

	info := callInfo(t, cfg)
	assert.Equal(t, true, info["api_key_bound"])
	assert.Equal(t, "****6789", info["api_key_suffix"])
	assert.Equal(t, cfg.Upstream.Model, info["model"])
	assert.Equal(t, "https://images.example.com", info["upstream"])
}

func TestRunStdioWithoutKey(t *testing.T) {
	info := callInfo(t, config.Default())
	assert.Equal(t, false, info["api_key_bound"])
}
