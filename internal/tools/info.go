// ABOUTME: Built-in info tool reporting gateway and upstream configuration
// ABOUTME: Shows whether an API key is bound without ever revealing it

package tools

import (
	"context"
	"encoding/json"
)

// UpstreamInfo describes the image API sessions talk to.
type UpstreamInfo struct {
	Model   string
	BaseURL string
	Version string
}

// InfoPack returns the built-in pack with the info tool.
func InfoPack(upstream UpstreamInfo) *Pack {
	return &Pack{
		ID: "builtin:info",
		Tools: []*Tool{
			{
				Definition: Definition{
					Name:            "info",
					Description:     "Report the image model in use and whether an API key is configured for this session",
					InputSchemaJSON: `{"type":"object","properties":{}}`,
				},
				Handler: func(_ context.Context, secret string, _ json.RawMessage) (json.RawMessage, error) {
					return json.Marshal(map[string]any{
						"model":          upstream.Model,
						"upstream":       upstream.BaseURL,
						"version":        upstream.Version,
						"api_key_bound":  secret != "",
						"api_key_suffix": MaskSecret(secret),
					})
				},
			},
		},
	}
}

// MaskSecret returns a redacted form of secret that keeps at most the last
// four characters, and only for secrets long enough to stay unguessable.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) < 12:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

