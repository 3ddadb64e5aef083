// Package config handles configuration loading for easel-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from EASEL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/easel/gateway.yaml
//  3. ~/.config/easel/gateway.yaml
//
// Files ending in .toml are parsed as TOML; anything else is parsed as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  static_api_key: "${EASEL_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_timeout: "30m"
//	  sweep_interval: "60s"
//
// Unset durations fall back to the Default* constants.
//
// # Secret Resolution
//
// auth.static_api_key takes precedence over everything else and bypasses the
// OAuth flow. With auth.enabled the key is resolved from an OAuth bearer token.
// With neither, the raw bearer header is used as the key unverified, which is
// only appropriate on a trusted network.
package config
