// Package config loads and validates the gateway configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Routing modes.
const (
	ModeNative = "native"
	ModeLegacy = "legacy"
	ModeHybrid = "hybrid"
)

// Config is the top-level gateway configuration, stored as JSON.
type Config struct {
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
	DataDir string `json:"data_dir,omitempty"`
	Verbose bool   `json:"verbose,omitempty"`

	Native NativeConfig `json:"native"`
	Legacy LegacyConfig `json:"legacy"`
	OAuth  OAuthConfig  `json:"oauth"`

	// MaxOutputTokens caps max_tokens on legacy requests; zero means no cap.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// ModelsFile points at an optional YAML model-mapping override.
	ModelsFile string `json:"models_file,omitempty"`
}

// NativeConfig describes the Anthropic-format upstream.
type NativeConfig struct {
	BaseURL string `json:"base_url"`
	// ExtraHeaders are sent verbatim on every native request.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// LegacyConfig describes the OpenAI-style upstream.
type LegacyConfig struct {
	Endpoint string `json:"endpoint"`
	// AuthInfoFile supplies the identity headers; empty falls back to
	// RELAY_AUTH_FILE or omits them.
	AuthInfoFile string `json:"auth_info_file,omitempty"`
}

// OAuthConfig describes the credential refresh endpoint.
type OAuthConfig struct {
	RefreshURL string `json:"refresh_url"`
	ClientID   string `json:"client_id,omitempty"`
	// BinaryPath is scanned for a client id when none is configured.
	BinaryPath string `json:"binary_path,omitempty"`
	// RefreshBufferMS overrides the 5 minute refresh buffer.
	RefreshBufferMS int64 `json:"refresh_buffer_ms,omitempty"`

	// CredentialsFile holds the persisted OAuth key; empty derives
	// auth/oauth_creds.json under the data dir.
	CredentialsFile string `json:"credentials_file,omitempty"`

	// Git-credentials fallback for static tokens.
	GitCredentialsPath string `json:"git_credentials_path,omitempty"`
	GitHost            string `json:"git_host,omitempty"`
	GitUser            string `json:"git_user,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Port: 8080,
		Mode: ModeHybrid,
		Native: NativeConfig{
			BaseURL: "https://api.anthropic.com",
		},
		Legacy: LegacyConfig{
			Endpoint: "https://api.example.com/v2/chat/completions",
		},
		OAuth: OAuthConfig{
			RefreshURL: "https://api.example.com/oauth/refresh",
		},
	}
}

// Load reads the configuration from path, creating a default file when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandTilde()
	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.Mode {
	case ModeNative, ModeLegacy, ModeHybrid:
	default:
		return fmt.Errorf("invalid mode %q (want native, legacy, or hybrid)", c.Mode)
	}
	if c.Mode != ModeLegacy && c.Native.BaseURL == "" {
		return fmt.Errorf("native.base_url is required in %s mode", c.Mode)
	}
	if c.Mode != ModeNative && c.Legacy.Endpoint == "" {
		return fmt.Errorf("legacy.endpoint is required in %s mode", c.Mode)
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("max_output_tokens cannot be negative")
	}
	return nil
}

// expandEnvVars expands ${ENV_VAR} placeholders in string fields.
func (c *Config) expandEnvVars() {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.Native.BaseURL = os.ExpandEnv(c.Native.BaseURL)
	c.Legacy.Endpoint = os.ExpandEnv(c.Legacy.Endpoint)
	c.Legacy.AuthInfoFile = os.ExpandEnv(c.Legacy.AuthInfoFile)
	c.OAuth.RefreshURL = os.ExpandEnv(c.OAuth.RefreshURL)
	c.OAuth.ClientID = os.ExpandEnv(c.OAuth.ClientID)
	c.OAuth.CredentialsFile = os.ExpandEnv(c.OAuth.CredentialsFile)
	c.OAuth.GitCredentialsPath = os.ExpandEnv(c.OAuth.GitCredentialsPath)
	c.ModelsFile = os.ExpandEnv(c.ModelsFile)
	for k, v := range c.Native.ExtraHeaders {
		c.Native.ExtraHeaders[k] = os.ExpandEnv(v)
	}
}

// expandTilde replaces a leading "~/" with the user's home directory in
// path fields.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return // can't expand, leave as-is
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}
	c.DataDir = expand(c.DataDir)
	c.Legacy.AuthInfoFile = expand(c.Legacy.AuthInfoFile)
	c.OAuth.CredentialsFile = expand(c.OAuth.CredentialsFile)
	c.OAuth.GitCredentialsPath = expand(c.OAuth.GitCredentialsPath)
	c.OAuth.BinaryPath = expand(c.OAuth.BinaryPath)
	c.ModelsFile = expand(c.ModelsFile)
}
