// Package vault reads the exchange API credentials from HashiCorp
// Vault (KV v2). When Vault is disabled the engine falls back to the
// keys in the process config, so local runs need no Vault at all.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// Config holds the Vault connection settings.
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount, e.g. "secret"
	SecretPath string `json:"secret_path"` // path under the mount, e.g. "tradeengine/exchange"
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Credentials are the exchange API keys stored at the secret path.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet"`
}

// Client wraps the Vault API client with a one-entry credential cache.
type Client struct {
	cfg    Config
	client *api.Client
	log    zerolog.Logger

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient builds the client. With cfg.Enabled false no connection is
// attempted and Credentials returns an error, signalling the caller to
// use its fallback.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, log: logger.With().Str("component", "VaultClient").Logger()}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Enabled reports whether this client talks to a real Vault.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// Credentials reads the exchange keys from the KV v2 secret path,
// serving the cached copy after the first read.
func (c *Client) Credentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return &creds, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return nil, fmt.Errorf("vault is disabled")
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read exchange credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret at %s is not KV v2 shaped", path)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		Testnet:   getBool(data, "testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("secret at %s is missing api_key or secret_key", path)
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()

	c.log.Info().Str("path", path).Msg("Exchange credentials loaded from Vault")
	cp := *creds
	return &cp, nil
}

// Invalidate drops the cached credentials, forcing a re-read on the
// next call. Used after a key rotation.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
