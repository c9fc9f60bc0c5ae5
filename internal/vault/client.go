// Package vault reads venue API credentials from HashiCorp Vault (KV
// v2). The gateway factory consults it when a live request does not
// embed keys. Disabled vault degrades to an in-memory store so paper
// deployments need no Vault at all.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"strategy-agent/config"
)

// Credentials are the venue API credentials stored per exchange.
type Credentials struct {
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Client wraps the HashiCorp Vault client. It satisfies the execution
// layer's credential resolver: ExchangeCredentials reads
// {mount}/data/{path}/{exchange_id} and caches the result.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials
}

// NewClient creates a new Vault client. A disabled configuration yields
// a cache-only client.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]*Credentials),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]*Credentials),
	}, nil
}

// ExchangeCredentials returns the API key, secret and passphrase for an
// exchange, reading through the in-memory cache.
func (c *Client) ExchangeCredentials(ctx context.Context, exchangeID string) (string, string, string, error) {
	exchangeID = strings.ToLower(strings.TrimSpace(exchangeID))
	if exchangeID == "" {
		return "", "", "", fmt.Errorf("exchange id is required")
	}

	c.mu.RLock()
	if cached, ok := c.cache[exchangeID]; ok {
		c.mu.RUnlock()
		return cached.APIKey, cached.SecretKey, cached.Passphrase, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return "", "", "", fmt.Errorf("credentials for %q not found and vault is disabled", exchangeID)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(exchangeID))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", "", "", fmt.Errorf("credentials for %q not found", exchangeID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", "", "", fmt.Errorf("invalid secret format for %q", exchangeID)
	}

	creds := &Credentials{
		APIKey:     getString(data, "api_key"),
		SecretKey:  getString(data, "secret_key"),
		Passphrase: getString(data, "passphrase"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return "", "", "", fmt.Errorf("incomplete credentials for %q", exchangeID)
	}

	c.mu.Lock()
	c.cache[exchangeID] = creds
	c.mu.Unlock()

	return creds.APIKey, creds.SecretKey, creds.Passphrase, nil
}

// StoreExchangeCredentials writes credentials for an exchange. With
// vault disabled the write lands in the local cache only.
func (c *Client) StoreExchangeCredentials(ctx context.Context, exchangeID string, creds Credentials) error {
	exchangeID = strings.ToLower(strings.TrimSpace(exchangeID))
	if exchangeID == "" {
		return fmt.Errorf("exchange id is required")
	}

	if !c.config.Enabled {
		c.mu.Lock()
		cp := creds
		c.cache[exchangeID] = &cp
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"passphrase": creds.Passphrase,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(exchangeID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	cp := creds
	c.cache[exchangeID] = &cp
	c.mu.Unlock()

	return nil
}

// DeleteExchangeCredentials removes credentials for an exchange.
func (c *Client) DeleteExchangeCredentials(ctx context.Context, exchangeID string) error {
	exchangeID = strings.ToLower(strings.TrimSpace(exchangeID))

	c.mu.Lock()
	delete(c.cache, exchangeID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(exchangeID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}

	return nil
}

// ClearCache clears the in-memory credential cache.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// secretPath returns the KV v2 data path for an exchange.
func (c *Client) secretPath(exchangeID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, exchangeID)
}

// metadataPath returns the KV v2 metadata path for an exchange.
func (c *Client) metadataPath(exchangeID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s", c.config.MountPath, c.config.SecretPath, exchangeID)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
