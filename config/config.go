package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig       ServerConfig       `json:"server"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	AuthConfig         AuthConfig         `json:"auth"`
	VaultConfig        VaultConfig        `json:"vault"`
	LLMConfig          LLMConfig          `json:"llm"`
	MarketConfig       MarketConfig       `json:"market"`
	RuntimeConfig      RuntimeConfig      `json:"runtime"`
	NotificationConfig NotificationConfig `json:"notification"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// RedisConfig holds Redis configuration for caching and live-order idempotency
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// AuthConfig holds bearer-token authentication for mutating API routes
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration for exchange credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for exchange API keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// LLMConfig holds planner model defaults. Per-strategy requests may
// override provider/model/api_key; these are the fallbacks.
type LLMConfig struct {
	Provider         string        `json:"provider"` // "claude", "openai", "deepseek", or "openrouter"
	Model            string        `json:"model"`
	ClaudeAPIKey     string        `json:"claude_api_key"`
	OpenAIAPIKey     string        `json:"openai_api_key"`
	DeepSeekAPIKey   string        `json:"deepseek_api_key"`
	OpenRouterAPIKey string        `json:"openrouter_api_key"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	Timeout          time.Duration `json:"timeout"`
}

// MarketConfig holds market data fetch configuration
type MarketConfig struct {
	DefaultExchangeID string `json:"default_exchange_id"` // Exchange used when the request omits one
	FetchTimeout      int    `json:"fetch_timeout"`       // Seconds per market-data call
	MicroInterval     string `json:"micro_interval"`      // Realtime candle interval
	MicroLookback     int    `json:"micro_lookback"`      // Bars of micro history
	MediumInterval    string `json:"medium_interval"`     // Structural candle interval
	MediumLookback    int    `json:"medium_lookback"`     // Bars of medium history
}

// RuntimeConfig holds decision-loop tunables shared by all strategies
type RuntimeConfig struct {
	DefaultSlippageBps       float64 `json:"default_slippage_bps"`        // Price buffer for BP/margin estimates and paper fills
	WaitRunningTimeoutSec    int     `json:"wait_running_timeout_sec"`    // Max wait for status=running before proceeding
	DigestWindow             int     `json:"digest_window"`               // Trades kept in the rolling digest
	AdviceRefreshSec         int     `json:"advice_refresh_sec"`          // Grid parameter advisor refresh period
	MarketChangeThresholdPct float64 `json:"market_change_threshold_pct"` // Min |change_pct| before advised params apply
	GridStepPct              float64 `json:"grid_step_pct"`
	GridMaxSteps             int     `json:"grid_max_steps"`
	GridBaseFraction         float64 `json:"grid_base_fraction"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: exchange API keys are NOT read from environment. Credentials are
// per-strategy and arrive in the user request or from Vault.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "strategy_agent")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", "strategy_agent_password")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "strategy_agent")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Auth config - ALWAYS apply from environment
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 24*time.Hour)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "strategy-agent/exchange-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// LLM config
	cfg.LLMConfig.Provider = getEnvOrDefault("LLM_PROVIDER", "deepseek")
	cfg.LLMConfig.Model = getEnvOrDefault("LLM_MODEL", "deepseek-chat")
	cfg.LLMConfig.ClaudeAPIKey = getEnvOrDefault("LLM_CLAUDE_API_KEY", cfg.LLMConfig.ClaudeAPIKey)
	cfg.LLMConfig.OpenAIAPIKey = getEnvOrDefault("LLM_OPENAI_API_KEY", cfg.LLMConfig.OpenAIAPIKey)
	cfg.LLMConfig.DeepSeekAPIKey = getEnvOrDefault("LLM_DEEPSEEK_API_KEY", cfg.LLMConfig.DeepSeekAPIKey)
	cfg.LLMConfig.OpenRouterAPIKey = getEnvOrDefault("LLM_OPENROUTER_API_KEY", cfg.LLMConfig.OpenRouterAPIKey)
	cfg.LLMConfig.MaxTokens = getEnvIntOrDefault("LLM_MAX_TOKENS", 4096)
	cfg.LLMConfig.Temperature = getEnvFloatOrDefault("LLM_TEMPERATURE", 0.3)
	cfg.LLMConfig.Timeout = getEnvDurationOrDefault("LLM_TIMEOUT", 60*time.Second)

	// Market data config
	cfg.MarketConfig.DefaultExchangeID = getEnvOrDefault("MARKET_DEFAULT_EXCHANGE", "binance")
	cfg.MarketConfig.FetchTimeout = getEnvIntOrDefault("MARKET_FETCH_TIMEOUT", 10)
	cfg.MarketConfig.MicroInterval = getEnvOrDefault("MARKET_MICRO_INTERVAL", "1s")
	cfg.MarketConfig.MicroLookback = getEnvIntOrDefault("MARKET_MICRO_LOOKBACK", 180)
	cfg.MarketConfig.MediumInterval = getEnvOrDefault("MARKET_MEDIUM_INTERVAL", "1m")
	cfg.MarketConfig.MediumLookback = getEnvIntOrDefault("MARKET_MEDIUM_LOOKBACK", 240)

	// Runtime config
	cfg.RuntimeConfig.DefaultSlippageBps = getEnvFloatOrDefault("RUNTIME_DEFAULT_SLIPPAGE_BPS", 25.0)
	cfg.RuntimeConfig.WaitRunningTimeoutSec = getEnvIntOrDefault("RUNTIME_WAIT_RUNNING_TIMEOUT", 300)
	cfg.RuntimeConfig.DigestWindow = getEnvIntOrDefault("RUNTIME_DIGEST_WINDOW", 50)
	cfg.RuntimeConfig.AdviceRefreshSec = getEnvIntOrDefault("RUNTIME_ADVICE_REFRESH", 300)
	cfg.RuntimeConfig.MarketChangeThresholdPct = getEnvFloatOrDefault("RUNTIME_MARKET_CHANGE_THRESHOLD", 1.0)
	cfg.RuntimeConfig.GridStepPct = getEnvFloatOrDefault("RUNTIME_GRID_STEP_PCT", 0.005)
	cfg.RuntimeConfig.GridMaxSteps = getEnvIntOrDefault("RUNTIME_GRID_MAX_STEPS", 3)
	cfg.RuntimeConfig.GridBaseFraction = getEnvFloatOrDefault("RUNTIME_GRID_BASE_FRACTION", 0.08)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// APIKeyFor returns the configured fallback API key for a provider.
func (c *LLMConfig) APIKeyFor(provider string) string {
	switch provider {
	case "claude", "anthropic":
		return c.ClaudeAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	case "openrouter":
		return c.OpenRouterAPIKey
	}
	return ""
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "strategy_agent",
			Password: "strategy_agent_password",
			Database: "strategy_agent",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		LLMConfig: LLMConfig{
			Provider:    "deepseek",
			Model:       "deepseek-chat",
			MaxTokens:   4096,
			Temperature: 0.3,
			Timeout:     60 * time.Second,
		},
		MarketConfig: MarketConfig{
			DefaultExchangeID: "binance",
			FetchTimeout:      10,
			MicroInterval:     "1s",
			MicroLookback:     180,
			MediumInterval:    "1m",
			MediumLookback:    240,
		},
		RuntimeConfig: RuntimeConfig{
			DefaultSlippageBps:       25.0,
			WaitRunningTimeoutSec:    300,
			DigestWindow:             50,
			AdviceRefreshSec:         300,
			MarketChangeThresholdPct: 1.0,
			GridStepPct:              0.005,
			GridMaxSteps:             3,
			GridBaseFraction:         0.08,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling sample config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("error writing sample config: %w", err)
	}

	return nil
}
