package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "plume.db")

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.log_theme", "everforest")

	// Stint engine defaults
	v.SetDefault("stint.invocation_budget_seconds", 45)
	v.SetDefault("stint.watchdog_interval_seconds", 60)
	v.SetDefault("stint.watchdog_enabled", true)

	// Mailhub provider defaults
	v.SetDefault("mailhub.base_url", "https://api.mailhub.dev")
	v.SetDefault("mailhub.requests_per_minute", 120)
	v.SetDefault("mailhub.timeout_seconds", 10)

	// Classifier provider defaults
	v.SetDefault("classifier.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("classifier.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("classifier.temperature", 0.2)            // Deterministic
	v.SetDefault("classifier.max_tokens", 500)             // Short category answers
	v.SetDefault("classifier.requests_per_minute", 60)
	v.SetDefault("classifier.timeout_seconds", 30)

	// Crawler defaults
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.max_redirects", 5)
	v.SetDefault("crawler.requests_per_minute", 30) // Polite crawl rate
	v.SetDefault("crawler.user_agent", "PlumeBot/1.0 (+https://plumehq.com/bot)")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Provider credentials
	v.BindEnv("mailhub.api_key", "PLUME_MAILHUB_API_KEY")
	v.BindEnv("classifier.api_key", "PLUME_CLASSIFIER_API_KEY")

	// Database path
	v.BindEnv("database.path", "PLUME_DATABASE_PATH")
}

// GetServerPort returns the configured Plume server port
// Returns server.port from config, or DefaultServerPort (8630) if not configured
func GetServerPort() int {
	cfg, err := Load()
	if err != nil || cfg.Server.Port == nil || *cfg.Server.Port == 0 {
		return DefaultServerPort
	}
	return *cfg.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "plume.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// GetServerLogTheme returns the log theme (default: everforest)
func (c *Config) GetServerLogTheme() string {
	if c.Server.LogTheme == "" {
		return "everforest"
	}
	return c.Server.LogTheme
}

// GetStintConfig returns the stint engine configuration with defaults applied
func (c *Config) GetStintConfig() StintConfig {
	cfg := c.Stint

	// Apply defaults for zero values
	if cfg.InvocationBudgetSeconds == 0 {
		cfg.InvocationBudgetSeconds = 45
	}
	if cfg.WatchdogIntervalSeconds == 0 {
		cfg.WatchdogIntervalSeconds = 60
	}

	return cfg
}

// GetClassifierConfig returns the classifier configuration with defaults applied
func (c *Config) GetClassifierConfig() ClassifierConfig {
	cfg := c.Classifier

	if cfg.Model == "" {
		cfg.Model = "openai/gpt-4o-mini"
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 30
	}

	return cfg
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Server: {LogTheme: %s}, Stint: {BudgetSeconds: %d}}",
		c.Database.Path, c.Server.LogTheme, c.Stint.InvocationBudgetSeconds)
}
