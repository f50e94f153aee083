package config

// Config represents the core Plume configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Stint      StintConfig      `mapstructure:"stint"`
	Mailhub    MailhubConfig    `mapstructure:"mailhub"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the Plume daemon's HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port"`          // Server port: nil = default 8630, 0 is invalid (omit for default)
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	LogTheme       string   `mapstructure:"log_theme"` // Color theme: gruvbox, everforest
}

// Server port constants
const (
	DefaultServerPort  = 8630 // Development port (above privileged range)
	FallbackServerPort = 8631 // Used when the default port is taken
)

// StintConfig configures the resumable batch-job engine
type StintConfig struct {
	// Wall-clock budget for a single invocation before the runner
	// checkpoints and relays to a fresh one
	InvocationBudgetSeconds int `mapstructure:"invocation_budget_seconds"` // default: 45

	// How often the watchdog reconciles ghosts, stale heartbeats and locks
	WatchdogIntervalSeconds int `mapstructure:"watchdog_interval_seconds"` // default: 60

	// Watchdog participation: the serve daemon runs one by default,
	// one-shot CLI invocations do not
	WatchdogEnabled bool `mapstructure:"watchdog_enabled"`
}

// MailhubConfig configures the Mailhub mailbox provider
type MailhubConfig struct {
	BaseURL           string `mapstructure:"base_url"`            // e.g., "https://api.mailhub.dev"
	APIKey            string `mapstructure:"api_key"`             // Bound to PLUME_MAILHUB_API_KEY
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // Client-side throttle (default: 120)
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`     // Per-call timeout (default: 10)
}

// ClassifierConfig configures the LLM classification provider
type ClassifierConfig struct {
	BaseURL           string   `mapstructure:"base_url"`    // e.g., "https://api.openrouter.ai/api/v1"
	APIKey            string   `mapstructure:"api_key"`     // Bound to PLUME_CLASSIFIER_API_KEY
	Model             string   `mapstructure:"model"`       // e.g., "openai/gpt-4o-mini"
	Temperature       *float64 `mapstructure:"temperature"` // Sampling temperature (nil = default 0.2)
	MaxTokens         *int     `mapstructure:"max_tokens"`  // Maximum tokens per request (nil = default 500)
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
}

// CrawlerConfig configures FAQ-mining page fetches
type CrawlerConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`     // Per-page fetch timeout (default: 15)
	MaxRedirects      int    `mapstructure:"max_redirects"`       // Redirect ceiling (default: 5)
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // Polite crawl rate (default: 30)
	UserAgent         string `mapstructure:"user_agent"`
}

// WorkspaceConfig holds workspace defaults for CLI invocations
type WorkspaceConfig struct {
	DefaultID string `mapstructure:"default_id"` // Workspace used when --workspace is omitted
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
