package config

import "github.com/plumehq/plume/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "plume.db" per defaults.go
	// No validation needed here

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 8630)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Invocation budget: 0 = use default, negative = invalid
	if c.Stint.InvocationBudgetSeconds < 0 {
		return errors.Newf("stint.invocation_budget_seconds must be >= 0, got %d", c.Stint.InvocationBudgetSeconds)
	}

	// Watchdog interval: 0 = use default, negative = invalid
	if c.Stint.WatchdogIntervalSeconds < 0 {
		return errors.Newf("stint.watchdog_interval_seconds must be >= 0, got %d", c.Stint.WatchdogIntervalSeconds)
	}

	// Mailhub: base URL is required whenever an API key is set
	if c.Mailhub.APIKey != "" && c.Mailhub.BaseURL == "" {
		return errors.New("mailhub.base_url cannot be empty when mailhub.api_key is set")
	}
	if c.Mailhub.RequestsPerMinute < 0 {
		return errors.Newf("mailhub.requests_per_minute must be >= 0, got %d", c.Mailhub.RequestsPerMinute)
	}
	if c.Mailhub.TimeoutSeconds < 0 {
		return errors.Newf("mailhub.timeout_seconds must be >= 0, got %d", c.Mailhub.TimeoutSeconds)
	}

	// Classifier: same shape as mailhub, plus sampling bounds
	if c.Classifier.APIKey != "" && c.Classifier.BaseURL == "" {
		return errors.New("classifier.base_url cannot be empty when classifier.api_key is set")
	}
	if c.Classifier.RequestsPerMinute < 0 {
		return errors.Newf("classifier.requests_per_minute must be >= 0, got %d", c.Classifier.RequestsPerMinute)
	}
	if c.Classifier.Temperature != nil && (*c.Classifier.Temperature < 0 || *c.Classifier.Temperature > 2) {
		return errors.Newf("classifier.temperature must be in [0, 2], got %f", *c.Classifier.Temperature)
	}
	if c.Classifier.MaxTokens != nil && *c.Classifier.MaxTokens <= 0 {
		return errors.Newf("classifier.max_tokens must be > 0, got %d (omit for default)", *c.Classifier.MaxTokens)
	}

	// Crawler limits: 0 = use default, negative = invalid
	if c.Crawler.TimeoutSeconds < 0 {
		return errors.Newf("crawler.timeout_seconds must be >= 0, got %d", c.Crawler.TimeoutSeconds)
	}
	if c.Crawler.MaxRedirects < 0 {
		return errors.Newf("crawler.max_redirects must be >= 0, got %d", c.Crawler.MaxRedirects)
	}
	if c.Crawler.RequestsPerMinute < 0 {
		return errors.Newf("crawler.requests_per_minute must be >= 0, got %d", c.Crawler.RequestsPerMinute)
	}

	return nil
}
