package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/plumehq/plume/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Delete oldest backup if exists
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}

	// Rotate .back2 to .back3
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	// Rotate .back1 to .back2
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	// Copy current to .back1
	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetOverridesPath returns the path to the dashboard-managed config file in ~/.plume/plume_overrides.toml
func GetOverridesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".plume", "plume_overrides.toml")
}

// loadOrInitializeOverrides loads the overrides file, or creates an empty one if it doesn't exist
func loadOrInitializeOverrides() (map[string]interface{}, string, error) {
	configPath := GetOverridesPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	// Ensure ~/.plume directory exists
	plumeDir := filepath.Dir(configPath)
	if err := os.MkdirAll(plumeDir, 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .plume directory")
	}

	// Try to read existing config
	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		// File exists, parse it
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse overrides file")
		}
	} else {
		// File doesn't exist, create empty config
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveOverrides writes the config to the overrides file with backup
func saveOverrides(config map[string]interface{}, configPath string) error {
	// Create backup
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Marshal to TOML
	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	// Write to file
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write overrides file")
	}

	return nil
}

// setOverride updates a single key in a section of the overrides file
func setOverride(section, key string, value interface{}) error {
	config, configPath, err := loadOrInitializeOverrides()
	if err != nil {
		return errors.Wrap(err, "failed to load overrides")
	}

	var settings map[string]interface{}
	if s, ok := config[section].(map[string]interface{}); ok {
		settings = s
	} else {
		settings = make(map[string]interface{})
	}

	settings[key] = value
	config[section] = settings

	return saveOverrides(config, configPath)
}

// UpdateClassifierModel persists the classifier model choice from the dashboard
func UpdateClassifierModel(model string) error {
	return setOverride("classifier", "model", model)
}

// UpdateWatchdogEnabled toggles the background watchdog from the dashboard
func UpdateWatchdogEnabled(enabled bool) error {
	return setOverride("stint", "watchdog_enabled", enabled)
}

// UpdateInvocationBudget persists the invocation budget in seconds
func UpdateInvocationBudget(seconds int) error {
	return setOverride("stint", "invocation_budget_seconds", seconds)
}

// UpdateLogTheme persists the server log color theme
func UpdateLogTheme(theme string) error {
	return setOverride("server", "log_theme", theme)
}
