package config

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestHome points HOME at a temp dir so user/overrides config paths
// resolve inside the test sandbox
func setupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	// Run from a directory with no project config above it
	workDir := filepath.Join(tmpHome, "work")
	os.MkdirAll(workDir, DefaultDirPermissions)
	oldWd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldWd) })
	os.Chdir(workDir)

	Reset()
	t.Cleanup(Reset)

	return tmpHome
}

func TestConfigSources_UserFile(t *testing.T) {
	tmpHome := setupTestHome(t)

	plumeDir := filepath.Join(tmpHome, ".plume")
	os.MkdirAll(plumeDir, DefaultDirPermissions)

	userConfig := `
[database]
path = "user.db"
`
	userPath := filepath.Join(plumeDir, "plume.toml")
	if err := os.WriteFile(userPath, []byte(userConfig), DefaultFilePermissions); err != nil {
		t.Fatalf("failed to write user config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database.Path != "user.db" {
		t.Errorf("expected user.db from user config, got %q", cfg.Database.Path)
	}

	si, ok := ConfigSources["database.path"]
	if !ok {
		t.Fatal("expected database.path to be tracked")
	}
	if si.Source != SourceUser {
		t.Errorf("expected source %q, got %q", SourceUser, si.Source)
	}
	if si.Path != userPath {
		t.Errorf("expected path %q, got %q", userPath, si.Path)
	}
}

func TestConfigSources_OverridesWin(t *testing.T) {
	tmpHome := setupTestHome(t)

	plumeDir := filepath.Join(tmpHome, ".plume")
	os.MkdirAll(plumeDir, DefaultDirPermissions)

	// User config sets a model, overrides file replaces it
	userConfig := `
[classifier]
model = "openai/gpt-4o-mini"
`
	os.WriteFile(filepath.Join(plumeDir, "plume.toml"), []byte(userConfig), DefaultFilePermissions)

	overrides := `
[classifier]
model = "anthropic/claude-3-haiku"
`
	overridesPath := filepath.Join(plumeDir, "plume_overrides.toml")
	os.WriteFile(overridesPath, []byte(overrides), DefaultFilePermissions)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Classifier.Model != "anthropic/claude-3-haiku" {
		t.Errorf("expected overrides to win, got %q", cfg.Classifier.Model)
	}

	si := ConfigSources["classifier.model"]
	if si.Source != SourceOverrides {
		t.Errorf("expected source %q, got %q", SourceOverrides, si.Source)
	}
}

func TestGetConfigIntrospection(t *testing.T) {
	tmpHome := setupTestHome(t)

	plumeDir := filepath.Join(tmpHome, ".plume")
	os.MkdirAll(plumeDir, DefaultDirPermissions)

	userConfig := `
[stint]
invocation_budget_seconds = 25
`
	os.WriteFile(filepath.Join(plumeDir, "plume.toml"), []byte(userConfig), DefaultFilePermissions)

	introspection, err := GetConfigIntrospection()
	if err != nil {
		t.Fatalf("GetConfigIntrospection() failed: %v", err)
	}

	if len(introspection.Settings) == 0 {
		t.Fatal("expected settings in introspection")
	}

	var foundBudget, foundDefault bool
	for _, s := range introspection.Settings {
		switch s.Key {
		case "stint.invocation_budget_seconds":
			foundBudget = true
			if s.Source != SourceUser {
				t.Errorf("expected user source for budget, got %q", s.Source)
			}
		case "crawler.requests_per_minute":
			foundDefault = true
			if s.Source != SourceDefault {
				t.Errorf("expected default source for crawler rate, got %q", s.Source)
			}
		}
	}

	if !foundBudget {
		t.Error("expected stint.invocation_budget_seconds in introspection")
	}
	if !foundDefault {
		t.Error("expected crawler.requests_per_minute in introspection")
	}
}

func TestGetConfigIntrospection_EnvOverride(t *testing.T) {
	setupTestHome(t)
	t.Setenv("PLUME_DATABASE_PATH", "/tmp/env.db")

	introspection, err := GetConfigIntrospection()
	if err != nil {
		t.Fatalf("GetConfigIntrospection() failed: %v", err)
	}

	for _, s := range introspection.Settings {
		if s.Key == "database.path" {
			if s.Source != SourceEnvironment {
				t.Errorf("expected environment source, got %q", s.Source)
			}
			if s.SourcePath != "PLUME_DATABASE_PATH" {
				t.Errorf("expected env var name as path, got %q", s.SourcePath)
			}
			return
		}
	}
	t.Error("database.path not found in introspection")
}

func TestGetConfigSummary(t *testing.T) {
	setupTestHome(t)

	summary := GetConfigSummary()

	sources, ok := summary["sources"].(map[string]int)
	if !ok {
		t.Fatal("expected sources map in summary")
	}

	// With no config files everything is a default
	if sources["default"] == 0 {
		t.Error("expected default-sourced settings in summary")
	}
}
