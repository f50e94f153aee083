package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetOverride_CreatesFile(t *testing.T) {
	setupTestHome(t)

	if err := UpdateClassifierModel("anthropic/claude-3-haiku"); err != nil {
		t.Fatalf("UpdateClassifierModel() failed: %v", err)
	}

	data, err := os.ReadFile(GetOverridesPath())
	if err != nil {
		t.Fatalf("overrides file not created: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "classifier") {
		t.Errorf("expected classifier section, got:\n%s", content)
	}
	if !strings.Contains(content, "anthropic/claude-3-haiku") {
		t.Errorf("expected model value, got:\n%s", content)
	}
}

func TestSetOverride_PreservesOtherSections(t *testing.T) {
	setupTestHome(t)

	if err := UpdateClassifierModel("openai/gpt-4o-mini"); err != nil {
		t.Fatalf("UpdateClassifierModel() failed: %v", err)
	}
	if err := UpdateWatchdogEnabled(false); err != nil {
		t.Fatalf("UpdateWatchdogEnabled() failed: %v", err)
	}

	data, _ := os.ReadFile(GetOverridesPath())
	content := string(data)

	// Both sections survive sequential updates
	if !strings.Contains(content, "classifier") {
		t.Errorf("classifier section lost:\n%s", content)
	}
	if !strings.Contains(content, "watchdog_enabled") {
		t.Errorf("stint section missing:\n%s", content)
	}
}

func TestCreateBackup_Rotation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "plume_overrides.toml")

	// Three generations of writes
	for i, content := range []string{"gen1", "gen2", "gen3"} {
		if err := os.WriteFile(configPath, []byte(content), DefaultFilePermissions); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
		if err := createBackup(configPath); err != nil {
			t.Fatalf("backup %d failed: %v", i, err)
		}
	}

	// .back1 holds the most recent pre-backup content
	back1, err := os.ReadFile(configPath + ".back1")
	if err != nil {
		t.Fatalf("expected .back1: %v", err)
	}
	if string(back1) != "gen3" {
		t.Errorf("expected .back1 = gen3, got %q", string(back1))
	}

	back2, err := os.ReadFile(configPath + ".back2")
	if err != nil {
		t.Fatalf("expected .back2: %v", err)
	}
	if string(back2) != "gen2" {
		t.Errorf("expected .back2 = gen2, got %q", string(back2))
	}

	back3, err := os.ReadFile(configPath + ".back3")
	if err != nil {
		t.Fatalf("expected .back3: %v", err)
	}
	if string(back3) != "gen1" {
		t.Errorf("expected .back3 = gen1, got %q", string(back3))
	}
}

func TestCreateBackup_NoFile(t *testing.T) {
	// Backing up a file that doesn't exist is a no-op
	tmpDir := t.TempDir()
	if err := createBackup(filepath.Join(tmpDir, "missing.toml")); err != nil {
		t.Errorf("expected nil for missing file, got %v", err)
	}
}

func TestUpdateInvocationBudget(t *testing.T) {
	setupTestHome(t)

	if err := UpdateInvocationBudget(30); err != nil {
		t.Fatalf("UpdateInvocationBudget() failed: %v", err)
	}

	// Reload picks up the override
	Reset()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Stint.InvocationBudgetSeconds != 30 {
		t.Errorf("expected budget 30 after override, got %d", cfg.Stint.InvocationBudgetSeconds)
	}
}
