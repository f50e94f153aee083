package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewConfigWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "plume.toml")
	os.WriteFile(configPath, []byte("[database]\npath = \"w.db\"\n"), DefaultFilePermissions)

	cw, err := NewConfigWatcher(configPath)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	defer cw.Stop()

	if cw.configPath != configPath {
		t.Errorf("expected configPath %q, got %q", configPath, cw.configPath)
	}
}

func TestNewConfigWatcher_MissingFile(t *testing.T) {
	_, err := NewConfigWatcher("/nonexistent/plume.toml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMarkOwnWrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "plume.toml")
	os.WriteFile(configPath, []byte(""), DefaultFilePermissions)

	cw, err := NewConfigWatcher(configPath)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	defer cw.Stop()

	// Flag is consumed by the first check
	cw.MarkOwnWrite()
	if !cw.checkOwnWrite() {
		t.Error("expected first check to report own write")
	}
	if cw.checkOwnWrite() {
		t.Error("expected flag to be cleared after check")
	}
}

func TestIsBackupFile(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/home/u/.plume/plume.toml.back1", true},
		{"/home/u/.plume/plume.toml.back2", true},
		{"/home/u/.plume/plume_overrides.toml.back3", true},
		{"/home/u/.plume/plume.toml", false},
		{"/home/u/.plume/plume_overrides.toml", false},
		{"backup.toml", false},
	}

	for _, tt := range tests {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			if got := isBackupFile(tt.path); got != tt.expected {
				t.Errorf("isBackupFile(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}

func TestOnReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "plume.toml")
	os.WriteFile(configPath, []byte(""), DefaultFilePermissions)

	cw, err := NewConfigWatcher(configPath)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	defer cw.Stop()

	cw.OnReload(func(*Config) error { return nil })
	cw.OnReload(func(*Config) error { return nil })

	cw.mu.RLock()
	count := len(cw.callbacks)
	cw.mu.RUnlock()

	if count != 2 {
		t.Errorf("expected 2 callbacks, got %d", count)
	}
}

func TestGlobalWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "plume.toml")
	os.WriteFile(configPath, []byte(""), DefaultFilePermissions)

	cw, err := NewConfigWatcher(configPath)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	defer cw.Stop()

	SetGlobalWatcher(cw)
	defer SetGlobalWatcher(nil)

	if GetGlobalWatcher() != cw {
		t.Error("expected global watcher to round-trip")
	}
}
