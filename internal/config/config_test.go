package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Server.BindAddr != "127.0.0.1:34872" {
		t.Errorf("DefaultConfig() Server.BindAddr = %q, want %q", cfg.Server.BindAddr, "127.0.0.1:34872")
	}
	if cfg.Watch.DebounceInterval != 200*time.Millisecond {
		t.Errorf("DefaultConfig() Watch.DebounceInterval = %v, want %v", cfg.Watch.DebounceInterval, 200*time.Millisecond)
	}
	if cfg.Queue.RetentionSize != 10000 {
		t.Errorf("DefaultConfig() Queue.RetentionSize = %d, want 10000", cfg.Queue.RetentionSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("DefaultConfig() Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.ProjectRoot != "" {
		t.Errorf("DefaultConfig() ProjectRoot should be empty, got %q", cfg.ProjectRoot)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "rbxsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
project_root: /srv/game
server:
  bind_addr: 0.0.0.0:9000
watch:
  debounce_interval: 500ms
queue:
  retention_size: 500
log:
  level: debug
  file: /var/log/rbxsync.log
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.ProjectRoot != "/srv/game" {
		t.Errorf("LoadWithEnv() ProjectRoot = %q, want %q", cfg.ProjectRoot, "/srv/game")
	}
	if cfg.Server.BindAddr != "0.0.0.0:9000" {
		t.Errorf("LoadWithEnv() Server.BindAddr = %q, want %q", cfg.Server.BindAddr, "0.0.0.0:9000")
	}
	if cfg.Watch.DebounceInterval != 500*time.Millisecond {
		t.Errorf("LoadWithEnv() Watch.DebounceInterval = %v, want %v", cfg.Watch.DebounceInterval, 500*time.Millisecond)
	}
	if cfg.Queue.RetentionSize != 500 {
		t.Errorf("LoadWithEnv() Queue.RetentionSize = %d, want 500", cfg.Queue.RetentionSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.File != "/var/log/rbxsync.log" {
		t.Errorf("LoadWithEnv() Log.File = %q, want %q", cfg.Log.File, "/var/log/rbxsync.log")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "rbxsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `project_root: /from/file`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":     tmpDir,
		"RBXSYNC_PROJECT_ROOT": "/from/env",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.ProjectRoot != "/from/env" {
		t.Errorf("LoadWithEnv() ProjectRoot = %q, want %q (env override)", cfg.ProjectRoot, "/from/env")
	}
}

func TestLoadNoConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Watch.DebounceInterval != 200*time.Millisecond {
		t.Errorf("LoadWithEnv() without file should use default debounce, got %v", cfg.Watch.DebounceInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() without file should use default Log.Level, got %q", cfg.Log.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "rbxsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	invalidContent := `
project_root: [this is invalid yaml
watch:
  debounce_interval: not a duration
`
	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	_, err := LoadWithEnv(env)
	if err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return error")
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	path := getConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "rbxsync", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestGetConfigPathFallback(t *testing.T) {
	t.Parallel()
	env := mockEnv(map[string]string{})

	path := getConfigPathWithEnv(env)
	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".config", "rbxsync", "config.yaml")
	if path != expected {
		t.Errorf("getConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configDir := filepath.Join(tmpDir, "rbxsync")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	configContent := `
watch:
  debounce_interval: 5s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME": tmpDir,
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}

	if cfg.Watch.DebounceInterval != 5*time.Second {
		t.Errorf("LoadWithEnv() Watch.DebounceInterval = %v, want %v", cfg.Watch.DebounceInterval, 5*time.Second)
	}
	if cfg.Queue.RetentionSize != 10000 {
		t.Errorf("LoadWithEnv() Queue.RetentionSize = %d, want 10000 (default)", cfg.Queue.RetentionSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("LoadWithEnv() Log.Level = %q, want %q (default)", cfg.Log.Level, "info")
	}
}
