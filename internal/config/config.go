// Package config loads server configuration: a YAML file merged with
// RBXSYNC_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server core and CLI front-end need.
type Config struct {
	// ProjectRoot is the directory tree the VFS watches and syncback
	// writes into.
	ProjectRoot string       `yaml:"project_root"`
	Server      ServerConfig `yaml:"server"`
	Watch       WatchConfig  `yaml:"watch"`
	Queue       QueueConfig  `yaml:"queue"`
	Log         LogConfig    `yaml:"log"`
}

// ServerConfig holds the wire-protocol bind address. The serve command
// prints it; no command in this repo opens a listener on it.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// WatchConfig holds the watch debounce setting. The Change Processor does
// not read it; its debounce is the fixed debounceInterval in changeproc.
type WatchConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// QueueConfig controls the Message Queue's retention.
type QueueConfig struct {
	RetentionSize int    `yaml:"retention_size"`
	DBPath        string `yaml:"db_path"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	Protocol bool   `yaml:"protocol"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: "127.0.0.1:34872",
		},
		Watch: WatchConfig{
			DebounceInterval: 200 * time.Millisecond,
		},
		Queue: QueueConfig{
			RetentionSize: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup
// function. This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPathWithEnv(getenv)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if root := getenv("RBXSYNC_PROJECT_ROOT"); root != "" {
		cfg.ProjectRoot = root
	}
	if addr := getenv("RBXSYNC_BIND_ADDR"); addr != "" {
		cfg.Server.BindAddr = addr
	}
	if level := getenv("RBXSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func getConfigPathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "rbxsync", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "rbxsync", "config.yaml")
}
