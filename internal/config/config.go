// Package config resolves runtime configuration from defaults and
// environment variables.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Gemini  GeminiConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type GeminiConfig struct {
	APIKey string
	Model  string
	Mock   bool
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 37777,
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, then applies KEEPSAKE_* and
// GEMINI_* environment overrides. A missing API key is not an error: the
// server falls back to the deterministic mock capability, which keeps local
// and offline use working.
func Load() Config {
	cfg := defaults()
	applyEnvOverrides(&cfg)
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.Mock = true
	}
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepsake"
	}
	return filepath.Join(home, ".keepsake")
}
