// Package config wraps the viper configuration singleton. Configuration is
// read from a config.yaml discovered by walking up from the working
// directory, then the user config directory, with TL_-prefixed environment
// variables taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton.
// Should be called once at application startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// Precedence: project .treeline/config.yaml > ~/.config/tl/config.yaml
	// > ~/.treeline/config.yaml.
	configFileSet := false

	// Walk up from CWD so commands work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".treeline", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "tl", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".treeline", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables override the file: TL_DB_PATH maps to "db.path",
	// TL_LANDING_PAUSE to "landing.pause", and so on.
	v.SetEnvPrefix("TL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// CLI behaviour.
	v.SetDefault("json", false)
	v.SetDefault("user.email", "")
	v.SetDefault("user.groups", "")

	// API server and client.
	v.SetDefault("api.listen", ":8888")
	v.SetDefault("api.base_url", "http://127.0.0.1:8888")
	v.SetDefault("api.cors_origins", []string{})

	// Storage.
	v.SetDefault("db.path", "./treeline.db")

	// Landing-target definitions.
	v.SetDefault("repos.file", "./repos.toml")

	// Patch artefact store.
	v.SetDefault("blob.scheme", "file")
	v.SetDefault("blob.bucket", "patches")
	v.SetDefault("blob.root", "./patches")

	// Project/tag cache. Empty URL means the in-process no-op cache.
	v.SetDefault("redis.url", "")

	// External collaborators.
	v.SetDefault("review.url", "")
	v.SetDefault("review.token", "")
	v.SetDefault("review.timeout", "30s")
	// Public web URL for revision links; falls back to review.url.
	v.SetDefault("review.public_url", "")
	v.SetDefault("treestatus.url", "")
	v.SetDefault("bugs.url", "")
	v.SetDefault("bugs.api_key", "")
	v.SetDefault("notify.url", "")

	// Worker behaviour. landing.pause and landing.stop are bootstrap
	// defaults; the database-backed dynamic config overrides them at runtime.
	v.SetDefault("landing.pause", false)
	v.SetDefault("landing.stop", false)
	v.SetDefault("worker.throttle_seconds", 10)
	v.SetDefault("worker.grace_seconds", 60)
	v.SetDefault("worker.sleep_seconds", 10)
	v.SetDefault("worker.command_timeout", "10m")
	v.SetDefault("worker.repos", []string{})
	v.SetDefault("worker.clone_root", "./clones")
	// Prometheus listener for the worker process; empty disables it.
	v.SetDefault("worker.metrics_listen", "")
	v.SetDefault("dynconfig.ttl", "60s")

	// Logging.
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// Set sets a configuration value, overriding all other sources.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// UserEmail resolves the email the CLI identifies as when talking to the
// API. Priority: --email flag, user.email config (or TL_USER_EMAIL), git
// config user.email.
func UserEmail(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if email := GetString("user.email"); email != "" {
		return email
	}
	cmd := exec.Command("git", "config", "user.email")
	if output, err := cmd.Output(); err == nil {
		if email := strings.TrimSpace(string(output)); email != "" {
			return email
		}
	}
	return ""
}
