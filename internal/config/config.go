package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Environment keys honored in addition to flags. Flags win when both are set.
const (
	EnvDBPath      = "DB_PATH"
	EnvDownloadDir = "DOWNLOAD_LOCATION"
	EnvLogLevel    = "LOG_LEVEL"
	EnvPort        = "PORT"
)

// Config holds all configuration for the remedia backend
type Config struct {
	// Server configuration
	Host string
	Port int
	Addr string // computed from Host:Port

	// File system
	DownloadDir    string // user-provided
	AbsDownloadDir string // resolved/absolute path
	DBPath         string // user-provided
	AbsDBPath      string // resolved/absolute path
	StaticDir      string // client bundle served on the fallback route

	// Logging
	LogLevel string // debug|info|warn|error

	// Validation & computed
	Version   string    // app version
	StartTime time.Time // when the app started
}

// New creates a Config with default values
func New() *Config {
	return &Config{
		Host:      "0.0.0.0",
		Port:      3000,
		StaticDir: "static",
		LogLevel:  "info",
		StartTime: time.Now(),
		Version:   "1.0.0",
	}
}

// ApplyEnv fills unset fields from the environment. Values already set (by
// flags) are left alone.
func (c *Config) ApplyEnv() {
	if c.DBPath == "" {
		c.DBPath = os.Getenv(EnvDBPath)
	}
	if c.DownloadDir == "" {
		c.DownloadDir = os.Getenv(EnvDownloadDir)
	}
	if v := os.Getenv(EnvLogLevel); v != "" && c.LogLevel == "info" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	c.LogLevel = strings.ToLower(c.LogLevel)
	valid := false
	for _, level := range validLevels {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}

	// Compute address
	c.Addr = c.ComputeAddr()

	return nil
}

// ResolveDownloadDir expands the download directory path and resolves it to an
// absolute path. If empty, defaults to $HOME/Downloads/remedia
func (c *Config) ResolveDownloadDir() error {
	if c.DownloadDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("get home directory: %w", err)
		}
		c.DownloadDir = filepath.Join(home, "Downloads", "remedia")
	}

	expanded, err := expandHome(c.DownloadDir)
	if err != nil {
		return err
	}
	c.DownloadDir = expanded

	abs, err := filepath.Abs(c.DownloadDir)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.DownloadDir, err)
	}
	c.AbsDownloadDir = abs

	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path.
// If empty, defaults to the OS cache directory
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		c.DBPath = defaultCacheDBPath()
	}

	expanded, err := expandHome(c.DBPath)
	if err != nil {
		return err
	}
	c.DBPath = expanded

	abs, err := filepath.Abs(c.DBPath)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", c.DBPath, err)
	}
	c.AbsDBPath = abs

	return nil
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		return home, nil
	}
	return path, nil
}

// ComputeAddr returns the full server address as host:port
func (c *Config) ComputeAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"addr":         c.Addr,
		"download_dir": c.AbsDownloadDir,
		"db_path":      c.AbsDBPath,
		"static_dir":   c.StaticDir,
		"log_level":    c.LogLevel,
		"version":      c.Version,
	}
}

// defaultCacheDBPath returns the cross-platform default path for the SQLite DB
// - Windows: %APPDATA%/remedia/remedia.db
// - Linux/macOS: $HOME/.cache/remedia/remedia.db
func defaultCacheDBPath() string {
	if runtime.GOOS == "windows" {
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "remedia", "remedia.db")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "AppData", "Roaming", "remedia", "remedia.db")
		}
		// Last resort: current directory
		return "remedia.db"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "remedia", "remedia.db")
	}
	// Fallback: place in working directory
	return filepath.Join("remedia", "remedia.db")
}
