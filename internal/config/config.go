// Package config loads backend process configuration and resolves layered
// settings (environment overrides over persisted values).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds backend process configuration.
type Config struct {
	// Addr is the loopback listen address for the IPC server.
	Addr string
	// HomeDir is the application state directory.
	HomeDir string
	// DatabasePath is the sqlite database location.
	DatabasePath string
	// Debug enables verbose logging and the debug event tap.
	Debug bool
	// UpdateFeedURL is the auto-update feed endpoint. Empty disables polling.
	UpdateFeedURL string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr          *string
	HomeDir       *string
	DatabasePath  *string
	Debug         *bool
	UpdateFeedURL *string
}

// Load loads backend configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 4317
	if portStr := os.Getenv("AGENT_DESKTOP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	// The IPC surface binds to loopback only; the UI is the sole client.
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	homeDir := os.Getenv("AGENT_DESKTOP_HOME")
	if homeDir == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user home: %w", err)
		}
		homeDir = filepath.Join(userHome, ".claude-agent-desktop")
	}
	if overrides.HomeDir != nil {
		homeDir = *overrides.HomeDir
	}
	if err := os.MkdirAll(homeDir, 0700); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	dbPath := os.Getenv("AGENT_DESKTOP_DATABASE_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(homeDir, "desktop.db")
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	feedURL := os.Getenv("AGENT_DESKTOP_UPDATE_FEED")
	if overrides.UpdateFeedURL != nil {
		feedURL = *overrides.UpdateFeedURL
	}

	return &Config{
		Addr:          addr,
		HomeDir:       homeDir,
		DatabasePath:  dbPath,
		Debug:         debug,
		UpdateFeedURL: feedURL,
	}, nil
}
