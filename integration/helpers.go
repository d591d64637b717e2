//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// WriteTestConfig writes a config file pointing at the given database
func WriteTestConfig(t *testing.T, dbPath string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")

	config := `[general]
database_path = "` + dbPath + `"
base_url = "http://127.0.0.1:8080"

[web]
host = "127.0.0.1"
port = 8080

[runner]
url = "http://127.0.0.1:9090"
webhook_secret = "test-secret"

[auth]
session_secret = "test-session-secret"

[stream]
poll_interval_ms = 10
`

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	return configPath
}
