package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MARDATA_BASE_URL", "")
	dir := t.TempDir()

	cfg, err := loadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, defaultBaseURL, cfg.BaseURL)
	assert.Equal(t, "ws://localhost:8000/api", cfg.WSURL)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, chat.ModeStreaming, cfg.Mode)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, filepath.Join(dir, "session.yaml"), cfg.SessionFile)
	assert.Equal(t, filepath.Join(dir, "archive.db"), cfg.ArchivePath)
}

func TestLoadConfigEmptyFile(t *testing.T) {
	t.Setenv("MARDATA_BASE_URL", "")

	cfg, err := loadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, defaultBaseURL, cfg.BaseURL)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("MARDATA_BASE_URL", "")
	path := writeConfig(t, `
baseURL: https://mardata.example.com/api/
port: "9090"
mode: request
logLevel: debug
archivePath: /tmp/mardata.db
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://mardata.example.com/api", cfg.BaseURL)
	assert.Equal(t, "wss://mardata.example.com/api", cfg.WSURL)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, chat.ModeRequestResponse, cfg.Mode)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "/tmp/mardata.db", cfg.ArchivePath)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "session.yaml"), cfg.SessionFile)
}

func TestLoadConfigExplicitWSURL(t *testing.T) {
	t.Setenv("MARDATA_BASE_URL", "")

	cfg, err := loadConfig(writeConfig(t, "wsURL: ws://stream.internal:9000/api\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://stream.internal:9000/api", cfg.WSURL)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MARDATA_BASE_URL", "http://10.0.0.5:8000/api")

	cfg, err := loadConfig(writeConfig(t, "baseURL: http://ignored/api\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8000/api", cfg.BaseURL)
	assert.Equal(t, "ws://10.0.0.5:8000/api", cfg.WSURL)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("MARDATA_BASE_URL", "")

	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown mode", content: "mode: batch\n"},
		{name: "bad log level", content: "logLevel: loud\n"},
		{name: "bad scheme", content: "baseURL: ftp://example.com\n"},
		{name: "malformed yaml", content: "baseURL: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
