package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oncorisk.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.Console = false
	cfg.Level = "debug"

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Debug("scaler fitted")
	logger.Info("model loaded")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "model loaded", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	logger, err := New(Config{Level: "WARN", File: path})
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.Error(t, err)
}
