package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Development(t *testing.T) {
	log, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, log)

	// Should not panic
	log.Info("test message")
}

func TestNew_Production(t *testing.T) {
	log, err := New(false)
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestMust(t *testing.T) {
	// Should not panic
	assert.NotNil(t, Must(true))
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "spotbot.log")

	log, err := NewWithFile(false, FileConfig{Filename: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	log.Info("order placed", zap.String("symbol", "BTCUSDC"))
	log.Debug("below production level")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "order placed", entry["msg"])
	assert.Equal(t, "BTCUSDC", entry["symbol"])
}

func TestNewWithFile_NoFilename(t *testing.T) {
	log, err := NewWithFile(true, FileConfig{})
	require.NoError(t, err)
	assert.NotNil(t, log)
}
