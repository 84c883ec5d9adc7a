package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestInit_WritesJSONToStdoutAndFile(t *testing.T) {
	restoreDefault(t)

	path := filepath.Join(t.TempDir(), "logs", "notifier.log")
	var stdout bytes.Buffer

	closeFn, err := Init(slog.LevelInfo, path, &stdout)
	require.NoError(t, err)

	slog.Info("message sent", "message_id", 7)
	slog.Debug("hidden")
	require.NoError(t, closeFn())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rec))
	assert.Equal(t, "message sent", rec["msg"])
	assert.Equal(t, float64(7), rec["message_id"])
	assert.NotContains(t, stdout.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(data))
}

func TestInit_StdoutOnly(t *testing.T) {
	restoreDefault(t)

	var stdout bytes.Buffer
	closeFn, err := Init(slog.LevelDebug, "", &stdout)
	require.NoError(t, err)
	defer closeFn()

	slog.Debug("visible at debug")
	assert.Contains(t, stdout.String(), "visible at debug")
}
