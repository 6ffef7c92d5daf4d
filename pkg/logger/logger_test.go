package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(level slog.Level) (*bytes.Buffer, func()) {
	buf := &bytes.Buffer{}
	prev := Get()
	Set(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
	return buf, func() { Set(prev) }
}

func TestStructuredOutput(t *testing.T) {
	buf, restore := captureLogger(slog.LevelDebug)
	defer restore()

	Infow("device registered", "device_id", "dev-1", "role", "device")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "device registered", entry["msg"])
	assert.Equal(t, "dev-1", entry["device_id"])
	assert.Equal(t, "device", entry["role"])
}

func TestFormattedHelpers(t *testing.T) {
	buf, restore := captureLogger(slog.LevelDebug)
	defer restore()

	Infof("forwarding to %s", "http://10.0.0.5:9000")
	Warnf("attempt %d failed", 3)
	Errorf("sweep removed %d devices", 0)
	Debugf("token fingerprint %s", "abc123")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "forwarding to http://10.0.0.5:9000", first["msg"])
	assert.Equal(t, "INFO", first["level"])
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	buf, restore := captureLogger(slog.LevelInfo)
	defer restore()

	Debug("should not appear")
	assert.Zero(t, buf.Len())

	Info("should appear")
	assert.NotZero(t, buf.Len())
}
