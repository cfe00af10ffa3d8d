package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.Debug("hidden")
	logger.Info("twitch: joined", "channel", "alice")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "twitch: joined", line["msg"])
	assert.Equal(t, "alice", line["channel"])
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))
	l := New("", "", &bytes.Buffer{})
	assert.Same(t, l, OrDefault(l))
}
