package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelDebug, Format: "json", Output: &buf})

	log.WithComponent("monitor").WithPlugin("chart").Warn("memory at %d bytes", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, "memory at 42 bytes", entry["msg"])
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "chart", entry["plugin"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: LevelWarn, Output: &buf})

	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))

	log.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Level: LevelInfo, Format: "json", Output: &buf})
	_ = parent.WithField("k", "v")

	parent.Info("plain")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, has := entry["k"]
	assert.False(t, has)
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error("nothing %s", "here")
	assert.False(t, log.Enabled(LevelError))
	assert.NotNil(t, OrDefault(nil))
	assert.Same(t, log, OrDefault(log))
}
