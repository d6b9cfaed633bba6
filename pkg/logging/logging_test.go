package logging

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogLevelFromString(t *testing.T) {
	tests := []struct {
		levelStr string
		level    zapcore.Level
		wantErr  bool
	}{
		{levelStr: "debug", level: zapcore.DebugLevel},
		{levelStr: "info", level: zapcore.InfoLevel},
		{levelStr: "warn", level: zapcore.WarnLevel},
		{levelStr: "error", level: zapcore.ErrorLevel},
		{levelStr: "verbose", wantErr: true},
	}
	for _, test := range tests {
		level, err := ZapLogLevelFromString(test.levelStr)
		if test.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, test.level, level)
	}
}

func TestWithRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	logger.Info("handled", WithRequestID("req-1"))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
}

func TestJSONEncoderEmitsMillisecondTime(t *testing.T) {
	var sink syncBuffer
	logger := NewZapLogger(zapcore.AddSync(&sink), false, false, zapcore.InfoLevel)
	logger.Info("started")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(sink.bytes(), &entry))
	require.Contains(t, entry, "time")
	require.Contains(t, entry, "hostname")
	require.Contains(t, entry, "pid")

	// Millisecond epoch, not a formatted timestamp.
	_, isNumber := entry["time"].(float64)
	require.True(t, isNumber)
}

type syncBuffer struct {
	data []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *syncBuffer) bytes() []byte {
	return b.data
}
