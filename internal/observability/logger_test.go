// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/rocker/internal/config"
)

// -- Test Helper Functions --

// bufferSink returns a WriteSyncer backed by an in-memory buffer.
func bufferSink() (*bytes.Buffer, zapcore.WriteSyncer) {
	buf := &bytes.Buffer{}
	return buf, zapcore.AddSync(buf)
}

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "rocker",
			Colors:      config.ColorConfig{Info: "green"},
		}, sink)
		GetLogger().Named("scanner").Info("snapshot taken")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "snapshot taken")
		assert.Contains(t, output, "rocker.scanner.", "component name carries the trailing dot")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)
		GetLogger().Warn("target not resolved", zap.String("target", "post button"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "target not resolved", entry["msg"])
		assert.Equal(t, "post button", entry["target"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		ResetForTest()
		_, sink := bufferSink()
		logPath := filepath.Join(t.TempDir(), "rocker.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logPath, MaxSize: 1}, sink)
		GetLogger().Error("this should go to the file")
		Sync()

		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(content), "this should go to the file")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, sink)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, sink)
		second := GetLogger()

		assert.Equal(t, first, second)
		second.Info("test")
		Sync()

		assert.True(t, strings.Contains(buf.String(), "First"))
		assert.False(t, strings.Contains(buf.String(), "Second"))
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		ResetForTest()
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "loud", Format: "json"}, sink)
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		Sync()

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestNewLogger(t *testing.T) {
	ResetForTest()
	buf, sink := bufferSink()

	logger, err := NewLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "standalone"}, sink)
	require.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()

	assert.Contains(t, buf.String(), "standalone")
	assert.Nil(t, globalLogger.Load(), "NewLogger must not install a global logger")

	_, err = NewLogger(config.LoggerConfig{}, nil)
	assert.Error(t, err)
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		_, sink := bufferSink()
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, sink)

		assert.Equal(t, globalLogger.Load(), GetLogger())
	})
}
