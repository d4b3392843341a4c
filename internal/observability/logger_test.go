// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/page-agent/internal/config"
)

func initBuffered(t *testing.T, cfg config.LoggerConfig) *bytes.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))
	return &buf
}

func TestInitialize(t *testing.T) {
	t.Run("console output colors configured levels", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "page-agent",
			Colors:      config.ColorConfig{Info: "green"},
		})

		GetLogger().Named("session").Info("call issued")
		Sync()

		out := buf.String()
		assert.Contains(t, out, ansi["green"]+"INFO"+colorReset)
		assert.Contains(t, out, "page-agent.session.")
		assert.Contains(t, out, "call issued")
	})

	t.Run("uncolored levels are printed plain", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "debug", Format: "console"})

		GetLogger().Warn("anomaly")
		Sync()

		assert.Contains(t, buf.String(), "WARN")
		assert.NotContains(t, buf.String(), colorReset)
	})

	t.Run("json output is structured", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"})

		GetLogger().Warn("decision refused", zap.String("call_id", "abc"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "decision refused", entry["msg"])
		assert.Equal(t, "abc", entry["call_id"])
	})

	t.Run("level below threshold is dropped", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "warn", Format: "json"})

		GetLogger().Info("quiet")
		Sync()
		assert.Empty(t, buf.String())
	})

	t.Run("log file receives json lines", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "page-agent.log")
		initBuffered(t, config.LoggerConfig{
			Level:   "debug",
			Format:  "console",
			LogFile: logFile,
			MaxSize: 1,
		})

		GetLogger().Error("written to file")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"msg":"written to file"`)
	})

	t.Run("only the first call takes effect", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "console", ServiceName: "First"})
		first := GetLogger()

		var other bytes.Buffer
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(&other))
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()
		assert.Contains(t, buf.String(), "First")
		assert.Empty(t, other.String())
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
		assert.Nil(t, globalLogger.Load())
	})

	t.Run("returns the stored logger", func(t *testing.T) {
		initBuffered(t, config.LoggerConfig{Level: "info"})
		assert.Equal(t, globalLogger.Load(), GetLogger())
	})
}
