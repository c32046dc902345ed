// File: internal/observability/logger_test.go
package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/kestrelworks/sitewright/internal/config"
)

func TestInitializeStoresGlobalLogger(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	cfg := config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "sitewright-test",
		Colors:      config.ColorConfig{Info: "green"},
	}
	Initialize(cfg, zapcore.AddSync(zaptest.NewTestingWriter(t)))

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.NotEqual(t, zap.NewNop(), logger)

	// Re-initialization must be a no-op; the first logger wins.
	Initialize(config.LoggerConfig{Level: "error", ServiceName: "other"},
		zapcore.AddSync(zaptest.NewTestingWriter(t)))
	assert.Same(t, logger, GetLogger())
}

func TestGetLoggerBeforeInitializeFallsBack(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	logger := GetLogger()
	require.NotNil(t, logger, "fallback logger must never be nil")
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	cfg := config.LoggerConfig{Level: "not-a-level", Format: "json", ServiceName: "t"}
	Initialize(cfg, zapcore.AddSync(zaptest.NewTestingWriter(t)))

	logger := GetLogger()
	require.NotNil(t, logger)
	// The defaulted level is info; debug must be disabled, info enabled.
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestColorizedLevelEncoder(t *testing.T) {
	enc := newColorizedLevelEncoder(config.ColorConfig{
		Info:  "green",
		Error: "red",
	})

	rec := &stringArrayEncoder{}
	enc(zapcore.InfoLevel, rec)
	require.Len(t, rec.appended, 1)
	assert.Contains(t, rec.appended[0], colorGreen)
	assert.Contains(t, rec.appended[0], "INFO")
	assert.Contains(t, rec.appended[0], colorReset)

	rec = &stringArrayEncoder{}
	enc(zapcore.ErrorLevel, rec)
	require.Len(t, rec.appended, 1)
	assert.Contains(t, rec.appended[0], colorRed)
}

// stringArrayEncoder captures appended strings for encoder assertions.
type stringArrayEncoder struct {
	zapcore.PrimitiveArrayEncoder
	appended []string
}

func (s *stringArrayEncoder) AppendString(v string) { s.appended = append(s.appended, v) }
