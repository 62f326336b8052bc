package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	assert.Equal(t, os.Stdout, logger.Out)
}

func TestNewLogger_Invalid(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Level = "loud"
	_, err := NewLogger(cfg)
	assert.Error(t, err)

	cfg = DefaultLogConfig()
	cfg.Format = "xml"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestFileOutputSharedBetweenLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "giftdrop.log")
	cfg := DefaultLogConfig()
	cfg.Output = path
	cfg.Format = "text"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	slogger, err := NewStructuredLogger(cfg)
	require.NoError(t, err)

	logger.Info("主日志")
	slogger.Info("访问日志", "path", "/health")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "主日志")
	assert.Contains(t, string(data), "访问日志")
}

func TestRotationUsesLumberjack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	cfg := DefaultLogConfig()
	cfg.Output = path
	cfg.Rotation = true
	cfg.MaxSize = 1

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	rotator, ok := logger.Out.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, path, rotator.Filename)
	assert.Equal(t, 1, rotator.MaxSize)
}

func TestParseLogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "warning", "error"} {
		_, err := parseLogLevel(lvl)
		assert.NoError(t, err, lvl)
	}
	_, err := parseLogLevel("trace")
	assert.Error(t, err)
}
