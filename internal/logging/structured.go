// Package logging 日志配置：logrus主日志器、slog访问日志、lumberjack文件轮转
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`             // 日志级别 (debug, info, warn, error)
	Format     string `mapstructure:"format" yaml:"format"`           // 日志格式 (json, text)
	Output     string `mapstructure:"output" yaml:"output"`           // 输出路径 (stdout, stderr, file path)
	Rotation   bool   `mapstructure:"rotation" yaml:"rotation"`       // 是否启用日志轮转
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // 单个日志文件最大大小(MB)
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // 日志文件保留天数
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // 保留的日志文件数量
	Compress   bool   `mapstructure:"compress" yaml:"compress"`       // 是否压缩轮转的日志文件
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 3,
		Compress:   true,
	}
}

// NewLogger 按配置创建logrus日志器
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)
	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}
	return logger, nil
}

// NewStructuredLogger 创建slog日志器，与主日志器共享输出
func NewStructuredLogger(config *LogConfig) (*slog.Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}
	writer, err := getLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}
	switch config.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(writer, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(writer, opts)), nil
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// writers 同一路径只打开一次，logrus和slog共用
var (
	writersMu sync.Mutex
	writers   = map[string]io.Writer{}
)

// getLogWriter 获取日志输出；启用轮转时交给lumberjack
func getLogWriter(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	writersMu.Lock()
	defer writersMu.Unlock()
	if w, ok := writers[config.Output]; ok {
		return w, nil
	}

	dir := filepath.Dir(config.Output)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	var w io.Writer
	if config.Rotation {
		w = &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
			LocalTime:  false,
		}
	} else {
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		w = file
	}
	writers[config.Output] = w
	return w, nil
}

// replaceAttr 时间统一为RFC3339
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{
			Key:   a.Key,
			Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
		}
	}
	return a
}
