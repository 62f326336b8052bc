package errors

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误上报器：统计、按严重级别记日志、触发回调
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	strategies map[ErrorKind]ErrorStrategy
	callbacks  []ErrorCallback
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *GiftError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *GiftError)

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorKind]ErrorStrategy),
	}
	loggingStrategy := NewLoggingStrategy(logger)
	for kind := range errorKindNames {
		eh.strategies[kind] = loggingStrategy
	}
	return eh
}

// HandleError 处理错误，返回规范化后的GiftError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	giftErr, ok := As(err)
	if !ok {
		giftErr = Wrap(err, KindInternal, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(giftErr)
	strategy, exists := eh.strategies[giftErr.Kind]
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	for _, cb := range callbacks {
		eh.safeCallback(cb, giftErr)
	}

	if !exists {
		strategy = NewLoggingStrategy(eh.logger)
	}
	return strategy.Handle(ctx, giftErr)
}

func (eh *ErrorHandler) safeCallback(cb ErrorCallback, err *GiftError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// NewLoggingStrategy 创建日志记录策略
func NewLoggingStrategy(logger *logrus.Logger) *LoggingStrategy {
	return &LoggingStrategy{logger: logger}
}

// Handle 按严重级别选择日志级别；幂等冲突只记调试日志
func (ls *LoggingStrategy) Handle(ctx context.Context, err *GiftError) error {
	entry := ls.logger.WithFields(logrus.Fields{
		"error_kind": err.Kind.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.Day != nil {
		entry = entry.WithField("day", *err.Day)
	}
	if err.Hour != nil {
		entry = entry.WithField("hour", *err.Hour)
	}
	if err.Cause != nil {
		entry = entry.WithError(err.Cause)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Message)
	case SeverityMedium:
		entry.Warn(err.Message)
	default:
		entry.Error(err.Message)
	}
	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(kind ErrorKind, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[kind] = strategy
}

// GetStats 获取错误统计信息快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	snapshot := *eh.stats
	snapshot.RecentErrors = append([]*GiftError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

// AlertStrategy 告警策略，用于完整性错误等需要人工介入的情况
type AlertStrategy struct {
	alertFunc func(err *GiftError)
	logger    *logrus.Logger
}

// NewAlertStrategy 创建告警策略
func NewAlertStrategy(alertFunc func(err *GiftError), logger *logrus.Logger) *AlertStrategy {
	return &AlertStrategy{alertFunc: alertFunc, logger: logger}
}

// Handle 实现AlertStrategy的处理方法
func (as *AlertStrategy) Handle(ctx context.Context, err *GiftError) error {
	func() {
		defer func() {
			if r := recover(); r != nil {
				as.logger.Errorf("告警函数执行时发生panic: %v", r)
			}
		}()
		as.alertFunc(err)
	}()
	return err
}

// CompositeStrategy 组合策略，可以执行多个策略
type CompositeStrategy struct {
	strategies []ErrorStrategy
}

// NewCompositeStrategy 创建组合策略
func NewCompositeStrategy(strategies ...ErrorStrategy) *CompositeStrategy {
	return &CompositeStrategy{strategies: strategies}
}

// Handle 实现CompositeStrategy的处理方法
func (cs *CompositeStrategy) Handle(ctx context.Context, err *GiftError) error {
	var lastErr error
	for _, strategy := range cs.strategies {
		if strategyErr := strategy.Handle(ctx, err); strategyErr != nil {
			lastErr = strategyErr
		}
	}
	return lastErr
}
