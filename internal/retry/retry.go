package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	gifterrors "giftdrop/internal/errors"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`         // 最大尝试次数（含第一次）
	InitialInterval     time.Duration `json:"initial_interval"`     // 初始重试间隔
	MaxInterval         time.Duration `json:"max_interval"`         // 最大重试间隔
	BackoffFactor       float64       `json:"backoff_factor"`       // 退避因子，1为固定间隔
	RandomizationFactor float64       `json:"randomization_factor"` // 随机化因子
	EnableJitter        bool          `json:"enable_jitter"`        // 启用抖动
}

// NetworkRetryConfig 节点请求重试配置
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// FixedDelay 固定间隔、无抖动的配置，用于每日流水线整体重跑
func FixedDelay(attempts int, delay time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: delay,
		MaxInterval:     delay,
		BackoffFactor:   1,
	}
}

// IsRetryableError 判断是否为可重试错误：优先使用错误分类，其次按常见网络错误文本判断
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if ge, ok := gifterrors.As(err); ok {
		return ge.Retryable
	}
	if gifterrors.IsRetryable(err) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transient := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"no such host",
		"network is unreachable",
		"broken pipe",
		"unexpected eof",
	}
	for _, s := range transient {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// Sleeper 等待函数，可注入以便测试
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep 可被context取消的等待
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryHook 每次失败后、等待前回调
type RetryHook func(attempt int, err error, delay time.Duration)

// Retrier 重试器
type Retrier struct {
	config   *RetryConfig
	logger   *logrus.Logger
	sleep    Sleeper
	classify func(error) bool
	onRetry  RetryHook

	mu   sync.Mutex
	rand *rand.Rand
}

// Option 重试器选项
type Option func(*Retrier)

// WithSleeper 注入等待函数
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) { r.sleep = s }
}

// WithClassifier 自定义可重试判断
func WithClassifier(fn func(error) bool) Option {
	return func(r *Retrier) { r.classify = fn }
}

// WithOnRetry 设置重试回调
func WithOnRetry(hook RetryHook) Option {
	return func(r *Retrier) { r.onRetry = hook }
}

// NewRetrier 创建重试器
func NewRetrier(config *RetryConfig, logger *logrus.Logger, opts ...Option) *Retrier {
	if config == nil {
		config = NetworkRetryConfig
	}
	r := &Retrier{
		config:   config,
		logger:   logger,
		sleep:    ContextSleep,
		classify: IsRetryableError,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExecuteFunc 执行函数类型，attempt从1开始
type ExecuteFunc func(attempt int) error

// Execute 执行重试逻辑
func (r *Retrier) Execute(ctx context.Context, operation string, fn ExecuteFunc) error {
	_, err := Do(ctx, r, operation, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// Do 执行重试逻辑并返回结果
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	attempts := r.config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return result, nil
		}

		if !r.classify(err) {
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return zero, err
		}

		if attempt == attempts {
			r.logger.Errorf("操作 '%s' 在 %d 次尝试后最终失败: %v", operation, attempt, err)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)
		if r.onRetry != nil {
			r.onRetry(attempt, err, delay)
		}

		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, nil
}

// calculateDelay 计算延迟时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	factor := r.config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(r.config.InitialInterval) * math.Pow(factor, float64(attempt-1))
	if r.config.MaxInterval > 0 && delay > float64(r.config.MaxInterval) {
		delay = float64(r.config.MaxInterval)
	}

	if r.config.EnableJitter {
		jitter := delay * r.config.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + r.rand.Float64()*jitter*2
		r.mu.Unlock()
		if delay < 0 {
			delay = float64(r.config.InitialInterval)
		}
	}
	return time.Duration(delay)
}
