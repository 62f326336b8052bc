package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorKind 错误分类
type ErrorKind int

const (
	// KindTransientExternal 外部I/O超时、限流等，可重试
	KindTransientExternal ErrorKind = iota
	// KindValidation 规则缺失、格式错误、未知算法，不重试
	KindValidation
	// KindIdempotencyConflict 幂等锚点冲突，视为无操作成功
	KindIdempotencyConflict
	// KindIntegrity 默克尔校验失败，必须人工介入
	KindIntegrity
	// KindPartialExecution 已付款后的失败，保留结果人工对账
	KindPartialExecution
	// KindInternal 其他内部错误
	KindInternal
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// GiftError 礼物分发流水线的错误类型
type GiftError struct {
	Kind      ErrorKind      `json:"kind"`
	Severity  ErrorSeverity  `json:"severity"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	Cause     error          `json:"-"`
	Retryable bool           `json:"retryable"`
	Component string         `json:"component,omitempty"`
	Day       *int           `json:"day,omitempty"`
	Hour      *int           `json:"hour,omitempty"`
}

// Error 实现error接口
func (e *GiftError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *GiftError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使errors.Is可与预定义错误比较
func (e *GiftError) Is(target error) bool {
	t, ok := target.(*GiftError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

// IsRetryable 判断是否可重试
func (e *GiftError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *GiftError) WithContext(key string, value any) *GiftError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithDay 添加天数
func (e *GiftError) WithDay(day int) *GiftError {
	e.Day = &day
	return e
}

// WithHour 添加小时
func (e *GiftError) WithHour(day, hour int) *GiftError {
	e.Day = &day
	e.Hour = &hour
	return e
}

// WithComponent 添加组件名
func (e *GiftError) WithComponent(component string) *GiftError {
	e.Component = component
	return e
}

// New 创建新的错误
func New(kind ErrorKind, code, message string) *GiftError {
	return &GiftError{
		Kind:      kind,
		Severity:  defaultSeverity(kind),
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: kind == KindTransientExternal,
	}
}

// Wrap 包装现有错误
func Wrap(err error, kind ErrorKind, code, message string) *GiftError {
	e := New(kind, code, message)
	e.Cause = err
	return e
}

// Clone 复制预定义错误并附加原因，避免修改共享实例
func (e *GiftError) Clone(cause error) *GiftError {
	c := *e
	c.Timestamp = time.Now()
	c.Context = nil
	c.Cause = cause
	return &c
}

// Validationf 创建校验错误
func Validationf(code, format string, args ...any) *GiftError {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

// Integrityf 创建完整性错误
func Integrityf(code, format string, args ...any) *GiftError {
	return New(KindIntegrity, code, fmt.Sprintf(format, args...))
}

// Transient 包装一个外部调用错误为可重试错误，context超时也归为此类
func Transient(err error, code, message string) *GiftError {
	return Wrap(err, KindTransientExternal, code, message)
}

// FromContext 把外部调用中的超时/取消转换为可重试错误，其他错误原样返回
func FromContext(err error, code, message string) error {
	if err == nil {
		return nil
	}
	var ge *GiftError
	if stderrors.As(err, &ge) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Transient(err, code, message+"超时")
	}
	return err
}

func defaultSeverity(kind ErrorKind) ErrorSeverity {
	switch kind {
	case KindTransientExternal:
		return SeverityMedium
	case KindValidation:
		return SeverityHigh
	case KindIdempotencyConflict:
		return SeverityLow
	case KindIntegrity, KindPartialExecution:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// As 提取错误链中的GiftError
func As(err error) (*GiftError, bool) {
	var ge *GiftError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsKind 判断错误链中是否包含指定类型
func IsKind(err error, kind ErrorKind) bool {
	ge, ok := As(err)
	return ok && ge.Kind == kind
}

// IsRetryable 判断错误是否可重试；非GiftError的context超时视为可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ge, ok := As(err); ok {
		return ge.Retryable
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// IsFatal 校验与完整性错误不可重试，且必须立即上报
func IsFatal(err error) bool {
	return IsKind(err, KindValidation) || IsKind(err, KindIntegrity)
}

// 预定义错误
var (
	ErrUnknownVariant = New(KindValidation, "UNKNOWN_VARIANT", "未知的礼物算法")

	ErrSpecNotFound = New(KindValidation, "SPEC_NOT_FOUND", "礼物规则不存在")

	ErrProofMismatch = New(KindIntegrity, "PROOF_MISMATCH", "默克尔证明与已发布根不一致")

	ErrAlreadyDistributed = New(KindIdempotencyConflict, "ALREADY_DISTRIBUTED", "该时段已分发")

	ErrEntropyUnavailable = New(KindTransientExternal, "ENTROPY_UNAVAILABLE", "链上熵不可用")

	ErrAmountOverflow = New(KindValidation, "AMOUNT_OVERFLOW", "金额计算溢出")
)

var errorKindNames = map[ErrorKind]string{
	KindTransientExternal:   "TransientExternal",
	KindValidation:          "Validation",
	KindIdempotencyConflict: "IdempotencyConflict",
	KindIntegrity:           "Integrity",
	KindPartialExecution:    "PartialExecution",
	KindInternal:            "Internal",
}

// String 返回错误类型的字符串表示
func (k ErrorKind) String() string {
	if name, exists := errorKindNames[k]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int            `json:"total_errors"`
	ErrorsByKind      map[string]int `json:"errors_by_kind"`
	ErrorsBySeverity  map[string]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int `json:"errors_by_component"`
	RecentErrors      []*GiftError   `json:"recent_errors"`
	LastError         *GiftError     `json:"last_error"`
	LastErrorTime     time.Time      `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByKind:      make(map[string]int),
		ErrorsBySeverity:  make(map[string]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*GiftError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *GiftError) {
	es.TotalErrors++
	es.ErrorsByKind[err.Kind.String()]++
	es.ErrorsBySeverity[err.Severity.String()]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}
