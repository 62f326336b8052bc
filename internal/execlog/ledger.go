// Package execlog 只追加的执行审计日志，仅用于观测与事后取证，不参与控制流
package execlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"giftdrop/pkg/models"
)

// Repository 执行记录存储
type Repository interface {
	CreateExecution(ctx context.Context, record *models.ExecutionRecord) error
	AppendStep(ctx context.Context, step *models.ExecutionStep) error
	CompleteExecution(ctx context.Context, id, status string, summary map[string]any, end time.Time) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, day int) ([]models.ExecutionRecord, error)
}

// Ledger 执行审计日志，同时镜像到logrus
type Ledger struct {
	repo   Repository
	logger *logrus.Logger
	now    func() time.Time
	newID  func() string
}

// Option 配置项
type Option func(*Ledger)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator 注入执行ID生成器
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// NewLedger 创建审计日志
func NewLedger(repo Repository, logger *logrus.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  newExecutionID,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// newExecutionID 时间有序的UUIDv7，失败时退回v4
func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StartExecution 创建执行记录并返回ID；存储失败时ID仍然有效
func (l *Ledger) StartExecution(ctx context.Context, day int, variant models.Variant, meta map[string]any) (string, error) {
	return l.start(ctx, day, nil, variant, meta)
}

// StartHourExecution 小时分发的执行记录
func (l *Ledger) StartHourExecution(ctx context.Context, day, hour int, variant models.Variant, meta map[string]any) (string, error) {
	return l.start(ctx, day, &hour, variant, meta)
}

func (l *Ledger) start(ctx context.Context, day int, hour *int, variant models.Variant, meta map[string]any) (string, error) {
	id := l.newID()
	record := &models.ExecutionRecord{
		ExecutionID: id,
		Day:         day,
		Hour:        hour,
		Variant:     variant,
		StartTime:   l.now().UTC(),
		Status:      string(models.StateRunning),
		Meta:        meta,
	}
	entry := l.logger.WithFields(logrus.Fields{
		"component":    "execlog",
		"execution_id": id,
		"day":          day,
		"variant":      variant,
	})
	if hour != nil {
		entry = entry.WithField("hour", *hour)
	}
	if err := l.repo.CreateExecution(ctx, record); err != nil {
		entry.WithError(err).Warn("写入执行记录失败")
		return id, err
	}
	entry.Info("开始执行")
	return id, nil
}

// LogStep 追加一个步骤；写入失败只记录警告
func (l *Ledger) LogStep(ctx context.Context, executionID, step, message string, data map[string]any, level models.StepLevel) {
	record := &models.ExecutionStep{
		ExecutionID: executionID,
		Step:        step,
		Message:     message,
		Data:        data,
		Level:       level,
		Timestamp:   l.now().UTC(),
	}

	entry := l.logger.WithFields(logrus.Fields{
		"component":    "execlog",
		"execution_id": executionID,
		"step":         step,
	})
	if len(data) > 0 {
		entry = entry.WithFields(logrus.Fields(data))
	}
	switch level {
	case models.LevelDebug:
		entry.Debug(message)
	case models.LevelWarn:
		entry.Warn(message)
	case models.LevelError:
		entry.Error(message)
	default:
		entry.Info(message)
	}

	if err := l.repo.AppendStep(ctx, record); err != nil {
		entry.WithError(err).Warn("写入执行步骤失败")
	}
}

// Complete 结束执行记录
func (l *Ledger) Complete(ctx context.Context, executionID, status string, summary map[string]any) error {
	if err := l.repo.CompleteExecution(ctx, executionID, status, summary, l.now()); err != nil {
		l.logger.WithFields(logrus.Fields{
			"component":    "execlog",
			"execution_id": executionID,
		}).WithError(err).Error("结束执行记录失败")
		return err
	}
	l.logger.WithFields(logrus.Fields{
		"component":    "execlog",
		"execution_id": executionID,
		"status":       status,
	}).Info("执行结束")
	return nil
}

// Get 读取执行记录及步骤
func (l *Ledger) Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	return l.repo.GetExecution(ctx, executionID)
}

// List 某天的全部执行记录
func (l *Ledger) List(ctx context.Context, day int) ([]models.ExecutionRecord, error) {
	return l.repo.ListExecutions(ctx, day)
}
