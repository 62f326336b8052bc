// Package scheduler 每日分发状态机：定时触发、分阶段执行、失败重试与状态持久化
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/calendar"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/execlog"
	"giftdrop/internal/gift"
	"giftdrop/internal/retry"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

// 阶段名，同时作为审计步骤名和指标标签
const (
	PhaseLedgerWindow   = "finalize_ledger_window"
	PhaseHolderSnapshot = "holder_snapshot"
	PhaseLoadSpec       = "load_spec"
	PhaseEntropy        = "fetch_entropy"
	PhaseEngine         = "execute_engine"
	PhaseBuildBatches   = "build_batches"
	PhaseSimulate       = "simulate"
	PhaseSubmit         = "submit"
	PhasePersist        = "persist"
)

// ErrBusy 已有执行在进行中
var ErrBusy = gifterrors.New(gifterrors.KindIdempotencyConflict, "EXECUTION_IN_FLIGHT", "已有每日执行在进行中")

// LedgerSource 链上数据来源
type LedgerSource interface {
	FetchTransactions(ctx context.Context, day int) ([]models.LedgerTransfer, error)
	FetchHolderSnapshot(ctx context.Context, day int) ([]models.HolderBalance, error)
	FetchEntropy(ctx context.Context, day int) (string, error)
}

// TransferExecutor 转账执行
type TransferExecutor interface {
	BuildBatches(ctx context.Context, label string, winners []models.Winner) ([]models.TransferBatch, error)
	Simulate(ctx context.Context, batches []models.TransferBatch) (bool, error)
	Submit(ctx context.Context, batches []models.TransferBatch) ([]string, error)
}

// Repository 调度器依赖的仓库
type Repository interface {
	store.SpecRepository
	store.SnapshotRepository
	store.StatusRepository
}

// Recorder 指标上报
type Recorder interface {
	ObservePhase(kind, phase string, d time.Duration, err error)
	ObserveExecution(kind string, state models.ExecutionState)
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// ErrorReporter 自动执行失败时的错误上报
type ErrorReporter interface {
	HandleError(ctx context.Context, err error) error
}

// Config 调度配置
type Config struct {
	RetryAttempts int
	RetryDelay    time.Duration
	RunOffset     time.Duration
	PollInterval  time.Duration
	PhaseTimeout  time.Duration
	Distributable uint64
}

// DefaultConfig 默认调度配置
func DefaultConfig() Config {
	return Config{
		RetryAttempts: 3,
		RetryDelay:    5 * time.Minute,
		RunOffset:     5 * time.Minute,
		PollInterval:  time.Minute,
		PhaseTimeout:  30 * time.Second,
	}
}

// Scheduler 每日调度器
type Scheduler struct {
	cfg       Config
	cal       *calendar.Calendar
	repo      Repository
	ledger    LedgerSource
	transfers TransferExecutor
	engine    *gift.Engine
	audit     *execlog.Ledger
	logger    *logrus.Logger

	now       func() time.Time
	sleep     retry.Sleeper
	newTicker func(d time.Duration) (<-chan time.Time, func())
	recorder  Recorder
	publisher Publisher
	reporter  ErrorReporter

	inFlight atomic.Bool
}

// Option 调度器选项
type Option func(*Scheduler)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleeper 注入重试等待函数
func WithSleeper(sleep retry.Sleeper) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithTicker 注入定时器工厂，返回tick通道和停止函数
func WithTicker(factory func(d time.Duration) (<-chan time.Time, func())) Option {
	return func(s *Scheduler) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithRecorder 设置指标上报
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithPublisher 设置事件发布
func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithErrorReporter 设置错误上报；未设置时只写日志
func WithErrorReporter(r ErrorReporter) Option {
	return func(s *Scheduler) {
		s.reporter = r
	}
}

// New 创建调度器
func New(cfg Config, cal *calendar.Calendar, repo Repository, ledger LedgerSource, transfers TransferExecutor,
	engine *gift.Engine, audit *execlog.Ledger, logger *logrus.Logger, opts ...Option) *Scheduler {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	s := &Scheduler{
		cfg:       cfg,
		cal:       cal,
		repo:      repo,
		ledger:    ledger,
		transfers: transfers,
		engine:    engine,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		sleep:     retry.ContextSleep,
		newTicker: defaultTicker,
		recorder:  noopRecorder{},
		publisher: noopPublisher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type noopRecorder struct{}

func (noopRecorder) ObservePhase(string, string, time.Duration, error) {}
func (noopRecorder) ObserveExecution(string, models.ExecutionState) {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *models.Event) error { return nil }

// Run 定时循环，直到ctx取消
func (s *Scheduler) Run(ctx context.Context) error {
	ticks, stop := s.newTicker(s.cfg.PollInterval)
	defer stop()

	s.logger.WithField("component", "scheduler").Infof("每日调度已启动，轮询间隔 %v", s.cfg.PollInterval)
	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			s.logger.WithField("component", "scheduler").Info("每日调度已停止")
			return nil
		case now := <-ticks:
			s.Tick(ctx, now)
		}
	}
}

// Tick 检查最近一个已结束的天，非终态则执行
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	day, ok := s.cal.LastClosedDay(now, s.cfg.RunOffset)
	if !ok {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{"component": "scheduler", "day": day})

	status, err := s.repo.GetStatus(ctx, day)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		entry.Warnf("读取执行状态失败: %v", err)
		return
	}
	if status != nil && status.State.Terminal() {
		return
	}

	if _, err := s.Execute(ctx, day, false); err != nil {
		if gifterrors.IsKind(err, gifterrors.KindIdempotencyConflict) {
			entry.Debugf("跳过: %v", err)
			return
		}
		if s.reporter != nil {
			_ = s.reporter.HandleError(context.WithoutCancel(ctx), err)
			return
		}
		entry.Errorf("每日执行失败: %v", err)
	}
}

// Execute 执行某一天的分发。force允许从终态重新进入并绕过在途检查
func (s *Scheduler) Execute(ctx context.Context, day int, force bool) (*models.ExecutionStatus, error) {
	if !models.ValidDay(day) {
		return nil, gifterrors.Validationf("INVALID_DAY", "无效的天数: %d", day)
	}
	if !force {
		if !s.inFlight.CompareAndSwap(false, true) {
			return nil, ErrBusy.Clone(nil).WithDay(day)
		}
		defer s.inFlight.Store(false)
	}

	entry := s.logger.WithFields(logrus.Fields{"component": "scheduler", "day": day})

	status, err := s.repo.GetStatus(ctx, day)
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		status = &models.ExecutionStatus{Day: day, State: models.StatePending}
		if err := s.repo.PutStatus(ctx, status); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("读取执行状态失败: %w", err)
	}
	if status.State.Terminal() && !force {
		entry.Infof("第%d天已处于终态 %s", day, status.State)
		return status, nil
	}
	if force {
		entry.Warnf("手动强制执行第%d天，当前状态 %s", day, status.State)
	}

	retrier := retry.NewRetrier(retry.FixedDelay(s.cfg.RetryAttempts, s.cfg.RetryDelay), s.logger,
		retry.WithSleeper(s.sleep),
		retry.WithClassifier(func(err error) bool { return s.retryable(ctx, err) }),
	)

	err = retrier.Execute(ctx, models.DayKey(day), func(attempt int) error {
		return s.attempt(ctx, status, attempt)
	})
	if err == nil {
		s.recorder.ObserveExecution("daily", models.StateCompleted)
		return status, nil
	}

	detached := context.WithoutCancel(ctx)
	switch {
	case gifterrors.IsKind(err, gifterrors.KindIdempotencyConflict):
		return status, err
	case gifterrors.IsKind(err, gifterrors.KindPartialExecution):
		// 部分执行的状态已在persist阶段写入
	case ctx.Err() != nil:
		status.State = models.StateRetrying
		status.Error = err.Error()
		if perr := s.repo.PutStatus(detached, status); perr != nil {
			entry.Warnf("取消后写入状态失败: %v", perr)
		}
		return status, err
	default:
		status.State = models.StateFailed
		status.Error = err.Error()
		if perr := s.repo.PutStatus(detached, status); perr != nil {
			entry.Errorf("写入失败状态失败: %v", perr)
		}
	}

	s.recorder.ObserveExecution("daily", models.StateFailed)
	s.publish(detached, &models.Event{
		Type:        models.EventDayFailed,
		Day:         day,
		ExecutionID: status.ExecutionID,
		State:       string(status.State),
		Result:      status.PartialResult,
		Receipts:    status.Receipts,
		Error:       status.Error,
	})
	return status, err
}

// retryable 阶段1-8中除校验/完整性以外的错误均重试；父ctx取消后不再重试
func (s *Scheduler) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	ge, ok := gifterrors.As(err)
	if !ok {
		return true
	}
	switch ge.Kind {
	case gifterrors.KindValidation, gifterrors.KindIntegrity,
		gifterrors.KindPartialExecution, gifterrors.KindIdempotencyConflict:
		return false
	}
	return true
}

// attempt 一次完整的执行尝试
func (s *Scheduler) attempt(ctx context.Context, status *models.ExecutionStatus, attempt int) error {
	day := status.Day
	detached := context.WithoutCancel(ctx)

	variant := models.Variant("")
	spec, err := s.repo.GetSpec(ctx, day)
	switch {
	case err == nil:
		variant = spec.Variant
	case !stderrors.Is(err, store.ErrNotFound):
		// 执行记录缺少算法名；load_spec阶段会再次读取并决定是否失败
		s.logger.WithFields(logrus.Fields{"component": "scheduler", "day": day}).Warnf("读取规则失败: %v", err)
	}
	id, err := s.audit.StartExecution(ctx, day, variant, map[string]any{"attempt": attempt})
	if err != nil {
		s.logger.WithField("component", "scheduler").Warnf("创建执行记录失败: %v", err)
	}

	status.State = models.StateRunning
	status.Attempts++
	status.LastAttempt = s.now().UTC()
	status.ExecutionID = id
	status.Error = ""
	if err := s.repo.PutStatus(detached, status); err != nil {
		s.audit.LogStep(detached, id, "status", "抢占执行状态失败", map[string]any{"error": err.Error()}, models.LevelWarn)
		_ = s.audit.Complete(detached, id, "aborted", map[string]any{"error": err.Error()})
		return err
	}

	entry := s.logger.WithFields(logrus.Fields{
		"component":    "scheduler",
		"day":          day,
		"execution_id": id,
		"attempt":      attempt,
	})
	entry.Info("开始每日执行")

	run := &pipeline{s: s, day: day, id: id, steps: s.audit}
	out, err := run.prepare(ctx, true)
	if err == nil {
		err = run.deliver(ctx, out)
	}
	if err != nil {
		entry.Warnf("第%d次尝试失败: %v", attempt, err)
		s.audit.LogStep(detached, id, "attempt", "执行尝试失败", map[string]any{"error": err.Error()}, models.LevelError)
		_ = s.audit.Complete(detached, id, string(models.StateFailed), map[string]any{"error": err.Error()})
		if s.retryable(ctx, err) && attempt < s.cfg.RetryAttempts {
			status.State = models.StateRetrying
			status.Error = err.Error()
			if perr := s.repo.PutStatus(detached, status); perr != nil {
				entry.Warnf("写入重试状态失败: %v", perr)
			}
		}
		return err
	}

	if err := s.persist(ctx, status, run, out); err != nil {
		return err
	}
	entry.WithField("total", out.result.TotalDistributed).Info("每日执行完成")
	return nil
}

// persist 阶段9：状态落库。失败时资金已转出，保留部分结果
func (s *Scheduler) persist(ctx context.Context, status *models.ExecutionStatus, run *pipeline, out *outcome) error {
	detached := context.WithoutCancel(ctx)
	run.begin(detached, PhasePersist, nil)
	start := s.now()

	status.State = models.StateCompleted
	status.Result = out.result
	status.PartialResult = nil
	status.Receipts = out.receipts
	status.Error = ""
	err := s.call(ctx, func(callCtx context.Context) error {
		return s.repo.PutStatus(callCtx, status)
	})
	s.recorder.ObservePhase("daily", PhasePersist, s.now().Sub(start), err)
	if err != nil {
		perr := gifterrors.Wrap(err, gifterrors.KindPartialExecution, "PERSIST_FAILED", "转账已提交但结果持久化失败").
			WithDay(status.Day).WithComponent("scheduler")
		run.fail(detached, PhasePersist, perr)
		s.preservePartial(detached, status, out, perr)
		_ = s.audit.Complete(detached, run.id, string(models.StateFailed), map[string]any{
			"error":    perr.Error(),
			"receipts": out.receipts,
		})
		return perr
	}
	run.end(detached, PhasePersist, map[string]any{"receipts": len(out.receipts)})

	_ = s.audit.Complete(detached, run.id, string(models.StateCompleted), map[string]any{
		"winners":           len(out.result.Winners),
		"total_distributed": out.result.TotalDistributed,
		"receipts":          out.receipts,
		"reason":            out.result.Reason(),
	})
	s.publish(detached, &models.Event{
		Type:        models.EventDayCompleted,
		Day:         status.Day,
		ExecutionID: run.id,
		Variant:     out.spec.Variant,
		State:       string(models.StateCompleted),
		Result:      out.result,
		Receipts:    out.receipts,
	})
	return nil
}

// preservePartial 把部分结果写入失败状态，版本以存储为准
func (s *Scheduler) preservePartial(ctx context.Context, status *models.ExecutionStatus, out *outcome, cause error) {
	entry := s.logger.WithFields(logrus.Fields{"component": "scheduler", "day": status.Day})
	current, err := s.repo.GetStatus(ctx, status.Day)
	if err == nil {
		status.Version = current.Version
	}
	status.State = models.StateFailed
	status.Result = nil
	status.PartialResult = out.result
	status.Receipts = out.receipts
	status.Error = cause.Error()
	if err := s.repo.PutStatus(ctx, status); err != nil {
		entry.WithField("receipts", out.receipts).Errorf("部分执行结果无法落库，需要人工对账: %v", err)
	}
}

// call 在脱离取消的ctx上执行外部调用，带超时
func (s *Scheduler) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PhaseTimeout)
	defer cancel()
	return fn(callCtx)
}

func (s *Scheduler) publish(ctx context.Context, event *models.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithFields(logrus.Fields{"component": "scheduler", "day": event.Day}).
			Warnf("发布事件 %s 失败: %v", event.Type, err)
	}
}

// DryRunReport 演练结果，不落库
type DryRunReport struct {
	Day       int                       `json:"day"`
	Spec      *models.GiftSpecification `json:"spec"`
	Result    *models.GiftResult        `json:"result"`
	Batches   []models.TransferBatch    `json:"batches"`
	Simulated bool                      `json:"simulated"`
}

// DryRun 执行阶段1-7，不写入任何状态
func (s *Scheduler) DryRun(ctx context.Context, day int) (*DryRunReport, error) {
	if !models.ValidDay(day) {
		return nil, gifterrors.Validationf("INVALID_DAY", "无效的天数: %d", day)
	}
	run := &pipeline{s: s, day: day, steps: logSteps{logger: s.logger}}
	out, err := run.prepare(ctx, false)
	if err != nil {
		return nil, err
	}
	report := &DryRunReport{Day: day, Spec: out.spec, Result: out.result, Batches: out.batches}
	if len(out.batches) == 0 {
		report.Simulated = true
		return report, nil
	}
	if err := run.phase(ctx, PhaseSimulate, func(callCtx context.Context) error {
		ok, err := s.transfers.Simulate(callCtx, out.batches)
		report.Simulated = ok
		return err
	}); err != nil {
		return nil, err
	}
	return report, nil
}
