package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/api"
	"giftdrop/internal/calendar"
	"giftdrop/internal/config"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/ethledger"
	"giftdrop/internal/execlog"
	"giftdrop/internal/gift"
	"giftdrop/internal/hourly"
	"giftdrop/internal/logging"
	"giftdrop/internal/metrics"
	"giftdrop/internal/output"
	"giftdrop/internal/scheduler"
	"giftdrop/internal/shutdown"
	"giftdrop/internal/store"
	"giftdrop/internal/transfer"
	"giftdrop/internal/validation"
	"giftdrop/pkg/models"
)

// app 组装好的运行时组件
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	repo       store.Repository
	audit      *execlog.Ledger
	pool       *ethledger.Pool
	publisher  output.Publisher
	metrics    *metrics.Metrics
	errHandler *gifterrors.ErrorHandler
	scheduler  *scheduler.Scheduler
	hourly     *hourly.Distributor
}

// loadConfig 加载配置并创建主日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("创建日志器失败: %w", err)
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

// openStore 只需要存储的命令使用
func openStore(cfg *config.Config, logger *logrus.Logger) (store.Repository, error) {
	repo, err := store.Open(store.Options{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return repo, nil
}

// newApp 按依赖顺序组装全部组件；失败时释放已创建的资源
func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (a *app, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start, err := cfg.CalendarStart()
	if err != nil {
		return nil, err
	}
	cal := calendar.New(start)

	a = &app{cfg: cfg, logger: logger, metrics: metrics.New(), errHandler: gifterrors.NewErrorHandler(logger)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.repo, err = openStore(cfg, logger); err != nil {
		return nil, err
	}
	a.audit = execlog.NewLedger(a.repo, logger)

	if a.pool, err = ethledger.Dial(ctx, cfg.Ledger.Nodes, logger); err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	source, err := ethledger.NewSource(ethledger.Config{
		Token:       cfg.Ledger.TokenAddress,
		PairAddress: cfg.Ledger.PairAddress,
		StartBlock:  cfg.Ledger.StartBlock,
		MaxLogRange: cfg.Ledger.MaxLogRange,
	}, cal, a.pool, logger, ethledger.WithValidator(
		validation.NewValidator(logger, cfg.Ledger.StrictValidation, validation.WithErrorHandler(a.errHandler))))
	if err != nil {
		return nil, err
	}

	if a.publisher, err = output.NewPublisher(*cfg.Output, logger); err != nil {
		return nil, fmt.Errorf("创建事件发布器失败: %w", err)
	}
	a.wireErrorHandler()
	transfers, err := transfer.NewExecutor(transfer.Config{
		OutboxDir:   cfg.Transfer.OutboxDir,
		MaxPerBatch: cfg.Transfer.MaxPerBatch,
		Token:       cfg.TransferToken(),
		Budget:      cfg.Transfer.Budget,
	}, logger, transfer.WithPublisher(a.publisher))
	if err != nil {
		return nil, err
	}

	engine := gift.NewEngine(cfg.Exclusions())
	a.scheduler = scheduler.New(scheduler.Config{
		RetryAttempts: cfg.Scheduler.RetryAttempts,
		RetryDelay:    cfg.Scheduler.RetryDelay,
		RunOffset:     cfg.Scheduler.RunOffset,
		PollInterval:  cfg.Scheduler.PollInterval,
		PhaseTimeout:  cfg.Scheduler.PhaseTimeout,
		Distributable: cfg.Gifts.DistributablePool,
	}, cal, a.repo, source, transfers, engine, a.audit, logger,
		scheduler.WithRecorder(a.metrics),
		scheduler.WithPublisher(a.publisher),
		scheduler.WithErrorReporter(a.errHandler))
	a.hourly = hourly.New(hourly.Config{
		Enabled:      cfg.Hourly.Enabled,
		PollInterval: cfg.Hourly.PollInterval,
		CallTimeout:  cfg.Ledger.Timeout,
	}, cal, a.repo, source, transfers, engine, a.audit, logger,
		hourly.WithRecorder(a.metrics),
		hourly.WithPublisher(a.publisher),
		hourly.WithErrorReporter(a.errHandler))

	logger.WithFields(logrus.Fields{
		"component": "main",
		"nodes":     len(cfg.Ledger.Nodes),
		"storage":   cfg.Storage.Driver,
		"output":    cfg.Output.Format,
	}).Info("组件初始化完成")
	return a, nil
}

// wireErrorHandler 错误计入指标；完整性与部分执行错误需要人工介入，另外发布告警事件
func (a *app) wireErrorHandler() {
	a.errHandler.AddCallback(a.metrics.ObserveError)

	alert := gifterrors.NewAlertStrategy(func(ge *gifterrors.GiftError) {
		event := &models.Event{
			ID:        uuid.NewString(),
			Type:      models.EventAlertRaised,
			State:     ge.Kind.String(),
			Error:     ge.Error(),
			Timestamp: time.Now().UTC(),
		}
		if ge.Day != nil {
			event.Day = *ge.Day
		}
		if ge.Hour != nil {
			h := *ge.Hour
			event.Hour = &h
		}
		if err := a.publisher.Publish(context.Background(), event); err != nil {
			a.logger.WithField("component", "main").Warnf("发布告警事件失败: %v", err)
		}
	}, a.logger)
	strategy := gifterrors.NewCompositeStrategy(gifterrors.NewLoggingStrategy(a.logger), alert)
	for _, kind := range []gifterrors.ErrorKind{gifterrors.KindIntegrity, gifterrors.KindPartialExecution} {
		a.errHandler.SetStrategy(kind, strategy)
	}
}

// newServer 创建管理接口
func (a *app) newServer() (*api.Server, error) {
	access, err := logging.NewStructuredLogger(a.cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建访问日志失败: %w", err)
	}
	return api.NewServer(api.Deps{
		Daily:      a.scheduler,
		Hourly:     a.hourly,
		State:      a.repo,
		Executions: a.audit,
		Nodes:      a.pool,
		Metrics:    a.metrics.Handler(),
		Config:     a.cfg,
		Auth:       api.NewAuth(a.cfg.Admin.JWTSecret, a.cfg.Admin.Issuer),
		Access:     access,
		Errors:     a.errHandler,
	}, a.logger, a.cfg.Admin.Port), nil
}

// registerShutdown 按顺序登记资源释放
func (a *app) registerShutdown(gs *shutdown.GracefulShutdown) {
	gs.RegisterShutdownFunc("事件发布器", func(context.Context) error {
		return a.publisher.Close()
	}, shutdown.OrderFlushPublisher)
	gs.RegisterShutdownFunc("以太坊节点", func(context.Context) error {
		return a.pool.Close()
	}, shutdown.OrderCloseNodes)
	gs.RegisterShutdownFunc("存储", func(context.Context) error {
		return a.repo.Close()
	}, shutdown.OrderCloseStore)
}

// Close 一次性命令结束时释放资源
func (a *app) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	return errors.Join(errs...)
}
