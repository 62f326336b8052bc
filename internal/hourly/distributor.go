// Package hourly 每小时抽奖分发，(day, hour) 锚点先于转账写入，保证至多支付一次
package hourly

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/calendar"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/execlog"
	"giftdrop/internal/gift"
	"giftdrop/internal/randomness"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

// Outcome 一次小时分发的结果类型
type Outcome string

const (
	OutcomeDistributed        Outcome = "distributed"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeAlreadyDistributed Outcome = "already_distributed"
	OutcomeNoTarget           Outcome = "no_target"
)

// 跳过原因
const (
	ReasonHourlyDisabled = "hourly_disabled"
	ReasonNoParticipants = "no_participants"
	ReasonZeroAmount     = "zero_amount"
)

// 审计步骤名
const (
	StepConfig   = "hourly_config"
	StepAnchor   = "check_anchor"
	StepEntrants = "fetch_participants"
	StepSelect   = "select_winner"
	StepInsert   = "insert_anchor"
	StepTransfer = "transfer"
	StepAttach   = "attach_receipts"
)

const defaultTimeout = 30 * time.Second

// LedgerSource 小时级链上数据
type LedgerSource interface {
	FetchHourTransactions(ctx context.Context, day, hour int) ([]models.LedgerTransfer, error)
	FetchHourEntropy(ctx context.Context, day, hour int) (string, error)
}

// TransferExecutor 转账执行
type TransferExecutor interface {
	BuildBatches(ctx context.Context, label string, winners []models.Winner) ([]models.TransferBatch, error)
	Submit(ctx context.Context, batches []models.TransferBatch) ([]string, error)
}

// Repository 小时分发依赖的仓库
type Repository interface {
	store.SpecRepository
	store.HourlyRepository
}

// Recorder 指标上报
type Recorder interface {
	ObservePhase(kind, phase string, d time.Duration, err error)
	ObserveHourly(outcome string)
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// ErrorReporter 自动分发失败时的错误上报
type ErrorReporter interface {
	HandleError(ctx context.Context, err error) error
}

// Result 小时分发结果
type Result struct {
	Day     int                           `json:"day"`
	Hour    int                           `json:"hour"`
	Outcome Outcome                       `json:"outcome"`
	Reason  string                        `json:"reason,omitempty"`
	Row     *models.HourlyDistributionRow `json:"row,omitempty"`
	DryRun  bool                          `json:"dry_run"`
}

// Config 小时分发配置
type Config struct {
	Enabled      bool
	PollInterval time.Duration
	CallTimeout  time.Duration
}

// Distributor 小时分发器
type Distributor struct {
	cfg       Config
	cal       *calendar.Calendar
	repo      Repository
	ledger    LedgerSource
	transfers TransferExecutor
	engine    *gift.Engine
	audit     *execlog.Ledger
	logger    *logrus.Logger

	now       func() time.Time
	newTicker func(d time.Duration) (<-chan time.Time, func())
	recorder  Recorder
	publisher Publisher
	reporter  ErrorReporter
}

// Option 分发器选项
type Option func(*Distributor)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) {
		if now != nil {
			d.now = now
		}
	}
}

// WithTicker 注入定时器工厂
func WithTicker(factory func(time.Duration) (<-chan time.Time, func())) Option {
	return func(d *Distributor) {
		if factory != nil {
			d.newTicker = factory
		}
	}
}

// WithRecorder 设置指标上报
func WithRecorder(r Recorder) Option {
	return func(d *Distributor) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithPublisher 设置事件发布
func WithPublisher(p Publisher) Option {
	return func(d *Distributor) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithErrorReporter 设置错误上报；未设置时只写日志
func WithErrorReporter(r ErrorReporter) Option {
	return func(d *Distributor) {
		d.reporter = r
	}
}

// New 创建小时分发器
func New(cfg Config, cal *calendar.Calendar, repo Repository, ledger LedgerSource, transfers TransferExecutor,
	engine *gift.Engine, audit *execlog.Ledger, logger *logrus.Logger, opts ...Option) *Distributor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultTimeout
	}
	d := &Distributor{
		cfg:       cfg,
		cal:       cal,
		repo:      repo,
		ledger:    ledger,
		transfers: transfers,
		engine:    engine,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
		newTicker: func(interval time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(interval)
			return t.C, t.Stop
		},
		recorder:  noopRecorder{},
		publisher: noopPublisher{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type noopRecorder struct{}

func (noopRecorder) ObservePhase(string, string, time.Duration, error) {}
func (noopRecorder) ObserveHourly(string) {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *models.Event) error { return nil }

// Run 定时循环。重复tick命中同一小时由锚点去重
func (d *Distributor) Run(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.logger.WithField("component", "hourly").Info("小时分发未启用")
		return nil
	}
	ticks, stop := d.newTicker(d.cfg.PollInterval)
	defer stop()

	d.logger.WithField("component", "hourly").Infof("小时分发已启动，轮询间隔 %v", d.cfg.PollInterval)
	d.tickAndLog(ctx, d.now())
	for {
		select {
		case <-ctx.Done():
			d.logger.WithField("component", "hourly").Info("小时分发已停止")
			return nil
		case now := <-ticks:
			d.tickAndLog(ctx, now)
		}
	}
}

func (d *Distributor) tickAndLog(ctx context.Context, now time.Time) {
	_, err := d.Tick(ctx, now)
	if err == nil || gifterrors.IsKind(err, gifterrors.KindIdempotencyConflict) {
		return
	}
	if d.reporter != nil {
		_ = d.reporter.HandleError(context.WithoutCancel(ctx), err)
		return
	}
	d.logger.WithField("component", "hourly").Errorf("小时分发失败: %v", err)
}

// Tick 分发上一个已结束的小时
func (d *Distributor) Tick(ctx context.Context, now time.Time) (*Result, error) {
	day, hour, ok := d.cal.PreviousHour(now)
	if !ok {
		return &Result{Outcome: OutcomeNoTarget}, nil
	}
	return d.ExecuteHour(ctx, day, hour, nil)
}

// ExecuteHour 分发指定小时；override非空时使用运营指定的接收者，但仍受锚点约束
func (d *Distributor) ExecuteHour(ctx context.Context, day, hour int, override []string) (*Result, error) {
	return d.run(ctx, day, hour, override, false)
}

// DryRunHour 计算结果，不写锚点、不转账、不写审计记录
func (d *Distributor) DryRunHour(ctx context.Context, day, hour int, override []string) (*Result, error) {
	return d.run(ctx, day, hour, override, true)
}

// attempt 单次小时分发的上下文
type attempt struct {
	d      *Distributor
	day    int
	hour   int
	id     string
	dryRun bool
	entry  *logrus.Entry
}

func (a *attempt) log(ctx context.Context, step, message string, data map[string]any, level models.StepLevel) {
	if a.dryRun || a.id == "" {
		fields := logrus.Fields{"step": step, "dry_run": a.dryRun}
		for k, v := range data {
			fields[k] = v
		}
		a.entry.WithFields(fields).Debug(message)
		return
	}
	a.d.audit.LogStep(ctx, a.id, step, message, data, level)
}

// step 只在步骤边界响应取消，步骤内调用脱离取消并限时
func (a *attempt) step(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := a.d.now()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.d.cfg.CallTimeout)
	err := fn(callCtx)
	cancel()
	err = gifterrors.FromContext(err, "HOURLY_TIMEOUT", "步骤"+name)
	a.d.recorder.ObservePhase("hourly", name, a.d.now().Sub(start), err)
	if err != nil {
		a.log(context.WithoutCancel(ctx), name, "步骤失败", map[string]any{"error": err.Error()}, models.LevelError)
	}
	return err
}

func (d *Distributor) run(ctx context.Context, day, hour int, override []string, dryRun bool) (*Result, error) {
	if !models.ValidDay(day) || !models.ValidHour(hour) {
		return nil, gifterrors.Validationf("INVALID_HOUR", "无效的时段: 第%d天 %d时", day, hour).WithHour(day, hour)
	}
	a := &attempt{
		d:      d,
		day:    day,
		hour:   hour,
		dryRun: dryRun,
		entry: d.logger.WithFields(logrus.Fields{
			"component": "hourly",
			"day":       day,
			"hour":      hour,
		}),
	}
	result := &Result{Day: day, Hour: hour, DryRun: dryRun}
	detached := context.WithoutCancel(ctx)

	var spec *models.GiftSpecification
	var hourlyCfg *gift.HourlyConfig
	err := a.step(ctx, StepConfig, func(c context.Context) error {
		var err error
		if spec, err = store.LoadVerifiedSpec(c, d.repo, day); err != nil {
			return err
		}
		hourlyCfg, err = gift.DecodeHourly(spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !hourlyCfg.Enabled {
		return d.skip(result, ReasonHourlyDisabled), nil
	}
	if hourlyCfg.AmountPerWinner == 0 {
		return d.skip(result, ReasonZeroAmount), nil
	}

	var existing *models.HourlyDistributionRow
	err = a.step(ctx, StepAnchor, func(c context.Context) error {
		row, err := d.repo.GetHourly(c, day, hour)
		switch {
		case err == nil:
			existing = row
		case !stderrors.Is(err, store.ErrNotFound):
			return fmt.Errorf("读取小时锚点失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return d.already(result, existing), nil
	}

	if !dryRun {
		id, err := d.audit.StartHourExecution(ctx, day, hour, spec.Variant, map[string]any{
			"manual": len(override) > 0,
		})
		if err != nil {
			a.entry.Warnf("创建执行记录失败: %v", err)
		}
		a.id = id
		a.entry = a.entry.WithField("execution_id", id)
	}

	row, err := a.selectWinners(ctx, hourlyCfg.AmountPerWinner, override)
	if err != nil {
		a.complete(detached, "failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	if row == nil {
		a.complete(detached, string(OutcomeSkipped), map[string]any{"reason": ReasonNoParticipants})
		return d.skip(result, ReasonNoParticipants), nil
	}
	result.Row = row
	if dryRun {
		result.Outcome = OutcomeDistributed
		return result, nil
	}

	var inserted bool
	err = a.step(ctx, StepInsert, func(c context.Context) error {
		var err error
		inserted, err = d.repo.InsertHourly(c, row)
		return err
	})
	if err != nil {
		a.complete(detached, "failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("写入小时锚点失败: %w", err)
	}
	if !inserted {
		a.log(detached, StepInsert, "锚点已被其他执行写入", nil, models.LevelWarn)
		a.complete(detached, string(OutcomeAlreadyDistributed), nil)
		current, err := d.repo.GetHourly(detached, day, hour)
		if err != nil {
			current = row
		}
		return d.already(result, current), nil
	}
	a.log(detached, StepInsert, "锚点已写入", map[string]any{"trace_id": row.TraceID}, models.LevelInfo)

	receipts, err := a.transfer(ctx, row)
	if err != nil {
		perr := gifterrors.Wrap(err, gifterrors.KindPartialExecution, "HOURLY_TRANSFER_UNCONFIRMED",
			"锚点已写入但转账未确认，需要人工对账").WithHour(day, hour).WithComponent("hourly")
		a.complete(detached, "failed", map[string]any{"error": perr.Error(), "trace_id": row.TraceID})
		d.recorder.ObserveHourly("failed")
		return nil, perr
	}
	row.Receipts = receipts

	if err := d.repo.AttachHourlyReceipts(detached, day, hour, receipts); err != nil {
		a.entry.WithField("receipts", receipts).Errorf("回写转账凭证失败: %v", err)
		a.log(detached, StepAttach, "回写转账凭证失败", map[string]any{"error": err.Error()}, models.LevelError)
	} else {
		a.log(detached, StepAttach, "转账凭证已回写", map[string]any{"receipts": receipts}, models.LevelInfo)
	}

	a.complete(detached, string(OutcomeDistributed), map[string]any{
		"wallet":   row.Wallet,
		"amount":   row.Amount,
		"trace_id": row.TraceID,
		"receipts": receipts,
	})
	d.recorder.ObserveHourly(string(OutcomeDistributed))
	h := hour
	d.publish(detached, &models.Event{
		Type:        models.EventHourDistributed,
		Day:         day,
		Hour:        &h,
		ExecutionID: a.id,
		Variant:     spec.Variant,
		State:       string(OutcomeDistributed),
		Result:      &models.GiftResult{Winners: row.Winners, TotalDistributed: models.SumWinners(row.Winners)},
		Receipts:    receipts,
	})
	a.entry.WithFields(logrus.Fields{"wallet": row.Wallet, "amount": row.Amount}).Info("小时分发完成")

	result.Outcome = OutcomeDistributed
	return result, nil
}

// selectWinners 抽取获奖者并构造锚点行；没有参与者时返回nil
func (a *attempt) selectWinners(ctx context.Context, amount uint64, override []string) (*models.HourlyDistributionRow, error) {
	d := a.d
	row := &models.HourlyDistributionRow{
		Day:       a.day,
		Hour:      a.hour,
		Amount:    amount,
		TraceID:   uuid.NewString(),
		CreatedAt: d.now().UTC(),
	}

	if len(override) > 0 {
		winners := make([]models.Winner, 0, len(override))
		seen := make(map[string]struct{}, len(override))
		for _, w := range override {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			if d.engine.Excluded(w) {
				return nil, gifterrors.Validationf("RECIPIENT_EXCLUDED", "指定接收者 %s 在排除名单中", w).WithHour(a.day, a.hour)
			}
			// 同一钱包只支付一次，按首次出现保留
			key := strings.ToLower(w)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			winners = append(winners, models.Winner{Wallet: w, Amount: amount, Reason: "manual override"})
		}
		if len(winners) == 0 {
			return nil, gifterrors.Validationf("EMPTY_OVERRIDE", "指定接收者列表为空").WithHour(a.day, a.hour)
		}
		if _, err := totalAmount(amount, len(winners)); err != nil {
			return nil, err
		}
		row.Wallet = winners[0].Wallet
		row.Winners = winners
		row.Manual = true
		a.log(ctx, StepSelect, "使用指定接收者", map[string]any{"recipients": len(winners)}, models.LevelInfo)
		return row, nil
	}

	var entrants []string
	err := a.step(ctx, StepEntrants, func(c context.Context) error {
		txs, err := d.ledger.FetchHourTransactions(c, a.day, a.hour)
		if err != nil {
			return err
		}
		entrants = d.participants(txs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log(ctx, StepEntrants, "参与者已获取", map[string]any{"entrants": len(entrants)}, models.LevelInfo)
	if len(entrants) == 0 {
		return nil, nil
	}

	err = a.step(ctx, StepSelect, func(c context.Context) error {
		entropy, err := d.ledger.FetchHourEntropy(c, a.day, a.hour)
		if err != nil {
			return err
		}
		if entropy == "" {
			return gifterrors.ErrEntropyUnavailable.Clone(nil).WithHour(a.day, a.hour)
		}
		row.BlockEntropy = entropy
		return nil
	})
	if err != nil {
		return nil, err
	}

	seed := randomness.Seed(row.BlockEntropy, SeedContext(a.day, a.hour))
	winner := randomness.SelectFirst(entrants, 1, seed)[0]
	row.Wallet = winner
	row.Winners = []models.Winner{{Wallet: winner, Amount: amount, Reason: "hourly draw"}}
	a.log(ctx, StepSelect, "已抽取获奖者", map[string]any{"wallet": winner, "entropy": row.BlockEntropy}, models.LevelInfo)
	return row, nil
}

// SeedContext 小时抽奖的种子上下文
func SeedContext(day, hour int) string {
	return "hourly:" + models.HourKey(day, hour)
}

// participants 小时内活跃的钱包，去重、去排除名单并排序，与获取顺序无关
func (d *Distributor) participants(txs []models.LedgerTransfer) []string {
	seen := make(map[string]struct{}, len(txs))
	out := make([]string, 0, len(txs))
	for i := range txs {
		wallet := strings.TrimSpace(txs[i].Participant())
		if wallet == "" || d.engine.Excluded(wallet) {
			continue
		}
		key := strings.ToLower(wallet)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, wallet)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// transfer 构造批次并提交
func (a *attempt) transfer(ctx context.Context, row *models.HourlyDistributionRow) ([]string, error) {
	var receipts []string
	err := a.step(ctx, StepTransfer, func(c context.Context) error {
		label := fmt.Sprintf("hour-%s", strings.ReplaceAll(models.HourKey(row.Day, row.Hour), ":", "-"))
		batches, err := a.d.transfers.BuildBatches(c, label, row.Winners)
		if err != nil {
			return err
		}
		receipts, err = a.d.transfers.Submit(c, batches)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.log(context.WithoutCancel(ctx), StepTransfer, "转账已提交", map[string]any{"receipts": receipts}, models.LevelInfo)
	return receipts, nil
}

func (a *attempt) complete(ctx context.Context, status string, summary map[string]any) {
	if a.dryRun || a.id == "" {
		return
	}
	if err := a.d.audit.Complete(ctx, a.id, status, summary); err != nil {
		a.entry.Warnf("完成执行记录失败: %v", err)
	}
}

func (d *Distributor) skip(result *Result, reason string) *Result {
	result.Outcome = OutcomeSkipped
	result.Reason = reason
	if !result.DryRun {
		d.recorder.ObserveHourly(string(OutcomeSkipped))
	}
	d.logger.WithFields(logrus.Fields{
		"component": "hourly",
		"day":       result.Day,
		"hour":      result.Hour,
	}).Debugf("跳过小时分发: %s", reason)
	return result
}

func (d *Distributor) already(result *Result, row *models.HourlyDistributionRow) *Result {
	result.Outcome = OutcomeAlreadyDistributed
	result.Reason = gifterrors.ErrAlreadyDistributed.Message
	result.Row = row
	if !result.DryRun {
		d.recorder.ObserveHourly(string(OutcomeAlreadyDistributed))
	}
	return result
}

func (d *Distributor) publish(ctx context.Context, event *models.Event) {
	event.ID = uuid.NewString()
	event.Timestamp = d.now().UTC()
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.WithField("component", "hourly").Warnf("发布事件失败: %v", err)
	}
}

// totalAmount 指定接收者的总额，防止溢出
func totalAmount(amount uint64, n int) (uint64, error) {
	if n > 0 && amount > ^uint64(0)/uint64(n) {
		return 0, gifterrors.ErrAmountOverflow.Clone(fmt.Errorf("%d × %d", amount, n))
	}
	return amount * uint64(n), nil
}
