package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/sirupsen/logrus"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/gift"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

// stepLog 阶段审计输出
type stepLog interface {
	LogStep(ctx context.Context, executionID, step, message string, data map[string]any, level models.StepLevel)
}

// logSteps 演练时只写日志
type logSteps struct {
	logger *logrus.Logger
}

func (l logSteps) LogStep(_ context.Context, _ string, step, message string, data map[string]any, level models.StepLevel) {
	entry := l.logger.WithFields(logrus.Fields{"component": "scheduler", "step": step, "dry_run": true})
	if len(data) > 0 {
		entry = entry.WithFields(logrus.Fields(data))
	}
	switch level {
	case models.LevelError:
		entry.Error(message)
	case models.LevelWarn:
		entry.Warn(message)
	default:
		entry.Debug(message)
	}
}

// outcome 各阶段产物
type outcome struct {
	transactions []models.LedgerTransfer
	holders      []models.HolderBalance
	spec         *models.GiftSpecification
	entropy      string
	result       *models.GiftResult
	batches      []models.TransferBatch
	receipts     []string
}

// pipeline 单次执行的阶段序列
type pipeline struct {
	s     *Scheduler
	day   int
	id    string
	steps stepLog
}

func (p *pipeline) begin(ctx context.Context, phase string, data map[string]any) {
	p.steps.LogStep(ctx, p.id, phase, "阶段开始", data, models.LevelInfo)
}

func (p *pipeline) end(ctx context.Context, phase string, data map[string]any) {
	p.steps.LogStep(ctx, p.id, phase, "阶段完成", data, models.LevelInfo)
}

func (p *pipeline) fail(ctx context.Context, phase string, err error) {
	p.steps.LogStep(ctx, p.id, phase, "阶段失败", map[string]any{"error": err.Error()}, models.LevelError)
}

// phase 只在阶段边界响应取消；阶段内的调用脱离取消并限时
func (p *pipeline) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	return p.phaseData(ctx, name, func(callCtx context.Context) (map[string]any, error) {
		return nil, fn(callCtx)
	})
}

func (p *pipeline) phaseData(ctx context.Context, name string, fn func(context.Context) (map[string]any, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	p.begin(detached, name, nil)
	start := p.s.now()

	var data map[string]any
	err := p.s.call(ctx, func(callCtx context.Context) error {
		var err error
		data, err = fn(callCtx)
		return err
	})
	err = gifterrors.FromContext(err, "PHASE_TIMEOUT", "阶段"+name)
	p.s.recorder.ObservePhase("daily", name, p.s.now().Sub(start), err)
	if err != nil {
		p.fail(detached, name, err)
		return err
	}
	p.end(detached, name, data)
	return nil
}

// prepare 阶段1-6。persist为false时不写快照
func (p *pipeline) prepare(ctx context.Context, persist bool) (*outcome, error) {
	s := p.s
	out := &outcome{}
	var stored *models.LedgerSnapshot

	err := p.phaseData(ctx, PhaseLedgerWindow, func(c context.Context) (map[string]any, error) {
		snap, err := s.repo.GetSnapshot(c, p.day)
		switch {
		case err == nil:
			stored = snap
			out.transactions = snap.Transactions
			return map[string]any{"source": "snapshot", "transactions": len(snap.Transactions)}, nil
		case !stderrors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("读取快照失败: %w", err)
		}
		txs, err := s.ledger.FetchTransactions(c, p.day)
		if err != nil {
			return nil, err
		}
		out.transactions = txs
		return map[string]any{"source": "ledger", "transactions": len(txs)}, nil
	})
	if err != nil {
		return nil, err
	}

	err = p.phaseData(ctx, PhaseHolderSnapshot, func(c context.Context) (map[string]any, error) {
		if stored != nil {
			out.holders = stored.HolderBalances
			return map[string]any{"source": "snapshot", "holders": len(out.holders)}, nil
		}
		holders, err := s.ledger.FetchHolderSnapshot(c, p.day)
		if err != nil {
			return nil, err
		}
		if !persist {
			out.holders = holders
			return map[string]any{"source": "ledger", "holders": len(holders)}, nil
		}
		snap, created, err := s.repo.SaveSnapshot(c, &models.LedgerSnapshot{
			Day:            p.day,
			Transactions:   out.transactions,
			HolderBalances: holders,
			CreatedAt:      s.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("保存快照失败: %w", err)
		}
		out.transactions = snap.Transactions
		out.holders = snap.HolderBalances
		return map[string]any{"source": "ledger", "holders": len(out.holders), "created": created}, nil
	})
	if err != nil {
		return nil, err
	}

	err = p.phaseData(ctx, PhaseLoadSpec, func(c context.Context) (map[string]any, error) {
		spec, err := store.LoadVerifiedSpec(c, s.repo, p.day)
		if err != nil {
			return nil, err
		}
		out.spec = spec
		return map[string]any{"variant": spec.Variant}, nil
	})
	if err != nil {
		return nil, err
	}

	err = p.phaseData(ctx, PhaseEntropy, func(c context.Context) (map[string]any, error) {
		if !out.spec.Variant.RequiresEntropy() {
			return map[string]any{"skipped": true}, nil
		}
		entropy, err := s.ledger.FetchEntropy(c, p.day)
		if err != nil {
			return nil, err
		}
		if entropy == "" {
			return nil, gifterrors.ErrEntropyUnavailable.Clone(nil).WithDay(p.day)
		}
		out.entropy = entropy
		return map[string]any{"entropy": entropy}, nil
	})
	if err != nil {
		return nil, err
	}

	err = p.phaseData(ctx, PhaseEngine, func(context.Context) (map[string]any, error) {
		result, err := s.engine.Execute(gift.Input{
			Spec:           out.spec,
			Transactions:   out.transactions,
			HolderBalances: out.holders,
			Distributable:  s.cfg.Distributable,
			Entropy:        out.entropy,
		})
		if err != nil {
			return nil, err
		}
		out.result = result
		data := map[string]any{"winners": len(result.Winners), "total_distributed": result.TotalDistributed}
		if reason := result.Reason(); reason != "" {
			data["reason"] = reason
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	err = p.phaseData(ctx, PhaseBuildBatches, func(c context.Context) (map[string]any, error) {
		label := fmt.Sprintf("day-%s-%s", models.DayKey(p.day), out.spec.Variant)
		batches, err := s.transfers.BuildBatches(c, label, out.result.Winners)
		if err != nil {
			return nil, err
		}
		out.batches = batches
		return map[string]any{"batches": len(batches)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// deliver 阶段7-8
func (p *pipeline) deliver(ctx context.Context, out *outcome) error {
	s := p.s
	err := p.phaseData(ctx, PhaseSimulate, func(c context.Context) (map[string]any, error) {
		if len(out.batches) == 0 {
			return map[string]any{"skipped": true}, nil
		}
		ok, err := s.transfers.Simulate(c, out.batches)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, gifterrors.New(gifterrors.KindTransientExternal, "SIMULATION_FAILED", "转账模拟未通过").WithDay(p.day)
		}
		return map[string]any{"batches": len(out.batches)}, nil
	})
	if err != nil {
		return err
	}

	return p.phaseData(ctx, PhaseSubmit, func(c context.Context) (map[string]any, error) {
		if len(out.batches) == 0 {
			return map[string]any{"skipped": true}, nil
		}
		receipts, err := s.transfers.Submit(c, out.batches)
		if err != nil {
			return nil, err
		}
		out.receipts = receipts
		return map[string]any{"receipts": receipts}, nil
	})
}
