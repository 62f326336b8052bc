// Package transfer 把获奖名单整理成待多签审批的转账提案
package transfer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/ethledger"
	"giftdrop/pkg/models"
)

// StatusPendingApproval 提案写入后等待多签审批
const StatusPendingApproval = "pending_approval"

// Config 转账配置
type Config struct {
	OutboxDir   string
	MaxPerBatch int
	Token       string
	Budget      uint64 // 0表示不限制
}

// Call 提案中的一笔合约调用
type Call struct {
	To        string `json:"to"`
	Value     string `json:"value"`
	Data      string `json:"data"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

// Proposal 写入outbox的审批提案
type Proposal struct {
	ReceiptID string               `json:"receipt_id"`
	Status    string               `json:"status"`
	Batch     models.TransferBatch `json:"batch"`
	Calls     []Call               `json:"calls"`
	CreatedAt time.Time            `json:"created_at"`
}

// Publisher 事件发布
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// Option 执行器选项
type Option func(*Executor)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithPublisher 提案写入后发布事件
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// Executor 基于outbox目录的转账执行器
type Executor struct {
	cfg       Config
	publisher Publisher
	logger    *logrus.Logger
	now       func() time.Time
}

// NewExecutor 创建执行器
func NewExecutor(cfg Config, logger *logrus.Logger, opts ...Option) (*Executor, error) {
	if !common.IsHexAddress(cfg.Token) {
		return nil, gifterrors.Validationf("BAD_TOKEN", "代币地址无效: %q", cfg.Token)
	}
	if cfg.MaxPerBatch <= 0 {
		cfg.MaxPerBatch = 100
	}
	if err := os.MkdirAll(cfg.OutboxDir, 0755); err != nil {
		return nil, fmt.Errorf("创建outbox目录失败: %w", err)
	}
	e := &Executor{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// BuildBatches 去掉零金额后按MaxPerBatch分批，批次号由label和序号决定
func (e *Executor) BuildBatches(_ context.Context, label string, winners []models.Winner) ([]models.TransferBatch, error) {
	transfers := make([]models.Transfer, 0, len(winners))
	for _, w := range winners {
		if w.Amount == 0 {
			continue
		}
		transfers = append(transfers, models.Transfer{To: w.Wallet, Amount: w.Amount, Memo: w.Reason})
	}

	var batches []models.TransferBatch
	for start := 0; start < len(transfers); start += e.cfg.MaxPerBatch {
		end := start + e.cfg.MaxPerBatch
		if end > len(transfers) {
			end = len(transfers)
		}
		chunk := transfers[start:end]
		total, err := sum(chunk)
		if err != nil {
			return nil, err
		}
		batches = append(batches, models.TransferBatch{
			BatchID:   fmt.Sprintf("%s-%03d", label, len(batches)+1),
			Label:     label,
			Token:     e.cfg.Token,
			Transfers: chunk,
			Total:     total,
			CreatedAt: e.now().UTC(),
		})
	}
	return batches, nil
}

// Simulate 检查地址、金额、合计与预算；超预算返回false
func (e *Executor) Simulate(_ context.Context, batches []models.TransferBatch) (bool, error) {
	var grand uint64
	for _, b := range batches {
		if _, err := e.calls(b); err != nil {
			return false, err
		}
		total, err := sum(b.Transfers)
		if err != nil {
			return false, err
		}
		if total != b.Total {
			return false, gifterrors.Validationf("BATCH_TOTAL_MISMATCH", "批次 %s 合计 %d 与明细 %d 不一致", b.BatchID, b.Total, total)
		}
		if grand+total < grand {
			return false, gifterrors.ErrAmountOverflow.Clone(fmt.Errorf("批次合计溢出"))
		}
		grand += total
	}
	if e.cfg.Budget > 0 && grand > e.cfg.Budget {
		e.logger.WithFields(logrus.Fields{"component": "transfer", "total": grand, "budget": e.cfg.Budget}).Warn("转账合计超过预算")
		return false, nil
	}
	return true, nil
}

// Submit 写入审批提案并返回回执号；同一批次重复提交返回原回执
func (e *Executor) Submit(ctx context.Context, batches []models.TransferBatch) ([]string, error) {
	receipts := make([]string, 0, len(batches))
	var written []models.TransferBatch
	var writtenReceipts []string
	for _, b := range batches {
		existing, err := e.load(b.BatchID)
		switch {
		case err == nil:
			if !sameBatch(existing.Batch, b) {
				return nil, gifterrors.Integrityf("BATCH_CONFLICT", "批次 %s 已存在且内容不同", b.BatchID)
			}
			e.logger.WithFields(logrus.Fields{"component": "transfer", "batch_id": b.BatchID}).Info("批次已提交，返回原回执")
			receipts = append(receipts, existing.ReceiptID)
			continue
		case !stderrors.Is(err, fs.ErrNotExist):
			return nil, err
		}

		calls, err := e.calls(b)
		if err != nil {
			return nil, err
		}
		proposal := &Proposal{
			ReceiptID: uuid.NewString(),
			Status:    StatusPendingApproval,
			Batch:     b,
			Calls:     calls,
			CreatedAt: e.now().UTC(),
		}
		if err := e.write(proposal); err != nil {
			return nil, err
		}
		e.logger.WithFields(logrus.Fields{
			"component":  "transfer",
			"batch_id":   b.BatchID,
			"receipt_id": proposal.ReceiptID,
			"transfers":  len(b.Transfers),
			"total":      b.Total,
		}).Info("转账提案已写入")
		receipts = append(receipts, proposal.ReceiptID)
		written = append(written, b)
		writtenReceipts = append(writtenReceipts, proposal.ReceiptID)
	}

	if len(written) > 0 && e.publisher != nil {
		event := &models.Event{
			ID:        uuid.NewString(),
			Type:      models.EventTransferProposed,
			Batches:   written,
			Receipts:  writtenReceipts,
			Timestamp: e.now().UTC(),
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.logger.WithField("component", "transfer").Warnf("发布提案事件失败: %v", err)
		}
	}
	return receipts, nil
}

// Proposal 读取已写入的提案
func (e *Executor) Proposal(batchID string) (*Proposal, error) {
	return e.load(batchID)
}

func (e *Executor) path(batchID string) string {
	return filepath.Join(e.cfg.OutboxDir, batchID+".json")
}

func (e *Executor) load(batchID string) (*Proposal, error) {
	data, err := os.ReadFile(e.path(batchID))
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("解析提案 %s 失败: %w", batchID, err)
	}
	return &p, nil
}

// write 先写临时文件再改名，避免留下半个提案
func (e *Executor) write(p *Proposal) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化提案失败: %w", err)
	}
	tmp, err := os.CreateTemp(e.cfg.OutboxDir, ".proposal-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入提案失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("同步提案失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭提案文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.path(p.Batch.BatchID)); err != nil {
		return fmt.Errorf("提交提案失败: %w", err)
	}
	return nil
}

// calls 为每笔转账生成ERC-20 transfer调用并回读校验
func (e *Executor) calls(b models.TransferBatch) ([]Call, error) {
	if !strings.EqualFold(b.Token, e.cfg.Token) {
		return nil, gifterrors.Validationf("TOKEN_MISMATCH", "批次 %s 代币 %s 与配置不一致", b.BatchID, b.Token)
	}
	calls := make([]Call, 0, len(b.Transfers))
	for _, t := range b.Transfers {
		if !common.IsHexAddress(t.To) {
			return nil, gifterrors.Validationf("BAD_RECIPIENT", "批次 %s 收款地址无效: %q", b.BatchID, t.To)
		}
		if t.Amount == 0 {
			return nil, gifterrors.Validationf("ZERO_AMOUNT", "批次 %s 含零金额转账: %s", b.BatchID, t.To)
		}
		recipient := common.HexToAddress(t.To)
		data, err := ethledger.PackTransfer(recipient, t.Amount)
		if err != nil {
			return nil, fmt.Errorf("编码转账失败: %w", err)
		}
		to, amount, err := ethledger.UnpackTransfer(data)
		if err != nil {
			return nil, err
		}
		if to != recipient || amount != t.Amount {
			return nil, gifterrors.Integrityf("CALLDATA_MISMATCH", "批次 %s 调用数据回读不一致", b.BatchID)
		}
		calls = append(calls, Call{
			To:        common.HexToAddress(b.Token).Hex(),
			Value:     "0",
			Data:      hexutil.Encode(data),
			Recipient: recipient.Hex(),
			Amount:    t.Amount,
		})
	}
	return calls, nil
}

func sum(transfers []models.Transfer) (uint64, error) {
	var total uint64
	for _, t := range transfers {
		if total+t.Amount < total {
			return 0, gifterrors.ErrAmountOverflow.Clone(fmt.Errorf("批次合计溢出"))
		}
		total += t.Amount
	}
	return total, nil
}

// sameBatch 比较批次内容，忽略创建时间
func sameBatch(a, b models.TransferBatch) bool {
	return a.BatchID == b.BatchID &&
		a.Label == b.Label &&
		strings.EqualFold(a.Token, b.Token) &&
		a.Total == b.Total &&
		reflect.DeepEqual(a.Transfers, b.Transfers)
}
