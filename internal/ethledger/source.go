// Package ethledger 通过以太坊节点读取代币转账、持仓与区块熵
package ethledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/calendar"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/validation"
	"giftdrop/pkg/models"
)

// defaultHeaderCacheSize 约覆盖一天半的区块
const defaultHeaderCacheSize = 10000

// Config 链上数据源配置
type Config struct {
	Token       string
	PairAddress string
	StartBlock  uint64
	MaxLogRange uint64
}

// Source 基于ERC-20事件日志的账本数据源
type Source struct {
	cfg    Config
	token  common.Address
	pair   common.Address
	cal    *calendar.Calendar
	pool   *Pool
	logger *logrus.Logger

	validator *validation.Validator

	headers *lru.Cache[uint64, *types.Header]
}

// blockRange 闭区间[from, to]
type blockRange struct {
	from, to uint64
}

func (r blockRange) empty() bool {
	return r.to < r.from
}

// SourceOption 数据源选项
type SourceOption func(*Source)

// WithValidator 返回前校验转账与持仓数据
func WithValidator(v *validation.Validator) SourceOption {
	return func(s *Source) { s.validator = v }
}

// WithHeaderCacheSize 区块头缓存容量，超出后淘汰最久未用的
func WithHeaderCacheSize(size int) SourceOption {
	return func(s *Source) {
		if size > 0 {
			s.headers = lru.NewCache[uint64, *types.Header](size)
		}
	}
}

// NewSource 创建数据源
func NewSource(cfg Config, cal *calendar.Calendar, pool *Pool, logger *logrus.Logger, opts ...SourceOption) (*Source, error) {
	if !common.IsHexAddress(cfg.Token) {
		return nil, gifterrors.Validationf("BAD_TOKEN", "代币地址无效: %q", cfg.Token)
	}
	if cfg.PairAddress != "" && !common.IsHexAddress(cfg.PairAddress) {
		return nil, gifterrors.Validationf("BAD_PAIR", "交易对地址无效: %q", cfg.PairAddress)
	}
	if cfg.MaxLogRange == 0 {
		cfg.MaxLogRange = 2000
	}
	s := &Source{
		cfg:     cfg,
		token:   common.HexToAddress(cfg.Token),
		pair:    common.HexToAddress(cfg.PairAddress),
		cal:     cal,
		pool:    pool,
		logger:  logger,
		headers: lru.NewCache[uint64, *types.Header](defaultHeaderCacheSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FetchTransactions 第day天窗口内的代币转账
func (s *Source) FetchTransactions(ctx context.Context, day int) ([]models.LedgerTransfer, error) {
	start, end, err := s.cal.DayWindow(day)
	if err != nil {
		return nil, gifterrors.Validationf("INVALID_DAY", "%v", err)
	}
	return s.transfersBetween(ctx, start, end)
}

// FetchHourTransactions 第day天第hour小时窗口内的代币转账
func (s *Source) FetchHourTransactions(ctx context.Context, day, hour int) ([]models.LedgerTransfer, error) {
	start, end, err := s.cal.HourWindow(day, hour)
	if err != nil {
		return nil, gifterrors.Validationf("INVALID_HOUR", "%v", err)
	}
	return s.transfersBetween(ctx, start, end)
}

// FetchEntropy 第day天窗口最后一个区块的哈希
func (s *Source) FetchEntropy(ctx context.Context, day int) (string, error) {
	_, end, err := s.cal.DayWindow(day)
	if err != nil {
		return "", gifterrors.Validationf("INVALID_DAY", "%v", err)
	}
	return s.entropyAt(ctx, end)
}

// FetchHourEntropy 小时窗口最后一个区块的哈希
func (s *Source) FetchHourEntropy(ctx context.Context, day, hour int) (string, error) {
	_, end, err := s.cal.HourWindow(day, hour)
	if err != nil {
		return "", gifterrors.Validationf("INVALID_HOUR", "%v", err)
	}
	return s.entropyAt(ctx, end)
}

// FetchHolderSnapshot 第day天结束时所有出现过的地址的余额，不含零余额
func (s *Source) FetchHolderSnapshot(ctx context.Context, day int) ([]models.HolderBalance, error) {
	_, end, err := s.cal.DayWindow(day)
	if err != nil {
		return nil, gifterrors.Validationf("INVALID_DAY", "%v", err)
	}
	last, err := s.lastBlockBefore(ctx, end)
	if err != nil {
		return nil, err
	}
	logs, err := s.filterTransfers(ctx, blockRange{from: s.cfg.StartBlock, to: last})
	if err != nil {
		return nil, err
	}

	seen := make(map[common.Address]struct{})
	for _, l := range logs {
		tl, err := decodeTransferLog(l)
		if err != nil {
			return nil, err
		}
		for _, addr := range []common.Address{tl.From, tl.To} {
			if addr != (common.Address{}) {
				seen[addr] = struct{}{}
			}
		}
	}

	at := new(big.Int).SetUint64(last)
	holders := make([]models.HolderBalance, 0, len(seen))
	for addr := range seen {
		balance, err := s.balanceOf(ctx, addr, at)
		if err != nil {
			return nil, err
		}
		if balance == 0 {
			continue
		}
		holders = append(holders, models.HolderBalance{Wallet: addr.Hex(), Balance: balance})
	}
	sort.Slice(holders, func(i, j int) bool {
		return strings.ToLower(holders[i].Wallet) < strings.ToLower(holders[j].Wallet)
	})
	if s.validator != nil {
		if err := s.validator.Check(ctx, s.validator.ValidateHolders(holders)); err != nil {
			return nil, err
		}
	}
	s.logger.WithFields(logrus.Fields{"component": "ethledger", "day": day, "block": last, "holders": len(holders)}).Debug("持仓快照完成")
	return holders, nil
}

func (s *Source) transfersBetween(ctx context.Context, start, end time.Time) ([]models.LedgerTransfer, error) {
	window, err := s.window(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if window.empty() {
		return []models.LedgerTransfer{}, nil
	}
	logs, err := s.filterTransfers(ctx, window)
	if err != nil {
		return nil, err
	}

	out := make([]models.LedgerTransfer, 0, len(logs))
	for _, l := range logs {
		tl, err := decodeTransferLog(l)
		if err != nil {
			return nil, err
		}
		kind := models.TxKindCredit
		if s.cfg.PairAddress != "" && tl.To == s.pair {
			kind = models.TxKindDebit
		}
		if kind == models.TxKindCredit && tl.To == (common.Address{}) {
			continue
		}
		header, err := s.header(ctx, l.BlockNumber)
		if err != nil {
			return nil, err
		}
		out = append(out, models.LedgerTransfer{
			ID:          fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index),
			BlockNumber: l.BlockNumber,
			Timestamp:   time.Unix(int64(header.Time), 0).UTC(),
			From:        tl.From.Hex(),
			To:          tl.To.Hex(),
			Amount:      tl.Value,
			Kind:        kind,
		})
	}
	if s.validator != nil {
		result := s.validator.ValidateTransfers(out, validation.Window{Start: start, End: end})
		if err := s.validator.Check(ctx, result); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// filterTransfers 分段拉取Transfer日志，按(区块, 序号)排序
func (s *Source) filterTransfers(ctx context.Context, r blockRange) ([]types.Log, error) {
	var logs []types.Log
	for from := r.from; from <= r.to; from += s.cfg.MaxLogRange {
		to := from + s.cfg.MaxLogRange - 1
		if to > r.to {
			to = r.to
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.token},
			Topics:    [][]common.Hash{{TransferTopic}},
		}
		var chunk []types.Log
		err := s.pool.Do(ctx, "eth_getLogs", func(c context.Context, client ChainClient) error {
			var err error
			chunk, err = client.FilterLogs(c, query)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range chunk {
			if !l.Removed {
				logs = append(logs, l)
			}
		}
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs, nil
}

func (s *Source) balanceOf(ctx context.Context, owner common.Address, at *big.Int) (uint64, error) {
	data, err := packBalanceOf(owner)
	if err != nil {
		return 0, err
	}
	var out []byte
	err = s.pool.Do(ctx, "balanceOf", func(c context.Context, client ChainClient) error {
		var err error
		out, err = client.CallContract(c, ethereum.CallMsg{To: &s.token, Data: data}, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return unpackBalance(out)
}

func (s *Source) entropyAt(ctx context.Context, end time.Time) (string, error) {
	last, err := s.lastBlockBefore(ctx, end)
	if err != nil {
		return "", err
	}
	header, err := s.header(ctx, last)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(header.Hash().Hex(), "0x"), nil
}

// window [start, end)对应的区块闭区间
func (s *Source) window(ctx context.Context, start, end time.Time) (blockRange, error) {
	first, err := s.firstBlockAtOrAfter(ctx, start)
	if err != nil {
		return blockRange{}, err
	}
	last, err := s.lastBlockBefore(ctx, end)
	if err != nil {
		return blockRange{}, err
	}
	return blockRange{from: first, to: last}, nil
}

// lastBlockBefore 时间戳小于end的最后一个区块；链上还没有到end的区块时窗口未关闭
func (s *Source) lastBlockBefore(ctx context.Context, end time.Time) (uint64, error) {
	next, err := s.firstBlockAtOrAfter(ctx, end)
	if err != nil {
		return 0, err
	}
	if next == 0 {
		return 0, gifterrors.Validationf("WINDOW_BEFORE_GENESIS", "窗口结束于创世区块之前: %s", end.Format(time.RFC3339))
	}
	return next - 1, nil
}

// firstBlockAtOrAfter 二分查找时间戳>=t的第一个区块
func (s *Source) firstBlockAtOrAfter(ctx context.Context, t time.Time) (uint64, error) {
	latest, err := s.latest(ctx)
	if err != nil {
		return 0, err
	}
	target := uint64(t.Unix())
	if latest.Time < target {
		return 0, gifterrors.New(gifterrors.KindTransientExternal, "WINDOW_NOT_CLOSED",
			fmt.Sprintf("最新区块 %d 早于 %s", latest.Number.Uint64(), t.UTC().Format(time.RFC3339)))
	}
	lo, hi := uint64(0), latest.Number.Uint64()
	for lo < hi {
		mid := lo + (hi-lo)/2
		h, err := s.header(ctx, mid)
		if err != nil {
			return 0, err
		}
		if h.Time >= target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func (s *Source) latest(ctx context.Context) (*types.Header, error) {
	var h *types.Header
	err := s.pool.Do(ctx, "eth_blockNumber", func(c context.Context, client ChainClient) error {
		var err error
		h, err = client.HeaderByNumber(c, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// header 按高度读取区块头，已读过的区块头缓存复用
func (s *Source) header(ctx context.Context, number uint64) (*types.Header, error) {
	h, ok := s.headers.Get(number)
	if ok {
		return h, nil
	}
	err := s.pool.Do(ctx, "eth_getBlockByNumber", func(c context.Context, client ChainClient) error {
		var err error
		h, err = client.HeaderByNumber(c, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, gifterrors.New(gifterrors.KindTransientExternal, "HEADER_NOT_FOUND", fmt.Sprintf("区块 %d 不存在", number))
	}
	s.headers.Add(number, h)
	return h, nil
}
