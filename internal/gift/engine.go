// Package gift 实现六种礼物分发算法。所有算法都是纯函数：不做I/O，不读时钟
package gift

import (
	"fmt"
	"strings"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// 空结果原因
const (
	ReasonNoEligibleHolders = "no_eligible_holders"
	ReasonNoInboundVolume   = "no_inbound_volume"
	ReasonRecipientExcluded = "recipient_excluded"
	ReasonNoWindowActivity  = "no_transactions_in_window"
	ReasonBelowMinActivity  = "no_wallet_meets_min_transactions"
)

// Input 一次计算的全部输入
type Input struct {
	Spec           *models.GiftSpecification
	Transactions   []models.LedgerTransfer
	HolderBalances []models.HolderBalance
	// Distributable 当日可分发总额（最小单位）
	Distributable uint64
	// Entropy 链上熵，仅random_equal_split需要
	Entropy string
}

// Engine 礼物计算引擎，持有静态排除名单
type Engine struct {
	exclusions map[string]struct{}
}

// NewEngine 创建引擎，排除名单不区分大小写
func NewEngine(exclusions []string) *Engine {
	set := make(map[string]struct{}, len(exclusions))
	for _, w := range exclusions {
		set[normalizeWallet(w)] = struct{}{}
	}
	return &Engine{exclusions: set}
}

// Excluded 钱包是否在排除名单中
func (e *Engine) Excluded(wallet string) bool {
	_, ok := e.exclusions[normalizeWallet(wallet)]
	return ok
}

func normalizeWallet(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}

// Execute 按算法计算获奖者
func (e *Engine) Execute(in Input) (*models.GiftResult, error) {
	if in.Spec == nil {
		return nil, gifterrors.ErrSpecNotFound.Clone(nil)
	}
	var (
		result *models.GiftResult
		err    error
	)
	switch in.Spec.Variant {
	case models.VariantProportionalBalance:
		result, err = e.proportionalBalance(in)
	case models.VariantTopVolume:
		result, err = e.topVolume(in)
	case models.VariantRandomEqualSplit:
		result, err = e.randomEqualSplit(in)
	case models.VariantSingleRecipient:
		result, err = e.singleRecipient(in)
	case models.VariantClosestToCutoff:
		result, err = e.closestToCutoff(in)
	case models.VariantMostActive:
		result, err = e.mostActive(in)
	default:
		return nil, gifterrors.ErrUnknownVariant.Clone(fmt.Errorf("%s", in.Spec.Variant)).WithDay(in.Spec.Day)
	}
	if err != nil {
		return nil, err
	}
	result.TotalDistributed = models.SumWinners(result.Winners)
	result.Metadata["variant"] = string(in.Spec.Variant)
	result.Metadata["day"] = in.Spec.Day
	return result, nil
}

func newResult(winners []models.Winner, pool uint64) *models.GiftResult {
	return &models.GiftResult{
		Winners:  winners,
		Metadata: map[string]any{"pool": pool},
	}
}

func emptyResult(reason string, pool uint64) *models.GiftResult {
	r := models.NewEmptyResult(reason)
	r.Metadata["pool"] = pool
	return r
}

// aggregateBalances 合并重复钱包，保持首次出现顺序，过滤排除名单
func (e *Engine) aggregateBalances(balances []models.HolderBalance) ([]weighted, error) {
	index := make(map[string]int, len(balances))
	out := make([]weighted, 0, len(balances))
	for _, hb := range balances {
		if e.Excluded(hb.Wallet) {
			continue
		}
		key := normalizeWallet(hb.Wallet)
		if i, ok := index[key]; ok {
			sum := out[i].weight + hb.Balance
			if sum < out[i].weight {
				return nil, gifterrors.ErrAmountOverflow.Clone(fmt.Errorf("钱包 %s 余额合计溢出", hb.Wallet))
			}
			out[i].weight = sum
			continue
		}
		index[key] = len(out)
		out = append(out, weighted{wallet: hb.Wallet, weight: hb.Balance})
	}
	return out, nil
}

func eligibleByBalance(candidates []weighted, min uint64, cmp Comparison) []weighted {
	out := make([]weighted, 0, len(candidates))
	for _, c := range candidates {
		if c.weight == 0 || !cmp.Meets(c.weight, min) {
			continue
		}
		out = append(out, c)
	}
	return out
}
