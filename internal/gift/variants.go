package gift

import (
	"fmt"
	"sort"
	"time"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/randomness"
	"giftdrop/pkg/models"
)

// proportionalBalance 按持仓比例分配
func (e *Engine) proportionalBalance(in Input) (*models.GiftResult, error) {
	p, err := DecodeProportional(in.Spec)
	if err != nil {
		return nil, err
	}
	pool, err := AllocatePool(in.Distributable, p.AllocationPercent)
	if err != nil {
		return nil, err
	}
	holders, err := e.aggregateBalances(in.HolderBalances)
	if err != nil {
		return nil, err
	}
	eligible := eligibleByBalance(holders, p.MinBalance, p.MinBalanceComparison)
	if len(eligible) == 0 {
		return emptyResult(ReasonNoEligibleHolders, pool), nil
	}
	winners, err := splitProportional(pool, eligible, func(c weighted) string {
		return fmt.Sprintf("balance %d", c.weight)
	})
	if err != nil {
		return nil, err
	}
	r := newResult(winners, pool)
	r.Metadata["eligible"] = len(eligible)
	r.Metadata["minBalance"] = p.MinBalance
	r.Metadata["minBalanceComparison"] = string(p.MinBalanceComparison)
	return r, nil
}

// topVolume 按当日流入量取前N，再按流入量比例分配；卖出记录的接收方是交易对合约，不计入
func (e *Engine) topVolume(in Input) (*models.GiftResult, error) {
	p, err := DecodeTopVolume(in.Spec)
	if err != nil {
		return nil, err
	}
	pool, err := AllocatePool(in.Distributable, p.AllocationPercent)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	volumes := make([]weighted, 0)
	for _, tx := range in.Transactions {
		if tx.Kind == models.TxKindDebit || tx.To == "" || e.Excluded(tx.To) {
			continue
		}
		key := normalizeWallet(tx.To)
		i, ok := index[key]
		if !ok {
			i = len(volumes)
			index[key] = i
			volumes = append(volumes, weighted{wallet: tx.To})
		}
		sum := volumes[i].weight + tx.Amount
		if sum < volumes[i].weight {
			return nil, gifterrors.ErrAmountOverflow.Clone(fmt.Errorf("钱包 %s 流入量溢出", tx.To))
		}
		volumes[i].weight = sum
	}

	ranked := make([]weighted, 0, len(volumes))
	for _, v := range volumes {
		if v.weight > 0 {
			ranked = append(ranked, v)
		}
	}
	if len(ranked) == 0 {
		return emptyResult(ReasonNoInboundVolume, pool), nil
	}
	// 稳定排序：并列时保持首次出现顺序
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].weight > ranked[j].weight })
	if len(ranked) > p.TopN {
		ranked = ranked[:p.TopN]
	}

	winners, err := splitProportional(pool, ranked, func(c weighted) string {
		return fmt.Sprintf("inbound volume %d", c.weight)
	})
	if err != nil {
		return nil, err
	}
	r := newResult(winners, pool)
	r.Metadata["topN"] = p.TopN
	r.Metadata["candidates"] = len(volumes)
	return r, nil
}

// randomEqualSplit 按最低持仓过滤，钱包升序后用熵种子洗牌，取前K个平分
func (e *Engine) randomEqualSplit(in Input) (*models.GiftResult, error) {
	p, err := DecodeRandomSplit(in.Spec)
	if err != nil {
		return nil, err
	}
	if in.Entropy == "" {
		return nil, gifterrors.Validationf("ENTROPY_REQUIRED", "第%d天算法需要链上熵", in.Spec.Day).WithDay(in.Spec.Day)
	}
	pool, err := AllocatePool(in.Distributable, p.AllocationPercent)
	if err != nil {
		return nil, err
	}
	holders, err := e.aggregateBalances(in.HolderBalances)
	if err != nil {
		return nil, err
	}
	eligible := eligibleByBalance(holders, p.MinBalance, p.MinBalanceComparison)
	if len(eligible) == 0 {
		return emptyResult(ReasonNoEligibleHolders, pool), nil
	}

	wallets := make([]string, len(eligible))
	for i, c := range eligible {
		wallets[i] = c.wallet
	}
	sort.Strings(wallets)

	seed := randomness.Seed(in.Entropy, p.SeedSalt)
	selected := randomness.SelectFirst(wallets, p.WinnerCount, seed)

	r := newResult(splitEqual(pool, selected, "random draw"), pool)
	r.Metadata["entropy"] = in.Entropy
	r.Metadata["seed"] = randomness.SeedHex(in.Entropy, p.SeedSalt)
	r.Metadata["eligible"] = len(wallets)
	r.Metadata["winnerCount"] = p.WinnerCount
	return r, nil
}

// singleRecipient 固定接收者，不需要链上数据
func (e *Engine) singleRecipient(in Input) (*models.GiftResult, error) {
	p, err := DecodeSingleRecipient(in.Spec)
	if err != nil {
		return nil, err
	}
	pool, err := AllocatePool(in.Distributable, *p.AllocationPercent)
	if err != nil {
		return nil, err
	}
	if e.Excluded(p.Recipient) {
		return emptyResult(ReasonRecipientExcluded, pool), nil
	}
	winners := []models.Winner{{Wallet: p.Recipient, Amount: pool, Reason: "fixed recipient"}}
	return newResult(winners, pool), nil
}

// closestToCutoff 窗口内按与截止时间的距离排序，取前K个不同钱包平分
func (e *Engine) closestToCutoff(in Input) (*models.GiftResult, error) {
	p, w, err := DecodeClosest(in.Spec)
	if err != nil {
		return nil, err
	}
	pool, err := AllocatePool(in.Distributable, p.AllocationPercent)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		wallet   string
		ts       time.Time
		distance time.Duration
		order    int
	}
	candidates := make([]candidate, 0)
	for i, tx := range in.Transactions {
		wallet := tx.Participant()
		if wallet == "" || e.Excluded(wallet) {
			continue
		}
		if tx.Timestamp.Before(w.start) || tx.Timestamp.After(w.end) {
			continue
		}
		d := tx.Timestamp.Sub(w.cutoff)
		if d < 0 {
			d = -d
		}
		candidates = append(candidates, candidate{wallet: wallet, ts: tx.Timestamp, distance: d, order: i})
	}
	if len(candidates) == 0 {
		return emptyResult(ReasonNoWindowActivity, pool), nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if !a.ts.Equal(b.ts) {
			return a.ts.Before(b.ts)
		}
		return a.order < b.order
	})

	seen := make(map[string]bool)
	selected := make([]string, 0, p.WinnerCount)
	for _, c := range candidates {
		key := normalizeWallet(c.wallet)
		if seen[key] {
			continue
		}
		seen[key] = true
		selected = append(selected, c.wallet)
		if len(selected) == p.WinnerCount {
			break
		}
	}

	r := newResult(splitEqual(pool, selected, "closest to cutoff"), pool)
	r.Metadata["cutoff"] = w.cutoff.Format(time.RFC3339)
	r.Metadata["windowStart"] = w.start.Format(time.RFC3339)
	r.Metadata["windowEnd"] = w.end.Format(time.RFC3339)
	r.Metadata["candidates"] = len(candidates)
	return r, nil
}

// mostActive 按方向计数，最活跃的单个钱包获得整个奖池，并列取首次出现者
func (e *Engine) mostActive(in Input) (*models.GiftResult, error) {
	p, err := DecodeMostActive(in.Spec)
	if err != nil {
		return nil, err
	}
	pool, err := AllocatePool(in.Distributable, p.AllocationPercent)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	wallets := make([]string, 0)
	counts := make([]int, 0)
	for _, tx := range in.Transactions {
		wallet := tx.Participant()
		if wallet == "" || e.Excluded(wallet) {
			continue
		}
		key := normalizeWallet(wallet)
		i, ok := index[key]
		if !ok {
			i = len(wallets)
			index[key] = i
			wallets = append(wallets, wallet)
			counts = append(counts, 0)
		}
		counts[i]++
	}

	best := -1
	for i, c := range counts {
		if c < p.MinTransactions || c == 0 {
			continue
		}
		if best < 0 || c > counts[best] {
			best = i
		}
	}
	if best < 0 {
		return emptyResult(ReasonBelowMinActivity, pool), nil
	}

	winners := []models.Winner{{
		Wallet: wallets[best],
		Amount: pool,
		Reason: fmt.Sprintf("%d transactions", counts[best]),
	}}
	r := newResult(winners, pool)
	r.Metadata["transactions"] = counts[best]
	r.Metadata["minTransactions"] = p.MinTransactions
	return r, nil
}
