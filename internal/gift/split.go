package gift

import (
	"github.com/holiman/uint256"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// weighted 带权重的候选钱包
type weighted struct {
	wallet string
	weight uint64
}

// AllocatePool pool = distributable * allocationPercent / 100，截断取整
func AllocatePool(distributable, allocationPercent uint64) (uint64, error) {
	return mulDiv(distributable, uint256.NewInt(allocationPercent), uint256.NewInt(100))
}

// mulDiv 以256位中间值计算 x*y/d，结果超出uint64时报错
func mulDiv(x uint64, y, d *uint256.Int) (uint64, error) {
	if d.IsZero() {
		return 0, nil
	}
	z, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(x), y, d)
	if overflow || !z.IsUint64() {
		return 0, gifterrors.ErrAmountOverflow.Clone(nil)
	}
	return z.Uint64(), nil
}

// splitProportional share = pool * weight / totalWeight，逐个截断，零份额保留
func splitProportional(pool uint64, candidates []weighted, reason func(weighted) string) ([]models.Winner, error) {
	total := new(uint256.Int)
	for _, c := range candidates {
		total.Add(total, uint256.NewInt(c.weight))
	}
	winners := make([]models.Winner, 0, len(candidates))
	for _, c := range candidates {
		share, err := mulDiv(pool, uint256.NewInt(c.weight), total)
		if err != nil {
			return nil, err
		}
		winners = append(winners, models.Winner{Wallet: c.wallet, Amount: share, Reason: reason(c)})
	}
	return winners, nil
}

// splitEqual 平分，余数为尘埃不再分配
func splitEqual(pool uint64, wallets []string, reason string) []models.Winner {
	if len(wallets) == 0 {
		return []models.Winner{}
	}
	share := pool / uint64(len(wallets))
	winners := make([]models.Winner, len(wallets))
	for i, w := range wallets {
		winners[i] = models.Winner{Wallet: w, Amount: share, Reason: reason}
	}
	return winners
}
