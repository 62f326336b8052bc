package models

// Winner 获奖者
type Winner struct {
	Wallet string `json:"wallet"`
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"`
}

// GiftResult 礼物计算结果
type GiftResult struct {
	Winners          []Winner       `json:"winners"`
	TotalDistributed uint64         `json:"total_distributed"`
	Metadata         map[string]any `json:"metadata"`
}

// NewEmptyResult 创建一个带原因的空结果
func NewEmptyResult(reason string) *GiftResult {
	return &GiftResult{
		Winners:  []Winner{},
		Metadata: map[string]any{"reason": reason},
	}
}

// Reason 返回元数据中的原因
func (r *GiftResult) Reason() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	reason, _ := r.Metadata["reason"].(string)
	return reason
}

// SumWinners 计算获奖金额合计
func SumWinners(winners []Winner) uint64 {
	var total uint64
	for _, w := range winners {
		total += w.Amount
	}
	return total
}
