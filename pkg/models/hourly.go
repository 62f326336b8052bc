package models

import "time"

// HourlyDistributionRow 小时分发幂等锚点，(day, hour) 唯一
type HourlyDistributionRow struct {
	Day          int       `json:"day"`
	Hour         int       `json:"hour"`
	Wallet       string    `json:"wallet"`
	Amount       uint64    `json:"amount"`
	BlockEntropy string    `json:"block_entropy"`
	TraceID      string    `json:"trace_id"`
	Winners      []Winner  `json:"winners,omitempty"`
	Manual       bool      `json:"manual"`
	Receipts     []string  `json:"receipts,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
