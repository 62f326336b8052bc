package models

import "time"

// Transfer 单笔转账
type Transfer struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// TransferBatch 待多签审批的批次
type TransferBatch struct {
	BatchID   string     `json:"batch_id"`
	Label     string     `json:"label"`
	Token     string     `json:"token"`
	Transfers []Transfer `json:"transfers"`
	Total     uint64     `json:"total"`
	CreatedAt time.Time  `json:"created_at"`
}
