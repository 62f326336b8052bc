package models

import "time"

// TxKind 标准化交易记录方向
type TxKind string

const (
	TxKindCredit TxKind = "credit" // 接收方入账（例如买入）
	TxKindDebit  TxKind = "debit"  // 发送方出账（例如卖出）
)

// LedgerTransfer 标准化后的链上转账记录
type LedgerTransfer struct {
	ID          string    `json:"id"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      uint64    `json:"amount"`
	Kind        TxKind    `json:"kind"`
}

// Participant 按方向计入活跃度的钱包
func (t *LedgerTransfer) Participant() string {
	if t.Kind == TxKindDebit {
		return t.From
	}
	return t.To
}

// HolderBalance 持仓快照条目
type HolderBalance struct {
	Wallet  string `json:"wallet"`
	Balance uint64 `json:"balance"`
}

// LedgerSnapshot 某一天的链上数据快照，创建后不可变
type LedgerSnapshot struct {
	Day            int              `json:"day"`
	Transactions   []LedgerTransfer `json:"transactions"`
	HolderBalances []HolderBalance  `json:"holder_balances"`
	CreatedAt      time.Time        `json:"created_at"`
}
