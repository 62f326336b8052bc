package models

import "time"

// EventType 对外发布的事件类型
type EventType string

const (
	EventDayCompleted     EventType = "day.completed"
	EventDayFailed        EventType = "day.failed"
	EventHourDistributed  EventType = "hour.distributed"
	EventTransferProposed EventType = "transfer.proposed"
	EventAlertRaised      EventType = "alert.raised" // 需要人工介入的错误
)

// Event 执行结果事件，按类型路由到不同topic
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	Day         int             `json:"day"`
	Hour        *int            `json:"hour,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Variant     Variant         `json:"variant,omitempty"`
	State       string          `json:"state,omitempty"`
	Result      *GiftResult     `json:"result,omitempty"`
	Batches     []TransferBatch `json:"batches,omitempty"`
	Receipts    []string        `json:"receipts,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
