package models

import "time"

// ExecutionState 每日执行状态
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateRetrying  ExecutionState = "retrying"
	StateFailed    ExecutionState = "failed"
)

// Terminal 是否为终态
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ExecutionStatus 每天一个有效状态，每次迁移写入新版本
type ExecutionStatus struct {
	Day           int            `json:"day"`
	State         ExecutionState `json:"state"`
	Attempts      int            `json:"attempts"`
	LastAttempt   time.Time      `json:"last_attempt"`
	Error         string         `json:"error,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	Result        *GiftResult    `json:"result,omitempty"`
	PartialResult *GiftResult    `json:"partial_result,omitempty"`
	Receipts      []string       `json:"receipts,omitempty"`
	Version       int            `json:"version"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StepLevel 步骤日志级别
type StepLevel string

const (
	LevelDebug StepLevel = "debug"
	LevelInfo  StepLevel = "info"
	LevelWarn  StepLevel = "warn"
	LevelError StepLevel = "error"
)

// ExecutionStep 审计步骤，写入后不可修改
type ExecutionStep struct {
	ExecutionID string         `json:"execution_id"`
	Seq         int            `json:"seq"`
	Step        string         `json:"step"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Level       StepLevel      `json:"level"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionRecord 每次执行尝试一条记录
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	Day         int             `json:"day"`
	Hour        *int            `json:"hour,omitempty"`
	Variant     Variant         `json:"variant"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
	Status      string          `json:"status"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Summary     map[string]any  `json:"summary,omitempty"`
	StepLog     []ExecutionStep `json:"step_log,omitempty"`
}
