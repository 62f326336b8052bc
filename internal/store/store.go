// Package store 持久化仓库：礼物规则、快照、每日状态、执行记录和小时锚点
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"giftdrop/internal/commitment"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// ErrVersionConflict 状态版本冲突：另一个进程已写入新版本
var ErrVersionConflict = gifterrors.New(gifterrors.KindIdempotencyConflict, "STATUS_VERSION_CONFLICT", "执行状态已被其他进程更新")

// SpecRepository 承诺根与礼物规则，均为一次写入
type SpecRepository interface {
	SaveCommitment(ctx context.Context, public *commitment.PublicCommitment) error
	GetCommitment(ctx context.Context) (*commitment.PublicCommitment, error)
	SaveSpec(ctx context.Context, spec *models.GiftSpecification) error
	GetSpec(ctx context.Context, day int) (*models.GiftSpecification, error)
}

// SnapshotRepository 每日链上快照，一次写入
type SnapshotRepository interface {
	// SaveSnapshot 不存在时写入并返回true；已存在时返回已有快照和false
	SaveSnapshot(ctx context.Context, snapshot *models.LedgerSnapshot) (*models.LedgerSnapshot, bool, error)
	GetSnapshot(ctx context.Context, day int) (*models.LedgerSnapshot, error)
}

// StatusRepository 每日执行状态，每次迁移追加新版本
type StatusRepository interface {
	GetStatus(ctx context.Context, day int) (*models.ExecutionStatus, error)
	// PutStatus 乐观并发：status.Version必须等于当前版本，成功后版本加一
	PutStatus(ctx context.Context, status *models.ExecutionStatus) error
	StatusHistory(ctx context.Context, day int) ([]models.ExecutionStatus, error)
	ListStatuses(ctx context.Context) ([]models.ExecutionStatus, error)
}

// ExecutionRepository 执行记录与只追加的步骤
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, record *models.ExecutionRecord) error
	AppendStep(ctx context.Context, step *models.ExecutionStep) error
	CompleteExecution(ctx context.Context, id, status string, summary map[string]any, end time.Time) error
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
	ListExecutions(ctx context.Context, day int) ([]models.ExecutionRecord, error)
}

// HourlyRepository 小时分发锚点，(day, hour)唯一
type HourlyRepository interface {
	// InsertHourly 条件插入，已存在时返回false
	InsertHourly(ctx context.Context, row *models.HourlyDistributionRow) (bool, error)
	GetHourly(ctx context.Context, day, hour int) (*models.HourlyDistributionRow, error)
	AttachHourlyReceipts(ctx context.Context, day, hour int, receipts []string) error
	ListHourly(ctx context.Context, day int) ([]models.HourlyDistributionRow, error)
}

// Repository 全部仓库
type Repository interface {
	SpecRepository
	SnapshotRepository
	StatusRepository
	ExecutionRepository
	HourlyRepository
	Close() error
}

// Options 存储配置
type Options struct {
	Driver string // bolt | postgres
	Path   string
	DSN    string
}

// Open 按驱动打开仓库
func Open(opts Options, logger *logrus.Logger) (Repository, error) {
	switch opts.Driver {
	case "", "bolt":
		return NewBoltStore(opts.Path, logger)
	case "postgres":
		return NewPostgresStore(opts.DSN, logger)
	default:
		return nil, gifterrors.Validationf("STORAGE_DRIVER", "不支持的存储驱动: %s", opts.Driver)
	}
}

// nextStatus 计算要写入的下一版本
func nextStatus(current *models.ExecutionStatus, status *models.ExecutionStatus, now time.Time) (*models.ExecutionStatus, error) {
	currentVersion := 0
	if current != nil {
		currentVersion = current.Version
	}
	if status.Version != currentVersion {
		return nil, ErrVersionConflict.Clone(nil).WithDay(status.Day)
	}
	next := *status
	next.Version = currentVersion + 1
	next.UpdatedAt = now.UTC()
	return &next, nil
}
