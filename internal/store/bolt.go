package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"giftdrop/internal/commitment"
	"giftdrop/pkg/models"
)

const (
	// DefaultDBPath 默认数据库路径
	DefaultDBPath = "./data/giftdrop.db"

	CommitmentBucket    = "commitment"
	SpecBucket          = "specs"
	SnapshotBucket      = "snapshots"
	StatusBucket        = "status"
	StatusHistoryBucket = "status_history"
	ExecutionBucket     = "executions"
	StepBucket          = "steps"
	HourlyBucket        = "hourly"

	publicCommitmentKey = "public"
)

var buckets = []string{
	CommitmentBucket, SpecBucket, SnapshotBucket, StatusBucket,
	StatusHistoryBucket, ExecutionBucket, StepBucket, HourlyBucket,
}

// BoltStore 基于BoltDB的嵌入式仓库，条件写入在单个Update事务内完成
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	now    func() time.Time
}

// NewBoltStore 打开或创建数据库
func NewBoltStore(dbPath string, logger *logrus.Logger) (*BoltStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	s := &BoltStore{db: db, logger: logger, dbPath: dbPath, now: time.Now}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	logger.Infof("存储已初始化，数据库路径: %s", dbPath)
	return s, nil
}

func (s *BoltStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶%s失败: %w", name, err)
			}
		}
		return nil
	})
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭存储数据库")
		return s.db.Close()
	}
	return nil
}

func getJSON(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	if err := decodeJSON(data, v); err != nil {
		return fmt.Errorf("反序列化%s失败: %w", key, err)
	}
	return nil
}

// decodeJSON 规则参数中的数字保留为json.Number，避免大额精度丢失
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化%s失败: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

// SaveCommitment 保存公开承诺；根一经写入不可更改
func (s *BoltStore) SaveCommitment(ctx context.Context, public *commitment.PublicCommitment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(CommitmentBucket))
		var existing commitment.PublicCommitment
		err := getJSON(b, publicCommitmentKey, &existing)
		if err == nil {
			if existing.Root != public.Root {
				return fmt.Errorf("承诺根已固定为%s，拒绝写入%s", existing.Root, public.Root)
			}
			return nil
		}
		if err != ErrNotFound {
			return err
		}
		return putJSON(b, publicCommitmentKey, public)
	})
}

// GetCommitment 读取公开承诺
func (s *BoltStore) GetCommitment(ctx context.Context) (*commitment.PublicCommitment, error) {
	var public commitment.PublicCommitment
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(CommitmentBucket)), publicCommitmentKey, &public)
	})
	if err != nil {
		return nil, err
	}
	return &public, nil
}

// SaveSpec 保存规则；同一天已存在且叶子不同则拒绝
func (s *BoltStore) SaveSpec(ctx context.Context, spec *models.GiftSpecification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(SpecBucket))
		key := models.DayKey(spec.Day)
		var existing models.GiftSpecification
		err := getJSON(b, key, &existing)
		if err == nil {
			if existing.Leaf != spec.Leaf {
				return fmt.Errorf("第%d天规则已存在且叶子不同", spec.Day)
			}
			return nil
		}
		if err != ErrNotFound {
			return err
		}
		return putJSON(b, key, spec)
	})
}

// GetSpec 读取规则
func (s *BoltStore) GetSpec(ctx context.Context, day int) (*models.GiftSpecification, error) {
	var spec models.GiftSpecification
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(SpecBucket)), models.DayKey(day), &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// SaveSnapshot 快照一次写入
func (s *BoltStore) SaveSnapshot(ctx context.Context, snapshot *models.LedgerSnapshot) (*models.LedgerSnapshot, bool, error) {
	var (
		stored  models.LedgerSnapshot
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(SnapshotBucket))
		key := models.DayKey(snapshot.Day)
		err := getJSON(b, key, &stored)
		if err == nil {
			return nil
		}
		if err != ErrNotFound {
			return err
		}
		stored = *snapshot
		created = true
		return putJSON(b, key, snapshot)
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// GetSnapshot 读取快照
func (s *BoltStore) GetSnapshot(ctx context.Context, day int) (*models.LedgerSnapshot, error) {
	var snapshot models.LedgerSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(SnapshotBucket)), models.DayKey(day), &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetStatus 读取当前状态
func (s *BoltStore) GetStatus(ctx context.Context, day int) (*models.ExecutionStatus, error) {
	var status models.ExecutionStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(StatusBucket)), models.DayKey(day), &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// PutStatus 比较版本后写入当前状态并追加历史
func (s *BoltStore) PutStatus(ctx context.Context, status *models.ExecutionStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(StatusBucket))
		key := models.DayKey(status.Day)

		var current *models.ExecutionStatus
		var existing models.ExecutionStatus
		err := getJSON(b, key, &existing)
		switch {
		case err == nil:
			current = &existing
		case err != ErrNotFound:
			return err
		}

		next, err := nextStatus(current, status, s.now())
		if err != nil {
			return err
		}
		if err := putJSON(b, key, next); err != nil {
			return err
		}
		historyKey := fmt.Sprintf("%s:%08d", key, next.Version)
		if err := putJSON(tx.Bucket([]byte(StatusHistoryBucket)), historyKey, next); err != nil {
			return err
		}
		status.Version = next.Version
		status.UpdatedAt = next.UpdatedAt
		return nil
	})
}

// StatusHistory 按版本顺序返回某天的全部状态
func (s *BoltStore) StatusHistory(ctx context.Context, day int) ([]models.ExecutionStatus, error) {
	history := make([]models.ExecutionStatus, 0)
	prefix := []byte(models.DayKey(day) + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(StatusHistoryBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var status models.ExecutionStatus
			if err := decodeJSON(v, &status); err != nil {
				return err
			}
			history = append(history, status)
		}
		return nil
	})
	return history, err
}

// ListStatuses 返回所有天的当前状态
func (s *BoltStore) ListStatuses(ctx context.Context) ([]models.ExecutionStatus, error) {
	statuses := make([]models.ExecutionStatus, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(StatusBucket)).ForEach(func(k, v []byte) error {
			var status models.ExecutionStatus
			if err := decodeJSON(v, &status); err != nil {
				return err
			}
			statuses = append(statuses, status)
			return nil
		})
	})
	return statuses, err
}

// CreateExecution 创建执行记录，ID重复则报错
func (s *BoltStore) CreateExecution(ctx context.Context, record *models.ExecutionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ExecutionBucket))
		if b.Get([]byte(record.ExecutionID)) != nil {
			return fmt.Errorf("执行记录已存在: %s", record.ExecutionID)
		}
		stored := *record
		stored.StepLog = nil
		if err := putJSON(b, record.ExecutionID, &stored); err != nil {
			return err
		}
		_, err := tx.Bucket([]byte(StepBucket)).CreateBucketIfNotExists([]byte(record.ExecutionID))
		return err
	})
}

// AppendStep 追加步骤，序号由存储分配
func (s *BoltStore) AppendStep(ctx context.Context, step *models.ExecutionStep) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		steps := tx.Bucket([]byte(StepBucket)).Bucket([]byte(step.ExecutionID))
		if steps == nil {
			return fmt.Errorf("执行记录不存在: %s: %w", step.ExecutionID, ErrNotFound)
		}
		seq, err := steps.NextSequence()
		if err != nil {
			return err
		}
		step.Seq = int(seq)
		return putJSON(steps, fmt.Sprintf("%08d", seq), step)
	})
}

// CompleteExecution 写入结束时间、状态和摘要
func (s *BoltStore) CompleteExecution(ctx context.Context, id, status string, summary map[string]any, end time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ExecutionBucket))
		var record models.ExecutionRecord
		if err := getJSON(b, id, &record); err != nil {
			return err
		}
		if record.EndTime != nil {
			return fmt.Errorf("执行记录已结束: %s", id)
		}
		end = end.UTC()
		record.EndTime = &end
		record.Status = status
		record.Summary = summary
		return putJSON(b, id, &record)
	})
}

// GetExecution 读取执行记录及其步骤
func (s *BoltStore) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket([]byte(ExecutionBucket)), id, &record); err != nil {
			return err
		}
		steps := tx.Bucket([]byte(StepBucket)).Bucket([]byte(id))
		if steps == nil {
			return nil
		}
		return steps.ForEach(func(k, v []byte) error {
			var step models.ExecutionStep
			if err := decodeJSON(v, &step); err != nil {
				return err
			}
			record.StepLog = append(record.StepLog, step)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListExecutions 按开始时间返回某天的执行记录（不含步骤）
func (s *BoltStore) ListExecutions(ctx context.Context, day int) ([]models.ExecutionRecord, error) {
	records := make([]models.ExecutionRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ExecutionBucket)).ForEach(func(k, v []byte) error {
			var record models.ExecutionRecord
			if err := decodeJSON(v, &record); err != nil {
				return err
			}
			if record.Day == day {
				records = append(records, record)
			}
			return nil
		})
	})
	sort.SliceStable(records, func(i, j int) bool { return records[i].StartTime.Before(records[j].StartTime) })
	return records, err
}

// InsertHourly 在同一事务内检查并写入锚点
func (s *BoltStore) InsertHourly(ctx context.Context, row *models.HourlyDistributionRow) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(HourlyBucket))
		key := models.HourKey(row.Day, row.Hour)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		inserted = true
		return putJSON(b, key, row)
	})
	return inserted, err
}

// GetHourly 读取锚点
func (s *BoltStore) GetHourly(ctx context.Context, day, hour int) (*models.HourlyDistributionRow, error) {
	var row models.HourlyDistributionRow
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket([]byte(HourlyBucket)), models.HourKey(day, hour), &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// AttachHourlyReceipts 转账成功后附加回执
func (s *BoltStore) AttachHourlyReceipts(ctx context.Context, day, hour int, receipts []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(HourlyBucket))
		key := models.HourKey(day, hour)
		var row models.HourlyDistributionRow
		if err := getJSON(b, key, &row); err != nil {
			return err
		}
		row.Receipts = append(row.Receipts, receipts...)
		return putJSON(b, key, &row)
	})
}

// ListHourly 返回某天的全部锚点
func (s *BoltStore) ListHourly(ctx context.Context, day int) ([]models.HourlyDistributionRow, error) {
	rows := make([]models.HourlyDistributionRow, 0)
	prefix := []byte(models.DayKey(day) + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(HourlyBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row models.HourlyDistributionRow
			if err := decodeJSON(v, &row); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

func hasPrefix(k, prefix []byte) bool {
	return bytes.HasPrefix(k, prefix)
}
