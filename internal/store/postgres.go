package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"giftdrop/internal/commitment"
	"giftdrop/pkg/models"
)

// schema 幂等建表；(day)与(day, hour)唯一约束是互斥的唯一保证
var schema = []string{
	`CREATE TABLE IF NOT EXISTS gift_commitment (
		id INT PRIMARY KEY CHECK (id = 1),
		root TEXT NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gift_specs (
		day INT PRIMARY KEY,
		leaf TEXT NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_snapshots (
		day INT PRIMARY KEY,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS execution_status (
		day INT PRIMARY KEY,
		version INT NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS execution_status_history (
		day INT NOT NULL,
		version INT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (day, version)
	)`,
	`CREATE TABLE IF NOT EXISTS execution_records (
		execution_id TEXT PRIMARY KEY,
		day INT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS execution_steps (
		execution_id TEXT NOT NULL REFERENCES execution_records(execution_id),
		seq INT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (execution_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS hourly_distributions (
		day INT NOT NULL,
		hour INT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (day, hour)
	)`,
}

// PostgresStore 基于PostgreSQL的仓库
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewPostgresStore 连接数据库并建表
func NewPostgresStore(dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}
	s := &PostgresStore{db: db, logger: logger, now: time.Now}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("初始化数据库表失败: %w", err)
		}
	}
	logger.Info("PostgreSQL存储已初始化")
	return s, nil
}

// Close 关闭连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanJSON(row *sql.Row, v any) error {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return decodeJSON(payload, v)
}

// SaveCommitment 保存公开承诺；根一经写入不可更改
func (s *PostgresStore) SaveCommitment(ctx context.Context, public *commitment.PublicCommitment) error {
	payload, err := json.Marshal(public)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO gift_commitment (id, root, payload) VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING`,
		public.Root, payload); err != nil {
		return fmt.Errorf("保存承诺失败: %w", err)
	}
	existing, err := s.GetCommitment(ctx)
	if err != nil {
		return err
	}
	if existing.Root != public.Root {
		return fmt.Errorf("承诺根已固定为%s，拒绝写入%s", existing.Root, public.Root)
	}
	return nil
}

// GetCommitment 读取公开承诺
func (s *PostgresStore) GetCommitment(ctx context.Context) (*commitment.PublicCommitment, error) {
	var public commitment.PublicCommitment
	if err := scanJSON(s.db.QueryRowContext(ctx, `SELECT payload FROM gift_commitment WHERE id = 1`), &public); err != nil {
		return nil, err
	}
	return &public, nil
}

// SaveSpec 保存规则；同一天已存在且叶子不同则拒绝
func (s *PostgresStore) SaveSpec(ctx context.Context, spec *models.GiftSpecification) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO gift_specs (day, leaf, payload) VALUES ($1, $2, $3) ON CONFLICT (day) DO NOTHING`,
		spec.Day, spec.Leaf, payload); err != nil {
		return fmt.Errorf("保存规则失败: %w", err)
	}
	var leaf string
	if err := s.db.QueryRowContext(ctx, `SELECT leaf FROM gift_specs WHERE day = $1`, spec.Day).Scan(&leaf); err != nil {
		return err
	}
	if leaf != spec.Leaf {
		return fmt.Errorf("第%d天规则已存在且叶子不同", spec.Day)
	}
	return nil
}

// GetSpec 读取规则
func (s *PostgresStore) GetSpec(ctx context.Context, day int) (*models.GiftSpecification, error) {
	var spec models.GiftSpecification
	if err := scanJSON(s.db.QueryRowContext(ctx, `SELECT payload FROM gift_specs WHERE day = $1`, day), &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// SaveSnapshot 快照一次写入
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot *models.LedgerSnapshot) (*models.LedgerSnapshot, bool, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_snapshots (day, payload, created_at) VALUES ($1, $2, $3) ON CONFLICT (day) DO NOTHING`,
		snapshot.Day, payload, snapshot.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("保存快照失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 1 {
		return snapshot, true, nil
	}
	stored, err := s.GetSnapshot(ctx, snapshot.Day)
	return stored, false, err
}

// GetSnapshot 读取快照
func (s *PostgresStore) GetSnapshot(ctx context.Context, day int) (*models.LedgerSnapshot, error) {
	var snapshot models.LedgerSnapshot
	if err := scanJSON(s.db.QueryRowContext(ctx, `SELECT payload FROM ledger_snapshots WHERE day = $1`, day), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetStatus 读取当前状态
func (s *PostgresStore) GetStatus(ctx context.Context, day int) (*models.ExecutionStatus, error) {
	var status models.ExecutionStatus
	if err := scanJSON(s.db.QueryRowContext(ctx, `SELECT payload FROM execution_status WHERE day = $1`, day), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PutStatus 行锁内比较版本，写入当前状态并追加历史
func (s *PostgresStore) PutStatus(ctx context.Context, status *models.ExecutionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current *models.ExecutionStatus
	var version int
	err = tx.QueryRowContext(ctx, `SELECT version FROM execution_status WHERE day = $1 FOR UPDATE`, status.Day).Scan(&version)
	switch {
	case err == nil:
		current = &models.ExecutionStatus{Day: status.Day, Version: version}
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	next, err := nextStatus(current, status, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if current == nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO execution_status (day, version, payload) VALUES ($1, $2, $3) ON CONFLICT (day) DO NOTHING`,
			next.Day, next.Version, payload)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrVersionConflict.Clone(nil).WithDay(status.Day)
		}
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE execution_status SET version = $2, payload = $3 WHERE day = $1`,
		next.Day, next.Version, payload); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_status_history (day, version, payload) VALUES ($1, $2, $3)`,
		next.Day, next.Version, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	status.Version = next.Version
	status.UpdatedAt = next.UpdatedAt
	return nil
}

func queryPayloads[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var item T
		if err := decodeJSON(payload, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// StatusHistory 按版本顺序返回某天的全部状态
func (s *PostgresStore) StatusHistory(ctx context.Context, day int) ([]models.ExecutionStatus, error) {
	return queryPayloads[models.ExecutionStatus](ctx, s.db,
		`SELECT payload FROM execution_status_history WHERE day = $1 ORDER BY version`, day)
}

// ListStatuses 返回所有天的当前状态
func (s *PostgresStore) ListStatuses(ctx context.Context) ([]models.ExecutionStatus, error) {
	return queryPayloads[models.ExecutionStatus](ctx, s.db, `SELECT payload FROM execution_status ORDER BY day`)
}

// CreateExecution 创建执行记录
func (s *PostgresStore) CreateExecution(ctx context.Context, record *models.ExecutionRecord) error {
	stored := *record
	stored.StepLog = nil
	payload, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_records (execution_id, day, start_time, payload) VALUES ($1, $2, $3, $4)`,
		record.ExecutionID, record.Day, record.StartTime, payload)
	return err
}

// AppendStep 追加步骤，序号取当前最大值加一
func (s *PostgresStore) AppendStep(ctx context.Context, step *models.ExecutionStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_steps WHERE execution_id = $1`,
		step.ExecutionID).Scan(&seq); err != nil {
		return err
	}
	step.Seq = seq
	payload, err := json.Marshal(step)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_steps (execution_id, seq, payload) VALUES ($1, $2, $3)`,
		step.ExecutionID, seq, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteExecution 写入结束时间、状态和摘要
func (s *PostgresStore) CompleteExecution(ctx context.Context, id, status string, summary map[string]any, end time.Time) error {
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.EndTime != nil {
		return fmt.Errorf("执行记录已结束: %s", id)
	}
	end = end.UTC()
	record.EndTime = &end
	record.Status = status
	record.Summary = summary
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE execution_records SET payload = $2 WHERE execution_id = $1`, id, payload)
	return err
}

func (s *PostgresStore) getRecord(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord
	if err := scanJSON(s.db.QueryRowContext(ctx, `SELECT payload FROM execution_records WHERE execution_id = $1`, id), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetExecution 读取执行记录及其步骤
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	record, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := queryPayloads[models.ExecutionStep](ctx, s.db,
		`SELECT payload FROM execution_steps WHERE execution_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	record.StepLog = steps
	return record, nil
}

// ListExecutions 按开始时间返回某天的执行记录
func (s *PostgresStore) ListExecutions(ctx context.Context, day int) ([]models.ExecutionRecord, error) {
	return queryPayloads[models.ExecutionRecord](ctx, s.db,
		`SELECT payload FROM execution_records WHERE day = $1 ORDER BY start_time`, day)
}

// InsertHourly ON CONFLICT DO NOTHING 条件插入
func (s *PostgresStore) InsertHourly(ctx context.Context, row *models.HourlyDistributionRow) (bool, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO hourly_distributions (day, hour, payload) VALUES ($1, $2, $3) ON CONFLICT (day, hour) DO NOTHING`,
		row.Day, row.Hour, payload)
	if err != nil {
		return false, fmt.Errorf("写入小时锚点失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetHourly 读取锚点
func (s *PostgresStore) GetHourly(ctx context.Context, day, hour int) (*models.HourlyDistributionRow, error) {
	var row models.HourlyDistributionRow
	if err := scanJSON(s.db.QueryRowContext(ctx,
		`SELECT payload FROM hourly_distributions WHERE day = $1 AND hour = $2`, day, hour), &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// AttachHourlyReceipts 转账成功后附加回执
func (s *PostgresStore) AttachHourlyReceipts(ctx context.Context, day, hour int, receipts []string) error {
	row, err := s.GetHourly(ctx, day, hour)
	if err != nil {
		return err
	}
	row.Receipts = append(row.Receipts, receipts...)
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE hourly_distributions SET payload = $3 WHERE day = $1 AND hour = $2`, day, hour, payload)
	return err
}

// ListHourly 返回某天的全部锚点
func (s *PostgresStore) ListHourly(ctx context.Context, day int) ([]models.HourlyDistributionRow, error) {
	return queryPayloads[models.HourlyDistributionRow](ctx, s.db,
		`SELECT payload FROM hourly_distributions WHERE day = $1 ORDER BY hour`, day)
}

var (
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*BoltStore)(nil)
)
