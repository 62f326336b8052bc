package execlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

func newLedger(t *testing.T, opts ...Option) (*Ledger, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "execlog.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLedger(s, logger, opts...), hook
}

func TestLedger_Lifecycle(t *testing.T) {
	now := time.Date(2026, 12, 3, 0, 15, 0, 0, time.UTC)
	ledger, hook := newLedger(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	id, err := ledger.StartExecution(ctx, 3, models.VariantMostActive, map[string]any{"force": false})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	ledger.LogStep(ctx, id, "engine", "计算完成", map[string]any{"winners": 1}, models.LevelInfo)
	ledger.LogStep(ctx, id, "simulate", "模拟失败", nil, models.LevelWarn)
	require.NoError(t, ledger.Complete(ctx, id, "completed", map[string]any{"total": 10}))

	record, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, record.Day)
	assert.Equal(t, now, record.StartTime)
	assert.Equal(t, "completed", record.Status)
	require.Len(t, record.StepLog, 2)
	assert.Equal(t, "engine", record.StepLog[0].Step)
	assert.Equal(t, models.LevelWarn, record.StepLog[1].Level)

	// 步骤同时镜像到日志
	var stepEntries int
	for _, e := range hook.AllEntries() {
		if e.Data["execution_id"] == id && e.Data["step"] != nil {
			stepEntries++
		}
	}
	assert.Equal(t, 2, stepEntries)

	list, err := ledger.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLedger_HourExecution(t *testing.T) {
	ledger, _ := newLedger(t, WithIDGenerator(func() string { return "fixed-id" }))
	ctx := context.Background()

	id, err := ledger.StartHourExecution(ctx, 2, 13, models.VariantTopVolume, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)

	record, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, record.Hour)
	assert.Equal(t, 13, *record.Hour)

	// 重复ID写入失败但仍返回ID
	again, err := ledger.StartHourExecution(ctx, 2, 14, models.VariantTopVolume, nil)
	assert.Error(t, err)
	assert.Equal(t, "fixed-id", again)
}

func TestLedger_StepFailureDoesNotPanic(t *testing.T) {
	ledger, hook := newLedger(t)
	ledger.LogStep(context.Background(), "unknown", "x", "y", nil, models.LevelDebug)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	err, _ := last.Data[logrus.ErrorKey].(error)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
