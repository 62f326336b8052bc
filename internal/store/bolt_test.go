package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftdrop/internal/commitment"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql"}, logrus.New())
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))
}

func TestCommitmentWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCommitment(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	public := &commitment.PublicCommitment{Root: "abc", HashAlgorithm: "sha256", NumEntries: 24}
	require.NoError(t, s.SaveCommitment(ctx, public))
	require.NoError(t, s.SaveCommitment(ctx, public))
	assert.Error(t, s.SaveCommitment(ctx, &commitment.PublicCommitment{Root: "def"}))

	got, err := s.GetCommitment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Root)
}

func TestSpecRoundTripKeepsLargeNumbers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spec := &models.GiftSpecification{
		Day:     3,
		Variant: models.VariantProportionalBalance,
		Params:  map[string]any{"minBalance": uint64(18_000_000_000_000_000_001)},
		Leaf:    "leaf3",
	}
	require.NoError(t, s.SaveSpec(ctx, spec))
	require.NoError(t, s.SaveSpec(ctx, spec))
	assert.Error(t, s.SaveSpec(ctx, &models.GiftSpecification{Day: 3, Leaf: "other"}))

	got, err := s.GetSpec(ctx, 3)
	require.NoError(t, err)
	canonical, err := commitment.MarshalCanonical(got.Params)
	require.NoError(t, err)
	assert.Equal(t, `{"minBalance":18000000000000000001}`, string(canonical))

	_, err = s.GetSpec(ctx, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.LedgerSnapshot{Day: 1, HolderBalances: []models.HolderBalance{{Wallet: "A", Balance: 1}}}
	stored, created, err := s.SaveSnapshot(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "A", stored.HolderBalances[0].Wallet)

	second := &models.LedgerSnapshot{Day: 1, HolderBalances: []models.HolderBalance{{Wallet: "B", Balance: 2}}}
	stored, created, err = s.SaveSnapshot(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "A", stored.HolderBalances[0].Wallet)
}

func TestStatusVersioningAndHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	status := &models.ExecutionStatus{Day: 2, State: models.StatePending}
	require.NoError(t, s.PutStatus(ctx, status))
	assert.Equal(t, 1, status.Version)

	status.State = models.StateRunning
	status.Attempts = 1
	require.NoError(t, s.PutStatus(ctx, status))
	assert.Equal(t, 2, status.Version)

	// 过期版本被拒绝
	stale := &models.ExecutionStatus{Day: 2, State: models.StateRunning, Version: 1}
	err := s.PutStatus(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindIdempotencyConflict))

	current, err := s.GetStatus(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, current.State)
	assert.Equal(t, 2, current.Version)

	history, err := s.StatusHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.StatePending, history[0].State)
	assert.Equal(t, models.StateRunning, history[1].State)

	require.NoError(t, s.PutStatus(ctx, &models.ExecutionStatus{Day: 12, State: models.StatePending}))
	all, err := s.ListStatuses(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	empty, err := s.StatusHistory(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestExecutionRecordAndSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 12, 2, 0, 10, 0, 0, time.UTC)

	record := &models.ExecutionRecord{ExecutionID: "exec-1", Day: 2, Variant: models.VariantTopVolume, StartTime: start, Status: "running"}
	require.NoError(t, s.CreateExecution(ctx, record))
	assert.Error(t, s.CreateExecution(ctx, record))

	for _, name := range []string{"phase1.start", "phase1.done"} {
		step := &models.ExecutionStep{ExecutionID: "exec-1", Step: name, Level: models.LevelInfo, Timestamp: start}
		require.NoError(t, s.AppendStep(ctx, step))
	}
	err := s.AppendStep(ctx, &models.ExecutionStep{ExecutionID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.CompleteExecution(ctx, "exec-1", "completed", map[string]any{"winners": 3}, start.Add(time.Minute)))
	assert.Error(t, s.CompleteExecution(ctx, "exec-1", "failed", nil, start))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.EndTime)
	require.Len(t, got.StepLog, 2)
	assert.Equal(t, 1, got.StepLog[0].Seq)
	assert.Equal(t, "phase1.done", got.StepLog[1].Step)

	list, err := s.ListExecutions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestHourlyConditionalInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, err := s.InsertHourly(ctx, &models.HourlyDistributionRow{Day: 4, Hour: 7, Wallet: "W", Amount: uint64(i)})
			assert.NoError(t, err)
			results[i] = inserted
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range results {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count)

	require.NoError(t, s.AttachHourlyReceipts(ctx, 4, 7, []string{"r1"}))
	row, err := s.GetHourly(ctx, 4, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, row.Receipts)

	_, err = s.GetHourly(ctx, 4, 8)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, s.AttachHourlyReceipts(ctx, 4, 8, nil), ErrNotFound)

	_, err = s.InsertHourly(ctx, &models.HourlyDistributionRow{Day: 4, Hour: 9})
	require.NoError(t, err)
	_, err = s.InsertHourly(ctx, &models.HourlyDistributionRow{Day: 5, Hour: 0})
	require.NoError(t, err)
	rows, err := s.ListHourly(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
