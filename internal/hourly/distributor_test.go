package hourly

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftdrop/internal/calendar"
	"giftdrop/internal/commitment"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/execlog"
	"giftdrop/internal/gift"
	"giftdrop/internal/randomness"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

var eventStart = time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu           sync.Mutex
	txs          []models.LedgerTransfer
	entropy      string
	txCalls      int
	entropyCalls int
}

func (f *fakeLedger) FetchHourTransactions(_ context.Context, day, hour int) ([]models.LedgerTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	return f.txs, nil
}

func (f *fakeLedger) FetchHourEntropy(_ context.Context, day, hour int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entropyCalls++
	return f.entropy, nil
}

type fakeTransfers struct {
	mu          sync.Mutex
	submitErr   error
	submissions int
	transfers   []models.Transfer
}

func (f *fakeTransfers) BuildBatches(_ context.Context, label string, winners []models.Winner) ([]models.TransferBatch, error) {
	batch := models.TransferBatch{BatchID: label, Label: label}
	for _, w := range winners {
		batch.Transfers = append(batch.Transfers, models.Transfer{To: w.Wallet, Amount: w.Amount})
		batch.Total += w.Amount
	}
	return []models.TransferBatch{batch}, nil
}

func (f *fakeTransfers) Submit(_ context.Context, batches []models.TransferBatch) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	receipts := make([]string, 0, len(batches))
	for _, b := range batches {
		f.transfers = append(f.transfers, b.Transfers...)
		receipts = append(receipts, "receipt-"+b.BatchID)
	}
	return receipts, nil
}

type harness struct {
	dist      *Distributor
	store     *store.BoltStore
	audit     *execlog.Ledger
	ledger    *fakeLedger
	transfers *fakeTransfers
}

func hourlyEntries() []models.GiftEntry {
	entries := make([]models.GiftEntry, models.AdventDays)
	for i := range entries {
		entries[i] = models.GiftEntry{
			Day:     i + 1,
			Variant: models.VariantSingleRecipient,
			Params: map[string]any{
				"recipient": "0xCAFE",
				"hourly":    map[string]any{"enabled": true, "amountPerWinner": 500},
			},
		}
	}
	entries[1].Params = map[string]any{"recipient": "0xCAFE"}
	entries[2].Params = map[string]any{
		"recipient": "0xCAFE",
		"hourly":    map[string]any{"enabled": true, "amountPerWinner": 0},
	}
	return entries
}

func newHarness(t *testing.T, exclusions ...string) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	bolt, err := store.NewBoltStore(filepath.Join(t.TempDir(), "hourly.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	ctx := context.Background()
	public, private, err := commitment.Commit(hourlyEntries(), nil, eventStart.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, bolt.SaveCommitment(ctx, public))
	for day := 1; day <= models.AdventDays; day++ {
		reveal, err := private.Reveal(day)
		require.NoError(t, err)
		require.NoError(t, bolt.SaveSpec(ctx, reveal.Specification()))
	}

	h := &harness{
		store: bolt,
		ledger: &fakeLedger{
			txs: []models.LedgerTransfer{
				{ID: "1", From: "0xPOOL", To: "0xDave", Amount: 10, Kind: models.TxKindCredit},
				{ID: "2", From: "0xAlice", To: "0xPOOL", Amount: 10, Kind: models.TxKindDebit},
				{ID: "3", From: "0xPOOL", To: "0xcarol", Amount: 10, Kind: models.TxKindCredit},
				{ID: "4", From: "0xPOOL", To: "0xdave", Amount: 10, Kind: models.TxKindCredit},
				{ID: "5", From: "0xPOOL", To: "0xBob", Amount: 10, Kind: models.TxKindCredit},
			},
			entropy: "9f2c4e",
		},
		transfers: &fakeTransfers{},
	}
	h.audit = execlog.NewLedger(bolt, logger)
	h.dist = New(Config{Enabled: true}, calendar.New(eventStart), bolt, h.ledger, h.transfers,
		gift.NewEngine(exclusions), h.audit, logger,
		WithClock(func() time.Time { return eventStart.Add(4 * time.Hour) }))
	return h
}

func TestExecuteHour_DistributesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.dist.ExecuteHour(ctx, 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDistributed, first.Outcome)
	require.NotNil(t, first.Row)
	assert.Equal(t, uint64(500), first.Row.Amount)
	assert.Equal(t, "9f2c4e", first.Row.BlockEntropy)
	assert.NotEmpty(t, first.Row.TraceID)
	assert.False(t, first.Row.Manual)

	second, err := h.dist.ExecuteHour(ctx, 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDistributed, second.Outcome)
	assert.Equal(t, first.Row.TraceID, second.Row.TraceID)

	assert.Equal(t, 1, h.transfers.submissions)
	rows, err := h.store.ListHourly(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"receipt-hour-01-03"}, rows[0].Receipts)

	records, err := h.audit.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, string(OutcomeDistributed), records[0].Status)
	require.NotNil(t, records[0].Hour)
	assert.Equal(t, 3, *records[0].Hour)
}

func TestExecuteHour_WinnerIsReproducible(t *testing.T) {
	h := newHarness(t, "0xBOB")

	result, err := h.dist.DryRunHour(context.Background(), 1, 3, nil)
	require.NoError(t, err)

	entrants := []string{"0xAlice", "0xcarol", "0xDave"}
	sort.Slice(entrants, func(i, j int) bool { return strings.ToLower(entrants[i]) < strings.ToLower(entrants[j]) })
	want := randomness.SelectFirst(entrants, 1, randomness.Seed("9f2c4e", SeedContext(1, 3)))[0]
	assert.Equal(t, want, result.Row.Wallet)
	assert.NotEqual(t, "0xBob", result.Row.Wallet)

	again, err := h.dist.DryRunHour(context.Background(), 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, result.Row.Wallet, again.Row.Wallet)
}

func TestParticipants_DedupesAndSorts(t *testing.T) {
	h := newHarness(t, "0xbob")
	got := h.dist.participants(h.ledger.txs)
	assert.Equal(t, []string{"0xAlice", "0xcarol", "0xDave"}, got)
}

func TestExecuteHour_Skips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	disabled, err := h.dist.ExecuteHour(ctx, 2, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, disabled.Outcome)
	assert.Equal(t, ReasonHourlyDisabled, disabled.Reason)

	zero, err := h.dist.ExecuteHour(ctx, 3, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonZeroAmount, zero.Reason)

	h.ledger.txs = nil
	empty, err := h.dist.ExecuteHour(ctx, 1, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, empty.Outcome)
	assert.Equal(t, ReasonNoParticipants, empty.Reason)

	rows, err := h.store.ListHourly(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, h.transfers.submissions)
	assert.Zero(t, h.ledger.entropyCalls)
}

func TestExecuteHour_AllEntrantsExcluded(t *testing.T) {
	h := newHarness(t, "0xalice", "0xcarol", "0xdave", "0xbob")
	result, err := h.dist.ExecuteHour(context.Background(), 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoParticipants, result.Reason)
}

func TestTick_ResolvesPreviousHour(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	none, err := h.dist.Tick(ctx, eventStart.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTarget, none.Outcome)

	result, err := h.dist.Tick(ctx, eventStart.Add(4*time.Hour+5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Day)
	assert.Equal(t, 3, result.Hour)
	assert.Equal(t, OutcomeDistributed, result.Outcome)
}

func TestExecuteHour_ManualOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.dist.ExecuteHour(ctx, 1, 7, []string{"0xOP1", " 0xOP2 "})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDistributed, result.Outcome)
	assert.True(t, result.Row.Manual)
	assert.Equal(t, "0xOP1", result.Row.Wallet)
	assert.Equal(t, []models.Winner{
		{Wallet: "0xOP1", Amount: 500, Reason: "manual override"},
		{Wallet: "0xOP2", Amount: 500, Reason: "manual override"},
	}, result.Row.Winners)
	assert.Zero(t, h.ledger.entropyCalls)
	assert.Len(t, h.transfers.transfers, 2)

	again, err := h.dist.ExecuteHour(ctx, 1, 7, []string{"0xOP3"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDistributed, again.Outcome)
	assert.Equal(t, 1, h.transfers.submissions)
}

func TestExecuteHour_OverrideDuplicatesPaidOnce(t *testing.T) {
	h := newHarness(t)

	result, err := h.dist.ExecuteHour(context.Background(), 1, 8, []string{"0xOP1", "0xop1", " 0xOP1 ", "0xOP2"})
	require.NoError(t, err)
	assert.Equal(t, []models.Winner{
		{Wallet: "0xOP1", Amount: 500, Reason: "manual override"},
		{Wallet: "0xOP2", Amount: 500, Reason: "manual override"},
	}, result.Row.Winners)
	assert.Len(t, h.transfers.transfers, 2)
}

func TestExecuteHour_OverrideRejectsExcludedWallet(t *testing.T) {
	h := newHarness(t, "0xop1")
	_, err := h.dist.ExecuteHour(context.Background(), 1, 7, []string{"0xOP1"})
	require.Error(t, err)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	_, err = h.store.GetHourly(context.Background(), 1, 7)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteHour_CrashAfterAnchorNeverPaysTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inserted, err := h.store.InsertHourly(ctx, &models.HourlyDistributionRow{
		Day: 1, Hour: 9, Wallet: "0xAlice", Amount: 500, TraceID: "crashed",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	result, err := h.dist.ExecuteHour(ctx, 1, 9, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDistributed, result.Outcome)
	assert.Equal(t, "crashed", result.Row.TraceID)
	assert.Zero(t, h.transfers.submissions)
}

func TestExecuteHour_TransferFailureKeepsAnchor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transfers.submitErr = errors.New("safe service unavailable")

	_, err := h.dist.ExecuteHour(ctx, 1, 10, nil)
	require.Error(t, err)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindPartialExecution))

	row, err := h.store.GetHourly(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, row.Receipts)

	h.transfers.submitErr = nil
	result, err := h.dist.ExecuteHour(ctx, 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyDistributed, result.Outcome)
	assert.Equal(t, 1, h.transfers.submissions)
}

func TestRunTick_ReportsPartialExecution(t *testing.T) {
	h := newHarness(t)
	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)
	handler := gifterrors.NewErrorHandler(quiet)
	WithErrorReporter(handler)(h.dist)
	h.transfers.submitErr = errors.New("safe service unavailable")

	h.dist.tickAndLog(context.Background(), eventStart.Add(4*time.Hour+5*time.Minute))

	stats := handler.GetStats()
	assert.Equal(t, 1, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByKind["PartialExecution"])
	assert.Equal(t, 1, stats.ErrorsByComponent["hourly"])
}

func TestDryRunHour_HasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.dist.DryRunHour(ctx, 1, 11, nil)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, OutcomeDistributed, result.Outcome)
	require.NotNil(t, result.Row)

	_, err = h.store.GetHourly(ctx, 1, 11)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.transfers.submissions)
	records, err := h.audit.List(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestExecuteHour_ConcurrentRunsPayOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 4)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.dist.ExecuteHour(ctx, 1, 12, nil)
			if assert.NoError(t, err) {
				outcomes[i] = result.Outcome
			}
		}(i)
	}
	wg.Wait()

	distributed := 0
	for _, o := range outcomes {
		if o == OutcomeDistributed {
			distributed++
		} else {
			assert.Equal(t, OutcomeAlreadyDistributed, o)
		}
	}
	assert.Equal(t, 1, distributed)
	assert.Equal(t, 1, h.transfers.submissions)
}

func TestExecuteHour_InvalidTarget(t *testing.T) {
	h := newHarness(t)
	_, err := h.dist.ExecuteHour(context.Background(), 1, 24, nil)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))
}
