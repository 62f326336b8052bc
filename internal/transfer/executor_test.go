package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/ethledger"
	"giftdrop/pkg/models"
)

const token = "0x00000000000000000000000000000000000000aa"

var (
	walletA = "0x000000000000000000000000000000000000000A"
	walletB = "0x000000000000000000000000000000000000000B"
	walletC = "0x000000000000000000000000000000000000000C"
	fixedAt = time.Date(2026, 12, 2, 0, 5, 0, 0, time.UTC)
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (c *capturePublisher) Publish(_ context.Context, e *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func newTestExecutor(t *testing.T, cfg Config, opts ...Option) *Executor {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if cfg.OutboxDir == "" {
		cfg.OutboxDir = filepath.Join(t.TempDir(), "outbox")
	}
	if cfg.Token == "" {
		cfg.Token = token
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedAt })}, opts...)
	e, err := NewExecutor(cfg, logger, opts...)
	require.NoError(t, err)
	return e
}

func TestBuildBatches_ChunksAndDropsZero(t *testing.T) {
	e := newTestExecutor(t, Config{MaxPerBatch: 2})
	batches, err := e.BuildBatches(context.Background(), "day-01-top_volume", []models.Winner{
		{Wallet: walletA, Amount: 10, Reason: "rank 1"},
		{Wallet: walletB, Amount: 0},
		{Wallet: walletC, Amount: 20},
		{Wallet: walletB, Amount: 5},
	})
	require.NoError(t, err)
	require.Len(t, batches, 2)

	assert.Equal(t, "day-01-top_volume-001", batches[0].BatchID)
	assert.Equal(t, uint64(30), batches[0].Total)
	assert.Equal(t, "rank 1", batches[0].Transfers[0].Memo)
	assert.Equal(t, "day-01-top_volume-002", batches[1].BatchID)
	assert.Equal(t, []models.Transfer{{To: walletB, Amount: 5}}, batches[1].Transfers)
	assert.Equal(t, token, batches[1].Token)
	assert.Equal(t, fixedAt, batches[1].CreatedAt)
}

func TestBuildBatches_Empty(t *testing.T) {
	e := newTestExecutor(t, Config{})
	batches, err := e.BuildBatches(context.Background(), "day-02", []models.Winner{{Wallet: walletA}})
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestBuildBatches_Overflow(t *testing.T) {
	e := newTestExecutor(t, Config{})
	_, err := e.BuildBatches(context.Background(), "x", []models.Winner{
		{Wallet: walletA, Amount: ^uint64(0)},
		{Wallet: walletB, Amount: 1},
	})
	assert.True(t, errors.Is(err, gifterrors.ErrAmountOverflow))
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()
	e := newTestExecutor(t, Config{Budget: 100})
	batches, err := e.BuildBatches(ctx, "day-03", []models.Winner{{Wallet: walletA, Amount: 60}, {Wallet: walletB, Amount: 40}})
	require.NoError(t, err)

	ok, err := e.Simulate(ctx, batches)
	require.NoError(t, err)
	assert.True(t, ok)

	over, err := e.BuildBatches(ctx, "day-03", []models.Winner{{Wallet: walletA, Amount: 101}})
	require.NoError(t, err)
	ok, err = e.Simulate(ctx, over)
	require.NoError(t, err)
	assert.False(t, ok)

	bad := []models.TransferBatch{{BatchID: "b", Token: token, Transfers: []models.Transfer{{To: "not-an-address", Amount: 1}}, Total: 1}}
	_, err = e.Simulate(ctx, bad)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	mismatch := []models.TransferBatch{{BatchID: "b", Token: token, Transfers: []models.Transfer{{To: walletA, Amount: 1}}, Total: 2}}
	_, err = e.Simulate(ctx, mismatch)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	otherToken := []models.TransferBatch{{BatchID: "b", Token: walletC, Transfers: []models.Transfer{{To: walletA, Amount: 1}}, Total: 1}}
	_, err = e.Simulate(ctx, otherToken)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))
}

func TestSubmit_WritesProposalWithCalldata(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	e := newTestExecutor(t, Config{}, WithPublisher(pub))
	batches, err := e.BuildBatches(ctx, "hour-01-03", []models.Winner{{Wallet: walletA, Amount: 500}})
	require.NoError(t, err)

	receipts, err := e.Submit(ctx, batches)
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	proposal, err := e.Proposal("hour-01-03-001")
	require.NoError(t, err)
	assert.Equal(t, receipts[0], proposal.ReceiptID)
	assert.Equal(t, StatusPendingApproval, proposal.Status)
	require.Len(t, proposal.Calls, 1)
	assert.Equal(t, "0", proposal.Calls[0].Value)
	assert.Equal(t, uint64(500), proposal.Calls[0].Amount)

	data, err := hexutil.Decode(proposal.Calls[0].Data)
	require.NoError(t, err)
	to, amount, err := ethledger.UnpackTransfer(data)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(walletA), to)
	assert.Equal(t, uint64(500), amount)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.EventTransferProposed, pub.events[0].Type)
	assert.Equal(t, receipts, pub.events[0].Receipts)

	entries, err := os.ReadDir(e.cfg.OutboxDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "不应残留临时文件")
}

func TestSubmit_IdempotentPerBatch(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	e := newTestExecutor(t, Config{}, WithPublisher(pub))
	batches, err := e.BuildBatches(ctx, "day-04-single_recipient", []models.Winner{{Wallet: walletB, Amount: 7}})
	require.NoError(t, err)

	first, err := e.Submit(ctx, batches)
	require.NoError(t, err)

	e.now = func() time.Time { return fixedAt.Add(time.Hour) }
	rebuilt, err := e.BuildBatches(ctx, "day-04-single_recipient", []models.Winner{{Wallet: walletB, Amount: 7}})
	require.NoError(t, err)
	second, err := e.Submit(ctx, rebuilt)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, pub.events, 1)

	changed, err := e.BuildBatches(ctx, "day-04-single_recipient", []models.Winner{{Wallet: walletB, Amount: 8}})
	require.NoError(t, err)
	_, err = e.Submit(ctx, changed)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindIntegrity))
}

func TestSubmit_PublishFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	e := newTestExecutor(t, Config{}, WithPublisher(&capturePublisher{err: errors.New("broker down")}))
	batches, err := e.BuildBatches(ctx, "day-05", []models.Winner{{Wallet: walletA, Amount: 1}})
	require.NoError(t, err)

	receipts, err := e.Submit(ctx, batches)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestNewExecutor_RejectsBadToken(t *testing.T) {
	_, err := NewExecutor(Config{Token: "0x1", OutboxDir: t.TempDir()}, logrus.New())
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))
}

