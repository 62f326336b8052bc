package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftdrop/internal/commitment"
	gifterrors "giftdrop/internal/errors"
	"giftdrop/internal/store"
	"giftdrop/pkg/models"
)

func commitFixture() []models.GiftEntry {
	entries := make([]models.GiftEntry, models.AdventDays)
	for i := range entries {
		entries[i] = models.GiftEntry{
			Day:     i + 1,
			Variant: models.VariantSingleRecipient,
			Params:  map[string]any{"recipient": "0xCAFE", "allocationPercent": 10},
		}
	}
	return entries
}

func newCommitStore(t *testing.T) *store.BoltStore {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "commit.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommitEntries_StoresRootAndWritesArtifacts(t *testing.T) {
	ctx := context.Background()
	repo := newCommitStore(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.json")
	publicPath := filepath.Join(dir, "public.json")

	public, err := commitEntries(ctx, repo, commitFixture(), privatePath, publicPath, false, time.Unix(0, 0).UTC())
	require.NoError(t, err)

	stored, err := repo.GetCommitment(ctx)
	require.NoError(t, err)
	assert.Equal(t, public.Root, stored.Root)

	private, err := commitment.LoadPrivate(privatePath)
	require.NoError(t, err)
	reveal, err := private.Reveal(5)
	require.NoError(t, err)
	assert.NoError(t, commitment.VerifyReveal(reveal, stored.Root))

	onDisk, err := commitment.LoadPublic(publicPath)
	require.NoError(t, err)
	assert.Equal(t, public.Root, onDisk.Root)
	assert.NoFileExists(t, privatePath+".pending")
}

func TestCommitEntries_PublishedRootKeepsSalts(t *testing.T) {
	ctx := context.Background()
	repo := newCommitStore(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.json")
	publicPath := filepath.Join(dir, "public.json")

	first, err := commitEntries(ctx, repo, commitFixture(), privatePath, publicPath, false, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	before, err := os.ReadFile(privatePath)
	require.NoError(t, err)

	_, err = commitEntries(ctx, repo, commitFixture(), privatePath, publicPath, true, time.Unix(60, 0).UTC())
	require.Error(t, err)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	after, err := os.ReadFile(privatePath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, privatePath+".pending")

	// 已发布根对应的盐仍能完成揭示
	private, err := commitment.LoadPrivate(privatePath)
	require.NoError(t, err)
	reveal, err := private.Reveal(12)
	require.NoError(t, err)
	assert.NoError(t, commitment.VerifyReveal(reveal, first.Root))
}

func TestCommitEntries_ExistingPrivateNeedsOverwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.json")
	publicPath := filepath.Join(dir, "public.json")
	require.NoError(t, os.WriteFile(privatePath, []byte("{}\n"), 0o600))

	_, err := commitEntries(ctx, newCommitStore(t), commitFixture(), privatePath, publicPath, false, time.Unix(0, 0).UTC())
	require.Error(t, err)
	data, err := os.ReadFile(privatePath)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	public, err := commitEntries(ctx, newCommitStore(t), commitFixture(), privatePath, publicPath, true, time.Unix(0, 0).UTC())
	require.NoError(t, err)
	assert.NotEmpty(t, public.Root)
}
