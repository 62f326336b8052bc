package commitment

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gifterrors "giftdrop/internal/errors"
	"giftdrop/pkg/models"
)

func sampleEntries() []models.GiftEntry {
	variants := models.Variants()
	entries := make([]models.GiftEntry, models.AdventDays)
	for i := range entries {
		entries[i] = models.GiftEntry{
			Day:     i + 1,
			Variant: variants[i%len(variants)],
			Params: map[string]any{
				"allocationPercent": 10 + i,
				"winnerCount":       3,
			},
		}
	}
	return entries
}

func sampleSalts(n int) []string {
	salts := make([]string, n)
	for i := range salts {
		salts[i] = HashHex(string(rune('a' + i)))[:32]
	}
	return salts
}

func TestMarshalCanonical_Golden(t *testing.T) {
	entry := map[string]any{
		"variant": "proportional_balance",
		"params": map[string]any{
			"note":                 "<a&b> cafe\u0301\n",
			"minBalanceComparison": "gt",
			"minBalance":           100,
			"allocationPercent":    40,
		},
		"day": 1,
	}
	got, err := MarshalCanonical(entry)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "canonical_entry", got)
}

func TestMarshalCanonical_KeyOrderIndependent(t *testing.T) {
	a, err := MarshalCanonical(map[string]any{"b": 1, "a": []any{"x", true}})
	require.NoError(t, err)
	b, err := MarshalCanonical(map[string]any{"a": []any{"x", true}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":["x",true],"b":1}`, string(a))
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"f": float64(4000000000),
		"n": json.Number("18446744073709551615"),
		"u": uint64(7),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"f":4000000000,"n":18446744073709551615,"u":7}`, string(got))

	_, err = MarshalCanonical(map[string]any{"f": 1.5})
	assert.Error(t, err)
	_, err = MarshalCanonical(map[string]any{"n": json.Number("1.5")})
	assert.Error(t, err)
	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)
	_, err = MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestMarshalCanonical_ControlChars(t *testing.T) {
	got, err := MarshalCanonical("a\"b\\c\u0001 ")
	require.NoError(t, err)
	assert.Equal(t, "\"a\\\"b\\\\c\\u0001 \"", string(got))
}

func TestLeafHash_KnownValue(t *testing.T) {
	leaf, err := LeafHash(models.GiftEntry{
		Day:     1,
		Variant: models.VariantSingleRecipient,
		Params:  map[string]any{"recipient": "0xabc", "allocationPercent": 100},
	}, "s1")
	require.NoError(t, err)
	assert.Equal(t, "56d480c5301d6d7dac7e9e01fa816f444111e35a5544dad4876257a878aad552", leaf)
}

func TestBuildFromLeaves_OddLevelDuplicatesLast(t *testing.T) {
	tree := BuildFromLeaves([]string{HashHex("a"), HashHex("b"), HashHex("c")})
	assert.Equal(t, "0bdf27bf7ec894ca7cadfe491ec1a3ece840f117989e8c5e9bd7086467bf6c38", tree.Root)
	assert.Len(t, tree.Levels, 3)

	proof, err := tree.Proof(2)
	require.NoError(t, err)
	assert.Equal(t, HashHex("c"), proof[0])
	assert.True(t, Verify(HashHex("c"), proof, tree.Root, 2))
}

func TestCommitmentBinding(t *testing.T) {
	entries := sampleEntries()
	salts := sampleSalts(len(entries))
	tree, err := Build(entries, salts)
	require.NoError(t, err)
	require.Len(t, tree.Leaves, models.AdventDays)

	for i := range entries {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.True(t, Verify(tree.Leaves[i], proof, tree.Root, i), "index %d", i)
		assert.False(t, Verify(tree.Leaves[i], proof, tree.Root, (i+1)%len(entries)), "wrong index %d", i)
	}

	// 修改任意字段都会改变叶子并使校验失败
	mutated := entries[5]
	mutated.Params = map[string]any{"allocationPercent": 99, "winnerCount": 3}
	leaf, err := LeafHash(mutated, salts[5])
	require.NoError(t, err)
	assert.NotEqual(t, tree.Leaves[5], leaf)
	proof, _ := tree.Proof(5)
	assert.False(t, Verify(leaf, proof, tree.Root, 5))

	leaf, err = LeafHash(entries[5], salts[5]+"x")
	require.NoError(t, err)
	assert.False(t, Verify(leaf, proof, tree.Root, 5))
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	_, err = Build(sampleEntries(), []string{"x"})
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	tree := BuildFromLeaves([]string{"a"})
	assert.Equal(t, "a", tree.Root)
	_, err = tree.Proof(1)
	assert.Error(t, err)
}

func TestCommitRevealRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC)

	public, private, err := Commit(sampleEntries(), nil, now)
	require.NoError(t, err)
	assert.Equal(t, HashAlgorithm, public.HashAlgorithm)
	assert.Equal(t, models.AdventDays, public.NumEntries)
	assert.Equal(t, public.Root, private.Root)
	assert.Len(t, private.Salts[0], saltBytes*2)

	publicPath := filepath.Join(dir, "public.json")
	privatePath := filepath.Join(dir, "private.json")
	require.NoError(t, WriteJSON(publicPath, public))
	require.NoError(t, WriteJSON(privatePath, private))

	loadedPublic, err := LoadPublic(publicPath)
	require.NoError(t, err)
	loadedPrivate, err := LoadPrivate(privatePath)
	require.NoError(t, err)

	for _, day := range []int{1, 7, 24} {
		reveal, err := loadedPrivate.Reveal(day)
		require.NoError(t, err)

		revealPath := filepath.Join(dir, "reveal.json")
		require.NoError(t, WriteJSON(revealPath, reveal))
		loadedReveal, err := LoadReveal(revealPath)
		require.NoError(t, err)

		assert.NoError(t, VerifyAgainstPublic(loadedReveal, loadedPublic), "day %d", day)

		spec := loadedReveal.Specification()
		assert.Equal(t, day, spec.Day)
		assert.NoError(t, VerifySpecification(spec, loadedPublic.Root))
	}

	_, err = loadedPrivate.Reveal(25)
	assert.ErrorIs(t, err, gifterrors.ErrSpecNotFound)
}

func TestVerifyReveal_Tampered(t *testing.T) {
	public, private, err := Commit(sampleEntries(), sampleSalts(models.AdventDays), time.Now())
	require.NoError(t, err)
	reveal, err := private.Reveal(3)
	require.NoError(t, err)

	tampered := *reveal
	tampered.Entry.Params = map[string]any{"allocationPercent": 100}
	err = VerifyReveal(&tampered, public.Root)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindIntegrity))

	otherRoot := *reveal
	otherRoot.Root = HashHex("other")
	err = VerifyReveal(&otherRoot, public.Root)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindIntegrity))

	wrongDay := *reveal
	wrongDay.Day = 4
	err = VerifyReveal(&wrongDay, public.Root)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))

	public.HashAlgorithm = "keccak256"
	err = VerifyAgainstPublic(reveal, public)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindValidation))
}

func TestPrivateArtifact_TamperedRoot(t *testing.T) {
	_, private, err := Commit(sampleEntries(), sampleSalts(models.AdventDays), time.Now())
	require.NoError(t, err)
	private.Root = HashHex("forged")
	_, err = private.Reveal(1)
	assert.True(t, gifterrors.IsKind(err, gifterrors.KindIntegrity))
}

func TestValidateEntries(t *testing.T) {
	entries := sampleEntries()
	assert.NoError(t, ValidateEntries(entries))

	assert.Error(t, ValidateEntries(entries[:23]))

	dup := sampleEntries()
	dup[1].Day = 1
	assert.Error(t, ValidateEntries(dup))

	unknown := sampleEntries()
	unknown[4].Variant = "lottery"
	err := ValidateEntries(unknown)
	assert.ErrorIs(t, err, gifterrors.ErrUnknownVariant)
}
