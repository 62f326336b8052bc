package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_IssueAndVerify(t *testing.T) {
	auth := NewAuth("secret", "giftdrop")

	token, err := auth.Issue("ops", time.Hour)
	require.NoError(t, err)

	subject, err := auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
}

func TestAuth_Rejects(t *testing.T) {
	base := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	at := func(secret, issuer string) *Auth {
		a := NewAuth(secret, issuer)
		a.now = func() time.Time { return base }
		return a
	}
	auth := at("secret", "giftdrop")

	expired, err := auth.Issue("ops", time.Minute)
	require.NoError(t, err)
	other, err := at("other", "giftdrop").Issue("ops", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := at("secret", "someone").Issue("ops", time.Hour)
	require.NoError(t, err)
	noSubject, err := auth.Issue("", time.Hour)
	require.NoError(t, err)

	auth.now = func() time.Time { return base.Add(2 * time.Minute) }

	for name, token := range map[string]string{
		"expired":      expired,
		"wrong-secret": other,
		"wrong-issuer": wrongIssuer,
		"no-subject":   noSubject,
		"malformed":    "not-a-token",
	} {
		_, err := auth.Verify(token)
		assert.Error(t, err, name)
	}
}

func TestAuth_Disabled(t *testing.T) {
	auth := NewAuth("", "giftdrop")

	assert.False(t, auth.Enabled())
	_, err := auth.Issue("ops", time.Hour)
	assert.Error(t, err)

	var nilAuth *Auth
	assert.False(t, nilAuth.Enabled())
}
