package oauthstate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/store"
)

const secret = "state-secret-state-secret-state-secret"

func sample() models.OAuthState {
	return models.OAuthState{
		UserID:       "user-1",
		Provider:     models.ProviderGoogle,
		AccountLabel: "Work",
		CalendarID:   "primary",
		RedirectURL:  "https://app.example.com/connected?x=1&y=2",
	}
}

func TestIssueConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := New(secret, time.Minute, store.NewMemory().States)

	raw, err := c.Issue(ctx, sample())
	require.NoError(t, err)
	assert.NotContains(t, raw, "+")
	assert.NotContains(t, raw, "/")
	assert.NotContains(t, raw, "=")

	got, err := c.Consume(ctx, raw, models.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "Work", got.AccountLabel)
	assert.Equal(t, "primary", got.CalendarID)
	assert.Equal(t, "https://app.example.com/connected?x=1&y=2", got.RedirectURL)
	assert.NotEmpty(t, got.Nonce)
	assert.Equal(t, time.Minute, got.ExpiresAt.Sub(got.IssuedAt))
}

func TestConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	c := New(secret, time.Minute, store.NewMemory().States)
	raw, err := c.Issue(ctx, sample())
	require.NoError(t, err)

	_, err = c.Consume(ctx, raw, models.ProviderGoogle)
	require.NoError(t, err)

	_, err = c.Consume(ctx, raw, models.ProviderGoogle)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidState))
}

func TestDecodeRejects(t *testing.T) {
	ctx := context.Background()
	states := store.NewMemory().States
	c := New(secret, time.Minute, states)
	raw, err := c.Issue(ctx, sample())
	require.NoError(t, err)

	otherKey, err := New("a-completely-different-secret-value", time.Minute, states).Issue(ctx, sample())
	require.NoError(t, err)

	expiredCodec := New(secret, time.Minute, states)
	expiredCodec.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredCodec.Issue(ctx, sample())
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	swapped := parts[0] + "." + strings.Split(otherKey, ".")[1] + "." + parts[2]

	testCases := []struct {
		name     string
		raw      string
		provider models.Provider
	}{
		{name: "empty", raw: "", provider: models.ProviderGoogle},
		{name: "garbage", raw: "abc", provider: models.ProviderGoogle},
		{name: "tampered payload", raw: swapped, provider: models.ProviderGoogle},
		{name: "wrong key", raw: otherKey, provider: models.ProviderGoogle},
		{name: "expired", raw: expired, provider: models.ProviderGoogle},
		{name: "provider mismatch", raw: raw, provider: models.ProviderMicrosoft},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode(tc.raw, tc.provider)
			assert.True(t, apperrors.Is(err, apperrors.CodeInvalidState), "got %v", err)
		})
	}
}

func TestConsumeUnknownNonce(t *testing.T) {
	ctx := context.Background()
	issuer := New(secret, time.Minute, store.NewMemory().States)
	raw, err := issuer.Issue(ctx, sample())
	require.NoError(t, err)

	// A verifier with an empty nonce store never issued this state.
	verifier := New(secret, time.Minute, store.NewMemory().States)
	_, err = verifier.Consume(ctx, raw, models.ProviderGoogle)
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidState))
}
