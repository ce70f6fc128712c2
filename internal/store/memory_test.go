package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VidhuSarwal/dashcore/internal/models"
)

func TestMemoryCredentialsLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	work := &models.Credential{UserID: "u1", Provider: models.ProviderGoogle, AccountLabel: "Work", AccessToken: "a", RefreshToken: "r"}
	home := &models.Credential{UserID: "u1", Provider: models.ProviderGoogle, AccountLabel: "Home", AccessToken: "b"}
	other := &models.Credential{UserID: "u2", Provider: models.ProviderMicrosoft, AccountLabel: "Personal", AccessToken: "c"}

	for _, c := range []*models.Credential{work, home, other} {
		require.NoError(t, st.Credentials.Upsert(ctx, c))
	}

	got, err := st.Credentials.Get(ctx, work.Key())
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)
	created := got.CreatedAt

	got.AccessToken = "mutated"
	again, err := st.Credentials.Get(ctx, work.Key())
	require.NoError(t, err)
	assert.Equal(t, "a", again.AccessToken, "returned credentials must be copies")

	require.NoError(t, st.Credentials.Upsert(ctx, &models.Credential{UserID: "u1", Provider: models.ProviderGoogle, AccountLabel: "Work", AccessToken: "a2"}))
	updated, err := st.Credentials.Get(ctx, work.Key())
	require.NoError(t, err)
	assert.Equal(t, "a2", updated.AccessToken)
	assert.Equal(t, created, updated.CreatedAt)

	list, err := st.Credentials.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Home", list[0].AccountLabel)
	assert.Equal(t, "Work", list[1].AccountLabel)

	require.NoError(t, st.Credentials.Delete(ctx, work.Key()))
	_, err = st.Credentials.Get(ctx, work.Key())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStatesConsumeOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	require.NoError(t, st.States.Save(ctx, IssuedState{Nonce: "n1", UserID: "u1", Provider: models.ProviderGoogle, ExpiresAt: time.Now().Add(time.Minute)}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.States.Consume(ctx, "n1"); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestMemoryStatesExpired(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.States.(*memoryStates).now = func() time.Time { return now }

	require.NoError(t, st.States.Save(ctx, IssuedState{Nonce: "n1", ExpiresAt: now.Add(-time.Second)}))
	_, err := st.States.Consume(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreHealthCheckWithoutPing(t *testing.T) {
	st := NewMemory()
	assert.NoError(t, st.HealthCheck(context.Background()))
	assert.NoError(t, st.Close(context.Background()))
}

func TestMemoryStatesSaveSweepsExpired(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	states := st.States.(*memoryStates)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	states.now = func() time.Time { return now }

	require.NoError(t, st.States.Save(ctx, IssuedState{Nonce: "abandoned", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, st.States.Save(ctx, IssuedState{Nonce: "live", ExpiresAt: now.Add(10 * time.Minute)}))

	now = now.Add(2 * time.Minute)
	require.NoError(t, st.States.Save(ctx, IssuedState{Nonce: "fresh", ExpiresAt: now.Add(10 * time.Minute)}))

	states.mu.Lock()
	assert.NotContains(t, states.items, "abandoned")
	assert.Contains(t, states.items, "live")
	assert.Contains(t, states.items, "fresh")
	states.mu.Unlock()
}
