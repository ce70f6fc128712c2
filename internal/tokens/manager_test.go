package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/provider"
	"github.com/VidhuSarwal/dashcore/internal/store"
)

type fakeCapability struct {
	name    models.Provider
	multi   bool
	calls   atomic.Int32
	refresh func(ctx context.Context, rt string) (*provider.Token, error)
}

func (f *fakeCapability) Name() models.Provider           { return f.name }
func (f *fakeCapability) MultiAccount() bool              { return f.multi }
func (f *fakeCapability) AuthCodeURL(state string) string { return "https://consent.example/?state=" + state }
func (f *fakeCapability) Exchange(ctx context.Context, code string) (*provider.Token, error) {
	return nil, errors.New("not used")
}
func (f *fakeCapability) Refresh(ctx context.Context, rt string) (*provider.Token, error) {
	f.calls.Add(1)
	return f.refresh(ctx, rt)
}
func (f *fakeCapability) ListCalendars(ctx context.Context, at string) ([]models.Calendar, error) {
	return nil, nil
}
func (f *fakeCapability) ListEvents(ctx context.Context, at, id string, tr models.TimeRange) ([]models.CalendarEvent, error) {
	return nil, nil
}

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, cred *models.Credential, refresh func(context.Context, string) (*provider.Token, error)) (*Manager, *fakeCapability, *store.Store) {
	t.Helper()
	st := store.NewMemory()
	if cred != nil {
		require.NoError(t, st.Credentials.Upsert(context.Background(), cred))
	}
	fc := &fakeCapability{name: models.ProviderGoogle, multi: true, refresh: refresh}
	m := NewManager(st.Credentials, provider.NewRegistry(fc), WithClock(func() time.Time { return now }))
	return m, fc, st
}

func googleCred(access, refresh string, expiry time.Time) *models.Credential {
	return &models.Credential{
		UserID: "u1", Provider: models.ProviderGoogle, AccountLabel: "Work",
		AccessToken: access, RefreshToken: refresh, Expiry: expiry,
	}
}

func TestGetValidTokenNoRefreshWhenValid(t *testing.T) {
	m, fc, _ := setup(t, googleCred("at", "rt", now.Add(time.Hour)), nil)

	tok, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	require.NoError(t, err)
	assert.Equal(t, "at", tok)
	assert.EqualValues(t, 0, fc.calls.Load())
}

func TestGetValidTokenLeeway(t *testing.T) {
	m, fc, _ := setup(t, googleCred("at", "rt", now.Add(30*time.Second)), func(ctx context.Context, rt string) (*provider.Token, error) {
		return &provider.Token{AccessToken: "at-new", Expiry: now.Add(time.Hour)}, nil
	})
	WithLeeway(time.Minute)(m)

	tok, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok)
	assert.EqualValues(t, 1, fc.calls.Load())
}

func TestGetValidTokenNotConnected(t *testing.T) {
	m, _, _ := setup(t, nil, nil)
	_, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotConnected))

	_, err = m.GetValidToken(context.Background(), "u1", models.ProviderMicrosoft, "")
	assert.True(t, apperrors.Is(err, apperrors.CodeUnsupportedProvider))

	_, err = m.GetValidToken(context.Background(), "", models.ProviderGoogle, "Work")
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthenticated))
}

func TestGetValidTokenSingleRefreshUnderConcurrency(t *testing.T) {
	m, fc, st := setup(t, googleCred("old", "rt-1", now.Add(-time.Minute)), func(ctx context.Context, rt string) (*provider.Token, error) {
		time.Sleep(50 * time.Millisecond)
		return &provider.Token{AccessToken: "fresh", RefreshToken: "rt-2", Expiry: now.Add(time.Hour)}, nil
	})

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, fc.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", results[i])
	}

	stored, err := st.Credentials.Get(context.Background(), googleCred("", "", time.Time{}).Key())
	require.NoError(t, err)
	assert.Equal(t, "rt-2", stored.RefreshToken, "rotated refresh token is persisted")
	assert.Equal(t, now.Add(time.Hour), stored.Expiry)
}

func TestGetValidTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	m, _, st := setup(t, googleCred("old", "rt-1", time.Time{}), func(ctx context.Context, rt string) (*provider.Token, error) {
		assert.Equal(t, "rt-1", rt)
		return &provider.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}, nil
	})

	tok, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)

	stored, err := st.Credentials.Get(context.Background(), googleCred("", "", time.Time{}).Key())
	require.NoError(t, err)
	assert.Equal(t, "rt-1", stored.RefreshToken)
}

func TestGetValidTokenWithoutRefreshToken(t *testing.T) {
	cred := googleCred("old", "", now.Add(-time.Minute))
	m, fc, st := setup(t, cred, nil)
	before, err := st.Credentials.Get(context.Background(), cred.Key())
	require.NoError(t, err)

	_, err = m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	assert.True(t, apperrors.Is(err, apperrors.CodeReauthorizationRequired))
	assert.EqualValues(t, 0, fc.calls.Load())

	after, err := st.Credentials.Get(context.Background(), cred.Key())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGetValidTokenRevokedDeletesCredential(t *testing.T) {
	cred := googleCred("old", "rt", now.Add(-time.Minute))
	m, _, st := setup(t, cred, func(ctx context.Context, rt string) (*provider.Token, error) {
		return nil, apperrors.New(apperrors.CodeReauthorizationRequired, "google rejected the grant")
	})

	_, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	assert.True(t, apperrors.Is(err, apperrors.CodeReauthorizationRequired))

	_, err = st.Credentials.Get(context.Background(), cred.Key())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetValidTokenTransientFailureKeepsCredential(t *testing.T) {
	cred := googleCred("old", "rt", now.Add(-time.Minute))
	m, _, st := setup(t, cred, func(ctx context.Context, rt string) (*provider.Token, error) {
		return nil, apperrors.New(apperrors.CodeProviderExchangeFailed, "google token refresh failed")
	})

	_, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	assert.True(t, apperrors.Is(err, apperrors.CodeProviderExchangeFailed))

	_, err = st.Credentials.Get(context.Background(), cred.Key())
	assert.NoError(t, err)
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	m, _, st := setup(t, googleCred("old", "rt", now.Add(-time.Minute)), func(ctx context.Context, rt string) (*provider.Token, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &provider.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.GetValidToken(ctx, "u1", models.ProviderGoogle, "Work")
	}()
	cancel()
	<-done
	close(release)

	key := googleCred("", "", time.Time{}).Key()
	require.Eventually(t, func() bool {
		stored, err := st.Credentials.Get(context.Background(), key)
		return err == nil && stored.AccessToken == "fresh"
	}, time.Second, 5*time.Millisecond)
}

func TestGetValidTokenCallerStopsWaitingOnTimeout(t *testing.T) {
	release := make(chan struct{})
	m, fc, st := setup(t, googleCred("old", "rt", now.Add(-time.Minute)), func(ctx context.Context, rt string) (*provider.Token, error) {
		<-release
		return &provider.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetValidToken(ctx, "u1", models.ProviderGoogle, "Work")
	assert.Equal(t, apperrors.CodeTimeout, apperrors.CodeOf(err))

	close(release)
	key := googleCred("", "", time.Time{}).Key()
	require.Eventually(t, func() bool {
		stored, err := st.Credentials.Get(context.Background(), key)
		return err == nil && stored.AccessToken == "fresh"
	}, time.Second, 5*time.Millisecond)

	tok, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.EqualValues(t, 1, fc.calls.Load())
}

// blockedRefresh returns a refresh func that signals started and then waits
// for release before answering with result.
func blockedRefresh(started, release chan struct{}, result func() (*provider.Token, error)) func(context.Context, string) (*provider.Token, error) {
	return func(ctx context.Context, rt string) (*provider.Token, error) {
		close(started)
		<-release
		return result()
	}
}

func TestRefreshDoesNotOverwriteConcurrentConnect(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	m, _, st := setup(t, googleCred("old", "rt-old", now.Add(-time.Minute)), blockedRefresh(started, release, func() (*provider.Token, error) {
		return &provider.Token{AccessToken: "from-old-grant", RefreshToken: "rt-rotated", Expiry: now.Add(time.Hour)}, nil
	}))
	key := googleCred("", "", time.Time{}).Key()

	type result struct {
		tok string
		err error
	}
	out := make(chan result, 1)
	go func() {
		tok, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
		out <- result{tok, err}
	}()
	<-started
	_, err := m.Connect(context.Background(), key, &provider.Token{AccessToken: "reconnected", RefreshToken: "rt-new", Expiry: now.Add(time.Hour)})
	require.NoError(t, err)
	close(release)

	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, "reconnected", res.tok)

	stored, err := st.Credentials.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "reconnected", stored.AccessToken)
	assert.Equal(t, "rt-new", stored.RefreshToken)
}

func TestRevokedRefreshKeepsConcurrentConnect(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	m, _, st := setup(t, googleCred("old", "rt-old", now.Add(-time.Minute)), blockedRefresh(started, release, func() (*provider.Token, error) {
		return nil, apperrors.New(apperrors.CodeReauthorizationRequired, "google rejected the grant")
	}))
	key := googleCred("", "", time.Time{}).Key()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
		errCh <- err
	}()
	<-started
	_, err := m.Connect(context.Background(), key, &provider.Token{AccessToken: "reconnected", RefreshToken: "rt-new", Expiry: now.Add(time.Hour)})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-errCh)

	stored, err := st.Credentials.Get(context.Background(), key)
	require.NoError(t, err, "the new grant must survive the stale revocation")
	assert.Equal(t, "rt-new", stored.RefreshToken)
}

func TestRefreshDoesNotResurrectDisconnectedCredential(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	m, _, st := setup(t, googleCred("old", "rt-old", now.Add(-time.Minute)), blockedRefresh(started, release, func() (*provider.Token, error) {
		return &provider.Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}, nil
	}))
	key := googleCred("", "", time.Time{}).Key()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(context.Background(), "u1", models.ProviderGoogle, "Work")
		errCh <- err
	}()
	<-started
	require.NoError(t, m.Disconnect(context.Background(), key))
	close(release)

	assert.Equal(t, apperrors.CodeNotConnected, apperrors.CodeOf(<-errCh))
	_, err := st.Credentials.Get(context.Background(), key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConnectAndDisconnect(t *testing.T) {
	m, _, st := setup(t, googleCred("old", "rt-keep", now.Add(-time.Minute)), nil)
	key := googleCred("", "", time.Time{}).Key()

	cred, err := m.Connect(context.Background(), key, &provider.Token{AccessToken: "new", Expiry: now.Add(time.Hour), Scopes: []string{"cal"}})
	require.NoError(t, err)
	assert.Equal(t, "rt-keep", cred.RefreshToken)

	conns, err := m.ListConnections(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.True(t, conns[0].HasRefreshToken)
	assert.Equal(t, []string{"cal"}, conns[0].Scopes)

	require.NoError(t, m.Disconnect(context.Background(), key))
	_, err = st.Credentials.Get(context.Background(), key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = m.Disconnect(context.Background(), key)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotConnected))
}
