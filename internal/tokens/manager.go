// Package tokens supplies valid access tokens for stored credentials,
// refreshing them at most once per credential at a time.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/metrics"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/provider"
	"github.com/VidhuSarwal/dashcore/internal/store"
)

// Providers resolves a provider capability. *provider.Registry implements it.
type Providers interface {
	Get(p models.Provider) (provider.Capability, error)
}

const defaultRefreshTimeout = 15 * time.Second

// Manager is the only writer of credentials besides the OAuth flow.
type Manager struct {
	creds          store.CredentialRepository
	providers      Providers
	group          singleflight.Group
	leeway         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

type Option func(*Manager)

// WithLeeway refreshes tokens that expire within d instead of only expired ones.
func WithLeeway(d time.Duration) Option { return func(m *Manager) { m.leeway = d } }

// WithRefreshTimeout bounds the shared refresh flight, which outlives the
// request that started it.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

func NewManager(creds store.CredentialRepository, providers Providers, opts ...Option) *Manager {
	m := &Manager{
		creds:          creds,
		providers:      providers,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		log:            zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) fresh(c *models.Credential) bool {
	return c.AccessToken != "" && !c.Expired(m.now().Add(m.leeway))
}

// GetValidToken returns a usable access token for the credential, refreshing
// it first when it has expired.
func (m *Manager) GetValidToken(ctx context.Context, userID string, p models.Provider, accountLabel string) (string, error) {
	if userID == "" {
		return "", apperrors.Unauthenticated()
	}
	capability, err := m.providers.Get(p)
	if err != nil {
		return "", err
	}
	label, err := provider.AccountLabel(capability, accountLabel)
	if err != nil {
		return "", err
	}
	key := models.CredentialKey{UserID: userID, Provider: p, AccountLabel: label}

	cred, err := m.load(ctx, key)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	// the flight outlives any single caller; a caller whose ctx ends stops
	// waiting but leaves the refresh to finish for the others
	ch := m.group.DoChan(key.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(fctx, capability, key)
	})
	select {
	case <-ctx.Done():
		return "", apperrors.FromContext(ctx, "token refresh")
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			m.log.Debug().Str("provider", string(p)).Str("account_label", label).Msg("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	}
}

// refresh runs inside the single flight for key.
func (m *Manager) refresh(ctx context.Context, capability provider.Capability, key models.CredentialKey) (string, error) {
	// another flight may have finished between our read and this one starting
	cred, err := m.load(ctx, key)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	p := string(key.Provider)
	if cred.RefreshToken == "" {
		metrics.IncTokenRefresh(p, "missing")
		return "", apperrors.ReauthorizationRequired(p, key.AccountLabel)
	}

	tok, err := capability.Refresh(ctx, cred.RefreshToken)
	revoked := apperrors.Is(err, apperrors.CodeReauthorizationRequired)
	if err != nil && !revoked {
		metrics.IncTokenRefresh(p, "error")
		return "", err
	}

	// a Connect or Disconnect that landed while the provider call was out
	// wins over this flight
	current, changed, cerr := m.changedSince(ctx, key, cred)
	if cerr != nil {
		metrics.IncTokenRefresh(p, "error")
		return "", cerr
	}
	if changed {
		m.log.Info().Str("provider", p).Str("account_label", key.AccountLabel).Msg("credential replaced during refresh; result discarded")
		switch {
		case current == nil:
			return "", apperrors.NotConnected(p, key.AccountLabel)
		case m.fresh(current):
			return current.AccessToken, nil
		case revoked:
			return "", apperrors.New(apperrors.CodeProviderRequestFailed, "credential replaced during refresh").WithProvider(p)
		default:
			return tok.AccessToken, nil
		}
	}

	if revoked {
		metrics.IncTokenRefresh(p, "revoked")
		if derr := m.creds.Delete(ctx, key); derr != nil {
			m.log.Error().Err(derr).Str("provider", p).Str("account_label", key.AccountLabel).Msg("failed to delete revoked credential")
		} else {
			m.log.Warn().Str("provider", p).Str("account_label", key.AccountLabel).Msg("refresh grant revoked; credential removed")
		}
		return "", apperrors.ReauthorizationRequired(p, key.AccountLabel).WithCause(err)
	}

	cred.AccessToken = tok.AccessToken
	cred.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if len(tok.Scopes) > 0 {
		cred.Scopes = tok.Scopes
	}
	if err := m.creds.Upsert(ctx, cred); err != nil {
		metrics.IncTokenRefresh(p, "error")
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}
	metrics.IncTokenRefresh(p, "ok")
	m.log.Info().Str("provider", p).Str("account_label", key.AccountLabel).Time("expiry", cred.Expiry).Msg("access token refreshed")
	return cred.AccessToken, nil
}

// changedSince re-reads key and reports whether it differs from before. A
// deleted credential is reported as changed with a nil current.
func (m *Manager) changedSince(ctx context.Context, key models.CredentialKey, before *models.Credential) (*models.Credential, bool, error) {
	current, err := m.creds.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load credential: %w", err)
	}
	same := current.AccessToken == before.AccessToken &&
		current.RefreshToken == before.RefreshToken &&
		current.UpdatedAt.Equal(before.UpdatedAt)
	return current, !same, nil
}

func (m *Manager) load(ctx context.Context, key models.CredentialKey) (*models.Credential, error) {
	cred, err := m.creds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotConnected(string(key.Provider), key.AccountLabel)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return cred, nil
}

// Connect stores the grant obtained from a code exchange, replacing any
// previous credential for the same key. An existing refresh token survives
// when the provider did not issue a new one.
func (m *Manager) Connect(ctx context.Context, key models.CredentialKey, tok *provider.Token) (*models.Credential, error) {
	cred := &models.Credential{
		UserID:       key.UserID,
		Provider:     key.Provider,
		AccountLabel: key.AccountLabel,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       tok.Scopes,
	}
	if cred.RefreshToken == "" {
		existing, err := m.creds.Get(ctx, key)
		switch {
		case err == nil:
			cred.RefreshToken = existing.RefreshToken
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load credential: %w", err)
		}
	}
	if err := m.creds.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	m.group.Forget(key.String())
	return cred, nil
}

// ListConnections returns the token-free view of every credential of userID.
func (m *Manager) ListConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	creds, err := m.creds.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0, len(creds))
	for i := range creds {
		out = append(out, creds[i].Connection())
	}
	return out, nil
}

// Credentials returns the stored credentials of userID.
func (m *Manager) Credentials(ctx context.Context, userID string) ([]models.Credential, error) {
	return m.creds.ListByUser(ctx, userID)
}

// Disconnect deletes a credential. Unknown keys fail with NotConnected.
func (m *Manager) Disconnect(ctx context.Context, key models.CredentialKey) error {
	if _, err := m.load(ctx, key); err != nil {
		return err
	}
	if err := m.creds.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	m.group.Forget(key.String())
	return nil
}
