package store

import (
	"context"
	"errors"
	"time"

	"github.com/VidhuSarwal/dashcore/internal/metrics"
	"github.com/VidhuSarwal/dashcore/internal/models"
)

// ErrNotFound is returned when a credential or state nonce does not exist.
var ErrNotFound = errors.New("record not found")

// CredentialRepository persists Credentials keyed by (user, provider, account label).
// Upsert and Delete must be atomic per key.
type CredentialRepository interface {
	Get(ctx context.Context, key models.CredentialKey) (*models.Credential, error)
	Upsert(ctx context.Context, cred *models.Credential) error
	Delete(ctx context.Context, key models.CredentialKey) error
	ListByUser(ctx context.Context, userID string) ([]models.Credential, error)
}

// IssuedState records an OAuth state nonce handed out to a user.
type IssuedState struct {
	Nonce     string
	UserID    string
	Provider  models.Provider
	CreatedAt time.Time
	ExpiresAt time.Time
}

// StateRepository tracks outstanding OAuth state nonces so each can be
// consumed exactly once.
type StateRepository interface {
	Save(ctx context.Context, state IssuedState) error
	// Consume atomically removes and returns the nonce. Missing or expired
	// nonces return ErrNotFound.
	Consume(ctx context.Context, nonce string) (*IssuedState, error)
}

// Store aggregates the repositories of one backend.
type Store struct {
	Backend     string
	Credentials CredentialRepository
	States      StateRepository

	ping  func(ctx context.Context) error
	close func(ctx context.Context) error
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	defer observe(ctx, s.Backend, "healthcheck")()
	return s.ping(ctx)
}

// Close releases the backend connection.
func (s *Store) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

func observe(ctx context.Context, backend, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveStoreLatency(ctx, backend, operation, start)
	}
}

func cloneCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	return &out
}
