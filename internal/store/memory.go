package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VidhuSarwal/dashcore/internal/models"
)

// NewMemory returns a Store that keeps everything in process memory. It is used
// for local development and tests.
func NewMemory() *Store {
	return &Store{
		Backend:     "memory",
		Credentials: &memoryCredentials{items: make(map[models.CredentialKey]*models.Credential)},
		States:      &memoryStates{items: make(map[string]IssuedState), now: time.Now},
	}
}

type memoryCredentials struct {
	mu    sync.RWMutex
	items map[models.CredentialKey]*models.Credential
}

func (m *memoryCredentials) Get(ctx context.Context, key models.CredentialKey) (*models.Credential, error) {
	defer observe(ctx, "memory", "credentials.get")()
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(c), nil
}

func (m *memoryCredentials) Upsert(ctx context.Context, cred *models.Credential) error {
	defer observe(ctx, "memory", "credentials.upsert")()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	stored := cloneCredential(cred)
	if existing, ok := m.items[cred.Key()]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.items[cred.Key()] = stored
	return nil
}

func (m *memoryCredentials) Delete(ctx context.Context, key models.CredentialKey) error {
	defer observe(ctx, "memory", "credentials.delete")()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryCredentials) ListByUser(ctx context.Context, userID string) ([]models.Credential, error) {
	defer observe(ctx, "memory", "credentials.list")()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Credential{}
	for k, c := range m.items {
		if k.UserID == userID {
			out = append(out, *cloneCredential(c))
		}
	}
	sortCredentials(out)
	return out, nil
}

type memoryStates struct {
	mu    sync.Mutex
	items map[string]IssuedState
	now   func() time.Time
}

func (m *memoryStates) Save(ctx context.Context, state IssuedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for nonce, s := range m.items {
		if !s.ExpiresAt.After(now) {
			delete(m.items, nonce)
		}
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now.UTC()
	}
	m.items[state.Nonce] = state
	return nil
}

func (m *memoryStates) Consume(ctx context.Context, nonce string) (*IssuedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[nonce]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.items, nonce)
	if !s.ExpiresAt.After(m.now()) {
		return nil, ErrNotFound
	}
	return &s, nil
}

// sortCredentials orders by provider then label so listings are stable.
func sortCredentials(creds []models.Credential) {
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].Provider != creds[j].Provider {
			return creds[i].Provider < creds[j].Provider
		}
		return creds[i].AccountLabel < creds[j].AccountLabel
	})
}
