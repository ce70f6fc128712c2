package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/sealer"
)

// NewPostgres opens a pgx pool, applies migrations and returns a Store.
func NewPostgres(ctx context.Context, dsn string, s *sealer.Sealer) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	st := newPostgresStore(pool, s)
	st.ping = pool.Ping
	st.close = func(context.Context) error {
		pool.Close()
		return nil
	}
	return st, nil
}

func newPostgresStore(pool PgxPool, s *sealer.Sealer) *Store {
	return &Store{
		Backend:     "postgres",
		Credentials: &pgCredentials{pool: pool, codec: tokenCodec{sealer: s}},
		States:      &pgStates{pool: pool},
	}
}

type pgCredentials struct {
	pool  PgxPool
	codec tokenCodec
}

const credentialColumns = `user_id, provider, account_label, access_token, refresh_token, expiry, scopes, created_at, updated_at`

func (r *pgCredentials) Get(ctx context.Context, key models.CredentialKey) (*models.Credential, error) {
	defer observe(ctx, "postgres", "credentials.get")()
	q := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id=$1 AND provider=$2 AND account_label=$3`
	cred, err := r.scan(r.pool.QueryRow(ctx, q, key.UserID, string(key.Provider), key.AccountLabel))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (r *pgCredentials) Upsert(ctx context.Context, cred *models.Credential) error {
	defer observe(ctx, "postgres", "credentials.upsert")()
	sealed, err := r.codec.seal(cred)
	if err != nil {
		return err
	}
	var expiry *time.Time
	if !cred.Expiry.IsZero() {
		e := cred.Expiry.UTC()
		expiry = &e
	}
	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	const q = `INSERT INTO credentials (user_id, provider, account_label, access_token, refresh_token, expiry, scopes)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, provider, account_label) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expiry = EXCLUDED.expiry,
    scopes = EXCLUDED.scopes,
    updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, cred.UserID, string(cred.Provider), cred.AccountLabel,
		sealed.Access, sealed.Refresh, expiry, scopes); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (r *pgCredentials) Delete(ctx context.Context, key models.CredentialKey) error {
	defer observe(ctx, "postgres", "credentials.delete")()
	const q = `DELETE FROM credentials WHERE user_id=$1 AND provider=$2 AND account_label=$3`
	if _, err := r.pool.Exec(ctx, q, key.UserID, string(key.Provider), key.AccountLabel); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (r *pgCredentials) ListByUser(ctx context.Context, userID string) ([]models.Credential, error) {
	defer observe(ctx, "postgres", "credentials.list")()
	q := `SELECT ` + credentialColumns + ` FROM credentials WHERE user_id=$1 ORDER BY provider, account_label`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := []models.Credential{}
	for rows.Next() {
		cred, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, *cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return out, nil
}

func (r *pgCredentials) scan(row pgx.Row) (*models.Credential, error) {
	var (
		cred     models.Credential
		provider string
		sealed   sealedTokens
		expiry   *time.Time
	)
	if err := row.Scan(&cred.UserID, &provider, &cred.AccountLabel, &sealed.Access, &sealed.Refresh,
		&expiry, &cred.Scopes, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
		return nil, err
	}
	cred.Provider = models.Provider(provider)
	if expiry != nil {
		cred.Expiry = *expiry
	}
	if err := r.codec.open(&cred, sealed); err != nil {
		return nil, err
	}
	return &cred, nil
}

type pgStates struct {
	pool PgxPool
}

func (r *pgStates) Save(ctx context.Context, state IssuedState) error {
	defer observe(ctx, "postgres", "states.save")()
	// abandoned flows never consume their nonce, so each insert also sweeps
	// expired rows
	const q = `WITH swept AS (DELETE FROM oauth_states WHERE expires_at < NOW())
INSERT INTO oauth_states (nonce, user_id, provider, expires_at) VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, q, state.Nonce, state.UserID, string(state.Provider), state.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("insert oauth state: %w", err)
	}
	return nil
}

func (r *pgStates) Consume(ctx context.Context, nonce string) (*IssuedState, error) {
	defer observe(ctx, "postgres", "states.consume")()
	const q = `DELETE FROM oauth_states WHERE nonce=$1 RETURNING user_id, provider, created_at, expires_at`
	var (
		st       = IssuedState{Nonce: nonce}
		provider string
	)
	if err := r.pool.QueryRow(ctx, q, nonce).Scan(&st.UserID, &provider, &st.CreatedAt, &st.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consume oauth state: %w", err)
	}
	st.Provider = models.Provider(provider)
	if !st.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return &st, nil
}
