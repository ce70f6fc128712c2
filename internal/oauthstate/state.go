// Package oauthstate encodes the OAuth flow context into the opaque state
// parameter. The state is an HS256 JWT, so it is URL-safe and cannot be
// altered in transit, and its nonce is recorded server side so that every
// state is accepted at most once.
package oauthstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/store"
)

// DefaultTTL bounds how long a user may take to finish the consent screen.
const DefaultTTL = 10 * time.Minute

type claims struct {
	UserID       string `json:"uid"`
	Provider     string `json:"prv"`
	AccountLabel string `json:"lbl"`
	CalendarID   string `json:"cal,omitempty"`
	RedirectURL  string `json:"redir"`
	jwt.RegisteredClaims
}

// Codec issues and verifies state tokens.
type Codec struct {
	secret []byte
	ttl    time.Duration
	states store.StateRepository
	now    func() time.Time
}

func New(secret string, ttl time.Duration, states store.StateRepository) *Codec {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{secret: []byte(secret), ttl: ttl, states: states, now: time.Now}
}

// Issue fills in the nonce and timestamps of st, records the nonce and returns
// the signed state string.
func (c *Codec) Issue(ctx context.Context, st models.OAuthState) (string, error) {
	now := c.now().UTC().Truncate(time.Second)
	st.Nonce = uuid.NewString()
	st.IssuedAt = now
	st.ExpiresAt = now.Add(c.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:       st.UserID,
		Provider:     string(st.Provider),
		AccountLabel: st.AccountLabel,
		CalendarID:   st.CalendarID,
		RedirectURL:  st.RedirectURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        st.Nonce,
			IssuedAt:  jwt.NewNumericDate(st.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(st.ExpiresAt),
		},
	})
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}

	if err := c.states.Save(ctx, store.IssuedState{
		Nonce:     st.Nonce,
		UserID:    st.UserID,
		Provider:  st.Provider,
		CreatedAt: st.IssuedAt,
		ExpiresAt: st.ExpiresAt,
	}); err != nil {
		return "", fmt.Errorf("record state: %w", err)
	}
	return signed, nil
}

// Decode checks the signature, expiry and provider of raw without consuming
// its nonce. The provider redirect handler uses it to find where to send the
// browser; Consume is the only way a state authorizes a token exchange.
func (c *Codec) Decode(raw string, provider models.Provider) (*models.OAuthState, error) {
	if raw == "" {
		return nil, apperrors.InvalidState("missing state")
	}
	var cl claims
	tkn, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil || !tkn.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.InvalidState("state expired").WithCause(err)
		}
		return nil, apperrors.InvalidState("state signature invalid").WithCause(err)
	}
	if cl.ID == "" || cl.UserID == "" {
		return nil, apperrors.InvalidState("state is missing required claims")
	}
	if models.Provider(cl.Provider) != provider {
		return nil, apperrors.InvalidState("state was issued for a different provider")
	}

	st := &models.OAuthState{
		UserID:       cl.UserID,
		Provider:     models.Provider(cl.Provider),
		AccountLabel: cl.AccountLabel,
		CalendarID:   cl.CalendarID,
		RedirectURL:  cl.RedirectURL,
		Nonce:        cl.ID,
	}
	if cl.IssuedAt != nil {
		st.IssuedAt = cl.IssuedAt.Time
	}
	if cl.ExpiresAt != nil {
		st.ExpiresAt = cl.ExpiresAt.Time
	}
	return st, nil
}

// Consume decodes raw and atomically spends its nonce. A replayed, unknown or
// foreign state fails with an InvalidState error.
func (c *Codec) Consume(ctx context.Context, raw string, provider models.Provider) (*models.OAuthState, error) {
	st, err := c.Decode(raw, provider)
	if err != nil {
		return nil, err
	}
	issued, err := c.states.Consume(ctx, st.Nonce)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.InvalidState("state already used or unknown")
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	if issued.UserID != st.UserID || issued.Provider != st.Provider {
		return nil, apperrors.InvalidState("state does not match issued record")
	}
	return st, nil
}
