package models

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies an external identity/calendar service.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// DefaultAccountLabel is used when a provider only supports one account per user.
const DefaultAccountLabel = "Personal"

// ParseProvider accepts the lower-case provider name used in URLs and storage.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGoogle, ProviderMicrosoft:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

func (p Provider) String() string { return string(p) }

// CredentialKey is the unique identity of a stored grant.
type CredentialKey struct {
	UserID       string
	Provider     Provider
	AccountLabel string
}

func (k CredentialKey) String() string {
	return k.UserID + "|" + string(k.Provider) + "|" + k.AccountLabel
}

// Credential is one stored OAuth grant. Tokens are plaintext here; the store
// seals them before they are written.
type Credential struct {
	UserID       string    `json:"user_id"`
	Provider     Provider  `json:"provider"`
	AccountLabel string    `json:"account_label"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c *Credential) Key() CredentialKey {
	return CredentialKey{UserID: c.UserID, Provider: c.Provider, AccountLabel: c.AccountLabel}
}

// Expired treats a missing expiry as already expired.
func (c *Credential) Expired(now time.Time) bool {
	return c.Expiry.IsZero() || !c.Expiry.After(now)
}

// Connection is the token-free view of a Credential returned to clients.
type Connection struct {
	Provider        Provider  `json:"provider"`
	AccountLabel    string    `json:"account_label"`
	Scopes          []string  `json:"scopes"`
	Expiry          time.Time `json:"expiry"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (c *Credential) Connection() Connection {
	return Connection{
		Provider:        c.Provider,
		AccountLabel:    c.AccountLabel,
		Scopes:          c.Scopes,
		Expiry:          c.Expiry,
		HasRefreshToken: c.RefreshToken != "",
		UpdatedAt:       c.UpdatedAt,
	}
}

// OAuthState is the flow context carried through the provider redirect.
type OAuthState struct {
	UserID       string
	Provider     Provider
	AccountLabel string
	CalendarID   string
	RedirectURL  string
	Nonce        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}
