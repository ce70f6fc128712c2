// Package provider adapts each external identity/calendar service to a common
// Capability so the OAuth, token and calendar layers never branch on the
// provider name.
package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/models"
)

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Capability is everything the core needs from one provider.
type Capability interface {
	Name() models.Provider
	// MultiAccount reports whether a user may connect several accounts,
	// distinguished by label.
	MultiAccount() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	// ListCalendars returns calendars with NativeID, DisplayName and
	// IsPrimary set.
	ListCalendars(ctx context.Context, accessToken string) ([]models.Calendar, error)
	// ListEvents returns events of one native calendar overlapping tr. The
	// Source* fields are left for the caller to fill.
	ListEvents(ctx context.Context, accessToken, calendarID string, tr models.TimeRange) ([]models.CalendarEvent, error)
}

// Options configures a provider client.
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Timeout bounds every outbound call. Zero means DefaultTimeout.
	Timeout time.Duration
	// Endpoint overrides the OAuth endpoints; APIBaseURL overrides the
	// calendar API root. Both exist for tests and sovereign clouds.
	Endpoint   *oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
}

const DefaultTimeout = 10 * time.Second

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Registry selects a Capability by provider name.
type Registry struct {
	caps map[models.Provider]Capability
}

func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{caps: make(map[models.Provider]Capability, len(caps))}
	for _, c := range caps {
		r.caps[c.Name()] = c
	}
	return r
}

// Get returns the capability for p or an UnsupportedProvider error.
func (r *Registry) Get(p models.Provider) (Capability, error) {
	c, ok := r.caps[p]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeUnsupportedProvider, "provider %q is not enabled", p).WithProvider(string(p))
	}
	return c, nil
}

// Providers lists the enabled providers in name order.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.caps))
	for p := range r.caps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AccountLabel resolves the label a credential of c is stored under.
// Single-account providers always use DefaultAccountLabel; multi-account
// providers require a non-empty label.
func AccountLabel(c Capability, label string) (string, error) {
	if !c.MultiAccount() {
		return models.DefaultAccountLabel, nil
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return "", apperrors.InvalidRequest("accountLabel is required for " + string(c.Name()))
	}
	if len(label) > 64 {
		return "", apperrors.InvalidRequest("accountLabel must be at most 64 characters")
	}
	return label, nil
}
