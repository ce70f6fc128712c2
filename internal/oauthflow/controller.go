// Package oauthflow starts provider consent and turns the returned code into a
// stored credential.
package oauthflow

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/auth"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/oauthstate"
	"github.com/VidhuSarwal/dashcore/internal/provider"
	"github.com/VidhuSarwal/dashcore/internal/tokens"
)

type Controller struct {
	providers tokens.Providers
	states    *oauthstate.Codec
	tokens    *tokens.Manager
	log       zerolog.Logger
	origins   map[string]bool
}

type Option func(*Controller)

// WithRedirectOrigins sets the scheme://host[:port] origins a client redirect
// URL may point at. A controller without any rejects every redirect.
func WithRedirectOrigins(origins ...string) Option {
	return func(c *Controller) {
		for _, o := range origins {
			c.origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = true
		}
	}
}

func NewController(providers tokens.Providers, states *oauthstate.Codec, tm *tokens.Manager, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{providers: providers, states: states, tokens: tm, log: log, origins: make(map[string]bool)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BuildAuthorizationURL returns the consent URL for caller. The state embedded
// in it binds the flow to caller, the account label and redirectURL.
func (c *Controller) BuildAuthorizationURL(ctx context.Context, caller auth.Caller, p models.Provider, accountLabel, redirectURL string) (string, error) {
	if caller.UserID == "" {
		return "", apperrors.Unauthenticated()
	}
	capability, err := c.providers.Get(p)
	if err != nil {
		return "", err
	}
	label, err := provider.AccountLabel(capability, accountLabel)
	if err != nil {
		return "", err
	}
	if err := c.validateRedirect(redirectURL); err != nil {
		return "", err
	}

	raw, err := c.states.Issue(ctx, models.OAuthState{
		UserID:       caller.UserID,
		Provider:     p,
		AccountLabel: label,
		RedirectURL:  redirectURL,
	})
	if err != nil {
		return "", err
	}
	c.log.Info().Str("user_id", caller.UserID).Str("provider", string(p)).Str("account_label", label).Msg("authorization started")
	return capability.AuthCodeURL(raw), nil
}

func (c *Controller) validateRedirect(raw string) error {
	if raw == "" {
		return apperrors.InvalidRequest("redirectUrl is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return apperrors.InvalidRequest("redirectUrl must be an absolute http(s) URL")
	}
	if u.User != nil || !c.origins[strings.ToLower(u.Scheme+"://"+u.Host)] {
		return apperrors.InvalidRequest("redirectUrl origin is not allowed")
	}
	return nil
}

// CompleteAuthorization verifies state against caller, exchanges code and
// upserts the resulting credential. A code can be exchanged once, so a failed
// attempt must restart from BuildAuthorizationURL.
func (c *Controller) CompleteAuthorization(ctx context.Context, caller auth.Caller, p models.Provider, code, state string) (*models.Credential, error) {
	if caller.UserID == "" {
		return nil, apperrors.Unauthenticated()
	}
	capability, err := c.providers.Get(p)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperrors.InvalidRequest("code is required")
	}

	st, err := c.states.Decode(state, p)
	if err != nil {
		c.securityEvent(caller, p, err)
		return nil, err
	}
	if st.UserID != caller.UserID {
		err := apperrors.InvalidState("state was issued to a different user")
		c.securityEvent(caller, p, err)
		return nil, err
	}
	if st, err = c.states.Consume(ctx, state, p); err != nil {
		if apperrors.Is(err, apperrors.CodeInvalidState) {
			c.securityEvent(caller, p, err)
		}
		return nil, err
	}

	label, err := provider.AccountLabel(capability, st.AccountLabel)
	if err != nil {
		return nil, err
	}

	tok, err := capability.Exchange(ctx, code)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", caller.UserID).Str("provider", string(p)).Msg("code exchange failed")
		return nil, err
	}

	cred, err := c.tokens.Connect(ctx, models.CredentialKey{UserID: caller.UserID, Provider: p, AccountLabel: label}, tok)
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("user_id", caller.UserID).Str("provider", string(p)).Str("account_label", label).
		Bool("has_refresh_token", cred.RefreshToken != "").Msg("account connected")
	return cred, nil
}

// DecodeRedirect verifies state without spending it and returns where the
// browser should be sent after the provider redirect.
func (c *Controller) DecodeRedirect(p models.Provider, state string) (string, error) {
	st, err := c.states.Decode(state, p)
	if err != nil {
		c.log.Warn().Bool("security_event", true).Str("provider", string(p)).Err(err).Msg("callback with invalid state")
		return "", err
	}
	// the allowlist may have narrowed since the state was issued
	if err := c.validateRedirect(st.RedirectURL); err != nil {
		c.log.Warn().Bool("security_event", true).Str("provider", string(p)).Str("user_id", st.UserID).Msg("callback redirect not allowed")
		return "", apperrors.InvalidState("state carries a redirect that is not allowed").WithCause(err)
	}
	return st.RedirectURL, nil
}

func (c *Controller) securityEvent(caller auth.Caller, p models.Provider, err error) {
	c.log.Warn().Bool("security_event", true).
		Str("user_id", caller.UserID).
		Str("provider", string(p)).
		Str("reason", apperrors.Message(err)).
		Msg("oauth state rejected")
}
