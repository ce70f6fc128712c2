package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/VidhuSarwal/dashcore/internal/apperrors"
	"github.com/VidhuSarwal/dashcore/internal/metrics"
	"github.com/VidhuSarwal/dashcore/internal/models"
)

const (
	opExchange = "code exchange"
	opRefresh  = "token refresh"
)

// oauthClient holds the OAuth2 half of a provider: consent URL, code exchange
// and refresh.
type oauthClient struct {
	name     models.Provider
	conf     *oauth2.Config
	authOpts []oauth2.AuthCodeOption
	timeout  time.Duration
	http     *http.Client
}

func (c *oauthClient) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state, c.authOpts...)
}

// withClient scopes ctx to the call timeout and the injected HTTP client.
func (c *oauthClient) withClient(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	if c.http != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	}
	return ctx, cancel
}

func (c *oauthClient) Exchange(ctx context.Context, code string) (tok *Token, err error) {
	defer func(start time.Time) { metrics.ObserveProviderCall(string(c.name), "exchange", start, err) }(time.Now())
	if code == "" {
		return nil, apperrors.InvalidRequest("authorization code is required")
	}
	cctx, cancel := c.withClient(ctx)
	defer cancel()

	t, err := c.conf.Exchange(cctx, code)
	if err != nil {
		return nil, c.classify(cctx, opExchange, err)
	}
	return c.toToken(t), nil
}

func (c *oauthClient) Refresh(ctx context.Context, refreshToken string) (tok *Token, err error) {
	defer func(start time.Time) { metrics.ObserveProviderCall(string(c.name), "refresh", start, err) }(time.Now())
	if refreshToken == "" {
		return nil, apperrors.New(apperrors.CodeReauthorizationRequired, "no refresh token available").WithProvider(string(c.name))
	}
	cctx, cancel := c.withClient(ctx)
	defer cancel()

	t, err := c.conf.TokenSource(cctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, c.classify(cctx, opRefresh, err)
	}
	return c.toToken(t), nil
}

func (c *oauthClient) toToken(t *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry,
		Scopes:       c.conf.Scopes,
	}
	if s, ok := t.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		out.Scopes = strings.Fields(s)
	}
	return out
}

// classify maps a token endpoint failure onto the error taxonomy. On refresh a
// revoked or expired grant needs the user to consent again; everything else is
// a provider exchange failure that may succeed on retry.
func (c *oauthClient) classify(ctx context.Context, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if op == opRefresh && IsInvalidGrant(re) {
			return apperrors.Newf(apperrors.CodeReauthorizationRequired, "%s rejected the grant", c.name).
				WithProvider(string(c.name)).WithCause(err)
		}
		return apperrors.Newf(apperrors.CodeProviderExchangeFailed, "%s %s failed: %s", c.name, op, retrieveErrorCode(re)).
			WithProvider(string(c.name)).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Newf(apperrors.CodeTimeout, "%s %s timed out", c.name, op).WithProvider(string(c.name)).WithCause(err)
	}
	return apperrors.Newf(apperrors.CodeProviderExchangeFailed, "%s %s failed", c.name, op).
		WithProvider(string(c.name)).WithCause(err)
}

// IsInvalidGrant reports whether the token endpoint said the grant is no
// longer usable.
func IsInvalidGrant(re *oauth2.RetrieveError) bool {
	if re == nil {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.ErrorCode == "" && strings.Contains(string(re.Body), "invalid_grant")
}

func retrieveErrorCode(re *oauth2.RetrieveError) string {
	if re.ErrorCode != "" {
		return re.ErrorCode
	}
	if re.Response != nil {
		return fmt.Sprintf("status %d", re.Response.StatusCode)
	}
	return "unknown error"
}

// requestError maps a calendar API failure. Timeouts keep their own code so the
// aggregator can report them distinctly.
func requestError(ctx context.Context, name models.Provider, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Newf(apperrors.CodeTimeout, "%s %s timed out", name, op).WithProvider(string(name)).WithCause(err)
	}
	return apperrors.Newf(apperrors.CodeProviderRequestFailed, "%s %s failed", name, op).WithProvider(string(name)).WithCause(err)
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
