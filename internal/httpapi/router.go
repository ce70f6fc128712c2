// Package httpapi exposes the OAuth, connection and calendar operations over
// HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/VidhuSarwal/dashcore/internal/auth"
	"github.com/VidhuSarwal/dashcore/internal/calendar"
	"github.com/VidhuSarwal/dashcore/internal/httpapi/ratelimit"
	"github.com/VidhuSarwal/dashcore/internal/logging"
	"github.com/VidhuSarwal/dashcore/internal/metrics"
	"github.com/VidhuSarwal/dashcore/internal/oauthflow"
	"github.com/VidhuSarwal/dashcore/internal/tokens"
	"github.com/VidhuSarwal/dashcore/internal/widgetcache"
)

const (
	calendarsTTL = 5 * time.Minute
	eventsTTL    = time.Minute
)

// HealthChecker is satisfied by *store.Store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the services the router dispatches to.
type Deps struct {
	Issuer     *auth.Issuer
	Flow       *oauthflow.Controller
	Tokens     *tokens.Manager
	Aggregator *calendar.Aggregator
	Cache      *widgetcache.Cache
	Health     HealthChecker
	Log        zerolog.Logger
}

// Options tune the router.
type Options struct {
	// CallbackPath is where providers redirect after consent; the provider
	// name is appended as the last path segment.
	CallbackPath      string
	PrometheusEnabled bool
	TrustedProxies    []string
	// OAuthRate and OAuthBurst limit the OAuth routes per client IP.
	OAuthRate  rate.Limit
	OAuthBurst int
}

type handler struct {
	Deps
}

// NewRouter wires all routes. The returned stop func releases the rate
// limiter's background sweeper.
func NewRouter(opts Options, d Deps) (http.Handler, func()) {
	if opts.CallbackPath == "" {
		opts.CallbackPath = "/oauth2/callback"
	}
	if opts.OAuthRate == 0 {
		opts.OAuthRate = rate.Limit(5)
	}
	if opts.OAuthBurst == 0 {
		opts.OAuthBurst = 10
	}
	oauthLimiter := ratelimit.New(opts.OAuthRate, opts.OAuthBurst, 5*time.Minute, opts.TrustedProxies)

	h := &handler{Deps: d}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(d.Log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if d.Health != nil {
			if err := d.Health.HealthCheck(ctx); err != nil {
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.PrometheusEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	r.With(oauthLimiter.Middleware(writeRateLimited)).Get(opts.CallbackPath+"/{provider}", h.callback)

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Issuer.Middleware(writeError))

		r.Route("/oauth/{provider}", func(r chi.Router) {
			r.Use(oauthLimiter.Middleware(writeRateLimited))
			r.Get("/authorize", h.authorize)
			r.Post("/complete", h.complete)
		})

		r.Get("/connections", h.listConnections)
		r.Delete("/connections/{provider}/{label}", h.disconnect)

		r.Get("/calendars", h.listCalendars)
		r.Get("/events", h.listEvents)
	})

	return r, oauthLimiter.Stop
}
