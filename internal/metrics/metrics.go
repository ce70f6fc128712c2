package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashcore_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dashcore_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	providerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dashcore_provider_call_duration_seconds",
		Help:    "Latency of outbound provider API calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "outcome"})

	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashcore_token_refresh_total",
		Help: "Token refresh attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dashcore_widget_cache_lookups_total",
		Help: "Widget cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dashcore_store_latency_seconds",
		Help:    "Histogram of credential store operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation", "route"})
)

// Middleware records request metrics by chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProviderCall records one outbound provider call.
func ObserveProviderCall(provider, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerCallDuration.WithLabelValues(provider, operation, outcome).Observe(time.Since(start).Seconds())
}

// IncTokenRefresh counts a refresh attempt. outcome is ok, revoked or error.
func IncTokenRefresh(provider, outcome string) {
	tokenRefreshTotal.WithLabelValues(provider, outcome).Inc()
}

// IncCacheLookup counts a widget cache lookup.
func IncCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveStoreLatency records store latency for an operation, associating it with the request route when available.
func ObserveStoreLatency(ctx context.Context, backend, operation string, start time.Time) {
	storeLatency.WithLabelValues(backend, operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

func routeFromContext(ctx context.Context) string {
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if p := strings.TrimSpace(rctx.RoutePattern()); p != "" {
			return p
		}
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
