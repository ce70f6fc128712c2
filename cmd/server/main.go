package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/VidhuSarwal/dashcore/internal/auth"
	"github.com/VidhuSarwal/dashcore/internal/calendar"
	"github.com/VidhuSarwal/dashcore/internal/config"
	"github.com/VidhuSarwal/dashcore/internal/httpapi"
	"github.com/VidhuSarwal/dashcore/internal/logging"
	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/oauthflow"
	"github.com/VidhuSarwal/dashcore/internal/oauthstate"
	"github.com/VidhuSarwal/dashcore/internal/provider"
	"github.com/VidhuSarwal/dashcore/internal/sealer"
	"github.com/VidhuSarwal/dashcore/internal/store"
	"github.com/VidhuSarwal/dashcore/internal/tokens"
	"github.com/VidhuSarwal/dashcore/internal/widgetcache"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if envErr != nil {
		log.Warn().Msg(".env file not found")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seal, err := sealer.NewFromBase64(cfg.Secrets.TokenEncKey)
	if err != nil {
		return fmt.Errorf("token encryption key: %w", err)
	}

	st, err := openStore(ctx, cfg, seal)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	log.Info().Str("backend", st.Backend).Msg("store ready")

	registry := buildProviders(cfg, log)

	tm := tokens.NewManager(st.Credentials, registry,
		tokens.WithLeeway(cfg.RefreshLeeway),
		tokens.WithLogger(logging.Component(log, "tokens")))
	flow := oauthflow.NewController(registry,
		oauthstate.New(cfg.Secrets.State, cfg.OAuth.StateTTL, st.States),
		tm, logging.Component(log, "oauth"),
		oauthflow.WithRedirectOrigins(cfg.OAuth.RedirectOrigins...))
	agg := calendar.NewAggregator(tm, registry,
		calendar.WithSourceTimeout(cfg.ProviderTimeout+5*time.Second),
		calendar.WithLogger(logging.Component(log, "calendar")))

	cache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	handler, stopLimiter := httpapi.NewRouter(httpapi.Options{
		CallbackPath:      cfg.OAuth.RedirectPath,
		PrometheusEnabled: cfg.PrometheusEnabled,
		TrustedProxies:    cfg.TrustedProxies,
	}, httpapi.Deps{
		Issuer:     auth.NewIssuer(cfg.Secrets.JWT, 24*time.Hour),
		Flow:       flow,
		Tokens:     tm,
		Aggregator: agg,
		Cache:      cache,
		Health:     st,
		Log:        logging.Component(log, "http"),
	})
	defer stopLimiter()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("base_url", cfg.BaseURL).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, seal *sealer.Sealer) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN, seal)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := store.NewMongo(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase, seal)
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		return st, nil
	}
}

func buildProviders(cfg *config.Config, log zerolog.Logger) *provider.Registry {
	var caps []provider.Capability
	if cfg.GoogleEnabled() {
		caps = append(caps, provider.NewGoogle(provider.Options{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.RedirectURL(string(models.ProviderGoogle)),
			Timeout:      cfg.ProviderTimeout,
		}))
		log.Info().Str("client_id", logging.MaskString(cfg.Google.ClientID)).Msg("google provider enabled")
	}
	if cfg.MicrosoftEnabled() {
		caps = append(caps, provider.NewMicrosoft(provider.Options{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.RedirectURL(string(models.ProviderMicrosoft)),
			Timeout:      cfg.ProviderTimeout,
		}, cfg.Microsoft.Tenant))
		log.Info().Str("client_id", logging.MaskString(cfg.Microsoft.ClientID)).Str("tenant", cfg.Microsoft.Tenant).Msg("microsoft provider enabled")
	}
	return provider.NewRegistry(caps...)
}

// openCache shares widget results through Redis when configured and keeps
// them in process otherwise.
func openCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*widgetcache.Cache, func(), error) {
	cacheLog := logging.Component(log, "widgetcache")
	if cfg.Redis.Addr == "" {
		return widgetcache.New(widgetcache.NewMemory(), cacheLog), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := widgetcache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("widget cache backed by redis")
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}
	return widgetcache.New(widgetcache.NewRedis(rdb, "dashcore:widget"), cacheLog), closeFn, nil
}
