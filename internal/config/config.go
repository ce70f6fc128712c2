package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	Store struct {
		Backend       string
		MongoURI      string
		MongoDatabase string
		PostgresDSN   string
	}

	Secrets struct {
		JWT         string
		State       string
		TokenEncKey string
	}

	Google struct {
		ClientID     string
		ClientSecret string
	}

	Microsoft struct {
		ClientID     string
		ClientSecret string
		Tenant       string
	}

	OAuth struct {
		RedirectPath string
		StateTTL     time.Duration
		// RedirectOrigins lists the scheme://host[:port] origins a client may
		// ask to be sent back to after consent.
		RedirectOrigins []string
	}

	ProviderTimeout time.Duration
	RefreshLeeway   time.Duration

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	Log struct {
		Level  string
		Format string
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

// Load reads configuration from the environment. The caller is expected to have
// loaded any .env file beforehand.
func Load() (*Config, error) {
	cfg := &Config{}
	var (
		errs []error
		err  error
	)

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimSuffix(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")

	cfg.Store.Backend = strings.ToLower(getenvDefault("APP_STORE_BACKEND", "mongo"))
	cfg.Store.MongoURI = os.Getenv("MONGO_URI")
	cfg.Store.MongoDatabase = getenvDefault("MONGO_DATABASE", "dashboard")
	cfg.Store.PostgresDSN = os.Getenv("APP_DB_DSN")

	cfg.Secrets.JWT = os.Getenv("JWT_SECRET")
	cfg.Secrets.State = getenvDefault("STATE_SECRET", cfg.Secrets.JWT)
	cfg.Secrets.TokenEncKey = os.Getenv("TOKEN_ENC_KEY")

	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Microsoft.ClientID = os.Getenv("MICROSOFT_CLIENT_ID")
	cfg.Microsoft.ClientSecret = os.Getenv("MICROSOFT_CLIENT_SECRET")
	cfg.Microsoft.Tenant = getenvDefault("MICROSOFT_TENANT", "common")

	cfg.OAuth.RedirectPath = "/" + strings.Trim(getenvDefault("APP_OAUTH_REDIRECT_PATH", "/oauth2/callback"), "/")

	if cfg.OAuth.RedirectOrigins, err = redirectOrigins(getenvList("APP_ALLOWED_REDIRECT_ORIGINS"), cfg.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.OAuth.StateTTL, err = getenvDuration("APP_STATE_TTL", 10*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.ProviderTimeout, err = getenvDuration("APP_PROVIDER_TIMEOUT", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.RefreshLeeway, err = getenvDuration("APP_REFRESH_LEEWAY", 0); err != nil {
		errs = append(errs, err)
	}

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if cfg.Redis.DB, err = getenvInt("REDIS_DB", 0); err != nil {
		errs = append(errs, err)
	}

	cfg.Log.Level = getenvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getenvDefault("LOG_FORMAT", "json")

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	switch c.Store.Backend {
	case "mongo":
		if c.Store.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			missing = append(missing, "APP_DB_DSN")
		}
	case "memory":
	default:
		return fmt.Errorf("APP_STORE_BACKEND must be mongo, postgres or memory (got %q)", c.Store.Backend)
	}
	if c.Secrets.JWT == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Secrets.TokenEncKey == "" {
		missing = append(missing, "TOKEN_ENC_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("env %s is required", strings.Join(missing, ", "))
	}

	if len(c.Secrets.JWT) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long (got %d)", len(c.Secrets.JWT))
	}
	if len(c.Secrets.State) < 32 {
		return fmt.Errorf("STATE_SECRET must be at least 32 characters long (got %d)", len(c.Secrets.State))
	}
	if !c.GoogleEnabled() && !c.MicrosoftEnabled() {
		return errors.New("at least one provider is required: set GOOGLE_CLIENT_ID or MICROSOFT_CLIENT_ID")
	}
	if c.GoogleEnabled() && c.Google.ClientSecret == "" {
		return errors.New("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
	}
	if c.MicrosoftEnabled() && c.Microsoft.ClientSecret == "" {
		return errors.New("MICROSOFT_CLIENT_SECRET is required when MICROSOFT_CLIENT_ID is set")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("APP_PROVIDER_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) GoogleEnabled() bool    { return c.Google.ClientID != "" }
func (c *Config) MicrosoftEnabled() bool { return c.Microsoft.ClientID != "" }

// RedirectURL is the provider callback registered with the provider console.
func (c *Config) RedirectURL(provider string) string {
	return c.BaseURL + c.OAuth.RedirectPath + "/" + provider
}

// redirectOrigins normalizes the allowed client redirect origins, defaulting
// to the origin of the public base URL.
func redirectOrigins(list []string, baseURL string) ([]string, error) {
	if len(list) == 0 {
		list = []string{baseURL}
	}
	out := make([]string, 0, len(list))
	for _, raw := range list {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.User != nil || strings.Trim(u.Path, "/") != "" {
			return nil, fmt.Errorf("APP_ALLOWED_REDIRECT_ORIGINS entry %q must look like https://host[:port]", raw)
		}
		out = append(out, strings.ToLower(u.Scheme+"://"+u.Host))
	}
	return out, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 10s: %w", key, err)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
