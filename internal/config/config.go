// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environments.
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

const (
	defaultAuthURL     = "https://appcenter.intuit.com/connect/oauth2"
	defaultTokenURL    = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	sandboxAPIBase     = "https://sandbox-quickbooks.api.intuit.com/v3"
	productionAPIBase  = "https://quickbooks.api.intuit.com/v3"
	defaultRedirectURI = "http://localhost:8000/callback"
)

// DB holds PostgreSQL connection settings.
type DB struct {
	URL      string // overrides the discrete fields when set
	User     string
	Password string
	Host     string
	Port     int
	Name     string
	SSLMode  string
}

// DSN returns a pgx-compatible connection URL.
func (d DB) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// Config is the full service configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Environment  string
	StateKey     string
	AuthURL      string
	TokenURL     string
	APIBase      string
	TokenKey     string

	DB DB

	HTTPAddr          string
	TrustProxy        bool
	HTTPClientTimeout time.Duration
	ShutdownTimeout   time.Duration

	LogLevel       string
	LogDevelopment bool
	LogFile        string

	TokenRefreshMargin time.Duration
	SyncMaxAge         time.Duration
	QBOMinorVersion    int
	QBOPageSize        int
	RetryMax           int

	RedisAddr       string
	ForceSyncLimit  int
	ForceSyncWindow time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvSandbox)
	v.SetDefault("redirect_uri", defaultRedirectURI)
	v.SetDefault("auth_base", defaultAuthURL)
	v.SetDefault("token_url", defaultTokenURL)

	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "postgres")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_name", "quickbooks")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("http_addr", ":8000")
	v.SetDefault("trust_proxy", false)
	v.SetDefault("http_client_timeout", 30*time.Second)
	v.SetDefault("shutdown_timeout", 15*time.Second)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)

	v.SetDefault("token_refresh_margin", 5*time.Minute)
	v.SetDefault("sync_max_age", time.Hour)
	v.SetDefault("qbo_minor_version", 75)
	v.SetDefault("qbo_page_size", 1000)
	v.SetDefault("retry_max", 3)

	v.SetDefault("force_sync_limit", 10)
	v.SetDefault("force_sync_window", time.Minute)
}

// Load reads settings from the environment, overlaying envFile when it exists.
// An empty envFile skips the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &nf) {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	c := &Config{
		ClientID:     v.GetString("client_id"),
		ClientSecret: v.GetString("client_secret"),
		RedirectURI:  v.GetString("redirect_uri"),
		Environment:  strings.ToLower(strings.TrimSpace(v.GetString("environment"))),
		StateKey:     v.GetString("state"),
		AuthURL:      v.GetString("auth_base"),
		TokenURL:     v.GetString("token_url"),
		APIBase:      v.GetString("api_base"),
		TokenKey:     v.GetString("token_key"),
		DB: DB{
			URL:      v.GetString("database_url"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			Host:     v.GetString("db_host"),
			Port:     v.GetInt("db_port"),
			Name:     v.GetString("db_name"),
			SSLMode:  v.GetString("db_sslmode"),
		},
		HTTPAddr:           v.GetString("http_addr"),
		TrustProxy:         v.GetBool("trust_proxy"),
		HTTPClientTimeout:  v.GetDuration("http_client_timeout"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		LogLevel:           v.GetString("log_level"),
		LogDevelopment:     v.GetBool("log_development"),
		LogFile:            v.GetString("log_file"),
		TokenRefreshMargin: v.GetDuration("token_refresh_margin"),
		SyncMaxAge:         v.GetDuration("sync_max_age"),
		QBOMinorVersion:    v.GetInt("qbo_minor_version"),
		QBOPageSize:        v.GetInt("qbo_page_size"),
		RetryMax:           v.GetInt("retry_max"),
		RedisAddr:          v.GetString("redis_addr"),
		ForceSyncLimit:     v.GetInt("force_sync_limit"),
		ForceSyncWindow:    v.GetDuration("force_sync_window"),
	}

	if c.APIBase == "" {
		c.APIBase = sandboxAPIBase
		if c.Environment == EnvProduction {
			c.APIBase = productionAPIBase
		}
	}
	if c.TokenKey == "" {
		c.TokenKey = c.ClientSecret
	}
	if c.StateKey == "" {
		c.StateKey = c.TokenKey
	}
	return c
}

// ValidateDB checks the settings needed to reach the database.
func (c *Config) ValidateDB() error {
	if c.DB.URL != "" {
		return nil
	}
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT %d out of range", c.DB.Port))
	}
	return errors.Join(errs...)
}

// Validate checks everything the server needs.
func (c *Config) Validate() error {
	errs := []error{c.ValidateDB()}
	if c.ClientID == "" {
		errs = append(errs, errors.New("CLIENT_ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("CLIENT_SECRET is required"))
	}
	if c.RedirectURI == "" {
		errs = append(errs, errors.New("REDIRECT_URI is required"))
	}
	if c.Environment != EnvSandbox && c.Environment != EnvProduction {
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be %q or %q, got %q", EnvSandbox, EnvProduction, c.Environment))
	}
	for name, u := range map[string]string{"AUTH_BASE": c.AuthURL, "TOKEN_URL": c.TokenURL, "API_BASE": c.APIBase} {
		if pu, err := url.Parse(u); err != nil || pu.Scheme == "" || pu.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, u))
		}
	}
	for name, d := range map[string]time.Duration{
		"HTTP_CLIENT_TIMEOUT": c.HTTPClientTimeout,
		"SHUTDOWN_TIMEOUT":    c.ShutdownTimeout,
		"SYNC_MAX_AGE":        c.SyncMaxAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.TokenRefreshMargin < 0 {
		errs = append(errs, errors.New("TOKEN_REFRESH_MARGIN must not be negative"))
	}
	if c.RetryMax < 0 {
		errs = append(errs, errors.New("RETRY_MAX must not be negative"))
	}
	if c.QBOPageSize <= 0 || c.QBOPageSize > 1000 {
		errs = append(errs, fmt.Errorf("QBO_PAGE_SIZE must be in 1..1000, got %d", c.QBOPageSize))
	}
	if c.ForceSyncLimit > 0 && c.ForceSyncWindow <= 0 {
		errs = append(errs, errors.New("FORCE_SYNC_WINDOW must be positive when FORCE_SYNC_LIMIT is set"))
	}
	return errors.Join(errs...)
}
