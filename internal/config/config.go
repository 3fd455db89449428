package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "MARGINALIA"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "marginalia.db"
	defaultLogLevel          = "info"
	defaultIssuer            = "marginalia-api"
	defaultAudience          = "marginalia-clients"
	defaultTokenTTLMinutes   = 60
	defaultCookieName        = "marginalia_session"
	defaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultAPIBaseURL        = "http://127.0.0.1:8080"
	defaultClientStatePath   = "marginalia-client.db"
	defaultClientTimeoutSecs = 30
	defaultFocusAttempts     = 30
	defaultFocusIntervalMs   = 120
)

// AppConfig captures runtime configuration for the annotation API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	CookieName     string
	GoogleClientID string
	GoogleJWKSURL  string
}

// ClientConfig captures configuration for the sync client and headless replay.
type ClientConfig struct {
	APIBaseURL    string
	StatePath     string
	Timeout       time.Duration
	LogLevel      string
	FocusAttempts int
	FocusInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("client.api_base_url", defaultAPIBaseURL)
	configViper.SetDefault("client.state_path", defaultClientStatePath)
	configViper.SetDefault("client.timeout_seconds", defaultClientTimeoutSecs)
	configViper.SetDefault("focus.max_attempts", defaultFocusAttempts)
	configViper.SetDefault("focus.interval_ms", defaultFocusIntervalMs)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		CookieName:     configViper.GetString("auth.cookie_name"),
		GoogleClientID: configViper.GetString("google.client_id"),
		GoogleJWKSURL:  configViper.GetString("google.jwks_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// GoogleSignInEnabled reports whether /auth/google should be served.
func (c AppConfig) GoogleSignInEnabled() bool {
	return strings.TrimSpace(c.GoogleClientID) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.GoogleSignInEnabled() && strings.TrimSpace(c.GoogleJWKSURL) == "" {
		return fmt.Errorf("google.jwks_url is required when google.client_id is set")
	}
	return nil
}

// LoadClient parses sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:    strings.TrimSpace(configViper.GetString("client.api_base_url")),
		StatePath:     configViper.GetString("client.state_path"),
		Timeout:       time.Duration(configViper.GetInt("client.timeout_seconds")) * time.Second,
		LogLevel:      configViper.GetString("log.level"),
		FocusAttempts: configViper.GetInt("focus.max_attempts"),
		FocusInterval: time.Duration(configViper.GetInt("focus.interval_ms")) * time.Millisecond,
	}

	if cfg.APIBaseURL == "" {
		return ClientConfig{}, fmt.Errorf("client.api_base_url is required")
	}
	if strings.TrimSpace(cfg.StatePath) == "" {
		return ClientConfig{}, fmt.Errorf("client.state_path is required")
	}
	if cfg.Timeout <= 0 {
		return ClientConfig{}, fmt.Errorf("client.timeout_seconds must be positive")
	}
	if cfg.FocusAttempts <= 0 || cfg.FocusInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("focus.max_attempts and focus.interval_ms must be positive")
	}
	return cfg, nil
}
