package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "REVISIONS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "revisions.db"
	defaultLogLevel        = "info"
	defaultIssuer          = "revisions-auth"
	defaultAudience        = "revisions-api"
	defaultTokenTTLMinutes = 60
	defaultRetentionLimit  = 0
)

// Configuration keys shared by the CLI flags and the environment.
const (
	KeyHTTPAddress     = "http.address"
	KeyDatabasePath    = "database.path"
	KeyLogLevel        = "log.level"
	KeySigningSecret   = "auth.signing_secret"
	KeyIssuer          = "auth.issuer"
	KeyAudience        = "auth.audience"
	KeyTokenTTLMinutes = "auth.token_ttl_minutes"
	KeyRetentionLimit  = "versioning.retention_limit"
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	RetentionLimit int
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

	configViper.SetDefault(KeyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(KeyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(KeyLogLevel, defaultLogLevel)
	configViper.SetDefault(KeyIssuer, defaultIssuer)
	configViper.SetDefault(KeyAudience, defaultAudience)
	configViper.SetDefault(KeyTokenTTLMinutes, defaultTokenTTLMinutes)
	configViper.SetDefault(KeyRetentionLimit, defaultRetentionLimit)
}

// Load parses runtime configuration from viper. The signing secret is only required by
// commands that issue or validate tokens; see RequireSigningSecret.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString(KeyHTTPAddress),
		DatabasePath:   configViper.GetString(KeyDatabasePath),
		LogLevel:       configViper.GetString(KeyLogLevel),
		SigningSecret:  configViper.GetString(KeySigningSecret),
		Issuer:         configViper.GetString(KeyIssuer),
		Audience:       configViper.GetString(KeyAudience),
		TokenTTL:       time.Duration(configViper.GetInt(KeyTokenTTLMinutes)) * time.Minute,
		RetentionLimit: configViper.GetInt(KeyRetentionLimit),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret fails when no token signing secret is configured.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("%s is required", KeySigningSecret)
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("%s is required", KeyIssuer)
	}
	if strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("%s is required", KeyAudience)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%s must be positive", KeyTokenTTLMinutes)
	}
	if c.RetentionLimit < 0 {
		return fmt.Errorf("%s must not be negative", KeyRetentionLimit)
	}
	return nil
}
