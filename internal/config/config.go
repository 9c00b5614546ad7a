// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the complete process configuration.
type Config struct {
	Addr string `env:"ADDR" envDefault:":8080"`

	AppName string `env:"APP_NAME" envDefault:"Gatehouse"`
	SiteURL string `env:"SITE_URL" envDefault:"http://localhost:8080"`

	Database Database
	Auth     Auth
	Storage  Storage
	Mail     Mail
	State    State

	TrustedProxies       []string `env:"TRUSTED_PROXIES" envSeparator:","`
	AuditWebhookURL      string   `env:"AUDIT_WEBHOOK_URL"`
	AuditWebhookAuth     string   `env:"AUDIT_WEBHOOK_AUTH_HEADER"`
	OTLPEndpoint         string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	DefaultAuthenticated string   `env:"DEFAULT_AUTHENTICATED_PAGE" envDefault:"/dashboard"`
	DefaultUnauthed      string   `env:"DEFAULT_UNAUTHENTICATED_PAGE" envDefault:"/auth/sign-in"`
}

type Database struct {
	URL          string `env:"DATABASE_URL" envDefault:"file:gatehouse.db"`
	Driver       string `env:"DATABASE_DRIVER"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"10"`
	AutoMigrate  bool   `env:"DATABASE_AUTO_MIGRATE" envDefault:"true"`
}

type Auth struct {
	Secret                   string        `env:"AUTH_SECRET"`
	URL                      string        `env:"AUTH_URL"`
	RequireEmailVerification bool          `env:"AUTH_REQUIRED_EMAIL_VERIFICATION" envDefault:"false"`
	EnableTwoFactor          bool          `env:"AUTH_ENABLE_2FA" envDefault:"true"`
	SessionExpiresIn         time.Duration `env:"SESSION_EXPIRES_IN" envDefault:"168h"`
	SessionUpdateAge         time.Duration `env:"SESSION_UPDATE_AGE" envDefault:"24h"`
	PasswordMinEntropyBits   float64       `env:"PASSWORD_MIN_ENTROPY_BITS" envDefault:"0"`

	EnableGoogle       bool   `env:"AUTH_ENABLE_GOOGLE" envDefault:"false"`
	GoogleClientID     string `env:"AUTH_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"AUTH_GOOGLE_CLIENT_SECRET"`
	EnableGitHub       bool   `env:"AUTH_ENABLE_GITHUB" envDefault:"false"`
	GitHubClientID     string `env:"AUTH_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `env:"AUTH_GITHUB_CLIENT_SECRET"`
}

type Storage struct {
	Provider        string `env:"STORAGE_PROVIDER" envDefault:"local"`
	UploadsDir      string `env:"UPLOADS_DIR" envDefault:"./uploads"`
	S3Bucket        string `env:"S3_BUCKET"`
	S3Region        string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	S3AccessKeyID   string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey     string `env:"S3_SECRET_ACCESS_KEY"`
	S3PublicBaseURL string `env:"S3_PUBLIC_URL"`
}

type Mail struct {
	Driver   string `env:"MAIL_DRIVER" envDefault:"log"`
	From     string `env:"MAIL_FROM" envDefault:"Gatehouse <no-reply@localhost>"`
	SMTPHost string `env:"SMTP_HOST"`
	SMTPPort int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser string `env:"SMTP_USERNAME"`
	SMTPPass string `env:"SMTP_PASSWORD"`
}

// State selects where pending two-factor challenges, trusted devices and
// OAuth state live.
type State struct {
	Backend     string `env:"STATE_BACKEND" envDefault:"memory"`
	Path        string `env:"STATE_PATH" envDefault:"gatehouse-state.db"`
	DatabaseURL string `env:"STATE_DATABASE_URL"`
}

// Load reads envFile (when non-empty and present) into the process
// environment and parses the result. Variables already set in the
// environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = InferDriver(cfg.Database.URL)
	}
	if cfg.Auth.URL == "" {
		cfg.Auth.URL = cfg.SiteURL
	}
	return &cfg, nil
}

// InferDriver picks a database driver from the shape of a DSN.
func InferDriver(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return "pgx"
	default:
		return "sqlite"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("AUTH_SECRET must be at least 32 characters"))
	}
	switch c.Database.Driver {
	case "pgx", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER %q is not one of pgx, postgres, sqlite", c.Database.Driver))
	}
	if c.Auth.SessionExpiresIn <= 0 {
		errs = append(errs, errors.New("SESSION_EXPIRES_IN must be positive"))
	}
	if c.Auth.SessionUpdateAge < 0 || c.Auth.SessionUpdateAge > c.Auth.SessionExpiresIn {
		errs = append(errs, errors.New("SESSION_UPDATE_AGE must be between 0 and SESSION_EXPIRES_IN"))
	}
	if _, err := url.ParseRequestURI(c.Auth.URL); err != nil {
		errs = append(errs, fmt.Errorf("AUTH_URL: %w", err))
	}
	if c.Auth.EnableGoogle && (c.Auth.GoogleClientID == "" || c.Auth.GoogleClientSecret == "") {
		errs = append(errs, errors.New("AUTH_ENABLE_GOOGLE requires AUTH_GOOGLE_CLIENT_ID and AUTH_GOOGLE_CLIENT_SECRET"))
	}
	if c.Auth.EnableGitHub && (c.Auth.GitHubClientID == "" || c.Auth.GitHubClientSecret == "") {
		errs = append(errs, errors.New("AUTH_ENABLE_GITHUB requires AUTH_GITHUB_CLIENT_ID and AUTH_GITHUB_CLIENT_SECRET"))
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.UploadsDir == "" {
			errs = append(errs, errors.New("UPLOADS_DIR is required for the local storage provider"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 storage provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_PROVIDER %q is not one of local, s3", c.Storage.Provider))
	}
	switch c.Mail.Driver {
	case "log":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required for the smtp mail driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("MAIL_DRIVER %q is not one of log, smtp", c.Mail.Driver))
	}
	switch c.State.Backend {
	case "memory":
	case "bbolt":
		if c.State.Path == "" {
			errs = append(errs, errors.New("STATE_PATH is required for the bbolt state backend"))
		}
	case "postgres":
		if c.State.DatabaseURL == "" && c.Database.Driver == "sqlite" {
			errs = append(errs, errors.New("STATE_DATABASE_URL is required for the postgres state backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STATE_BACKEND %q is not one of memory, bbolt, postgres", c.State.Backend))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StateDatabaseURL falls back to DATABASE_URL when no dedicated state DSN is set.
func (c *Config) StateDatabaseURL() string {
	if c.State.DatabaseURL != "" {
		return c.State.DatabaseURL
	}
	return c.Database.URL
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES. Bare addresses are treated
// as single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
