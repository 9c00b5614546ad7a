package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.SessionExpiresIn)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionUpdateAge)
	assert.True(t, cfg.Auth.EnableTwoFactor)
	assert.Equal(t, "/dashboard", cfg.DefaultAuthenticated)
	assert.Equal(t, "/auth/sign-in", cfg.DefaultUnauthed)
	assert.Equal(t, "local", cfg.Storage.Provider)
	assert.Equal(t, cfg.SiteURL, cfg.Auth.URL)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("AUTH_SECRET="+testSecret+"\nAPP_NAME=Acme\n"), 0o600))
	t.Setenv("APP_NAME", "FromEnv")
	t.Cleanup(func() { os.Unsetenv("AUTH_SECRET") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
	assert.Equal(t, "FromEnv", cfg.AppName, "process environment wins over the file")
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("SESSION_EXPIRES_IN", "seven days")
	_, err := Load("")
	assert.ErrorContains(t, err, "parse env")
}

func TestInferDriver(t *testing.T) {
	assert.Equal(t, "pgx", InferDriver("postgres://u:p@localhost/db"))
	assert.Equal(t, "pgx", InferDriver("postgresql://localhost/db"))
	assert.Equal(t, "pgx", InferDriver("host=localhost dbname=app user=x"))
	assert.Equal(t, "sqlite", InferDriver("file:gatehouse.db"))
	assert.Equal(t, "sqlite", InferDriver("/var/lib/gatehouse.db"))
}

func validConfig() *Config {
	return &Config{
		Database: Database{Driver: "sqlite", URL: "file:x.db"},
		Auth: Auth{
			Secret:           testSecret,
			URL:              "http://localhost:8080",
			SessionExpiresIn: 7 * 24 * time.Hour,
			SessionUpdateAge: 24 * time.Hour,
		},
		Storage: Storage{Provider: "local", UploadsDir: "./uploads"},
		Mail:    Mail{Driver: "log"},
		State:   State{Backend: "memory"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "AUTH_SECRET"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "DATABASE_DRIVER"},
		{"update age too long", func(c *Config) { c.Auth.SessionUpdateAge = 30 * 24 * time.Hour }, "SESSION_UPDATE_AGE"},
		{"google without creds", func(c *Config) { c.Auth.EnableGoogle = true }, "AUTH_GOOGLE_CLIENT_ID"},
		{"github without creds", func(c *Config) { c.Auth.EnableGitHub = true }, "AUTH_GITHUB_CLIENT_ID"},
		{"s3 without bucket", func(c *Config) { c.Storage.Provider = "s3" }, "S3_BUCKET"},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "gcs" }, "STORAGE_PROVIDER"},
		{"smtp without host", func(c *Config) { c.Mail.Driver = "smtp" }, "SMTP_HOST"},
		{"unknown state backend", func(c *Config) { c.State.Backend = "redis" }, "STATE_BACKEND"},
		{"bad proxy", func(c *Config) { c.TrustedProxies = []string{"not-an-ip"} }, "TRUSTED_PROXIES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
	assert.NoError(t, validConfig().Validate())
}

func TestTrustedProxyPrefixes(t *testing.T) {
	c := validConfig()
	c.TrustedProxies = []string{"10.0.0.0/8", " 192.168.1.7 ", "", "::1"}
	prefixes, err := c.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
	assert.Equal(t, "192.168.1.7/32", prefixes[1].String())
	assert.Equal(t, "::1/128", prefixes[2].String())
}

func TestStateDatabaseURL(t *testing.T) {
	c := validConfig()
	c.Database.URL = "postgres://main"
	assert.Equal(t, "postgres://main", c.StateDatabaseURL())
	c.State.DatabaseURL = "postgres://state"
	assert.Equal(t, "postgres://state", c.StateDatabaseURL())
}
