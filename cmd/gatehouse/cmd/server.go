package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/filestore"
	"github.com/jmcleod/gatehouse/internal/config"
	"github.com/jmcleod/gatehouse/internal/telemetry"
	"github.com/jmcleod/gatehouse/mail"
	bboltstorage "github.com/jmcleod/gatehouse/storage/bbolt"
	pgstorage "github.com/jmcleod/gatehouse/storage/postgres"
	"github.com/jmcleod/gatehouse/store"
	"github.com/jmcleod/gatehouse/web"
)

var (
	addr    string
	tlsCert string
	tlsKey  string
)

const pendingSweepInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the account service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Addr = addr
		}
		logger := newLogger()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := telemetry.Setup(ctx, "gatehouse", Version, cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("flushing traces", "error", err)
			}
		}()

		app, err := newApplication(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		app.StartBackground()

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           app.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if tlsCert != "" || tlsKey != "" {
			if tlsCert == "" || tlsKey == "" {
				return errors.New("--tls-cert and --tls-key must be given together")
			}
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("starting server", "addr", cfg.Addr, "site_url", cfg.SiteURL, "tls", server.TLSConfig != nil)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides ADDR)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}

// application owns every long-lived component of the server. Close releases
// them in reverse order of construction.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.GormStore
	svc     *auth.Service
	api     *api.API
	site    *web.Site
	memory  *auth.MemoryPendingStore
	stopCh  chan struct{}
	closers []func()
}

func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger, stopCh: make(chan struct{})}
	ready := false
	defer func() {
		if !ready {
			app.Close()
		}
	}()

	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	app.store = st
	app.onClose(func() { st.Close() })
	if cfg.Database.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	keyring, err := auth.NewKeyring(cfg.Auth.Secret)
	if err != nil {
		return nil, err
	}

	pending, err := app.openPending(ctx, keyring)
	if err != nil {
		return nil, err
	}

	files, err := filestore.New(ctx, filestore.Config{
		Provider:        filestore.Provider(cfg.Storage.Provider),
		UploadsDir:      cfg.Storage.UploadsDir,
		Bucket:          cfg.Storage.S3Bucket,
		Region:          cfg.Storage.S3Region,
		Endpoint:        cfg.Storage.S3Endpoint,
		AccessKeyID:     cfg.Storage.S3AccessKeyID,
		SecretAccessKey: cfg.Storage.S3SecretKey,
		PublicBaseURL:   cfg.Storage.S3PublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("file storage: %w", err)
	}

	svcOpts := []auth.Option{
		auth.WithLogger(logger),
		auth.WithBeforeDeleteUser(api.AvatarCleanup(files, logger)),
	}
	if cfg.Auth.EnableGoogle {
		svcOpts = append(svcOpts, auth.WithSocialProvider(auth.NewGoogleProvider(cfg.Auth.GoogleClientID, cfg.Auth.GoogleClientSecret)))
	}
	if cfg.Auth.EnableGitHub {
		svcOpts = append(svcOpts, auth.WithSocialProvider(auth.NewGitHubProvider(cfg.Auth.GitHubClientID, cfg.Auth.GitHubClientSecret)))
	}
	svc, err := auth.NewService(auth.Config{
		AppName:                  cfg.AppName,
		BaseURL:                  cfg.Auth.URL,
		RequireEmailVerification: cfg.Auth.RequireEmailVerification,
		SessionExpiresIn:         cfg.Auth.SessionExpiresIn,
		SessionUpdateAge:         cfg.Auth.SessionUpdateAge,
		PasswordMinEntropyBits:   cfg.Auth.PasswordMinEntropyBits,
	}, st, keyring, pending, newMailer(cfg.Mail, logger), svcOpts...)
	if err != nil {
		return nil, err
	}
	app.svc = svc
	app.onClose(svc.Close)

	apiOpts, err := apiOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.api = api.New(svc, files, apiOpts...)
	app.onClose(app.api.Close)

	app.site, err = web.New(svc, files, web.ShellConfig{
		AppName: cfg.AppName,
		Pages: web.Pages{
			Authenticated:   cfg.DefaultAuthenticated,
			Unauthenticated: cfg.DefaultUnauthed,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	ready = true
	return app, nil
}

func (a *application) onClose(fn func()) { a.closers = append(a.closers, fn) }

// openPending selects where two-factor challenges, trusted devices and OAuth
// state are kept.
func (a *application) openPending(ctx context.Context, keyring *auth.Keyring) (auth.PendingStore, error) {
	switch a.cfg.State.Backend {
	case "bbolt":
		repo, err := bboltstorage.NewRepositoryFromFile(a.cfg.State.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("opening state file: %w", err)
		}
		a.onClose(func() { repo.Close() })
		ps, err := auth.NewPersistentPendingStore(ctx, repo, keyring, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(ps.Close)
		return ps, nil
	case "postgres":
		repo, err := pgstorage.NewRepositoryFromDSN(ctx, a.cfg.StateDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("opening state database: %w", err)
		}
		a.onClose(repo.Close)
		ps, err := auth.NewPersistentPendingStore(ctx, repo, keyring, a.logger)
		if err != nil {
			return nil, err
		}
		a.onClose(ps.Close)
		return ps, nil
	default:
		a.memory = auth.NewMemoryPendingStore()
		return a.memory, nil
	}
}

func newMailer(cfg config.Mail, logger *slog.Logger) mail.Sender {
	if cfg.Driver == "smtp" {
		return mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.From)
	}
	return mail.NewLogSender(logger)
}

func apiOptions(cfg *config.Config, logger *slog.Logger) ([]api.Option, error) {
	proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	site, err := url.Parse(cfg.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("SITE_URL: %w", err)
	}
	opts := []api.Option{
		api.WithLogger(logger),
		proxies,
		api.WithSiteURL(site),
		api.WithPages(cfg.DefaultAuthenticated, cfg.DefaultUnauthed),
	}
	if cfg.AuditWebhookURL != "" {
		opts = append(opts, api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookAuth))
	}
	if !cfg.Auth.EnableTwoFactor {
		opts = append(opts, api.WithTwoFactorDisabled())
	}
	return opts, nil
}

// StartBackground starts the session janitor and, for the in-memory state
// backend, the expired-state sweeper.
func (a *application) StartBackground() {
	a.svc.StartJanitor()
	if a.memory == nil {
		return
	}
	stop := a.stopCh
	go func() {
		ticker := time.NewTicker(pendingSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := a.memory.Sweep(); n > 0 {
					a.logger.Debug("swept expired pending state", "count", n)
				}
			}
		}
	}()
	a.onClose(func() { close(stop) })
}

// Handler returns the root router: API under /api, pages everywhere else.
func (a *application) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(api.SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Mount("/api", a.api.Router())
	r.Mount("/", a.site.Router())
	return r
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
