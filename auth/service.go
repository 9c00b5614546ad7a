// Package auth implements the credential service behind /api/auth: email and
// password accounts, sessions, email verification, password reset, two-factor
// authentication, account deletion and social sign-in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/mail"
	"github.com/jmcleod/gatehouse/store"
)

const (
	// shortSessionTTL is the server-side lifetime of a session created with
	// rememberMe=false. Such sessions are never extended.
	shortSessionTTL = 24 * time.Hour

	resetTokenTTL         = time.Hour
	deleteTokenTTL        = 24 * time.Hour
	emailTokenTTL         = time.Hour
	twoFactorChallengeTTL = 10 * time.Minute
	trustedDeviceTTL      = 30 * 24 * time.Hour
	oauthStateTTL         = 10 * time.Minute

	maxTwoFactorAttempts = 5
	janitorInterval      = 10 * time.Minute

	verificationResetPassword = "reset-password:"
	verificationDeleteAccount = "delete-account:"
)

// Config holds the service settings that come from the environment.
type Config struct {
	AppName string
	// BaseURL is the externally visible origin used to build emailed links.
	BaseURL                  string
	RequireEmailVerification bool
	SessionExpiresIn         time.Duration
	SessionUpdateAge         time.Duration
	// PasswordMinEntropyBits enables the entropy check when > 0.
	PasswordMinEntropyBits float64
	// TwoFactorIssuer labels the authenticator entry. Defaults to AppName.
	TwoFactorIssuer string
}

// RequestInfo describes the client a session is created for.
type RequestInfo struct {
	UserAgent string
	IPAddress string
}

// Service is the credential service.
type Service struct {
	cfg       Config
	store     store.Store
	keyring   *Keyring
	pending   PendingStore
	mailer    mail.Sender
	logger    *slog.Logger
	now       func() time.Time
	params    util.Argon2idParams
	providers map[string]SocialProvider

	beforeDeleteUser func(ctx context.Context, user *store.User) error

	dummyOnce sync.Once
	dummyHash string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source used for expiries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPasswordParams overrides the argon2id cost parameters.
func WithPasswordParams(p util.Argon2idParams) Option {
	return func(s *Service) { s.params = p }
}

// WithBeforeDeleteUser registers a hook run before a user is deleted. An
// error aborts the deletion.
func WithBeforeDeleteUser(fn func(ctx context.Context, user *store.User) error) Option {
	return func(s *Service) { s.beforeDeleteUser = fn }
}

// WithSocialProvider enables sign-in with p.
func WithSocialProvider(p SocialProvider) Option {
	return func(s *Service) { s.providers[p.ID()] = p }
}

// NewService wires the credential service. pending may be nil, in which case
// an in-memory store is used.
func NewService(cfg Config, st store.Store, keyring *Keyring, pending PendingStore, mailer mail.Sender, opts ...Option) (*Service, error) {
	if st == nil || keyring == nil || mailer == nil {
		return nil, errors.New("auth: store, keyring and mailer are required")
	}
	if cfg.SessionExpiresIn <= 0 {
		cfg.SessionExpiresIn = 7 * 24 * time.Hour
	}
	if cfg.SessionUpdateAge <= 0 {
		cfg.SessionUpdateAge = 24 * time.Hour
	}
	if cfg.TwoFactorIssuer == "" {
		cfg.TwoFactorIssuer = cfg.AppName
	}
	if pending == nil {
		pending = NewMemoryPendingStore()
	}
	s := &Service{
		cfg:       cfg,
		store:     st,
		keyring:   keyring,
		pending:   pending,
		mailer:    mailer,
		logger:    slog.Default(),
		now:       time.Now,
		params:    util.DefaultArgon2idParams(),
		providers: make(map[string]SocialProvider),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := util.ValidateArgon2idParams(s.params); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	s.logger = s.logger.With("component", "auth")
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) clock() time.Time { return s.now().UTC() }

// sendMail delivers msg, logging failures instead of surfacing them so that
// responses do not reveal delivery problems for a given address.
func (s *Service) sendMail(ctx context.Context, msg mail.Message, buildErr error) {
	if buildErr != nil {
		s.logger.Error("rendering email", "subject", msg.Subject, "error", buildErr)
		return
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("sending email", "subject", msg.Subject, "error", err)
	}
}

// userPassword checks password against the user's credential account.
func (s *Service) userPassword(ctx context.Context, userID, password string) error {
	acct, err := s.store.CredentialAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidPassword
	}
	if err != nil {
		return err
	}
	ok, err := util.VerifyPassword(password, acct.Password)
	if err != nil {
		return fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) user(ctx context.Context, id string) (*store.User, error) {
	u, err := s.store.UserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// StartJanitor removes expired sessions and verification tokens every ten
// minutes until Close is called.
func (s *Service) StartJanitor() {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweepExpired(context.Background())
			}
		}
	}()
}

func (s *Service) sweepExpired(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	now := s.clock()
	if n, err := s.store.DeleteExpiredSessions(ctx, now); err != nil {
		s.logger.Warn("deleting expired sessions", "error", err)
	} else if n > 0 {
		s.logger.Debug("deleted expired sessions", "count", n)
	}
	if n, err := s.store.DeleteExpiredVerifications(ctx, now); err != nil {
		s.logger.Warn("deleting expired verifications", "error", err)
	} else if n > 0 {
		s.logger.Debug("deleted expired verifications", "count", n)
	}
}

// Close stops the janitor if it was started.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
