package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/filestore"
)

// API holds the dependencies needed by the credential and RPC handlers.
type API struct {
	auth   *auth.Service
	files  filestore.Store
	logger *slog.Logger
	audit  *auditLogger
	limits *rateLimits

	trustedProxies []netip.Prefix
	siteURL        *url.URL
	webhookURL     string
	webhookAuth    string
	alertFn        AlertFunc

	// disableTwoFactor leaves the /two-factor routes unregistered.
	disableTwoFactor bool
	// homePage and errorPage are the fallback redirect targets; errorPage
	// receives ?error=CODE when a redirecting flow fails.
	homePage  string
	errorPage string

	stopOnce sync.Once
	stopCh   chan struct{}
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit logging.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTrustedProxies parses CIDRs (bare addresses become /32 or /128) whose
// forwarding headers are honoured when resolving the client IP.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAuditWebhook forwards every audit event to url. authHeader, when set,
// is a "Header: Value" pair added to each request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithAlertFunc registers a callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTwoFactorDisabled leaves the two-factor routes unregistered so they
// answer 404.
func WithTwoFactorDisabled() Option {
	return func(a *API) {
		a.disableTwoFactor = true
	}
}

// WithSiteURL sets the public origin used to validate absolute redirect
// targets.
func WithSiteURL(site *url.URL) Option {
	return func(a *API) {
		a.siteURL = site
	}
}

// WithPages overrides the default signed-in and signed-out landing pages.
func WithPages(authenticated, unauthenticated string) Option {
	return func(a *API) {
		if authenticated != "" {
			a.homePage = authenticated
		}
		if unauthenticated != "" {
			a.errorPage = unauthenticated
		}
	}
}

// New creates a new API instance.
func New(svc *auth.Service, files filestore.Store, opts ...Option) *API {
	a := &API{
		auth:      svc,
		files:     files,
		limits:    newRateLimits(),
		homePage:  "/dashboard",
		errorPage: "/auth/sign-in",
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.clientIP = a.extractClientIP
	a.audit.metrics = newMetricsCollector(a.alertFn)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	go a.sweepLimits()
	return a
}

func (a *API) sweepLimits() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limits.sweep()
		case <-a.stopCh:
			return
		}
	}
}

// Close stops background work and drains the audit webhook queue.
func (a *API) Close() {
	a.stopOnce.Do(func() {
		if a.stopCh != nil {
			close(a.stopCh)
		}
		if a.audit != nil && a.audit.webhook != nil {
			a.audit.webhook.close()
		}
	})
}

// Router returns a chi.Router with all API routes mounted. It is meant to be
// mounted at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(Tracing)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.With(docsCSP).Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.With(docsCSP).Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Use(a.CSRFMiddleware)

		r.Post("/sign-up/email", a.SignUp)
		r.Post("/sign-in/email", a.SignIn)
		r.Post("/sign-out", a.SignOut)
		r.Get("/get-session", a.GetSession)
		r.Post("/request-password-reset", a.RequestPasswordReset)
		r.Get("/reset-password/{token}", a.ResetPasswordLink)
		r.Post("/reset-password", a.ResetPassword)
		r.Post("/send-verification-email", a.SendVerificationEmail)
		r.Get("/verify-email", a.VerifyEmail)
		r.Get("/delete-user/callback", a.DeleteUserCallback)
		r.Get("/sign-in/social/{provider}", a.SocialSignIn)
		r.Get("/callback/{provider}", a.SocialCallback)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireSession)
			r.Get("/list-sessions", a.ListSessions)
			r.Post("/revoke-session", a.RevokeSession)
			r.Post("/revoke-other-sessions", a.RevokeOtherSessions)
			r.Post("/revoke-sessions", a.RevokeSessions)
			r.Post("/change-password", a.ChangePassword)
			r.Post("/change-email", a.ChangeEmail)
			r.Post("/update-user", a.UpdateUser)
			r.Post("/delete-user", a.DeleteUser)
		})

		if !a.disableTwoFactor {
			r.Route("/two-factor", func(r chi.Router) {
				r.With(a.RequireSession).Post("/enable", a.EnableTwoFactor)
				r.With(a.RequireSession).Post("/get-totp-uri", a.GetTOTPURI)
				r.With(a.RequireSession).Post("/generate-backup-codes", a.GenerateBackupCodes)
				r.With(a.RequireSession).Post("/disable", a.DisableTwoFactor)
				r.Post("/verify-totp", a.VerifyTOTP)
				r.Post("/verify-backup-code", a.VerifyBackupCode)
			})
		}
	})

	r.Route("/rpc", func(r chi.Router) {
		r.Use(a.CSRFMiddleware)
		r.Use(a.requireRPCSession)

		r.Get("/user.getProfile", a.rpcGetProfile)
		r.Post("/user.updateProfile", a.rpcUpdateProfile)
		r.Post("/user.changePassword", a.rpcChangePassword)
		r.Post("/user.deleteAccount", a.rpcDeleteAccount)
		r.Get("/user.listTwoFactorBackupCodes", a.rpcListBackupCodes)
		r.Post("/user.uploadAvatar", a.rpcUploadAvatar)
		r.Post("/user.deleteAvatar", a.rpcDeleteAvatar)
	})

	return r
}
