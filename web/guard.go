package web

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/filestore"
)

// Pages are the redirect targets of the guard.
type Pages struct {
	Authenticated   string
	Unauthenticated string
}

// Sessions is the part of the credential service the guard needs.
type Sessions interface {
	GetSession(ctx context.Context, token string) (*auth.SessionResult, error)
	ChallengeValid(ctx context.Context, token string) bool
}

var (
	protectedPrefixes = []string{"/dashboard", "/settings"}
	publicOnlyPages   = []string{"/auth/sign-in", "/auth/sign-up", "/auth/forgot-password", "/auth/2fa"}
)

// Site routes the browser pages.
type Site struct {
	sessions Sessions
	files    filestore.Store
	pages    Pages
	shell    http.Handler
	logger   *slog.Logger
}

// New builds the site. files may be nil; avatars are only served when it is
// the local provider.
func New(sessions Sessions, files filestore.Store, cfg ShellConfig, logger *slog.Logger) (*Site, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pages.Authenticated == "" {
		cfg.Pages.Authenticated = "/dashboard"
	}
	if cfg.Pages.Unauthenticated == "" {
		cfg.Pages.Unauthenticated = "/auth/sign-in"
	}
	shell, err := Handler(cfg)
	if err != nil {
		return nil, err
	}
	return &Site{
		sessions: sessions,
		files:    files,
		pages:    cfg.Pages,
		shell:    shell,
		logger:   logger.With("component", "web"),
	}, nil
}

// Router returns the page routes. Mount it at the root, after /api.
func (s *Site) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/auth", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/auth/sign-in", http.StatusFound)
	})

	if local, ok := s.files.(*filestore.Local); ok {
		dir := filepath.Join(local.Root(), "avatars")
		r.Handle(filestore.PublicPrefix+"*", http.StripPrefix(filestore.PublicPrefix, noDirListing(http.FileServer(http.Dir(dir)))))
	}

	pages := s.Guard(s.shell)
	r.Get("/", pages.ServeHTTP)
	r.NotFound(pages.ServeHTTP)
	return r
}

// Guard redirects page requests by session state:
//   - protected pages without a session go to the unauthenticated page;
//   - public-only pages with a session go to the authenticated page;
//   - the two-factor page needs a live challenge cookie.
func (s *Site) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimSuffix(r.URL.Path, "/")
		switch {
		case isProtected(p):
			if !s.signedIn(r) {
				http.Redirect(w, r, s.pages.Unauthenticated, http.StatusFound)
				return
			}
		case isPublicOnly(p):
			if s.signedIn(r) {
				http.Redirect(w, r, s.pages.Authenticated, http.StatusFound)
				return
			}
			if p == "/auth/2fa" && !s.challengeLive(r) {
				http.Redirect(w, r, s.pages.Unauthenticated, http.StatusFound)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Site) signedIn(r *http.Request) bool {
	c, err := r.Cookie(api.SessionCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	_, err = s.sessions.GetSession(r.Context(), c.Value)
	if err != nil {
		if _, coded := auth.AsError(err); !coded {
			s.logger.Warn("session lookup failed", "error", err)
		}
		return false
	}
	return true
}

func (s *Site) challengeLive(r *http.Request) bool {
	c, err := r.Cookie(api.TwoFactorCookieName)
	if err != nil || c.Value == "" {
		return false
	}
	return s.sessions.ChallengeValid(r.Context(), c.Value)
}

func isProtected(p string) bool {
	for _, prefix := range protectedPrefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

func isPublicOnly(p string) bool {
	for _, page := range publicOnlyPages {
		if p == page {
			return true
		}
	}
	return false
}

// noDirListing hides directory indexes of the uploads directory.
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
		next.ServeHTTP(w, r)
	})
}
