package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/gatehouse/auth"
)

// SocialSignIn handles GET /auth/sign-in/social/{provider} by redirecting
// the browser to the provider's consent page.
func (a *API) SocialSignIn(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	callback := a.safeRedirect(r.URL.Query().Get("callbackURL"), a.homePage)
	target, err := a.auth.SocialAuthorizeURL(r.Context(), provider, callback)
	if err != nil {
		mapError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// SocialCallback handles GET /auth/callback/{provider}. Failures land on
// the sign-in page with ?error=CODE.
func (a *API) SocialCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	if q.Get("error") != "" {
		a.audit.logFailure(AuditSignInFailure, r, "provider_denied", slog.String("provider", provider))
		a.redirectError(w, r, a.errorPage, auth.ErrSocialSignInFailed)
		return
	}

	res, err := a.auth.SocialCallback(r.Context(), provider, q.Get("code"), q.Get("state"), a.requestInfo(r))
	if err != nil {
		if ae, ok := auth.AsError(err); ok {
			a.audit.logFailure(AuditSignInFailure, r, ae.Code, slog.String("provider", provider))
		}
		a.redirectError(w, r, a.errorPage, err)
		return
	}
	writeSessionCookie(w, r, res.Session.Token, res.Session.ExpiresAt, true)
	a.audit.logEvent(AuditSocialSignIn, r, res.User.ID,
		slog.String("provider", provider),
		slog.Bool("new_user", res.NewUser),
	)
	http.Redirect(w, r, a.safeRedirect(res.CallbackURL, a.homePage), http.StatusFound)
}
