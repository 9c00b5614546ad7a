package api

import (
	"net/http"
	"time"

	"github.com/jmcleod/gatehouse/internal/util"
)

const (
	CSRFCookieName = "gatehouse.csrf_token"
	CSRFHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie protection on mutating
// requests that carry a session cookie. Safe methods and requests without a
// session cookie pass through: a cross-origin attacker can neither read the
// CSRF cookie nor ride a session that does not exist.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if cookieValue(r, SessionCookieName) == "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie := cookieValue(r, CSRFCookieName)
		if cookie == "" {
			writeError(w, http.StatusForbidden, "CSRF_TOKEN_MISSING", "Missing CSRF token")
			return
		}
		if !util.EqualStrings(cookie, r.Header.Get(CSRFHeaderName)) {
			writeError(w, http.StatusForbidden, "CSRF_TOKEN_INVALID", "Invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the double-submit cookie. It is readable from script
// so the browser app (and the Go client) can echo it in X-CSRF-Token.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request) {
	token, err := util.RandomToken(32)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
