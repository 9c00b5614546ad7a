package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/auth"
)

type contextKey int

const sessionKey contextKey = iota

// Cookie names. The session and two-factor cookies are read by the page
// guard in package web as well.
const (
	SessionCookieName       = "gatehouse.session_token"
	TwoFactorCookieName     = "gatehouse.two_factor"
	TrustDeviceCookieName   = "gatehouse.trust_device"
	twoFactorCookieLifetime = 10 * time.Minute
)

func setCookie(w http.ResponseWriter, r *http.Request, name, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// writeSessionCookie sets the session cookie. Without rememberMe it is a
// browser-session cookie.
func writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time, rememberMe bool) {
	if !rememberMe {
		expiresAt = time.Time{}
	}
	setCookie(w, r, SessionCookieName, token, expiresAt)
	writeCSRFCookie(w, r)
}

func clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, r, SessionCookieName)
	clearCSRFCookie(w, r)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func (a *API) requestInfo(r *http.Request) auth.RequestInfo {
	return auth.RequestInfo{
		UserAgent: r.UserAgent(),
		IPAddress: a.extractClientIP(r),
	}
}

// lookupSession resolves the session cookie. A missing or dead session
// yields auth.ErrUnauthorized.
func (a *API) lookupSession(r *http.Request) (*auth.SessionResult, error) {
	token := cookieValue(r, SessionCookieName)
	if token == "" {
		return nil, auth.ErrUnauthorized
	}
	return a.auth.GetSession(r.Context(), token)
}

// RequireSession rejects requests without a live session and stores the
// session on the request context.
func (a *API) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := a.lookupSession(r)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				clearCookie(w, r, SessionCookieName)
			}
			mapError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, res)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionFromContext returns the session stored by RequireSession or
// requireRPCSession.
func sessionFromContext(ctx context.Context) *auth.SessionResult {
	res, _ := ctx.Value(sessionKey).(*auth.SessionResult)
	return res
}

// safeRedirect returns target when it is a local path or shares the
// configured site origin, and fallback otherwise.
func (a *API) safeRedirect(target, fallback string) string {
	if target == "" {
		return fallback
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\") {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || a.siteURL == nil {
		return fallback
	}
	if strings.EqualFold(u.Scheme, a.siteURL.Scheme) && strings.EqualFold(u.Host, a.siteURL.Host) {
		return target
	}
	return fallback
}

// withQuery appends key=value to target's query string.
func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
