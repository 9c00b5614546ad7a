package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var fixedTime = time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)

func TestSafeRedirect(t *testing.T) {
	site, _ := url.Parse("https://app.example.com")
	a := &API{siteURL: site}

	tests := []struct {
		target string
		want   string
	}{
		{"", "/fallback"},
		{"/dashboard", "/dashboard"},
		{"/settings/security?tab=2fa", "/settings/security?tab=2fa"},
		{"//evil.example.com/x", "/fallback"},
		{"/\\evil.example.com", "/fallback"},
		{"https://app.example.com/dashboard", "https://app.example.com/dashboard"},
		{"https://evil.example.com/dashboard", "/fallback"},
		{"http://app.example.com/dashboard", "/fallback"},
		{"javascript:alert(1)", "/fallback"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, a.safeRedirect(tc.target, "/fallback"), tc.target)
	}

	assert.Equal(t, "/fallback", (&API{}).safeRedirect("https://app.example.com/x", "/fallback"))
}

func TestWithQuery(t *testing.T) {
	assert.Equal(t, "/auth/reset-password?token=abc", withQuery("/auth/reset-password", "token", "abc"))
	assert.Equal(t, "https://app.example.com/x?a=1&error=INVALID_TOKEN",
		withQuery("https://app.example.com/x?a=1", "error", "INVALID_TOKEN"))
}

func TestRequestIsSecure(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, requestIsSecure(r))
	r.Header.Set("X-Forwarded-Proto", "https")
	assert.True(t, requestIsSecure(r))

	r = httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	assert.True(t, requestIsSecure(r))
}

func TestSessionCookieLifetime(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	w := httptest.NewRecorder()
	writeSessionCookie(w, r, "tok", fixedTime, false)
	cookies := w.Result().Cookies()
	assert.Len(t, cookies, 2)
	for _, c := range cookies {
		if c.Name == SessionCookieName {
			assert.True(t, c.Expires.IsZero(), "browser-session cookie without rememberMe")
			assert.True(t, c.HttpOnly)
		}
		if c.Name == CSRFCookieName {
			assert.False(t, c.HttpOnly)
		}
	}

	w = httptest.NewRecorder()
	writeSessionCookie(w, r, "tok", fixedTime, true)
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			assert.True(t, c.Expires.Equal(fixedTime))
		}
	}
}
