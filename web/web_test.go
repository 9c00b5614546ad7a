package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/filestore"
	"github.com/jmcleod/gatehouse/store"
)

type fakeSessions struct {
	sessions   map[string]bool
	challenges map[string]bool
}

func (f *fakeSessions) GetSession(_ context.Context, token string) (*auth.SessionResult, error) {
	if !f.sessions[token] {
		return nil, auth.ErrUnauthorized
	}
	return &auth.SessionResult{Session: &store.Session{Token: token}, User: &store.User{ID: "u1"}}, nil
}

func (f *fakeSessions) ChallengeValid(_ context.Context, token string) bool {
	return f.challenges[token]
}

func newSite(t *testing.T) (*Site, *filestore.Local) {
	t.Helper()
	files, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)
	sessions := &fakeSessions{
		sessions:   map[string]bool{"live": true},
		challenges: map[string]bool{"pending": true},
	}
	site, err := New(sessions, files, ShellConfig{AppName: "Acme <Accounts>"}, nil)
	require.NoError(t, err)
	return site, files
}

func get(t *testing.T, h http.Handler, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuard_Redirects(t *testing.T) {
	site, _ := newSite(t)
	h := site.Router()
	signedIn := &http.Cookie{Name: api.SessionCookieName, Value: "live"}
	stale := &http.Cookie{Name: api.SessionCookieName, Value: "revoked"}
	challenge := &http.Cookie{Name: api.TwoFactorCookieName, Value: "pending"}
	expired := &http.Cookie{Name: api.TwoFactorCookieName, Value: "gone"}

	tests := []struct {
		name     string
		path     string
		cookies  []*http.Cookie
		location string
	}{
		{"auth root", "/auth", nil, "/auth/sign-in"},
		{"dashboard signed out", "/dashboard", nil, "/auth/sign-in"},
		{"settings signed out", "/settings/sessions", nil, "/auth/sign-in"},
		{"stale session", "/settings/profile", []*http.Cookie{stale}, "/auth/sign-in"},
		{"dashboard signed in", "/dashboard", []*http.Cookie{signedIn}, ""},
		{"sign in while signed in", "/auth/sign-in", []*http.Cookie{signedIn}, "/dashboard"},
		{"sign up while signed in", "/auth/sign-up/", []*http.Cookie{signedIn}, "/dashboard"},
		{"sign in signed out", "/auth/sign-in", nil, ""},
		{"2fa without challenge", "/auth/2fa", nil, "/auth/sign-in"},
		{"2fa with expired challenge", "/auth/2fa", []*http.Cookie{expired}, "/auth/sign-in"},
		{"2fa with challenge", "/auth/2fa", []*http.Cookie{challenge}, ""},
		{"2fa while signed in", "/auth/2fa", []*http.Cookie{signedIn, challenge}, "/dashboard"},
		{"reset page is open", "/auth/reset-password", []*http.Cookie{signedIn}, ""},
		{"landing page", "/", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path, tt.cookies...)
			if tt.location == "" {
				assert.Equal(t, http.StatusOK, rec.Code)
				return
			}
			assert.Equal(t, http.StatusFound, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
		})
	}
}

func TestHandler_ShellAndAssets(t *testing.T) {
	site, _ := newSite(t)
	h := site.Router()

	rec := get(t, h, "/auth/sign-in")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `<meta name="gatehouse-app-name" content="Acme &lt;Accounts&gt;">`)
	assert.Contains(t, body, `<meta name="gatehouse-authenticated-page" content="/dashboard">`)
	assert.Contains(t, body, "<title>Acme &lt;Accounts&gt;</title>")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = get(t, h, "/app.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
}

func TestRouter_ServesLocalAvatars(t *testing.T) {
	site, files := newSite(t)
	h := site.Router()

	url, err := files.Upload(context.Background(), []byte("png-bytes"), "image/png")
	require.NoError(t, err)

	rec := get(t, h, url)
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, get(t, h, "/uploads/avatars/").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/uploads/avatars/missing.png").Code)

	_, err = os.Stat(filepath.Join(files.Root(), "avatars"))
	require.NoError(t, err)
}

func TestRouter_AvatarsNeverServedAsMarkup(t *testing.T) {
	site, files := newSite(t)
	h := site.Router()

	url, err := files.Upload(context.Background(), []byte("<html><script>alert(1)</script></html>"), "image/png")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(url, ".png"))

	rec := get(t, h, url)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	// Files written before extensions were derived from the content type.
	legacy := filepath.Join(files.Root(), "avatars", "1700000000000-legacy.html")
	require.NoError(t, os.WriteFile(legacy, []byte("<script>alert(1)</script>"), 0o644))
	rec = get(t, h, filestore.PublicPrefix+"1700000000000-legacy.html")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "sandbox")
}

func TestRouter_NoAvatarRouteWithoutLocalStore(t *testing.T) {
	site, err := New(&fakeSessions{}, nil, ShellConfig{}, nil)
	require.NoError(t, err)
	rec := get(t, site.Router(), "/uploads/avatars/me.png")
	// Falls through to the app shell.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<div id="root">`)
}
