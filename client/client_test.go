package client_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/client"
	"github.com/jmcleod/gatehouse/filestore"
	"github.com/jmcleod/gatehouse/flow"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/mail"
	"github.com/jmcleod/gatehouse/store"
)

const testPassword = "Passw0rd!"

type outbox struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (o *outbox) Send(_ context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

func (o *outbox) lastLink(t *testing.T) *url.URL {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent)
	u, err := url.Parse(linkPattern.FindString(o.sent[len(o.sent)-1].Text))
	require.NoError(t, err)
	return u
}

type notes struct {
	mu    sync.Mutex
	items []string
	moves []string
}

func (n *notes) Notify(level flow.Level, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, level.String()+": "+msg)
}

func (n *notes) Push(p string)    { n.mu.Lock(); n.moves = append(n.moves, p); n.mu.Unlock() }
func (n *notes) Replace(p string) { n.mu.Lock(); n.moves = append(n.moves, p); n.mu.Unlock() }

func setup(t *testing.T) (string, *outbox, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "client.db")})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	keyring, err := auth.NewKeyring("an-auth-secret-that-is-long-enough-for-tests")
	require.NoError(t, err)
	uploads := t.TempDir()
	files, err := filestore.NewLocal(uploads)
	require.NoError(t, err)

	box := &outbox{}
	fast := util.Argon2idParams{Time: 1, MemoryKiB: util.MinArgon2MemoryKiB, Parallelism: 1, KeyLen: 32}
	svc, err := auth.NewService(auth.Config{AppName: "Gatehouse", BaseURL: "http://gatehouse.test"},
		st, keyring, nil, box, auth.WithPasswordParams(fast))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	a := api.New(svc, files)
	t.Cleanup(a.Close)
	r := chi.NewRouter()
	r.Mount("/api", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL, box, uploads
}

func newClient(t *testing.T, baseURL string) *client.Client {
	t.Helper()
	c, err := client.New(baseURL)
	require.NoError(t, err)
	return c
}

func signUp(t *testing.T, c *client.Client) {
	t.Helper()
	_, err := c.SignUp(context.Background(), api.SignUpRequest{Name: "Jane", Email: "jane@example.com", Password: testPassword})
	require.NoError(t, err)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := client.New("ftp://example.com")
	assert.Error(t, err)
}

func TestClient_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	baseURL, _, _ := setup(t)
	c := newClient(t, baseURL)

	cur, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	signUp(t, c)
	cur, err = c.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "jane@example.com", cur.User.Email)
	assert.NotEmpty(t, c.Cookie(api.CSRFCookieName))

	require.NoError(t, c.SignOut(ctx))
	cur, err = c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = c.SignIn(ctx, api.SignInRequest{Email: "jane@example.com", Password: "wrong"})
	require.ErrorIs(t, err, auth.ErrInvalidEmailOrPassword)
	ae, ok := auth.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 401, ae.Status)
}

func TestClient_RPCErrors(t *testing.T) {
	ctx := context.Background()
	baseURL, _, _ := setup(t)
	c := newClient(t, baseURL)

	_, err := c.GetProfile(ctx)
	var rpcErr *api.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "UNAUTHORIZED", rpcErr.Code)

	signUp(t, c)
	_, err = c.UpdateProfile(ctx, api.UpdateProfileInput{Name: "", Email: "jane@example.com"})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "BAD_REQUEST", rpcErr.Code)
	assert.Equal(t, "Name is required", rpcErr.Message)

	_, err = c.DeleteAvatar(ctx)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "NOT_FOUND", rpcErr.Code)
}

func TestFlows_SessionListOverHTTP(t *testing.T) {
	ctx := context.Background()
	baseURL, _, _ := setup(t)
	owner := newClient(t, baseURL)
	signUp(t, owner)
	for i := 0; i < 2; i++ {
		other := newClient(t, baseURL)
		_, err := other.SignIn(ctx, api.SignInRequest{Email: "jane@example.com", Password: testPassword})
		require.NoError(t, err)
	}

	n := &notes{}
	list := flow.NewSessionList(owner, flow.NewSessionContext(owner), n)
	require.NoError(t, list.Load(ctx))
	rows := list.Rows()
	require.Len(t, rows, 3)

	var revocable []flow.SessionRow
	for _, r := range rows {
		if r.CanRevoke {
			revocable = append(revocable, r)
		} else {
			assert.True(t, r.Current)
			assert.ErrorIs(t, list.Revoke(ctx, r.Session.Token), flow.ErrCurrentSession)
		}
	}
	require.Len(t, revocable, 2)

	require.NoError(t, list.Revoke(ctx, revocable[0].Session.Token))
	assert.Len(t, list.Rows(), 2)
}

func TestFlows_EnableTwoFactorOverHTTP(t *testing.T) {
	ctx := context.Background()
	baseURL, _, _ := setup(t)
	c := newClient(t, baseURL)
	signUp(t, c)

	n := &notes{}
	sess := flow.NewSessionContext(c)
	enable := flow.NewTwoFactorEnable(c, sess, n, "Gatehouse")

	enable.SetPassword("wrong-password")
	require.Error(t, enable.SubmitPassword(ctx))
	assert.Empty(t, enable.Secret())

	enable.SetPassword(testPassword)
	require.NoError(t, enable.SubmitPassword(ctx))
	secret := enable.Secret()
	require.NotEmpty(t, secret)
	require.NoError(t, enable.Continue())

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	enable.SetCode(code)
	require.NoError(t, enable.SubmitCode(ctx))
	assert.Equal(t, flow.EnableDone, enable.State())

	cur, ok := sess.Cached()
	require.True(t, ok)
	assert.True(t, cur.User.TwoFactorEnabled)

	codes := flow.NewBackupCodes(c, n)
	require.NoError(t, codes.Load(ctx))
	codes.SetVisible(true)
	assert.NotEmpty(t, codes.Codes())
}

func TestFlows_AvatarOverHTTP(t *testing.T) {
	ctx := context.Background()
	baseURL, _, uploads := setup(t)
	c := newClient(t, baseURL)
	signUp(t, c)

	avatar := flow.NewAvatar(c, flow.NewSessionContext(c), &notes{})
	first, err := avatar.Upload(ctx, "a.png", "image/png", []byte("\x89PNG\r\n\x1a\nfirst"))
	require.NoError(t, err)
	second, err := avatar.Upload(ctx, "b.png", "image/png", []byte("\x89PNG\r\n\x1a\nsecond"))
	require.NoError(t, err)

	profile, err := c.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, profile.Image)
	assert.NoFileExists(t, filepath.Join(uploads, "avatars", path.Base(first)))
	assert.FileExists(t, filepath.Join(uploads, "avatars", path.Base(second)))

	_, err = avatar.Upload(ctx, "huge.png", "image/png", bytes.Repeat([]byte{0}, filestore.MaxAvatarSize+1))
	assert.ErrorIs(t, err, flow.ErrInvalid)
}

func TestFlows_ResetPasswordOverHTTP(t *testing.T) {
	ctx := context.Background()
	baseURL, box, _ := setup(t)
	c := newClient(t, baseURL)
	signUp(t, c)

	forgot := flow.NewForgotPassword(c, &notes{})
	forgot.SetEmail("jane@example.com")
	require.NoError(t, forgot.Submit(ctx))
	require.True(t, forgot.Submitted())

	link := box.lastLink(t)
	page, err := c.OpenResetLink(ctx, path.Base(link.Path), "/auth/reset-password")
	require.NoError(t, err)
	assert.Equal(t, "/auth/reset-password", page.Path)

	reset := flow.NewResetPassword(c, &notes{}, page.Query())
	reset.SetPassword("N3w-password!")
	reset.SetConfirmPassword("N3w-password!")
	require.NoError(t, reset.Submit(ctx))
	assert.Equal(t, flow.ResetSuccess, reset.State())

	// The token is single use.
	again := flow.NewResetPassword(c, &notes{}, page.Query())
	again.SetPassword("An0ther-password!")
	again.SetConfirmPassword("An0ther-password!")
	assert.ErrorIs(t, again.Submit(ctx), flow.ErrInvalidLink)
	assert.Equal(t, flow.ResetInvalidLink, again.State())

	fresh := newClient(t, baseURL)
	_, err = fresh.SignIn(ctx, api.SignInRequest{Email: "jane@example.com", Password: "N3w-password!"})
	require.NoError(t, err)
}
