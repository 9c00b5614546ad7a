package auth

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/mail"
	"github.com/jmcleod/gatehouse/store"
)

const testPassword = "Passw0rd!"

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) last(t *testing.T) mail.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "expected an email")
	return m.sent[len(m.sent)-1]
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

// lastLink returns the URL in the most recent email.
func (m *fakeMailer) lastLink(t *testing.T) *url.URL {
	t.Helper()
	raw := linkPattern.FindString(m.last(t).Text)
	require.NotEmpty(t, raw)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type harness struct {
	svc    *Service
	store  *store.GormStore
	mailer *fakeMailer
	mu     sync.Mutex
	now    time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "auth.db") + "?_pragma=foreign_keys(1)"
	st, err := store.Open(ctx, store.Options{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	if cfg.AppName == "" {
		cfg.AppName = "Gatehouse"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	h := &harness{store: st, mailer: &fakeMailer{}, now: time.Now().UTC()}
	pending := NewMemoryPendingStore()
	pending.now = h.clock
	fast := util.Argon2idParams{Time: 1, MemoryKiB: util.MinArgon2MemoryKiB, Parallelism: 1, KeyLen: 32}
	opts = append([]Option{WithClock(h.clock), WithPasswordParams(fast)}, opts...)
	svc, err := NewService(cfg, st, newTestKeyring(t), pending, h.mailer, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	h.svc = svc
	return h
}

func (h *harness) signUp(t *testing.T, email string) *SignInResult {
	t.Helper()
	res, err := h.svc.SignUp(context.Background(), SignUpInput{Name: "Jane", Email: email, Password: testPassword}, RequestInfo{UserAgent: "test"})
	require.NoError(t, err)
	return res
}

func TestSignUpAndSignIn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	res := h.signUp(t, " Jane@Example.com ")
	require.NotNil(t, res.Session)
	assert.Equal(t, "jane@example.com", res.User.Email)
	assert.Equal(t, "Jane", res.User.Name)

	t.Run("Duplicate", func(t *testing.T) {
		_, err := h.svc.SignUp(ctx, SignUpInput{Name: "J", Email: "jane@example.com", Password: testPassword}, RequestInfo{})
		assert.ErrorIs(t, err, ErrUserAlreadyExists)
	})

	t.Run("ShortPassword", func(t *testing.T) {
		_, err := h.svc.SignUp(ctx, SignUpInput{Name: "J", Email: "j2@example.com", Password: "short"}, RequestInfo{})
		assert.ErrorIs(t, err, ErrPasswordTooShort)
	})

	t.Run("LongPassword", func(t *testing.T) {
		_, err := h.svc.SignUp(ctx, SignUpInput{Name: "J", Email: "j3@example.com", Password: strings.Repeat("a", 129)}, RequestInfo{})
		assert.ErrorIs(t, err, ErrPasswordTooLong)
	})

	t.Run("InvalidEmail", func(t *testing.T) {
		_, err := h.svc.SignUp(ctx, SignUpInput{Name: "J", Email: "not-an-email", Password: testPassword}, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidEmail)
	})

	t.Run("SignIn", func(t *testing.T) {
		got, err := h.svc.SignIn(ctx, SignInInput{Email: "JANE@example.com", Password: testPassword, RememberMe: true}, RequestInfo{UserAgent: "ua", IPAddress: "10.0.0.1"})
		require.NoError(t, err)
		require.NotNil(t, got.Session)
		assert.False(t, got.TwoFactorRedirect)
		assert.Equal(t, "ua", got.Session.UserAgent)
		assert.Equal(t, "10.0.0.1", got.Session.IPAddress)
	})

	t.Run("WrongPasswordCreatesNoSession", func(t *testing.T) {
		before, err := h.svc.ListSessions(ctx, res.User.ID)
		require.NoError(t, err)
		_, err = h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: "wrong-password"}, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidEmailOrPassword)
		after, err := h.svc.ListSessions(ctx, res.User.ID)
		require.NoError(t, err)
		assert.Len(t, after, len(before))
	})

	t.Run("UnknownEmail", func(t *testing.T) {
		_, err := h.svc.SignIn(ctx, SignInInput{Email: "nobody@example.com", Password: testPassword}, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidEmailOrPassword)
	})
}

func TestPasswordEntropyPolicy(t *testing.T) {
	h := newHarness(t, Config{PasswordMinEntropyBits: 60})
	_, err := h.svc.SignUp(context.Background(), SignUpInput{Name: "J", Email: "j@example.com", Password: "aaaaaaaa"}, RequestInfo{})
	require.ErrorIs(t, err, ErrPasswordTooWeak)
	ae, ok := AsError(err)
	require.True(t, ok)
	assert.NotEqual(t, ErrPasswordTooWeak.Message, ae.Message)
}

func TestEmailVerificationRequired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{RequireEmailVerification: true})

	res := h.signUp(t, "jane@example.com")
	assert.Nil(t, res.Session)
	assert.Equal(t, mail.SubjectVerifyEmail, h.mailer.last(t).Subject)

	_, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword}, RequestInfo{})
	require.ErrorIs(t, err, ErrEmailNotVerified)
	assert.Equal(t, 2, h.mailer.count(), "sign-in re-sends the link")

	link := h.mailer.lastLink(t)
	assert.Equal(t, "/api/auth/verify-email", link.Path)
	token := link.Query().Get("token")

	got, err := h.svc.VerifyEmail(ctx, token, false, RequestInfo{})
	require.NoError(t, err)
	assert.True(t, got.User.EmailVerified)
	require.NotNil(t, got.Session, "auto sign-in after verification")

	_, err = h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword}, RequestInfo{})
	assert.NoError(t, err)

	t.Run("TamperedToken", func(t *testing.T) {
		_, err := h.svc.VerifyEmail(ctx, token+"x", false, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		h.advance(2 * time.Hour)
		_, err := h.svc.VerifyEmail(ctx, token, false, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestSessionRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{SessionExpiresIn: 7 * 24 * time.Hour, SessionUpdateAge: 24 * time.Hour})
	h.signUp(t, "jane@example.com")

	long, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword, RememberMe: true}, RequestInfo{})
	require.NoError(t, err)
	short, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword}, RequestInfo{})
	require.NoError(t, err)
	assert.WithinDuration(t, h.clock().Add(shortSessionTTL), short.Session.ExpiresAt, time.Second)

	got, err := h.svc.GetSession(ctx, long.Session.Token)
	require.NoError(t, err)
	assert.WithinDuration(t, long.Session.ExpiresAt, got.Session.ExpiresAt, time.Second, "fresh sessions are not touched")

	h.advance(25 * time.Hour)
	got, err = h.svc.GetSession(ctx, long.Session.Token)
	require.NoError(t, err)
	assert.WithinDuration(t, h.clock().Add(7*24*time.Hour), got.Session.ExpiresAt, time.Second)

	_, err = h.svc.GetSession(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRevokeSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	first := h.signUp(t, "jane@example.com")
	userID := first.User.ID
	for range 2 {
		_, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword, RememberMe: true}, RequestInfo{})
		require.NoError(t, err)
	}
	sessions, err := h.svc.ListSessions(ctx, userID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	var others []string
	for _, sess := range sessions {
		if sess.Token != first.Session.Token {
			others = append(others, sess.Token)
		}
	}
	require.Len(t, others, 2)

	require.NoError(t, h.svc.RevokeSession(ctx, userID, others[0]))
	assert.ErrorIs(t, h.svc.RevokeSession(ctx, userID, others[0]), ErrSessionNotFound)
	assert.ErrorIs(t, h.svc.RevokeSession(ctx, "someone-else", others[1]), ErrSessionNotFound)

	n, err := h.svc.RevokeOtherSessions(ctx, userID, first.Session.Token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = h.svc.GetSession(ctx, first.Session.Token)
	require.NoError(t, err)

	n, err = h.svc.RevokeSessions(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, h.svc.SignOut(ctx, "gone"))
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")
	_, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword}, RequestInfo{})
	require.NoError(t, err)

	err = h.svc.ChangePassword(ctx, res.Session, "wrong-password", "N3wPassword!", true)
	require.ErrorIs(t, err, ErrInvalidPassword)

	err = h.svc.ChangePassword(ctx, res.Session, testPassword, "short", true)
	require.ErrorIs(t, err, ErrPasswordTooShort)

	require.NoError(t, h.svc.ChangePassword(ctx, res.Session, testPassword, "N3wPassword!", true))
	sessions, err := h.svc.ListSessions(ctx, res.User.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.Session.Token, sessions[0].Token)

	_, err = h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword}, RequestInfo{})
	assert.ErrorIs(t, err, ErrInvalidEmailOrPassword)
	_, err = h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: "N3wPassword!"}, RequestInfo{})
	assert.NoError(t, err)
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")

	require.NoError(t, h.svc.RequestPasswordReset(ctx, "nobody@example.com", "/auth/reset-password"))
	assert.Equal(t, 0, h.mailer.count(), "unknown emails get no mail")

	require.NoError(t, h.svc.RequestPasswordReset(ctx, "jane@example.com", "/auth/reset-password"))
	msg := h.mailer.last(t)
	assert.Equal(t, mail.SubjectResetPassword, msg.Subject)
	link := h.mailer.lastLink(t)
	require.True(t, strings.HasPrefix(link.Path, "/api/auth/reset-password/"))
	assert.Equal(t, "/auth/reset-password", link.Query().Get("callbackURL"))
	token := strings.TrimPrefix(link.Path, "/api/auth/reset-password/")

	require.NoError(t, h.svc.CheckResetToken(ctx, token))
	assert.ErrorIs(t, h.svc.CheckResetToken(ctx, "bogus"), ErrInvalidToken)

	require.ErrorIs(t, h.svc.ResetPassword(ctx, token, "short"), ErrPasswordTooShort)
	require.NoError(t, h.svc.ResetPassword(ctx, token, "Res3tPassword!"))
	assert.Equal(t, mail.SubjectResetPasswordSuccess, h.mailer.last(t).Subject)

	_, err := h.svc.GetSession(ctx, res.Session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized, "reset revokes every session")

	assert.ErrorIs(t, h.svc.ResetPassword(ctx, token, "An0therPassword!"), ErrInvalidToken, "tokens are single use")
	assert.ErrorIs(t, h.svc.ResetPassword(ctx, "", "An0therPassword!"), ErrInvalidToken)

	_, err = h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: "Res3tPassword!"}, RequestInfo{})
	assert.NoError(t, err)
}

func TestChangeEmail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")
	h.signUp(t, "taken@example.com")

	assert.ErrorIs(t, h.svc.ChangeEmail(ctx, res.User.ID, "JANE@example.com", ""), ErrEmailIsTheSame)
	assert.ErrorIs(t, h.svc.ChangeEmail(ctx, res.User.ID, "taken@example.com", ""), ErrUserAlreadyExists)
	assert.ErrorIs(t, h.svc.ChangeEmail(ctx, res.User.ID, "bad", ""), ErrInvalidEmail)

	require.NoError(t, h.svc.ChangeEmail(ctx, res.User.ID, "new@example.com", "/settings"))
	msg := h.mailer.last(t)
	assert.Equal(t, "new@example.com", msg.To)

	u, err := h.store.UserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", u.Email, "email changes only after verification")

	token := h.mailer.lastLink(t).Query().Get("token")
	got, err := h.svc.VerifyEmail(ctx, token, true, RequestInfo{})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.User.Email)
	assert.True(t, got.User.EmailVerified)
	assert.Nil(t, got.Session)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")
	h.signUp(t, "taken@example.com")

	u, err := h.svc.UpdateProfile(ctx, res.User.ID, "  Jane Doe ", "jane@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", u.Name)

	_, err = h.svc.UpdateProfile(ctx, res.User.ID, "Jane", "taken@example.com", "")
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	image := "/uploads/avatars/a.png"
	u, err = h.svc.UpdateUser(ctx, res.User.ID, nil, &image)
	require.NoError(t, err)
	assert.Equal(t, image, u.Image)
	assert.Equal(t, "Jane Doe", u.Name)
}

func enableTwoFactor(t *testing.T, h *harness, res *SignInResult) string {
	t.Helper()
	ctx := context.Background()
	enabled, err := h.svc.EnableTwoFactor(ctx, res.User.ID, testPassword, "")
	require.NoError(t, err)
	key, err := otp.NewKeyFromURL(enabled.TOTPURI)
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), h.clock())
	require.NoError(t, err)
	_, err = h.svc.VerifyTOTP(ctx, TwoFactorInput{Code: code, Session: res.Session}, RequestInfo{})
	require.NoError(t, err)
	return key.Secret()
}

func TestTwoFactorEnrolment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")

	_, err := h.svc.EnableTwoFactor(ctx, res.User.ID, "wrong-password", "")
	require.ErrorIs(t, err, ErrInvalidPassword)
	_, err = h.svc.ViewBackupCodes(ctx, res.User.ID)
	require.ErrorIs(t, err, ErrTwoFactorNotEnabled, "a wrong password stores no secret")

	enabled, err := h.svc.EnableTwoFactor(ctx, res.User.ID, testPassword, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enabled.TOTPURI, "otpauth://totp/"))
	assert.Len(t, enabled.BackupCodes, backupCodeCount)

	u, err := h.store.UserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.False(t, u.TwoFactorEnabled, "flag waits for the first code")

	_, err = h.svc.VerifyTOTP(ctx, TwoFactorInput{Code: "000000", Session: res.Session}, RequestInfo{})
	require.ErrorIs(t, err, ErrInvalidCode)

	key, err := otp.NewKeyFromURL(enabled.TOTPURI)
	require.NoError(t, err)
	code, err := totp.GenerateCode(key.Secret(), h.clock())
	require.NoError(t, err)
	got, err := h.svc.VerifyTOTP(ctx, TwoFactorInput{Code: code, Session: res.Session}, RequestInfo{})
	require.NoError(t, err)
	assert.True(t, got.User.TwoFactorEnabled)
	assert.Equal(t, res.Session.ID, got.Session.ID)

	uri, err := h.svc.GetTOTPURI(ctx, res.User.ID, testPassword)
	require.NoError(t, err)
	again, err := otp.NewKeyFromURL(uri)
	require.NoError(t, err)
	assert.Equal(t, key.Secret(), again.Secret())

	codes, err := h.svc.ViewBackupCodes(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, enabled.BackupCodes, codes)

	fresh, err := h.svc.GenerateBackupCodes(ctx, res.User.ID, testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, enabled.BackupCodes, fresh)

	_, err = h.svc.GenerateBackupCodes(ctx, res.User.ID, "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	require.ErrorIs(t, h.svc.DisableTwoFactor(ctx, res.User.ID, "wrong-password"), ErrInvalidPassword)
	require.NoError(t, h.svc.DisableTwoFactor(ctx, res.User.ID, testPassword))
	u, err = h.store.UserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.False(t, u.TwoFactorEnabled)
	_, err = h.svc.GenerateBackupCodes(ctx, res.User.ID, testPassword)
	assert.ErrorIs(t, err, ErrTwoFactorNotEnabled)
}

func TestTwoFactorChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")
	secret := enableTwoFactor(t, h, res)

	signIn := func() *SignInResult {
		got, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword, RememberMe: true}, RequestInfo{})
		require.NoError(t, err)
		return got
	}

	t.Run("RedirectsToChallenge", func(t *testing.T) {
		got := signIn()
		assert.True(t, got.TwoFactorRedirect)
		assert.Nil(t, got.Session)
		assert.NotEmpty(t, got.ChallengeToken)
		assert.True(t, h.svc.ChallengeValid(ctx, got.ChallengeToken))
		assert.False(t, h.svc.ChallengeValid(ctx, "bogus"))
	})

	t.Run("MissingChallenge", func(t *testing.T) {
		_, err := h.svc.VerifyTOTP(ctx, TwoFactorInput{Code: "123456"}, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidTwoFactorCookie)
	})

	t.Run("TooManyAttempts", func(t *testing.T) {
		got := signIn()
		in := TwoFactorInput{Code: "000000", ChallengeToken: got.ChallengeToken}
		for i := 0; i < maxTwoFactorAttempts-1; i++ {
			_, err := h.svc.VerifyTOTP(ctx, in, RequestInfo{})
			require.ErrorIs(t, err, ErrInvalidCode)
		}
		_, err := h.svc.VerifyTOTP(ctx, in, RequestInfo{})
		require.ErrorIs(t, err, ErrTooManyAttempts)

		code, err := totp.GenerateCode(secret, h.clock())
		require.NoError(t, err)
		in.Code = code
		_, err = h.svc.VerifyTOTP(ctx, in, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidTwoFactorCookie, "the challenge is gone")
	})

	t.Run("ConcurrentGuessesShareOneBudget", func(t *testing.T) {
		got := signIn()
		in := TwoFactorInput{Code: "000000", ChallengeToken: got.ChallengeToken}

		var mu sync.Mutex
		outcomes := map[error]int{}
		tally := func(err error) {
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrInvalidCode):
				outcomes[ErrInvalidCode]++
			case errors.Is(err, ErrTooManyAttempts):
				outcomes[ErrTooManyAttempts]++
			case errors.Is(err, ErrInvalidTwoFactorCookie):
				outcomes[ErrInvalidTwoFactorCookie]++
			default:
				t.Errorf("unexpected outcome: %v", err)
			}
		}

		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.VerifyTOTP(ctx, in, RequestInfo{})
				tally(err)
			}()
		}
		wg.Wait()

		// Drain whatever budget the concurrent burst left.
		for h.svc.ChallengeValid(ctx, got.ChallengeToken) {
			_, err := h.svc.VerifyTOTP(ctx, in, RequestInfo{})
			tally(err)
		}

		assert.Equal(t, maxTwoFactorAttempts-1, outcomes[ErrInvalidCode], "each wrong code is counted once")
		assert.Equal(t, 1, outcomes[ErrTooManyAttempts])

		code, err := totp.GenerateCode(secret, h.clock())
		require.NoError(t, err)
		in.Code = code
		_, err = h.svc.VerifyTOTP(ctx, in, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidTwoFactorCookie)
	})

	t.Run("TrustDevice", func(t *testing.T) {
		got := signIn()
		code, err := totp.GenerateCode(secret, h.clock())
		require.NoError(t, err)
		passed, err := h.svc.VerifyTOTP(ctx, TwoFactorInput{Code: code, ChallengeToken: got.ChallengeToken, TrustDevice: true}, RequestInfo{})
		require.NoError(t, err)
		require.NotNil(t, passed.Session)
		require.NotEmpty(t, passed.TrustedDeviceToken)
		assert.True(t, passed.RememberMe)
		assert.False(t, h.svc.ChallengeValid(ctx, got.ChallengeToken), "challenges are single use")

		direct, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword, TrustedDeviceToken: passed.TrustedDeviceToken}, RequestInfo{})
		require.NoError(t, err)
		assert.False(t, direct.TwoFactorRedirect)
		assert.NotNil(t, direct.Session)

		h.advance(trustedDeviceTTL + time.Minute)
		expired, err := h.svc.SignIn(ctx, SignInInput{Email: "jane@example.com", Password: testPassword, TrustedDeviceToken: passed.TrustedDeviceToken}, RequestInfo{})
		require.NoError(t, err)
		assert.True(t, expired.TwoFactorRedirect)
	})

	t.Run("BackupCode", func(t *testing.T) {
		codes, err := h.svc.ViewBackupCodes(ctx, res.User.ID)
		require.NoError(t, err)

		got := signIn()
		lower := strings.ToLower(strings.ReplaceAll(codes[0], "-", ""))
		passed, err := h.svc.VerifyBackupCode(ctx, TwoFactorInput{Code: lower, ChallengeToken: got.ChallengeToken}, RequestInfo{})
		require.NoError(t, err)
		assert.NotNil(t, passed.Session)

		remaining, err := h.svc.ViewBackupCodes(ctx, res.User.ID)
		require.NoError(t, err)
		assert.Len(t, remaining, backupCodeCount-1)
		assert.NotContains(t, remaining, codes[0])

		again := signIn()
		_, err = h.svc.VerifyBackupCode(ctx, TwoFactorInput{Code: codes[0], ChallengeToken: again.ChallengeToken}, RequestInfo{})
		assert.ErrorIs(t, err, ErrInvalidBackupCode)
	})
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	var hooked []string
	h := newHarness(t, Config{}, WithBeforeDeleteUser(func(_ context.Context, u *store.User) error {
		hooked = append(hooked, u.ID)
		return nil
	}))
	res := h.signUp(t, "jane@example.com")
	other := h.signUp(t, "other@example.com")

	require.ErrorIs(t, h.svc.RequestDeleteUser(ctx, res.User.ID, "wrong-password", ""), ErrInvalidPassword)
	require.NoError(t, h.svc.RequestDeleteUser(ctx, res.User.ID, testPassword, "/goodbye"))
	assert.Equal(t, mail.SubjectDeleteAccount, h.mailer.last(t).Subject)
	link := h.mailer.lastLink(t)
	assert.Equal(t, "/api/auth/delete-user/callback", link.Path)
	assert.Equal(t, "/goodbye", link.Query().Get("callbackURL"))
	token := link.Query().Get("token")

	_, err := h.store.UserByID(ctx, res.User.ID)
	require.NoError(t, err, "nothing is deleted before the link is followed")

	_, err = h.svc.ConfirmDeleteUser(ctx, token, other.User.ID)
	require.ErrorIs(t, err, ErrInvalidToken, "another signed-in user cannot use the link")

	deleted, err := h.svc.ConfirmDeleteUser(ctx, token, "")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, deleted.ID)
	assert.Equal(t, []string{res.User.ID}, hooked)

	_, err = h.store.UserByID(ctx, res.User.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.svc.GetSession(ctx, res.Session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.ConfirmDeleteUser(ctx, token, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	res := h.signUp(t, "jane@example.com")
	require.NoError(t, h.svc.RequestPasswordReset(ctx, "jane@example.com", ""))

	h.advance(8 * 24 * time.Hour)
	h.svc.sweepExpired(ctx)

	n, err := h.store.DeleteExpiredSessions(ctx, time.Now().Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "janitor already removed the expired session")
	_, err = h.store.UserByID(ctx, res.User.ID)
	assert.NoError(t, err)
}
