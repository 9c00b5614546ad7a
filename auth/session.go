package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/internal/uuid"
	"github.com/jmcleod/gatehouse/store"
)

const sessionTokenBytes = 32

type SignUpInput struct {
	Name        string
	Email       string
	Password    string
	CallbackURL string
}

type SignInInput struct {
	Email       string
	Password    string
	RememberMe  bool
	CallbackURL string
	// TrustedDeviceToken is the value of the trust cookie, if any.
	TrustedDeviceToken string
}

// SignInResult is returned by sign-up and sign-in. Session is nil when the
// user must verify their email first or complete a two-factor challenge.
type SignInResult struct {
	User              *store.User
	Session           *store.Session
	TwoFactorRedirect bool
	// ChallengeToken identifies the pending two-factor challenge.
	ChallengeToken     string
	ChallengeExpiresAt time.Time
}

// SessionResult pairs a live session with its user.
type SessionResult struct {
	Session *store.Session
	User    *store.User
}

type challengeRecord struct {
	UserID      string    `json:"user_id"`
	RememberMe  bool      `json:"remember_me"`
	Attempts    int       `json:"attempts"`
	CallbackURL string    `json:"callback_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type trustedDeviceRecord struct {
	UserID string `json:"user_id"`
}

func validEmail(email string) bool {
	addr, err := netmail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, "@")
}

// SignUp creates a user with a credential account. When email verification
// is required a verification link is mailed and no session is created.
func (s *Service) SignUp(ctx context.Context, in SignUpInput, info RequestInfo) (*SignInResult, error) {
	email := store.NormalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	name := strings.TrimSpace(in.Name)
	if err := s.checkPassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := util.HashPassword(in.Password, s.params)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{ID: uuid.New(), Name: name, Email: email}
	acct := &store.Account{
		ID:         uuid.New(),
		ProviderID: store.ProviderCredential,
		AccountID:  user.ID,
		Password:   hash,
	}
	if err := s.store.CreateUser(ctx, user, acct); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}
	s.logger.Info("user signed up", "user_id", user.ID)

	if s.cfg.RequireEmailVerification {
		s.sendVerification(ctx, user.Email, "", in.CallbackURL)
		return &SignInResult{User: user}, nil
	}
	sess, err := s.CreateSession(ctx, user.ID, true, info)
	if err != nil {
		return nil, err
	}
	return &SignInResult{User: user, Session: sess}, nil
}

// SignIn authenticates an email and password. Users with two-factor enabled
// get a challenge token instead of a session unless the request carries a
// valid trusted-device token.
func (s *Service) SignIn(ctx context.Context, in SignInInput, info RequestInfo) (*SignInResult, error) {
	email := store.NormalizeEmail(in.Email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	user, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.burnPasswordCheck(in.Password)
		return nil, ErrInvalidEmailOrPassword
	}
	if err != nil {
		return nil, err
	}
	if err := s.userPassword(ctx, user.ID, in.Password); err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			return nil, ErrInvalidEmailOrPassword
		}
		return nil, err
	}

	if s.cfg.RequireEmailVerification && !user.EmailVerified {
		s.sendVerification(ctx, user.Email, "", in.CallbackURL)
		return nil, ErrEmailNotVerified
	}

	if user.TwoFactorEnabled && !s.deviceTrusted(ctx, user.ID, in.TrustedDeviceToken) {
		token, err := util.RandomToken(sessionTokenBytes)
		if err != nil {
			return nil, err
		}
		rec := challengeRecord{
			UserID:      user.ID,
			RememberMe:  in.RememberMe,
			CallbackURL: in.CallbackURL,
			ExpiresAt:   s.clock().Add(twoFactorChallengeTTL),
		}
		if err := s.putPending(ctx, PendingTwoFactorChallenge, token, rec, rec.ExpiresAt); err != nil {
			return nil, err
		}
		return &SignInResult{
			User:               user,
			TwoFactorRedirect:  true,
			ChallengeToken:     token,
			ChallengeExpiresAt: rec.ExpiresAt,
		}, nil
	}

	sess, err := s.CreateSession(ctx, user.ID, in.RememberMe, info)
	if err != nil {
		return nil, err
	}
	return &SignInResult{User: user, Session: sess}, nil
}

// burnPasswordCheck spends the same work as a real verification so unknown
// emails are not distinguishable by response time.
func (s *Service) burnPasswordCheck(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = util.HashPassword("gatehouse-dummy-password", s.params)
	})
	if s.dummyHash != "" {
		_, _ = util.VerifyPassword(password, s.dummyHash)
	}
}

// CreateSession issues a new session for userID.
func (s *Service) CreateSession(ctx context.Context, userID string, rememberMe bool, info RequestInfo) (*store.Session, error) {
	token, err := util.RandomToken(sessionTokenBytes)
	if err != nil {
		return nil, err
	}
	ttl := s.cfg.SessionExpiresIn
	if !rememberMe {
		ttl = shortSessionTTL
	}
	now := s.clock()
	sess := &store.Session{
		ID:        uuid.New(),
		Token:     token,
		UserID:    userID,
		UserAgent: info.UserAgent,
		IPAddress: info.IPAddress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// SignOut deletes the session identified by token. Unknown tokens are ignored.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sess.UserID, token); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// GetSession resolves a session token. A session last refreshed more than
// SessionUpdateAge ago has its expiry pushed out by SessionExpiresIn.
func (s *Service) GetSession(ctx context.Context, token string) (*SessionResult, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	user, err := s.store.UserByID(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if Remembered(sess) && now.Sub(sess.UpdatedAt) >= s.cfg.SessionUpdateAge {
		expires := now.Add(s.cfg.SessionExpiresIn)
		if err := s.store.TouchSession(ctx, sess.ID, expires); err != nil {
			s.logger.Warn("refreshing session", "session_id", sess.ID, "error", err)
		} else {
			sess.ExpiresAt = expires
			sess.UpdatedAt = now
		}
	}
	return &SessionResult{Session: sess, User: user}, nil
}

// Remembered reports whether sess was created with rememberMe, i.e. whether
// its cookie should persist across browser restarts.
func Remembered(sess *store.Session) bool {
	return sess.ExpiresAt.Sub(sess.CreatedAt) > shortSessionTTL
}

func (s *Service) ListSessions(ctx context.Context, userID string) ([]store.Session, error) {
	return s.store.ListSessions(ctx, userID)
}

// RevokeSession deletes one of userID's sessions by token.
func (s *Service) RevokeSession(ctx context.Context, userID, token string) error {
	err := s.store.DeleteSession(ctx, userID, token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// RevokeOtherSessions deletes every session of userID except currentToken.
func (s *Service) RevokeOtherSessions(ctx context.Context, userID, currentToken string) (int64, error) {
	return s.store.DeleteUserSessions(ctx, userID, currentToken)
}

// RevokeSessions deletes every session of userID, including the caller's.
func (s *Service) RevokeSessions(ctx context.Context, userID string) (int64, error) {
	return s.store.DeleteUserSessions(ctx, userID, "")
}

// pendingKey maps a client-held token to its storage key, so raw tokens are
// never persisted.
func (s *Service) pendingKey(token string) (string, error) {
	key, err := s.keyring.Derive(purposeTrustedDevice)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	return util.HexEncode(util.MAC(key, []byte(token))), nil
}

func (s *Service) putPending(ctx context.Context, kind PendingKind, token string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	key, err := s.pendingKey(token)
	if err != nil {
		return err
	}
	return s.pending.Put(ctx, kind, key, data, expiresAt)
}

func (s *Service) getPending(ctx context.Context, kind PendingKind, token string, v any, take bool) error {
	if token == "" {
		return ErrPendingNotFound
	}
	key, err := s.pendingKey(token)
	if err != nil {
		return err
	}
	var data []byte
	if take {
		data, err = s.pending.Take(ctx, kind, key)
	} else {
		data, err = s.pending.Get(ctx, kind, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Service) deletePending(ctx context.Context, kind PendingKind, token string) {
	key, err := s.pendingKey(token)
	if err != nil {
		return
	}
	if err := s.pending.Delete(ctx, kind, key); err != nil {
		s.logger.Warn("deleting pending state", "kind", kind, "error", err)
	}
}

// ChallengeValid reports whether token names a live two-factor challenge.
func (s *Service) ChallengeValid(ctx context.Context, token string) bool {
	var rec challengeRecord
	return s.getPending(ctx, PendingTwoFactorChallenge, token, &rec, false) == nil
}

func (s *Service) deviceTrusted(ctx context.Context, userID, token string) bool {
	var rec trustedDeviceRecord
	if err := s.getPending(ctx, PendingTrustedDevice, token, &rec, false); err != nil {
		return false
	}
	return util.EqualStrings(rec.UserID, userID)
}

// trustDevice issues a token that lets userID skip the next challenge on
// this device. The previous token, if any, is revoked.
func (s *Service) trustDevice(ctx context.Context, userID, previous string) (string, time.Time, error) {
	if previous != "" {
		s.deletePending(ctx, PendingTrustedDevice, previous)
	}
	token, err := util.RandomToken(sessionTokenBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := s.clock().Add(trustedDeviceTTL)
	if err := s.putPending(ctx, PendingTrustedDevice, token, trustedDeviceRecord{UserID: userID}, expires); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}
