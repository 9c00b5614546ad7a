package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/mail"
	"github.com/jmcleod/gatehouse/store"
)

// emailClaims is the payload of verification links. UpdateTo is set when
// the link confirms an email change.
type emailClaims struct {
	Email    string `json:"email"`
	UpdateTo string `json:"updateTo,omitempty"`
	jwt.RegisteredClaims
}

func (s *Service) signEmailToken(email, updateTo string) (string, error) {
	key, err := s.keyring.Derive(purposeEmailToken)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	now := s.clock()
	claims := emailClaims{
		Email:    email,
		UpdateTo: updateTo,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(emailTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (s *Service) parseEmailToken(token string) (*emailClaims, error) {
	key, err := s.keyring.Derive(purposeEmailToken)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	claims := &emailClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil || claims.Email == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// sendVerification mails a verify-email link to to. For email changes the
// link is addressed to the new address and carries it in UpdateTo.
func (s *Service) sendVerification(ctx context.Context, email, updateTo, callbackURL string) {
	token, err := s.signEmailToken(email, updateTo)
	if err != nil {
		s.logger.Error("signing email token", "error", err)
		return
	}
	to := email
	if updateTo != "" {
		to = updateTo
	}
	link := s.link("/api/auth/verify-email", url.Values{
		"token":       {token},
		"callbackURL": {callbackURL},
	})
	msg, buildErr := mail.VerifyEmail(s.cfg.AppName, to, link)
	s.sendMail(ctx, msg, buildErr)
}

// SendVerificationEmail re-sends the verification link. Unknown and already
// verified addresses succeed silently.
func (s *Service) SendVerificationEmail(ctx context.Context, email, callbackURL string) error {
	email = store.NormalizeEmail(email)
	if !validEmail(email) {
		return ErrInvalidEmail
	}
	user, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}
	s.sendVerification(ctx, user.Email, "", callbackURL)
	return nil
}

// VerifyEmailResult carries the verified user and, when the caller had no
// session, the session created for them.
type VerifyEmailResult struct {
	User    *store.User
	Session *store.Session
}

// VerifyEmail applies a verification link. Plain verification marks the
// email verified; change links move the user to the new address. A session
// is created when signedIn is false.
func (s *Service) VerifyEmail(ctx context.Context, token string, signedIn bool, info RequestInfo) (*VerifyEmailResult, error) {
	claims, err := s.parseEmailToken(token)
	if err != nil {
		return nil, err
	}
	user, err := s.store.UserByEmail(ctx, claims.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	verified := true
	update := store.UserUpdate{EmailVerified: &verified}
	if claims.UpdateTo != "" {
		newEmail := store.NormalizeEmail(claims.UpdateTo)
		update.Email = &newEmail
	} else if user.EmailVerified && signedIn {
		return &VerifyEmailResult{User: user}, nil
	}

	user, err = s.store.UpdateUser(ctx, user.ID, update)
	if errors.Is(err, store.ErrDuplicateEmail) {
		return nil, ErrUserAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("email verified", "user_id", user.ID, "changed", claims.UpdateTo != "")

	res := &VerifyEmailResult{User: user}
	if !signedIn {
		sess, err := s.CreateSession(ctx, user.ID, true, info)
		if err != nil {
			return nil, err
		}
		res.Session = sess
	}
	return res, nil
}

// ChangeEmail mails a confirmation link to newEmail. The address changes
// only when that link is followed.
func (s *Service) ChangeEmail(ctx context.Context, userID, newEmail, callbackURL string) error {
	newEmail = store.NormalizeEmail(newEmail)
	if !validEmail(newEmail) {
		return ErrInvalidEmail
	}
	user, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	if newEmail == user.Email {
		return ErrEmailIsTheSame
	}
	taken, err := s.store.EmailTaken(ctx, newEmail, user.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrUserAlreadyExists
	}
	if _, err := s.store.CredentialAccount(ctx, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrEmailCanNotBeUpdated
		}
		return err
	}
	s.sendVerification(ctx, user.Email, newEmail, callbackURL)
	return nil
}

// UpdateUser changes the user's name and/or image.
func (s *Service) UpdateUser(ctx context.Context, userID string, name, image *string) (*store.User, error) {
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		name = &trimmed
	}
	user, err := s.store.UpdateUser(ctx, userID, store.UserUpdate{Name: name, Image: image})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// UpdateProfile sets the name immediately and starts an email change when
// email differs from the current address. Returns ErrUserAlreadyExists when
// another user holds email.
func (s *Service) UpdateProfile(ctx context.Context, userID, name, email, callbackURL string) (*store.User, error) {
	name = strings.TrimSpace(name)
	email = store.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	current, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if email != current.Email {
		if err := s.ChangeEmail(ctx, userID, email, callbackURL); err != nil {
			return nil, fmt.Errorf("changing email: %w", err)
		}
	}
	return s.UpdateUser(ctx, userID, &name, nil)
}
