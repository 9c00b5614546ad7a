package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	passwordvalidator "github.com/wagslane/go-password-validator"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/internal/uuid"
	"github.com/jmcleod/gatehouse/mail"
	"github.com/jmcleod/gatehouse/store"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// checkPassword enforces the length bounds and, when configured, the
// minimum entropy.
func (s *Service) checkPassword(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < MinPasswordLength:
		return ErrPasswordTooShort
	case n > MaxPasswordLength:
		return ErrPasswordTooLong
	}
	if s.cfg.PasswordMinEntropyBits > 0 {
		if err := passwordvalidator.Validate(password, s.cfg.PasswordMinEntropyBits); err != nil {
			return ErrPasswordTooWeak.WithMessage(err.Error())
		}
	}
	return nil
}

// ChangePassword replaces the caller's password after checking the current
// one. With revokeOthers every other session of the user is deleted; the
// caller's session survives.
func (s *Service) ChangePassword(ctx context.Context, sess *store.Session, current, next string, revokeOthers bool) error {
	if err := s.userPassword(ctx, sess.UserID, current); err != nil {
		return err
	}
	if err := s.checkPassword(next); err != nil {
		return err
	}
	hash, err := util.HashPassword(next, s.params)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, sess.UserID, hash); err != nil {
		return err
	}
	if revokeOthers {
		n, err := s.store.DeleteUserSessions(ctx, sess.UserID, sess.Token)
		if err != nil {
			return err
		}
		s.logger.Info("revoked other sessions after password change", "user_id", sess.UserID, "count", n)
	}
	return nil
}

// RequestPasswordReset mails a reset link when email belongs to a user. It
// reports success either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email, redirectTo string) error {
	user, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return err
	}
	token, err := util.RandomToken(24)
	if err != nil {
		return err
	}
	err = s.store.CreateVerification(ctx, &store.Verification{
		ID:         uuid.New(),
		Identifier: verificationResetPassword + token,
		Value:      user.ID,
		ExpiresAt:  s.clock().Add(resetTokenTTL),
	})
	if err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}
	link := s.link("/api/auth/reset-password/"+url.PathEscape(token), url.Values{"callbackURL": {redirectTo}})
	msg, buildErr := mail.ResetPassword(s.cfg.AppName, user.Email, link)
	s.sendMail(ctx, msg, buildErr)
	return nil
}

// CheckResetToken reports whether token is a live reset token without
// consuming it.
func (s *Service) CheckResetToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	_, err := s.store.FindVerification(ctx, verificationResetPassword+token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidToken
	}
	return err
}

// ResetPassword consumes token, sets the new password and revokes every
// session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return ErrInvalidToken
	}
	if err := s.checkPassword(newPassword); err != nil {
		return err
	}
	v, err := s.store.ConsumeVerification(ctx, verificationResetPassword+token)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	user, err := s.user(ctx, v.Value)
	if err != nil {
		return err
	}
	hash, err := util.HashPassword(newPassword, s.params)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	err = s.store.UpdatePassword(ctx, user.ID, hash)
	if errors.Is(err, store.ErrNotFound) {
		// Social-only users gain a credential account.
		err = s.store.CreateAccount(ctx, &store.Account{
			ID:         uuid.New(),
			UserID:     user.ID,
			ProviderID: store.ProviderCredential,
			AccountID:  user.ID,
			Password:   hash,
		})
	}
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteUserSessions(ctx, user.ID, ""); err != nil {
		return err
	}
	msg, buildErr := mail.ResetPasswordSuccess(s.cfg.AppName, user.Email)
	s.sendMail(ctx, msg, buildErr)
	return nil
}

// link joins path and query onto BaseURL.
func (s *Service) link(path string, query url.Values) string {
	u := strings.TrimRight(s.cfg.BaseURL, "/") + path
	for k, vs := range query {
		if len(vs) == 0 || vs[0] == "" {
			query.Del(k)
		}
	}
	if enc := query.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}
