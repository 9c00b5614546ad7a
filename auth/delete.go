package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/internal/uuid"
	"github.com/jmcleod/gatehouse/mail"
	"github.com/jmcleod/gatehouse/store"
)

// DeletionRequestedMessage is returned once the confirmation mail is sent.
const DeletionRequestedMessage = "Verification email sent"

// RequestDeleteUser confirms the password and mails a deletion link. The
// account is deleted only when the link is followed.
func (s *Service) RequestDeleteUser(ctx context.Context, userID, password, callbackURL string) error {
	user, err := s.user(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.userPassword(ctx, userID, password); err != nil {
		return err
	}
	token, err := util.RandomToken(24)
	if err != nil {
		return err
	}
	err = s.store.CreateVerification(ctx, &store.Verification{
		ID:         uuid.New(),
		Identifier: verificationDeleteAccount + token,
		Value:      user.ID,
		ExpiresAt:  s.clock().Add(deleteTokenTTL),
	})
	if err != nil {
		return fmt.Errorf("storing deletion token: %w", err)
	}
	link := s.link("/api/auth/delete-user/callback", url.Values{
		"token":       {token},
		"callbackURL": {callbackURL},
	})
	msg, buildErr := mail.DeleteAccount(s.cfg.AppName, user.Email, link)
	s.sendMail(ctx, msg, buildErr)
	s.logger.Info("account deletion requested", "user_id", user.ID)
	return nil
}

// ConfirmDeleteUser consumes a deletion token and deletes its user. When the
// caller is signed in the token must belong to them.
func (s *Service) ConfirmDeleteUser(ctx context.Context, token, sessionUserID string) (*store.User, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	v, err := s.store.FindVerification(ctx, verificationDeleteAccount+token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if sessionUserID != "" && sessionUserID != v.Value {
		return nil, ErrInvalidToken
	}
	if _, err := s.store.ConsumeVerification(ctx, v.Identifier); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return s.DeleteUserNow(ctx, v.Value)
}

// DeleteUserNow deletes userID and everything that belongs to it. The
// before-delete hook runs first.
func (s *Service) DeleteUserNow(ctx context.Context, userID string) (*store.User, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.beforeDeleteUser != nil {
		if err := s.beforeDeleteUser(ctx, user); err != nil {
			return nil, fmt.Errorf("before delete hook: %w", err)
		}
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	s.logger.Info("account deleted", "user_id", userID)
	return user, nil
}
