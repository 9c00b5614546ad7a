package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/gatehouse/internal/uuid"
	"github.com/jmcleod/gatehouse/store"
)

const totpSecretAADPrefix = "totp-secret:"

// EnableResult is what the user needs to finish enrolment: the otpauth URI
// to scan and the fresh backup codes.
type EnableResult struct {
	TOTPURI     string
	BackupCodes []string
}

// TwoFactorInput is a code submission. With Session set the code is checked
// for the signed-in user (completing enrolment); otherwise ChallengeToken
// must name a pending sign-in challenge.
type TwoFactorInput struct {
	Code           string
	TrustDevice    bool
	Session        *store.Session
	ChallengeToken string
	// TrustedDeviceToken is the current trust cookie, replaced when
	// TrustDevice is set.
	TrustedDeviceToken string
}

// TwoFactorResult is returned after a successful code. Session is the new
// session for challenge submissions and the caller's own otherwise.
type TwoFactorResult struct {
	User                *store.User
	Session             *store.Session
	TrustedDeviceToken  string
	TrustedDeviceExpiry time.Time
	// RememberMe mirrors the choice made at sign-in.
	RememberMe bool
}

// EnableTwoFactor generates a new TOTP secret and backup codes after
// confirming the password. The user's two-factor flag is set only once a
// code is verified.
func (s *Service) EnableTwoFactor(ctx context.Context, userID, password, issuer string) (*EnableResult, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.userPassword(ctx, userID, password); err != nil {
		return nil, err
	}
	if issuer == "" {
		issuer = s.cfg.TwoFactorIssuer
	}
	uri, secret, err := generateTOTPKey(issuer, user.Email)
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	codes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	sealedSecret, err := s.keyring.seal(purposeTwoFactorSecret, secret, totpSecretAADPrefix+userID)
	if err != nil {
		return nil, err
	}
	sealedCodes, err := s.keyring.sealBackupCodes(userID, codes)
	if err != nil {
		return nil, err
	}
	err = s.store.UpsertTwoFactor(ctx, &store.TwoFactor{
		ID:          uuid.New(),
		UserID:      userID,
		Secret:      sealedSecret,
		BackupCodes: sealedCodes,
	})
	if err != nil {
		return nil, fmt.Errorf("storing two-factor secret: %w", err)
	}
	if user.TwoFactorEnabled {
		// The old secret is gone; require the new one to be verified.
		off := false
		if _, err := s.store.UpdateUser(ctx, userID, store.UserUpdate{TwoFactorEnabled: &off}); err != nil {
			return nil, err
		}
	}
	return &EnableResult{TOTPURI: uri, BackupCodes: codes}, nil
}

func (s *Service) twoFactorRow(ctx context.Context, userID string) (*store.TwoFactor, error) {
	tf, err := s.store.TwoFactorByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTwoFactorNotEnabled
	}
	return tf, err
}

func (s *Service) totpSecret(tf *store.TwoFactor) (string, error) {
	secret, err := s.keyring.open(purposeTwoFactorSecret, tf.Secret, totpSecretAADPrefix+tf.UserID)
	if err != nil {
		return "", fmt.Errorf("opening totp secret: %w", err)
	}
	return secret, nil
}

// GetTOTPURI returns the otpauth URI for the stored secret.
func (s *Service) GetTOTPURI(ctx context.Context, userID, password string) (string, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return "", err
	}
	tf, err := s.twoFactorRow(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := s.userPassword(ctx, userID, password); err != nil {
		return "", err
	}
	secret, err := s.totpSecret(tf)
	if err != nil {
		return "", err
	}
	return totpURI(s.cfg.TwoFactorIssuer, user.Email, secret), nil
}

// VerifyTOTP checks an authenticator code.
func (s *Service) VerifyTOTP(ctx context.Context, in TwoFactorInput, info RequestInfo) (*TwoFactorResult, error) {
	return s.verifySecondFactor(ctx, in, info, false)
}

// VerifyBackupCode checks and consumes a backup code.
func (s *Service) VerifyBackupCode(ctx context.Context, in TwoFactorInput, info RequestInfo) (*TwoFactorResult, error) {
	return s.verifySecondFactor(ctx, in, info, true)
}

func (s *Service) verifySecondFactor(ctx context.Context, in TwoFactorInput, info RequestInfo, backup bool) (*TwoFactorResult, error) {
	if in.Session != nil {
		return s.verifyForSession(ctx, in, backup)
	}
	return s.verifyForChallenge(ctx, in, info, backup)
}

func (s *Service) checkSecondFactor(ctx context.Context, tf *store.TwoFactor, code string, backup bool) error {
	if !backup {
		secret, err := s.totpSecret(tf)
		if err != nil {
			return err
		}
		if !verifyTOTPCode(secret, code, s.clock()) {
			return ErrInvalidCode
		}
		return nil
	}
	codes, err := s.keyring.openBackupCodes(tf.UserID, tf.BackupCodes)
	if err != nil {
		return err
	}
	idx := matchBackupCode(codes, code)
	if idx < 0 {
		return ErrInvalidBackupCode
	}
	remaining := append(codes[:idx:idx], codes[idx+1:]...)
	sealed, err := s.keyring.sealBackupCodes(tf.UserID, remaining)
	if err != nil {
		return err
	}
	err = s.store.SwapBackupCodes(ctx, tf.UserID, tf.BackupCodes, sealed)
	if errors.Is(err, store.ErrConflict) {
		// Another request consumed a code first; treat this one as spent.
		return ErrInvalidBackupCode
	}
	return err
}

func (s *Service) verifyForSession(ctx context.Context, in TwoFactorInput, backup bool) (*TwoFactorResult, error) {
	userID := in.Session.UserID
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if backup && !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}
	tf, err := s.twoFactorRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkSecondFactor(ctx, tf, in.Code, backup); err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		on := true
		user, err = s.store.UpdateUser(ctx, userID, store.UserUpdate{TwoFactorEnabled: &on})
		if err != nil {
			return nil, err
		}
		s.logger.Info("two-factor enabled", "user_id", userID)
	}
	res := &TwoFactorResult{User: user, Session: in.Session, RememberMe: true}
	if in.TrustDevice {
		res.TrustedDeviceToken, res.TrustedDeviceExpiry, err = s.trustDevice(ctx, userID, in.TrustedDeviceToken)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// verifyForChallenge claims the challenge before checking the code, so each
// guess is evaluated against its own attempt count. A wrong guess puts the
// record back with the count raised until maxTwoFactorAttempts is reached.
// A submission racing a claimed challenge sees ErrInvalidTwoFactorCookie.
func (s *Service) verifyForChallenge(ctx context.Context, in TwoFactorInput, info RequestInfo, backup bool) (*TwoFactorResult, error) {
	var rec challengeRecord
	err := s.getPending(ctx, PendingTwoFactorChallenge, in.ChallengeToken, &rec, true)
	if errors.Is(err, ErrPendingNotFound) {
		return nil, ErrInvalidTwoFactorCookie
	}
	if err != nil {
		return nil, err
	}
	if rec.Attempts >= maxTwoFactorAttempts {
		return nil, ErrTooManyAttempts
	}
	release := func() error {
		return s.putPending(ctx, PendingTwoFactorChallenge, in.ChallengeToken, rec, rec.ExpiresAt)
	}
	user, err := s.user(ctx, rec.UserID)
	if err != nil {
		return nil, errors.Join(err, release())
	}
	tf, err := s.twoFactorRow(ctx, user.ID)
	if err != nil {
		return nil, errors.Join(err, release())
	}

	if err := s.checkSecondFactor(ctx, tf, in.Code, backup); err != nil {
		if !errors.Is(err, ErrInvalidCode) && !errors.Is(err, ErrInvalidBackupCode) {
			return nil, errors.Join(err, release())
		}
		rec.Attempts++
		if rec.Attempts >= maxTwoFactorAttempts {
			s.logger.Warn("two-factor challenge exhausted", "user_id", user.ID)
			return nil, ErrTooManyAttempts
		}
		if putErr := release(); putErr != nil {
			return nil, putErr
		}
		return nil, err
	}

	sess, err := s.CreateSession(ctx, user.ID, rec.RememberMe, info)
	if err != nil {
		return nil, err
	}
	res := &TwoFactorResult{User: user, Session: sess, RememberMe: rec.RememberMe}
	if in.TrustDevice {
		res.TrustedDeviceToken, res.TrustedDeviceExpiry, err = s.trustDevice(ctx, user.ID, in.TrustedDeviceToken)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// GenerateBackupCodes replaces the backup codes after confirming the password.
func (s *Service) GenerateBackupCodes(ctx context.Context, userID, password string) ([]string, error) {
	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.TwoFactorEnabled {
		return nil, ErrTwoFactorNotEnabled
	}
	if err := s.userPassword(ctx, userID, password); err != nil {
		return nil, err
	}
	tf, err := s.twoFactorRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	codes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	sealed, err := s.keyring.sealBackupCodes(userID, codes)
	if err != nil {
		return nil, err
	}
	if err := s.store.SwapBackupCodes(ctx, userID, tf.BackupCodes, sealed); err != nil {
		return nil, err
	}
	return codes, nil
}

// ViewBackupCodes returns the remaining backup codes of userID.
func (s *Service) ViewBackupCodes(ctx context.Context, userID string) ([]string, error) {
	tf, err := s.twoFactorRow(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.keyring.openBackupCodes(userID, tf.BackupCodes)
}

// DisableTwoFactor removes the secret and clears the flag after confirming
// the password.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, password string) error {
	if _, err := s.user(ctx, userID); err != nil {
		return err
	}
	if err := s.userPassword(ctx, userID, password); err != nil {
		return err
	}
	if err := s.store.DeleteTwoFactor(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("two-factor disabled", "user_id", userID)
	return nil
}
