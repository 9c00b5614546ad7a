package auth

import (
	"errors"
	"net/http"
)

// Error is a coded, client-facing authentication error. The Code is stable
// and machine readable; Message is shown to users as-is.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Is matches any *Error with the same code, so a sentinel also matches a
// copy carrying a more specific message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Status: e.Status}
}

var (
	ErrInvalidEmailOrPassword = &Error{"INVALID_EMAIL_OR_PASSWORD", "Invalid email or password", http.StatusUnauthorized}
	ErrInvalidPassword        = &Error{"INVALID_PASSWORD", "Invalid password", http.StatusBadRequest}
	ErrInvalidEmail           = &Error{"INVALID_EMAIL", "Invalid email", http.StatusBadRequest}
	ErrUserAlreadyExists      = &Error{"USER_ALREADY_EXISTS", "User already exists. Use another email.", http.StatusUnprocessableEntity}
	ErrEmailNotVerified       = &Error{"EMAIL_NOT_VERIFIED", "Email not verified", http.StatusForbidden}
	ErrInvalidToken           = &Error{"INVALID_TOKEN", "Invalid token", http.StatusBadRequest}
	ErrSessionNotFound        = &Error{"SESSION_NOT_FOUND", "Session not found", http.StatusNotFound}
	ErrUserNotFound           = &Error{"USER_NOT_FOUND", "User not found", http.StatusNotFound}
	ErrUnauthorized           = &Error{"UNAUTHORIZED", "Unauthorized", http.StatusUnauthorized}

	ErrPasswordTooShort = &Error{"PASSWORD_TOO_SHORT", "Password too short", http.StatusBadRequest}
	ErrPasswordTooLong  = &Error{"PASSWORD_TOO_LONG", "Password too long", http.StatusBadRequest}
	ErrPasswordTooWeak  = &Error{"PASSWORD_TOO_WEAK", "Password is too weak", http.StatusBadRequest}

	ErrEmailCanNotBeUpdated = &Error{"EMAIL_CAN_NOT_BE_UPDATED", "Email can not be updated", http.StatusBadRequest}
	ErrEmailIsTheSame       = &Error{"EMAIL_IS_THE_SAME", "Email is the same", http.StatusBadRequest}

	ErrTwoFactorNotEnabled     = &Error{"TWO_FACTOR_NOT_ENABLED", "Two factor isn't enabled", http.StatusBadRequest}
	ErrInvalidCode             = &Error{"INVALID_CODE", "Invalid code", http.StatusUnauthorized}
	ErrInvalidBackupCode       = &Error{"INVALID_BACKUP_CODE", "Invalid backup code", http.StatusUnauthorized}
	ErrTooManyAttempts         = &Error{"TOO_MANY_ATTEMPTS", "Too many attempts. Please sign in again.", http.StatusTooManyRequests}
	ErrInvalidTwoFactorCookie  = &Error{"INVALID_TWO_FACTOR_COOKIE", "Invalid two factor cookie", http.StatusUnauthorized}
	ErrProviderNotFound        = &Error{"PROVIDER_NOT_FOUND", "Provider not found", http.StatusNotFound}
	ErrInvalidOAuthState       = &Error{"INVALID_OAUTH_STATE", "Invalid or expired OAuth state", http.StatusBadRequest}
	ErrSocialSignInFailed      = &Error{"SOCIAL_SIGN_IN_FAILED", "Failed to sign in with provider", http.StatusBadRequest}
	ErrSocialEmailNotAvailable = &Error{"SOCIAL_EMAIL_NOT_AVAILABLE", "Provider did not return a verified email", http.StatusBadRequest}
)

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
