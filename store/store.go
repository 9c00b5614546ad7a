// Package store persists users, credential accounts, sessions, two-factor
// secrets and verification tokens with gorm over Postgres or SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist or has expired.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateEmail is returned when another user already holds the email.
	ErrDuplicateEmail = errors.New("store: email already exists")
	// ErrDuplicateAccount is returned when a provider identity is already linked.
	ErrDuplicateAccount = errors.New("store: account already linked")
	// ErrConflict is returned when a compare-and-swap update lost a race.
	ErrConflict = errors.New("store: concurrent update")
)

// Store is the credential store used by the auth service.
type Store interface {
	CreateUser(ctx context.Context, user *User, account *Account) error
	UserByID(ctx context.Context, id string) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	// EmailTaken reports whether a user other than exceptUserID holds email.
	EmailTaken(ctx context.Context, email, exceptUserID string) (bool, error)
	UpdateUser(ctx context.Context, id string, update UserUpdate) (*User, error)
	// DeleteUser removes the user and every dependent row.
	DeleteUser(ctx context.Context, id string) error

	CredentialAccount(ctx context.Context, userID string) (*Account, error)
	AccountByProvider(ctx context.Context, providerID, accountID string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdatePassword(ctx context.Context, userID, hash string) error

	CreateSession(ctx context.Context, session *Session) error
	SessionByToken(ctx context.Context, token string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	TouchSession(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, userID, token string) error
	// DeleteUserSessions removes every session of userID except exceptToken.
	DeleteUserSessions(ctx context.Context, userID, exceptToken string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	TwoFactorByUser(ctx context.Context, userID string) (*TwoFactor, error)
	UpsertTwoFactor(ctx context.Context, tf *TwoFactor) error
	// SwapBackupCodes replaces the stored backup codes only if they still
	// equal previous.
	SwapBackupCodes(ctx context.Context, userID, previous, next string) error
	// DeleteTwoFactor removes the secret and clears users.two_factor_enabled.
	DeleteTwoFactor(ctx context.Context, userID string) error

	CreateVerification(ctx context.Context, v *Verification) error
	// FindVerification returns a live token without consuming it.
	FindVerification(ctx context.Context, identifier string) (*Verification, error)
	// ConsumeVerification returns and deletes the token in one transaction.
	ConsumeVerification(ctx context.Context, identifier string) (*Verification, error)
	DeleteVerification(ctx context.Context, identifier string) error
	DeleteExpiredVerifications(ctx context.Context, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
