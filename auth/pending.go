package auth

import (
	"context"
	"errors"
	"time"
)

// ErrPendingNotFound is returned when pending state is missing or expired.
var ErrPendingNotFound = errors.New("pending state not found")

// PendingKind partitions the pending-state key space.
type PendingKind string

const (
	PendingTwoFactorChallenge PendingKind = "two-factor-challenge"
	PendingTrustedDevice      PendingKind = "trusted-device"
	PendingOAuthState         PendingKind = "oauth-state"
)

// PendingStore holds short-lived state between requests: two-factor
// challenges issued at sign-in, trusted-device grants and OAuth state.
type PendingStore interface {
	Put(ctx context.Context, kind PendingKind, key string, value []byte, expiresAt time.Time) error
	Get(ctx context.Context, kind PendingKind, key string) ([]byte, error)
	// Take atomically reads and removes an entry.
	Take(ctx context.Context, kind PendingKind, key string) ([]byte, error)
	Delete(ctx context.Context, kind PendingKind, key string) error
}
