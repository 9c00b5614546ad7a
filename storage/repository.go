// Package storage provides short-lived, encrypted record storage for state
// that must survive a restart but does not belong in the relational store:
// pending two-factor challenges, trusted devices and OAuth state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("record not found")

// Repository stores sealed envelopes keyed by (namespace, key).
//
// Expired records are invisible to Get, Take and List even before
// DeleteExpired has physically removed them.
type Repository interface {
	Put(ctx context.Context, namespace, key string, envelope *Envelope) error
	Get(ctx context.Context, namespace, key string) (*Envelope, error)
	// Take atomically reads and deletes a record.
	Take(ctx context.Context, namespace, key string) (*Envelope, error)
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) ([]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
