package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage"
)

const (
	pendingKeyNamespace   = "__keys"
	pendingKeyID          = "pending-state"
	pendingAADPrefix      = "pending:"
	pendingKeyWrappingAAD = "gatehouse:pending_state_key:v1"
	pendingSweepInterval  = 5 * time.Minute
)

// PersistentPendingStore keeps pending state in a storage.Repository,
// encrypted at rest with AES-256-GCM, so challenges and trusted devices
// survive restarts.
//
// The record key is itself sealed with a wrapping key derived from the
// application secret, so a repository compromise alone cannot read it.
type PersistentPendingStore struct {
	repo     storage.Repository
	key      []byte
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

var _ PendingStore = (*PersistentPendingStore)(nil)

// NewPersistentPendingStore loads or creates the record key and starts the
// expiry sweeper. Call Close to stop it.
func NewPersistentPendingStore(ctx context.Context, repo storage.Repository, keyring *Keyring, logger *slog.Logger) (*PersistentPendingStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wk, err := keyring.Derive(purposePendingState)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wk)

	key, err := loadOrCreatePendingKey(ctx, repo, wk)
	if err != nil {
		return nil, err
	}
	s := &PersistentPendingStore{
		repo:   repo,
		key:    key,
		logger: logger.With("component", "pending-store"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the sweeper and wipes key material.
func (s *PersistentPendingStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		util.WipeBytes(s.key)
	})
}

func pendingAAD(kind PendingKind, key string) []byte {
	return []byte(pendingAADPrefix + string(kind) + ":" + key)
}

func (s *PersistentPendingStore) Put(ctx context.Context, kind PendingKind, key string, value []byte, expiresAt time.Time) error {
	env, err := storage.SealRecord(s.key, value, pendingAAD(kind, key), expiresAt)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, string(kind), key, env)
}

func (s *PersistentPendingStore) open(kind PendingKind, key string, env *storage.Envelope) ([]byte, error) {
	data, err := storage.OpenRecord(s.key, env, pendingAAD(kind, key))
	if err != nil {
		return nil, fmt.Errorf("opening pending %s: %w", kind, err)
	}
	return data, nil
}

func (s *PersistentPendingStore) Get(ctx context.Context, kind PendingKind, key string) ([]byte, error) {
	env, err := s.repo.Get(ctx, string(kind), key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.open(kind, key, env)
}

func (s *PersistentPendingStore) Take(ctx context.Context, kind PendingKind, key string) ([]byte, error) {
	env, err := s.repo.Take(ctx, string(kind), key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.open(kind, key, env)
}

func (s *PersistentPendingStore) Delete(ctx context.Context, kind PendingKind, key string) error {
	err := s.repo.Delete(ctx, string(kind), key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *PersistentPendingStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *PersistentPendingStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Warn("sweeping expired pending state", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("swept expired pending state", "removed", n)
	}
}

// loadOrCreatePendingKey unseals the stored record key with wrappingKey, or
// generates and stores a new one. If the wrapping key changed, a new record
// key is generated and existing entries become unreadable.
func loadOrCreatePendingKey(ctx context.Context, repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(pendingKeyWrappingAAD)

	env, err := repo.Get(ctx, pendingKeyNamespace, pendingKeyID)
	switch {
	case err == nil:
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad, time.Time{})
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing pending state key: %w", err)
	}
	if err := repo.Put(ctx, pendingKeyNamespace, pendingKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
