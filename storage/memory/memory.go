// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for tests and single-process deployments.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
	now  func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		data: make(map[string]map[string]*storage.Envelope),
		now:  time.Now,
	}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
		ExpiresAt:  env.ExpiresAt,
	}
}

func (r *Repository) Put(_ context.Context, namespace, key string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Envelope)
	}
	r.data[namespace][key] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(_ context.Context, namespace, key string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.data[namespace][key]
	if !ok || env.Expired(r.now()) {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) Take(_ context.Context, namespace, key string) (*storage.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.data[namespace][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(r.data[namespace], key)
	if env.Expired(r.now()) {
		return nil, storage.ErrNotFound
	}
	return env, nil
}

func (r *Repository) Delete(_ context.Context, namespace, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[namespace][key]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data[namespace], key)
	return nil
}

func (r *Repository) List(_ context.Context, namespace string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	var keys []string
	for k, env := range r.data[namespace] {
		if !env.Expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, records := range r.data {
		for k, env := range records {
			if env.Expired(now) {
				delete(records, k)
				removed++
			}
		}
	}
	return removed, nil
}
