// Package storagetest holds the behavioural tests every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/storage"
)

func envelope(body string, expiresAt time.Time) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      make([]byte, 12),
		Ciphertext: []byte(body),
		ExpiresAt:  expiresAt,
	}
}

// Run exercises repo against the storage.Repository contract. The repo must
// start empty.
func Run(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "challenge", "k1", envelope("one", future)))
		got, err := repo.Get(ctx, "challenge", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Ciphertext)
		assert.True(t, got.ExpiresAt.Equal(future))
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "challenge", "k1", envelope("two", future)))
		got, err := repo.Get(ctx, "challenge", "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got.Ciphertext)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		_, err := repo.Get(ctx, "trusted-device", "k1")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "challenge", "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ExpiredIsInvisible", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "challenge", "stale", envelope("old", past)))
		_, err := repo.Get(ctx, "challenge", "stale")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		keys, err := repo.List(ctx, "challenge")
		require.NoError(t, err)
		assert.NotContains(t, keys, "stale")
	})

	t.Run("NoExpiry", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "oauth-state", "forever", envelope("x", time.Time{})))
		_, err := repo.Get(ctx, "oauth-state", "forever")
		assert.NoError(t, err)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "challenge", "k2", envelope("k2", future)))
		keys, err := repo.List(ctx, "challenge")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"k1", "k2"}, keys)

		empty, err := repo.List(ctx, "nothing-here")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("TakeIsSingleUse", func(t *testing.T) {
		got, err := repo.Take(ctx, "challenge", "k2")
		require.NoError(t, err)
		assert.Equal(t, []byte("k2"), got.Ciphertext)
		_, err = repo.Take(ctx, "challenge", "k2")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("TakeExpired", func(t *testing.T) {
		_, err := repo.Take(ctx, "challenge", "stale")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "challenge", "k1"))
		_, err := repo.Get(ctx, "challenge", "k1")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		assert.True(t, errors.Is(repo.Delete(ctx, "challenge", "k1"), storage.ErrNotFound))
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "trusted-device", "old-1", envelope("a", past)))
		require.NoError(t, repo.Put(ctx, "trusted-device", "old-2", envelope("b", past)))
		require.NoError(t, repo.Put(ctx, "trusted-device", "fresh", envelope("c", future)))

		n, err := repo.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = repo.Get(ctx, "trusted-device", "fresh")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "oauth-state", "forever")
		assert.NoError(t, err)
	})
}
