package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/storage/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

// pendingStoreTests runs the common suite against any PendingStore implementation.
func pendingStoreTests(t *testing.T, ps PendingStore) {
	t.Helper()
	ctx := context.Background()
	later := time.Now().Add(time.Hour)

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, ps.Put(ctx, PendingTwoFactorChallenge, "k1", []byte("v1"), later))
		got, err := ps.Get(ctx, PendingTwoFactorChallenge, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := ps.Get(ctx, PendingTwoFactorChallenge, "nope")
		assert.ErrorIs(t, err, ErrPendingNotFound)
	})

	t.Run("KindsAreSeparate", func(t *testing.T) {
		require.NoError(t, ps.Put(ctx, PendingOAuthState, "shared", []byte("oauth"), later))
		_, err := ps.Get(ctx, PendingTrustedDevice, "shared")
		assert.ErrorIs(t, err, ErrPendingNotFound)
	})

	t.Run("Expired", func(t *testing.T) {
		require.NoError(t, ps.Put(ctx, PendingTrustedDevice, "old", []byte("x"), time.Now().Add(-time.Second)))
		_, err := ps.Get(ctx, PendingTrustedDevice, "old")
		assert.ErrorIs(t, err, ErrPendingNotFound)
	})

	t.Run("TakeOnce", func(t *testing.T) {
		require.NoError(t, ps.Put(ctx, PendingOAuthState, "state", []byte("verifier"), later))
		got, err := ps.Take(ctx, PendingOAuthState, "state")
		require.NoError(t, err)
		assert.Equal(t, []byte("verifier"), got)
		_, err = ps.Take(ctx, PendingOAuthState, "state")
		assert.ErrorIs(t, err, ErrPendingNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, ps.Put(ctx, PendingTwoFactorChallenge, "ow", []byte("a"), later))
		require.NoError(t, ps.Put(ctx, PendingTwoFactorChallenge, "ow", []byte("b"), later))
		got, err := ps.Get(ctx, PendingTwoFactorChallenge, "ow")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, ps.Put(ctx, PendingTrustedDevice, "del", []byte("x"), later))
		require.NoError(t, ps.Delete(ctx, PendingTrustedDevice, "del"))
		_, err := ps.Get(ctx, PendingTrustedDevice, "del")
		assert.ErrorIs(t, err, ErrPendingNotFound)
		// Deleting again is not an error.
		assert.NoError(t, ps.Delete(ctx, PendingTrustedDevice, "del"))
	})
}

func TestMemoryPendingStore(t *testing.T) {
	pendingStoreTests(t, NewMemoryPendingStore())
}

func TestMemoryPendingStore_Sweep(t *testing.T) {
	ps := NewMemoryPendingStore()
	ctx := context.Background()
	require.NoError(t, ps.Put(ctx, PendingTrustedDevice, "a", []byte("x"), time.Now().Add(-time.Minute)))
	require.NoError(t, ps.Put(ctx, PendingTrustedDevice, "b", []byte("x"), time.Now().Add(time.Minute)))
	assert.Equal(t, 1, ps.Sweep())
}

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring(testSecret)
	require.NoError(t, err)
	return kr
}

func TestPersistentPendingStore(t *testing.T) {
	ps, err := NewPersistentPendingStore(context.Background(), memory.NewRepository(), newTestKeyring(t), nil)
	require.NoError(t, err)
	defer ps.Close()
	pendingStoreTests(t, ps)
}

func TestPersistentPendingStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	kr := newTestKeyring(t)

	ps1, err := NewPersistentPendingStore(ctx, repo, kr, nil)
	require.NoError(t, err)
	require.NoError(t, ps1.Put(ctx, PendingTrustedDevice, "dev", []byte("user-1"), time.Now().Add(time.Hour)))
	ps1.Close()

	ps2, err := NewPersistentPendingStore(ctx, repo, kr, nil)
	require.NoError(t, err)
	defer ps2.Close()
	got, err := ps2.Get(ctx, PendingTrustedDevice, "dev")
	require.NoError(t, err)
	assert.Equal(t, []byte("user-1"), got)
}

func TestPersistentPendingStore_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	ps, err := NewPersistentPendingStore(ctx, repo, newTestKeyring(t), nil)
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, ps.Put(ctx, PendingOAuthState, "s", []byte("plain-verifier"), time.Time{}))
	env, err := repo.Get(ctx, string(PendingOAuthState), "s")
	require.NoError(t, err)
	assert.NotContains(t, string(env.Ciphertext), "plain-verifier")
}

func TestPersistentPendingStore_SecretRotation(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	ps1, err := NewPersistentPendingStore(ctx, repo, newTestKeyring(t), nil)
	require.NoError(t, err)
	require.NoError(t, ps1.Put(ctx, PendingTrustedDevice, "dev", []byte("x"), time.Time{}))
	ps1.Close()

	other, err := NewKeyring("another-secret-another-secret-0123456789")
	require.NoError(t, err)
	ps2, err := NewPersistentPendingStore(ctx, repo, other, nil)
	require.NoError(t, err)
	defer ps2.Close()

	// The old record key is unreadable, so old entries are too.
	_, err = ps2.Get(ctx, PendingTrustedDevice, "dev")
	assert.Error(t, err)
}
