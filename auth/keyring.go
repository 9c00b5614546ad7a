package auth

import (
	"errors"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatehouse/internal/util"
)

// Key purposes. Each yields an independent 32-byte subkey of AUTH_SECRET.
const (
	purposeTwoFactorSecret = "two-factor-secret"
	purposeBackupCodes     = "two-factor-backup-codes"
	purposeEmailToken      = "email-verification-token"
	purposePendingState    = "pending-state-wrapping"
	purposeTrustedDevice   = "trusted-device"
)

// Keyring keeps the application secret in an encrypted memguard enclave and
// derives purpose-bound subkeys on demand.
type Keyring struct {
	secret *memguard.Enclave
}

// NewKeyring copies secret into an enclave. The secret must be at least
// 32 bytes.
func NewKeyring(secret string) (*Keyring, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth secret must be at least 32 characters")
	}
	// NewEnclave wipes its argument.
	return &Keyring{secret: memguard.NewEnclave([]byte(secret))}, nil
}

// Derive returns the subkey for purpose. Callers should wipe it when done.
func (k *Keyring) Derive(purpose string) ([]byte, error) {
	buf, err := k.secret.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return util.DeriveKey(buf.Bytes(), purpose)
}

func (k *Keyring) seal(purpose, plain, aad string) (string, error) {
	key, err := k.Derive(purpose)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	return util.SealString(key, plain, aad)
}

func (k *Keyring) open(purpose, sealed, aad string) (string, error) {
	key, err := k.Derive(purpose)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)
	return util.OpenString(key, sealed, aad)
}
