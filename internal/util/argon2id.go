package util

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when an encoded password hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed argon2id hash")

const (
	KDFProfileInteractive = "interactive"
	KDFProfileModerate    = "moderate"

	MinArgon2Time      uint32 = 1
	MinArgon2MemoryKiB uint32 = 19 * 1024
	MinArgon2Parallel  uint8  = 1

	argon2SaltLen = 16
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultArgon2idParams returns the interactive profile. Password hashing
// runs on every sign-in, so latency matters more than for offline KDFs.
func DefaultArgon2idParams() Argon2idParams {
	p, _ := Argon2idProfile(KDFProfileInteractive)
	return p
}

// Argon2idProfile returns the named parameter set. Interactive follows the
// OWASP minimum (19 MiB, t=2); moderate trades latency for cost.
func Argon2idProfile(name string) (Argon2idParams, error) {
	switch name {
	case KDFProfileInteractive:
		return Argon2idParams{Time: 2, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32}, nil
	case KDFProfileModerate:
		return Argon2idParams{Time: 3, MemoryKiB: 64 * 1024, Parallelism: 2, KeyLen: 32}, nil
	default:
		return Argon2idParams{}, fmt.Errorf("unknown argon2id profile %q", name)
	}
}

func ValidateArgon2idParams(p Argon2idParams) error {
	switch {
	case p.KeyLen != 32:
		return fmt.Errorf("argon2id key length must be 32 bytes")
	case p.Time < MinArgon2Time:
		return fmt.Errorf("argon2id time must be at least %d", MinArgon2Time)
	case p.MemoryKiB < MinArgon2MemoryKiB:
		return fmt.Errorf("argon2id memory must be at least %d KiB", MinArgon2MemoryKiB)
	case p.Parallelism < MinArgon2Parallel:
		return fmt.Errorf("argon2id parallelism must be at least %d", MinArgon2Parallel)
	}
	return nil
}

// HashPassword derives an argon2id hash of the normalised password and
// returns it in PHC string format:
//
//	$argon2id$v=19$m=19456,t=2,p=1$<salt>$<hash>
func HashPassword(password string, p Argon2idParams) (string, error) {
	if err := ValidateArgon2idParams(p); err != nil {
		return "", err
	}
	salt, err := RandomBytes(argon2SaltLen)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(Normalize(password)), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
	defer WipeBytes(key)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword reports whether password matches the PHC-encoded hash.
func VerifyPassword(password, encoded string) (bool, error) {
	p, salt, want, err := decodeArgon2idHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(Normalize(password)), salt, p.Time, p.MemoryKiB, p.Parallelism, p.KeyLen)
	defer WipeBytes(got)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeArgon2idHash(encoded string) (Argon2idParams, []byte, []byte, error) {
	var p Argon2idParams
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, ErrMalformedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrMalformedHash
	}
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
