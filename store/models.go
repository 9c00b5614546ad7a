package store

import "time"

// Provider ids for Account rows.
const (
	ProviderCredential = "credential"
	ProviderGitHub     = "github"
	ProviderGoogle     = "google"
)

type User struct {
	ID               string `gorm:"primaryKey"`
	Name             string
	Email            string `gorm:"uniqueIndex"`
	EmailVerified    bool
	Image            string
	TwoFactorEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (User) TableName() string { return "users" }

// Account links a user to a way of signing in. Credential accounts carry
// the argon2id hash in Password; social accounts carry the provider's
// subject id in AccountID.
type Account struct {
	ID         string `gorm:"primaryKey"`
	UserID     string `gorm:"index"`
	ProviderID string
	AccountID  string
	Password   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Account) TableName() string { return "accounts" }

type Session struct {
	ID        string `gorm:"primaryKey"`
	Token     string `gorm:"uniqueIndex"`
	UserID    string `gorm:"index"`
	UserAgent string
	IPAddress string
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

func (Session) TableName() string { return "sessions" }

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TwoFactor holds the sealed TOTP secret and the sealed, newline-joined
// backup code list.
type TwoFactor struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"uniqueIndex"`
	Secret      string
	BackupCodes string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TwoFactor) TableName() string { return "two_factors" }

// Verification is a single-use token. Identifier is "<purpose>:<token>";
// Value carries the purpose-specific payload, usually a user id.
type Verification struct {
	ID         string `gorm:"primaryKey"`
	Identifier string `gorm:"uniqueIndex"`
	Value      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Verification) TableName() string { return "verifications" }

// UserUpdate lists the mutable user columns. Nil fields are left alone.
type UserUpdate struct {
	Name             *string
	Email            *string
	EmailVerified    *bool
	Image            *string
	TwoFactorEnabled *bool
}

func (u UserUpdate) columns() map[string]any {
	cols := map[string]any{}
	if u.Name != nil {
		cols["name"] = *u.Name
	}
	if u.Email != nil {
		cols["email"] = NormalizeEmail(*u.Email)
	}
	if u.EmailVerified != nil {
		cols["email_verified"] = *u.EmailVerified
	}
	if u.Image != nil {
		cols["image"] = *u.Image
	}
	if u.TwoFactorEnabled != nil {
		cols["two_factor_enabled"] = *u.TwoFactorEnabled
	}
	return cols
}
