package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jmcleod/gatehouse/internal/util"
)

// GormStore implements Store on top of gorm.
type GormStore struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an already-open gorm handle. Open is the usual entry point.
func NewGormStore(db *gorm.DB, driver string, logger *slog.Logger) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{db: db, driver: driver, logger: logger}
}

// NormalizeEmail lower-cases and trims an address before storage or lookup.
func NormalizeEmail(email string) string {
	return util.NormalizeEmail(email)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func now() time.Time { return time.Now().UTC() }

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *GormStore) CreateUser(ctx context.Context, user *User, account *Account) error {
	user.Email = NormalizeEmail(user.Email)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicateEmail
			}
			return err
		}
		if account == nil {
			return nil
		}
		account.UserID = user.ID
		if err := tx.Create(account).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicateAccount
			}
			return err
		}
		return nil
	})
	return err
}

func (s *GormStore) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *GormStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).Take(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *GormStore) EmailTaken(ctx context.Context, email, exceptUserID string) (bool, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", NormalizeEmail(email))
	if exceptUserID != "" {
		q = q.Where("id <> ?", exceptUserID)
	}
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *GormStore) UpdateUser(ctx context.Context, id string, update UserUpdate) (*User, error) {
	cols := update.columns()
	if len(cols) > 0 {
		cols["updated_at"] = now()
		res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(cols)
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return nil, ErrDuplicateEmail
			}
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return s.UserByID(ctx, id)
}

func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Foreign keys cascade on Postgres; SQLite only does so with the
		// foreign_keys pragma, so remove dependents explicitly.
		for _, model := range []any{&Session{}, &Account{}, &TwoFactor{}} {
			if err := tx.Where("user_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", id).Delete(&User{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *GormStore) CredentialAccount(ctx context.Context, userID string) (*Account, error) {
	return s.AccountByProvider(ctx, ProviderCredential, userID)
}

func (s *GormStore) AccountByProvider(ctx context.Context, providerID, accountID string) (*Account, error) {
	var a Account
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND account_id = ?", providerID, accountID).
		Take(&a).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *GormStore) CreateAccount(ctx context.Context, account *Account) error {
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateAccount
		}
		return err
	}
	return nil
}

func (s *GormStore) UpdatePassword(ctx context.Context, userID, hash string) error {
	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("provider_id = ? AND user_id = ?", ProviderCredential, userID).
		Updates(map[string]any{"password": hash, "updated_at": now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (s *GormStore) CreateSession(ctx context.Context, session *Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *GormStore) SessionByToken(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, now()).
		Take(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *GormStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	var out []Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userID, now()).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) TouchSession(ctx context.Context, id string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).
		Updates(map[string]any{"expires_at": expiresAt.UTC(), "updated_at": now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, userID, token string) error {
	res := s.db.WithContext(ctx).Where("user_id = ? AND token = ?", userID, token).Delete(&Session{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteUserSessions(ctx context.Context, userID, exceptToken string) (int64, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if exceptToken != "" {
		q = q.Where("token <> ?", exceptToken)
	}
	res := q.Delete(&Session{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) DeleteExpiredSessions(ctx context.Context, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", at.UTC()).Delete(&Session{})
	return res.RowsAffected, res.Error
}

// ---------------------------------------------------------------------------
// Two-factor
// ---------------------------------------------------------------------------

func (s *GormStore) TwoFactorByUser(ctx context.Context, userID string) (*TwoFactor, error) {
	var tf TwoFactor
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&tf).Error; err != nil {
		return nil, notFound(err)
	}
	return &tf, nil
}

func (s *GormStore) UpsertTwoFactor(ctx context.Context, tf *TwoFactor) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing TwoFactor
		err := tx.Where("user_id = ?", tf.UserID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(tf).Error
		case err != nil:
			return err
		}
		tf.ID = existing.ID
		tf.CreatedAt = existing.CreatedAt
		return tx.Model(&TwoFactor{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"secret":       tf.Secret,
			"backup_codes": tf.BackupCodes,
			"updated_at":   now(),
		}).Error
	})
}

func (s *GormStore) SwapBackupCodes(ctx context.Context, userID, previous, next string) error {
	res := s.db.WithContext(ctx).Model(&TwoFactor{}).
		Where("user_id = ? AND backup_codes = ?", userID, previous).
		Updates(map[string]any{"backup_codes": next, "updated_at": now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStore) DeleteTwoFactor(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&TwoFactor{}).Error; err != nil {
			return err
		}
		return tx.Model(&User{}).Where("id = ?", userID).
			Updates(map[string]any{"two_factor_enabled": false, "updated_at": now()}).Error
	})
}

// ---------------------------------------------------------------------------
// Verifications
// ---------------------------------------------------------------------------

func (s *GormStore) CreateVerification(ctx context.Context, v *Verification) error {
	return s.db.WithContext(ctx).Create(v).Error
}

func (s *GormStore) FindVerification(ctx context.Context, identifier string) (*Verification, error) {
	var v Verification
	err := s.db.WithContext(ctx).
		Where("identifier = ? AND expires_at > ?", identifier, now()).
		Take(&v).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (s *GormStore) ConsumeVerification(ctx context.Context, identifier string) (*Verification, error) {
	var v Verification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("identifier = ?", identifier).Take(&v).Error; err != nil {
			return notFound(err)
		}
		res := tx.Where("id = ?", v.ID).Delete(&Verification{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !now().Before(v.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (s *GormStore) DeleteVerification(ctx context.Context, identifier string) error {
	return s.db.WithContext(ctx).Where("identifier = ?", identifier).Delete(&Verification{}).Error
}

func (s *GormStore) DeleteExpiredVerifications(ctx context.Context, at time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", at.UTC()).Delete(&Verification{})
	return res.RowsAffected, res.Error
}
