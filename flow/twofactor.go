package flow

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
)

// TwoFactorChallenge is the second step of sign-in: an authenticator code
// or, after UseBackupCode, a single-use backup code.
type TwoFactorChallenge struct {
	pending

	client    TwoFactorChallengeClient
	session   *SessionContext
	notifier  Notifier
	navigator Navigator
	pages     Pages

	mu          sync.Mutex
	backup      bool
	trustDevice bool
	code        Field
}

func NewTwoFactorChallenge(client TwoFactorChallengeClient, session *SessionContext, n Notifier, nav Navigator, pages Pages) *TwoFactorChallenge {
	return &TwoFactorChallenge{client: client, session: session, notifier: n, navigator: nav, pages: pages}
}

// UseBackupCode switches between authenticator and backup code entry.
func (f *TwoFactorChallenge) UseBackupCode(v bool) {
	f.mu.Lock()
	f.backup = v
	f.code.Reset()
	f.mu.Unlock()
}

// SetTrustDevice asks the server to skip the challenge on this device next
// time.
func (f *TwoFactorChallenge) SetTrustDevice(v bool) {
	f.mu.Lock()
	f.trustDevice = v
	f.mu.Unlock()
}

func (f *TwoFactorChallenge) SetCode(v string) {
	f.mu.Lock()
	f.code.Set(v)
	f.mu.Unlock()
}

func (f *TwoFactorChallenge) Code() Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// Submit verifies the code. A missing or exhausted challenge sends the user
// back to sign in instead of letting them retry.
func (f *TwoFactorChallenge) Submit(ctx context.Context) error {
	f.mu.Lock()
	var ok bool
	if f.backup {
		ok = f.code.Check(Required("Backup code is required"))
	} else {
		ok = f.code.Check(Length(totpCodeLength, msgCodeLength), Alphanumeric(msgCodeCharacters))
	}
	if !ok {
		f.mu.Unlock()
		return ErrInvalid
	}
	backup := f.backup
	req := api.VerifyCodeRequest{Code: strings.TrimSpace(f.code.Value), TrustDevice: f.trustDevice}
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	var err error
	if backup {
		_, err = f.client.VerifyBackupCode(ctx, req)
	} else {
		_, err = f.client.VerifyTOTP(ctx, req)
	}

	f.mu.Lock()
	f.code.Reset()
	f.mu.Unlock()

	if err != nil {
		if challengeGone(err) {
			f.notifier.Notify(LevelError, "Failed to verify 2FA, "+ErrorMessage(err)+". Please try sign in again")
			f.navigator.Replace(f.pages.Unauthenticated)
			return err
		}
		failed(f.notifier, "verify 2FA", err)
		return err
	}
	f.notifier.Notify(LevelSuccess, "Sign in successful")
	f.session.Invalidate()
	f.navigator.Replace(f.pages.Authenticated)
	return nil
}

func challengeGone(err error) bool {
	return errors.Is(err, auth.ErrInvalidTwoFactorCookie) || errors.Is(err, auth.ErrTooManyAttempts)
}

// passwordDialog is a dialog that only asks for the current password.
type passwordDialog struct {
	pending

	mu       sync.Mutex
	open     bool
	password Field
}

func (d *passwordDialog) Open() {
	d.mu.Lock()
	d.open = true
	d.password.Reset()
	d.mu.Unlock()
}

func (d *passwordDialog) Close() {
	d.mu.Lock()
	d.open = false
	d.password.Reset()
	d.mu.Unlock()
}

func (d *passwordDialog) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *passwordDialog) SetPassword(v string) {
	d.mu.Lock()
	d.password.Set(v)
	d.mu.Unlock()
}

func (d *passwordDialog) Password() Field {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.password
}

// takePassword validates and returns the password.
func (d *passwordDialog) takePassword() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.password.Check(Required(msgPasswordRequired)) {
		return "", false
	}
	return d.password.Value, true
}

// TwoFactorDisable turns two-factor authentication off after confirming
// the password.
type TwoFactorDisable struct {
	passwordDialog

	client   TwoFactorDisableClient
	session  *SessionContext
	notifier Notifier
}

func NewTwoFactorDisable(client TwoFactorDisableClient, session *SessionContext, n Notifier) *TwoFactorDisable {
	return &TwoFactorDisable{client: client, session: session, notifier: n}
}

// Submit disables 2FA. The dialog closes whatever the outcome.
func (f *TwoFactorDisable) Submit(ctx context.Context) error {
	password, ok := f.takePassword()
	if !ok {
		return ErrInvalid
	}
	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	err := f.client.DisableTwoFactor(ctx, api.PasswordRequest{Password: password})
	f.Close()
	if err != nil {
		failed(f.notifier, "disable 2FA", err)
		return err
	}
	f.notifier.Notify(LevelSuccess, "2FA disabled successfully")
	f.session.Invalidate()
	_, _ = f.session.Refetch(ctx)
	return nil
}

// BackupCodes lists the remaining backup codes and regenerates them behind
// a password dialog.
type BackupCodes struct {
	passwordDialog

	client   BackupCodesClient
	notifier Notifier

	codesMu sync.Mutex
	codes   []string
	visible bool
}

func NewBackupCodes(client BackupCodesClient, n Notifier) *BackupCodes {
	return &BackupCodes{client: client, notifier: n}
}

// Load fetches the current codes.
func (f *BackupCodes) Load(ctx context.Context) error {
	codes, err := f.client.ListBackupCodes(ctx)
	if err != nil {
		f.notifier.Notify(LevelError, "Failed to list 2FA backup codes")
		return err
	}
	f.codesMu.Lock()
	f.codes = codes
	f.codesMu.Unlock()
	return nil
}

// SetVisible shows or hides the codes.
func (f *BackupCodes) SetVisible(v bool) {
	f.codesMu.Lock()
	f.visible = v
	f.codesMu.Unlock()
}

// Codes returns the codes while they are visible, nil otherwise.
func (f *BackupCodes) Codes() []string {
	f.codesMu.Lock()
	defer f.codesMu.Unlock()
	if !f.visible {
		return nil
	}
	return append([]string(nil), f.codes...)
}

// Regenerate replaces every backup code and reloads the list. The dialog
// closes whatever the outcome.
func (f *BackupCodes) Regenerate(ctx context.Context) error {
	password, ok := f.takePassword()
	if !ok {
		return ErrInvalid
	}
	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	_, err := f.client.GenerateBackupCodes(ctx, api.PasswordRequest{Password: password})
	f.Close()
	if err != nil {
		failed(f.notifier, "regenerate 2FA backup codes", err)
		return err
	}
	f.notifier.Notify(LevelSuccess, "2FA backup codes regenerated successfully")
	return f.Load(ctx)
}
