package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/internal/util"
)

// Profile edits the display name and starts email changes.
type Profile struct {
	client   ProfileClient
	session  *SessionContext
	notifier Notifier

	nameReq  pending
	emailReq pending

	mu    sync.Mutex
	name  Field
	email Field
}

func NewProfile(client ProfileClient, session *SessionContext, n Notifier) *Profile {
	return &Profile{client: client, session: session, notifier: n}
}

// Load fills the name field from the session.
func (f *Profile) Load(ctx context.Context) error {
	cur, err := f.session.Get(ctx)
	if err != nil {
		f.notifier.Notify(LevelError, "Failed to get session data")
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = Field{}
	if cur != nil {
		f.name.Value = cur.User.Name
	}
	return nil
}

func (f *Profile) SetName(v string) {
	f.mu.Lock()
	f.name.Set(v)
	f.mu.Unlock()
}

func (f *Profile) SetEmail(v string) {
	f.mu.Lock()
	f.email.Set(v)
	f.mu.Unlock()
}

func (f *Profile) Fields() (name, email Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.email
}

// SubmitName saves the name. An unchanged name makes no call.
func (f *Profile) SubmitName(ctx context.Context) error {
	f.mu.Lock()
	if !f.name.Check(Required(msgNameRequired)) {
		f.mu.Unlock()
		return ErrInvalid
	}
	name := strings.TrimSpace(f.name.Value)
	f.mu.Unlock()

	cur, err := f.session.Get(ctx)
	if err == nil && cur != nil && cur.User.Name == name {
		return nil
	}

	if !f.nameReq.begin() {
		return ErrBusy
	}
	defer f.nameReq.end()

	if err := f.client.UpdateUser(ctx, api.UpdateUserRequest{Name: &name}); err != nil {
		failed(f.notifier, "update profile", err)
		f.mu.Lock()
		f.name = Field{}
		if cur != nil {
			f.name.Value = cur.User.Name
		}
		f.mu.Unlock()
		return err
	}
	f.notifier.Notify(LevelSuccess, "Profile updated successfully")
	f.session.Invalidate()
	return nil
}

// SubmitEmail mails a confirmation link to the new address. The change
// takes effect once the link is followed.
func (f *Profile) SubmitEmail(ctx context.Context) error {
	cur, err := f.session.Get(ctx)
	if err != nil {
		return err
	}
	existing := ""
	if cur != nil {
		existing = cur.User.Email
	}

	f.mu.Lock()
	if !f.email.Check(
		Email("Invalid email address"),
		NotEqualFold(func() string { return existing }, "Email cannot be the same"),
	) {
		f.mu.Unlock()
		return ErrInvalid
	}
	email := util.NormalizeEmail(f.email.Value)
	f.mu.Unlock()

	if !f.emailReq.begin() {
		return ErrBusy
	}
	defer f.emailReq.end()

	err = f.client.ChangeEmail(ctx, api.ChangeEmailRequest{NewEmail: email, CallbackURL: profilePage})

	f.mu.Lock()
	f.email.Reset()
	f.mu.Unlock()

	if err != nil {
		failed(f.notifier, "send verification email", err)
		return err
	}
	f.notifier.Notify(LevelSuccess, fmt.Sprintf(
		"We have sent a verification email to %s, please check your inbox to verify your email change.", email))
	return nil
}

// DeleteAccount is the password-confirmed account deletion dialog. The
// account is deleted only when the emailed link is followed.
type DeleteAccount struct {
	passwordDialog

	client   DeleteAccountClient
	notifier Notifier
	callback string
}

// NewDeleteAccount returns the dialog. callbackURL is where the emailed
// link lands after deletion.
func NewDeleteAccount(client DeleteAccountClient, n Notifier, callbackURL string) *DeleteAccount {
	return &DeleteAccount{client: client, notifier: n, callback: callbackURL}
}

// Submit asks for the confirmation email. The dialog closes and the
// password is cleared whatever the outcome.
func (f *DeleteAccount) Submit(ctx context.Context) error {
	password, ok := f.takePassword()
	if !ok {
		return ErrInvalid
	}
	req := api.DeleteUserRequest{Password: password, CallbackURL: f.callback}

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	_, err := f.client.DeleteUser(ctx, req)
	f.Close()
	if err != nil {
		failed(f.notifier, "delete account", err)
		return err
	}
	f.notifier.Notify(LevelSuccess,
		"We have sent a verification email to your email address, please check your inbox to verify your account deletion.")
	return nil
}
