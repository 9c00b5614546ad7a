package flow

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/internal/util"
)

const msgResetLinkSent = "We have sent a password reset link to your email, please check your email."

// ChangePassword is the settings form for a signed-in user.
type ChangePassword struct {
	pending

	client   PasswordClient
	session  *SessionContext
	notifier Notifier

	mu              sync.Mutex
	current         Field
	newPassword     Field
	confirmPassword Field
	resetSending    bool
}

func NewChangePassword(client PasswordClient, session *SessionContext, n Notifier) *ChangePassword {
	return &ChangePassword{client: client, session: session, notifier: n}
}

func (f *ChangePassword) SetCurrentPassword(v string) { f.set(&f.current, v) }
func (f *ChangePassword) SetNewPassword(v string)     { f.set(&f.newPassword, v) }
func (f *ChangePassword) SetConfirmPassword(v string) { f.set(&f.confirmPassword, v) }

func (f *ChangePassword) set(field *Field, v string) {
	f.mu.Lock()
	field.Set(v)
	f.mu.Unlock()
}

func (f *ChangePassword) Fields() (current, newPassword, confirm Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.newPassword, f.confirmPassword
}

// Submit changes the password and signs out every other session. The
// form is reset whatever the outcome; a failure shows the server message.
func (f *ChangePassword) Submit(ctx context.Context) error {
	f.mu.Lock()
	if !allValid(
		f.current.Check(Required(msgPasswordRequired)),
		f.newPassword.Check(MinLength(minPasswordLength, msgPasswordLength)),
		f.confirmPassword.Check(
			Required(msgConfirmRequired),
			Equals(func() string { return f.newPassword.Value }, msgPasswordMismatch),
		),
	) {
		f.mu.Unlock()
		return ErrInvalid
	}
	req := api.ChangePasswordRequest{
		CurrentPassword:     f.current.Value,
		NewPassword:         f.newPassword.Value,
		RevokeOtherSessions: true,
	}
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	_, err := f.client.ChangePassword(ctx, req)

	f.mu.Lock()
	f.current.Reset()
	f.newPassword.Reset()
	f.confirmPassword.Reset()
	f.mu.Unlock()

	if err != nil {
		failed(f.notifier, "change password", err)
		return err
	}
	f.notifier.Notify(LevelSuccess, "Password changed successfully")
	return nil
}

// SendResetLink mails a reset link to the signed-in user's address, for
// users who forgot their current password.
func (f *ChangePassword) SendResetLink(ctx context.Context) error {
	f.mu.Lock()
	if f.resetSending {
		f.mu.Unlock()
		return ErrBusy
	}
	f.resetSending = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.resetSending = false
		f.mu.Unlock()
	}()

	err := f.sendResetLink(ctx)
	if err != nil {
		failed(f.notifier, "send password reset link", err)
		return err
	}
	f.notifier.Notify(LevelSuccess, msgResetLinkSent)
	return nil
}

func (f *ChangePassword) sendResetLink(ctx context.Context) error {
	cur, err := f.session.Get(ctx)
	if err != nil {
		return err
	}
	email := ""
	if cur != nil {
		email = cur.User.Email
	}
	return f.client.RequestPasswordReset(ctx, api.RequestPasswordResetRequest{Email: email, RedirectTo: resetPasswordPage})
}

// ForgotPassword requests a reset link for an email address.
type ForgotPassword struct {
	pending

	client   PasswordClient
	notifier Notifier

	mu        sync.Mutex
	email     Field
	submitted bool
}

func NewForgotPassword(client PasswordClient, n Notifier) *ForgotPassword {
	return &ForgotPassword{client: client, notifier: n}
}

func (f *ForgotPassword) SetEmail(v string) {
	f.mu.Lock()
	f.email.Set(v)
	f.mu.Unlock()
}

func (f *ForgotPassword) Email() Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email
}

// Submitted reports whether the "check your email" view is showing.
func (f *ForgotPassword) Submitted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

func (f *ForgotPassword) Submit(ctx context.Context) error {
	f.mu.Lock()
	if !f.email.Check(Email(msgInvalidEmail)) {
		f.mu.Unlock()
		return ErrInvalid
	}
	req := api.RequestPasswordResetRequest{Email: util.NormalizeEmail(f.email.Value), RedirectTo: resetPasswordPage}
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	if err := f.client.RequestPasswordReset(ctx, req); err != nil {
		f.notifier.Notify(LevelError, ErrorMessage(err))
		return err
	}
	f.mu.Lock()
	f.submitted = true
	f.mu.Unlock()
	return nil
}

// ResetState is the view of the reset-password page.
type ResetState int

const (
	ResetForm ResetState = iota
	ResetInvalidLink
	ResetSuccess
)

// ResetPassword sets a new password from an emailed link. The token comes
// from the page query; without one the flow starts in ResetInvalidLink and
// never calls the server.
type ResetPassword struct {
	pending

	client   ResetPasswordClient
	notifier Notifier

	mu              sync.Mutex
	state           ResetState
	token           string
	password        Field
	confirmPassword Field
}

// NewResetPassword reads token and error from the query the server
// redirected to.
func NewResetPassword(client ResetPasswordClient, n Notifier, query url.Values) *ResetPassword {
	f := &ResetPassword{client: client, notifier: n, token: query.Get("token")}
	if f.token == "" || query.Get("error") != "" {
		f.state = ResetInvalidLink
	}
	return f
}

func (f *ResetPassword) State() ResetState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ResetPassword) SetPassword(v string) {
	f.mu.Lock()
	f.password.Set(v)
	f.mu.Unlock()
}

func (f *ResetPassword) SetConfirmPassword(v string) {
	f.mu.Lock()
	f.confirmPassword.Set(v)
	f.mu.Unlock()
}

func (f *ResetPassword) Fields() (password, confirm Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.password, f.confirmPassword
}

// Submit sends the token and new password. A token the server rejects
// moves the flow to ResetInvalidLink.
func (f *ResetPassword) Submit(ctx context.Context) error {
	f.mu.Lock()
	switch f.state {
	case ResetInvalidLink:
		f.mu.Unlock()
		return ErrInvalidLink
	case ResetSuccess:
		f.mu.Unlock()
		return ErrWrongState
	}
	if !allValid(
		f.password.Check(MinLength(minPasswordLength, msgPasswordLength)),
		f.confirmPassword.Check(Equals(func() string { return f.password.Value }, msgPasswordMismatch)),
	) {
		f.mu.Unlock()
		return ErrInvalid
	}
	req := api.ResetPasswordRequest{Token: f.token, NewPassword: f.password.Value}
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	err := f.client.ResetPassword(ctx, req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.password.Reset()
	f.confirmPassword.Reset()
	switch {
	case err == nil:
		f.state = ResetSuccess
		f.token = ""
		return nil
	case errors.Is(err, auth.ErrInvalidToken):
		f.state = ResetInvalidLink
		f.token = ""
		return ErrInvalidLink
	default:
		failed(f.notifier, "reset password", err)
		return err
	}
}
