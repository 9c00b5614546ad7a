package flow

import (
	"context"
	"strings"
	"sync"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/internal/util"
)

// SignUpState is the view of the sign-up page.
type SignUpState int

const (
	SignUpForm SignUpState = iota
	// SignUpVerifyEmail is the "check your inbox" confirmation.
	SignUpVerifyEmail
)

// SignUp is the registration form.
type SignUp struct {
	pending

	client   SignUpClient
	session  *SessionContext
	notifier Notifier
	callback string

	mu              sync.Mutex
	state           SignUpState
	name            Field
	email           Field
	password        Field
	confirmPassword Field
}

// NewSignUp returns the form. callbackURL is where the emailed verification
// link lands; empty means the server default.
func NewSignUp(client SignUpClient, session *SessionContext, n Notifier, callbackURL string) *SignUp {
	return &SignUp{client: client, session: session, notifier: n, callback: callbackURL}
}

func (f *SignUp) SetName(v string)            { f.set(&f.name, v) }
func (f *SignUp) SetEmail(v string)           { f.set(&f.email, v) }
func (f *SignUp) SetPassword(v string)        { f.set(&f.password, v) }
func (f *SignUp) SetConfirmPassword(v string) { f.set(&f.confirmPassword, v) }

func (f *SignUp) set(field *Field, v string) {
	f.mu.Lock()
	field.Set(v)
	f.mu.Unlock()
}

func (f *SignUp) State() SignUpState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Fields returns name, email, password and confirmation in that order.
func (f *SignUp) Fields() (name, email, password, confirm Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.email, f.password, f.confirmPassword
}

// Validate checks every field and records per-field messages.
func (f *SignUp) Validate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validateLocked()
}

func (f *SignUp) validateLocked() bool {
	return allValid(
		f.name.Check(Required(msgNameRequired)),
		f.email.Check(Email(msgInvalidEmail)),
		f.password.Check(MinLength(minPasswordLength, msgPasswordLength)),
		f.confirmPassword.Check(Equals(func() string { return f.password.Value }, msgPasswordMismatch)),
	)
}

// Submit registers the account. Both password fields are cleared once the
// request completes. Success always shows the verify-email view; when the
// server also signed the user in the session context is invalidated.
func (f *SignUp) Submit(ctx context.Context) error {
	f.mu.Lock()
	if f.state != SignUpForm {
		f.mu.Unlock()
		return ErrWrongState
	}
	if !f.validateLocked() {
		f.mu.Unlock()
		return ErrInvalid
	}
	req := api.SignUpRequest{
		Name:        strings.TrimSpace(f.name.Value),
		Email:       util.NormalizeEmail(f.email.Value),
		Password:    f.password.Value,
		CallbackURL: f.callback,
	}
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	resp, err := f.client.SignUp(ctx, req)

	f.mu.Lock()
	f.password.Reset()
	f.confirmPassword.Reset()
	if err != nil {
		f.mu.Unlock()
		f.notifier.Notify(LevelError, ErrorMessage(err))
		return err
	}
	f.state = SignUpVerifyEmail
	f.mu.Unlock()

	if resp != nil && resp.Token != nil {
		f.session.Invalidate()
	}
	return nil
}
