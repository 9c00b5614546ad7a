package flow

import (
	"context"
	"sync"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/internal/util"
)

// SignIn is the email and password sign-in form.
type SignIn struct {
	pending

	client    SignInClient
	session   *SessionContext
	notifier  Notifier
	navigator Navigator
	pages     Pages

	mu         sync.Mutex
	email      Field
	password   Field
	rememberMe bool
}

func NewSignIn(client SignInClient, session *SessionContext, n Notifier, nav Navigator, pages Pages) *SignIn {
	return &SignIn{client: client, session: session, notifier: n, navigator: nav, pages: pages, rememberMe: true}
}

func (f *SignIn) SetEmail(v string) {
	f.mu.Lock()
	f.email.Set(v)
	f.mu.Unlock()
}

func (f *SignIn) SetPassword(v string) {
	f.mu.Lock()
	f.password.Set(v)
	f.mu.Unlock()
}

// SetRememberMe toggles a persistent session. It defaults to true.
func (f *SignIn) SetRememberMe(v bool) {
	f.mu.Lock()
	f.rememberMe = v
	f.mu.Unlock()
}

func (f *SignIn) Fields() (email, password Field) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email, f.password
}

// Submit signs in. A second-factor requirement navigates to the challenge
// page; success navigates to the authenticated page. On failure the form
// stays put with the password cleared.
func (f *SignIn) Submit(ctx context.Context) error {
	f.mu.Lock()
	if !allValid(
		f.email.Check(Email(msgInvalidEmail)),
		f.password.Check(Required(msgPasswordRequired)),
	) {
		f.mu.Unlock()
		return ErrInvalid
	}
	remember := f.rememberMe
	req := api.SignInRequest{
		Email:       util.NormalizeEmail(f.email.Value),
		Password:    f.password.Value,
		RememberMe:  &remember,
		CallbackURL: f.pages.Authenticated,
	}
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	resp, err := f.client.SignIn(ctx, req)

	f.mu.Lock()
	f.password.Reset()
	f.mu.Unlock()

	if err != nil {
		failed(f.notifier, "sign in", err)
		return err
	}
	if resp != nil && resp.TwoFactorRedirect {
		f.navigator.Push(twoFactorPage)
		return nil
	}
	f.notifier.Notify(LevelSuccess, "Sign in successful")
	f.session.Invalidate()
	f.navigator.Replace(f.pages.Authenticated)
	return nil
}
