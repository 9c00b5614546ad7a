package flow

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net/url"
	"sync"

	"github.com/pquerna/otp"

	"github.com/jmcleod/gatehouse/api"
)

// EnableState is a step of the enable-two-factor dialog.
type EnableState int

const (
	EnablePasswordConfirm EnableState = iota
	EnableQRDisplay
	EnableCodeVerify
	EnableDone
	EnableCancelled
)

func (s EnableState) String() string {
	switch s {
	case EnablePasswordConfirm:
		return "password_confirm"
	case EnableQRDisplay:
		return "qr_display"
	case EnableCodeVerify:
		return "code_verify"
	case EnableDone:
		return "done"
	case EnableCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("EnableState(%d)", int(s))
}

// TwoFactorEnable walks the user through enabling two-factor
// authentication: confirm password, scan the QR code, verify a code.
type TwoFactorEnable struct {
	pending

	client   TwoFactorEnableClient
	session  *SessionContext
	notifier Notifier
	issuer   string

	mu       sync.Mutex
	state    EnableState
	password Field
	code     Field
	uri      string
	secret   string
}

func NewTwoFactorEnable(client TwoFactorEnableClient, session *SessionContext, n Notifier, issuer string) *TwoFactorEnable {
	return &TwoFactorEnable{client: client, session: session, notifier: n, issuer: issuer}
}

func (f *TwoFactorEnable) State() EnableState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Open starts the dialog again after it was closed or completed.
func (f *TwoFactorEnable) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	f.state = EnablePasswordConfirm
}

func (f *TwoFactorEnable) SetPassword(v string) {
	f.mu.Lock()
	f.password.Set(v)
	f.mu.Unlock()
}

func (f *TwoFactorEnable) SetCode(v string) {
	f.mu.Lock()
	f.code.Set(v)
	f.mu.Unlock()
}

// Password returns the password field.
func (f *TwoFactorEnable) Password() Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.password
}

// Code returns the verification code field.
func (f *TwoFactorEnable) Code() Field {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// URI returns the otpauth:// URI. It is empty until the password has been
// confirmed.
func (f *TwoFactorEnable) URI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uri
}

// Secret returns the base32 secret for manual entry.
func (f *TwoFactorEnable) Secret() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secret
}

// QRCode renders the URI as a PNG of the given size.
func (f *TwoFactorEnable) QRCode(size int) ([]byte, error) {
	uri := f.URI()
	if uri == "" {
		return nil, ErrWrongState
	}
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse totp uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return buf.Bytes(), nil
}

// SubmitPassword asks the server for a TOTP secret. On failure the flow
// stays in EnablePasswordConfirm and nothing secret is exposed. The
// password is cleared either way.
func (f *TwoFactorEnable) SubmitPassword(ctx context.Context) error {
	f.mu.Lock()
	if f.state != EnablePasswordConfirm {
		f.mu.Unlock()
		return ErrWrongState
	}
	if !f.password.Check(Required(msgPasswordRequired)) {
		f.mu.Unlock()
		return ErrInvalid
	}
	password := f.password.Value
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	resp, err := f.client.EnableTwoFactor(ctx, api.EnableTwoFactorRequest{Password: password, Issuer: f.issuer})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.password.Reset()
	if err != nil {
		failed(f.notifier, "enable 2FA", err)
		return err
	}
	if f.state != EnablePasswordConfirm {
		// Closed while the request was in flight.
		return ErrWrongState
	}
	f.uri = resp.TOTPURI
	f.secret = secretFromURI(resp.TOTPURI)
	f.state = EnableQRDisplay
	return nil
}

// Continue moves from the QR code to code entry.
func (f *TwoFactorEnable) Continue() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != EnableQRDisplay {
		return ErrWrongState
	}
	f.state = EnableCodeVerify
	return nil
}

// Back returns from code entry to the QR code.
func (f *TwoFactorEnable) Back() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != EnableCodeVerify {
		return ErrWrongState
	}
	f.code.Reset()
	f.state = EnableQRDisplay
	return nil
}

// SubmitCode verifies the code with trustDevice set. Success finishes the
// flow and refetches the session; failure stays on code entry.
func (f *TwoFactorEnable) SubmitCode(ctx context.Context) error {
	f.mu.Lock()
	if f.state != EnableCodeVerify {
		f.mu.Unlock()
		return ErrWrongState
	}
	if !f.code.Check(Length(totpCodeLength, msgCodeLength), Alphanumeric(msgCodeCharacters)) {
		f.mu.Unlock()
		return ErrInvalid
	}
	code := f.code.Value
	f.mu.Unlock()

	if !f.begin() {
		return ErrBusy
	}
	defer f.end()

	_, err := f.client.VerifyTOTP(ctx, api.VerifyCodeRequest{Code: code, TrustDevice: true})
	if err != nil {
		f.mu.Lock()
		f.code.Reset()
		f.mu.Unlock()
		failed(f.notifier, "verify 2FA", err)
		return err
	}

	f.mu.Lock()
	f.resetLocked()
	f.state = EnableDone
	f.mu.Unlock()

	f.notifier.Notify(LevelSuccess, "2FA enabled successfully")
	// A failed refetch leaves the context invalidated; the next Get retries.
	f.session.Invalidate()
	_, _ = f.session.Refetch(ctx)
	return nil
}

// Close dismisses the dialog and forgets everything it collected. A
// completed flow stays EnableDone.
func (f *TwoFactorEnable) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetLocked()
	if f.state != EnableDone {
		f.state = EnableCancelled
	}
}

func (f *TwoFactorEnable) resetLocked() {
	f.password.Reset()
	f.code.Reset()
	f.uri = ""
	f.secret = ""
}

func secretFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Query().Get("secret")
}
