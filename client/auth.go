package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/jmcleod/gatehouse/api"
)

func (c *Client) SignUp(ctx context.Context, req api.SignUpRequest) (*api.SignInResponse, error) {
	var out api.SignInResponse
	if err := c.facade(ctx, http.MethodPost, "/sign-up/email", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignIn(ctx context.Context, req api.SignInRequest) (*api.SignInResponse, error) {
	var out api.SignInResponse
	if err := c.facade(ctx, http.MethodPost, "/sign-in/email", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.facade(ctx, http.MethodPost, "/sign-out", nil, nil, nil)
}

// GetSession returns nil, nil when signed out.
func (c *Client) GetSession(ctx context.Context) (*api.SessionResponse, error) {
	var out *api.SessionResponse
	if err := c.facade(ctx, http.MethodGet, "/get-session", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]api.Session, error) {
	var out []api.Session
	if err := c.facade(ctx, http.MethodGet, "/list-sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RevokeSession(ctx context.Context, token string) error {
	return c.facade(ctx, http.MethodPost, "/revoke-session", nil, api.RevokeSessionRequest{Token: token}, nil)
}

func (c *Client) RevokeOtherSessions(ctx context.Context) error {
	return c.facade(ctx, http.MethodPost, "/revoke-other-sessions", nil, nil, nil)
}

func (c *Client) RevokeSessions(ctx context.Context) error {
	return c.facade(ctx, http.MethodPost, "/revoke-sessions", nil, nil, nil)
}

func (c *Client) ChangePassword(ctx context.Context, req api.ChangePasswordRequest) (*api.ChangePasswordResponse, error) {
	var out api.ChangePasswordResponse
	if err := c.facade(ctx, http.MethodPost, "/change-password", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RequestPasswordReset(ctx context.Context, req api.RequestPasswordResetRequest) error {
	return c.facade(ctx, http.MethodPost, "/request-password-reset", nil, req, nil)
}

// OpenResetLink follows the token route of an emailed reset link and
// returns the page the server redirects to. The token (or the error) is in
// that page's query.
func (c *Client) OpenResetLink(ctx context.Context, token, callbackURL string) (*url.URL, error) {
	q := url.Values{}
	if callbackURL != "" {
		q.Set("callbackURL", callbackURL)
	}
	loc, err := c.follow(ctx, "/reset-password/"+url.PathEscape(token), q)
	if err != nil {
		return nil, err
	}
	return url.Parse(loc)
}

func (c *Client) ResetPassword(ctx context.Context, req api.ResetPasswordRequest) error {
	return c.facade(ctx, http.MethodPost, "/reset-password", nil, req, nil)
}

func (c *Client) SendVerificationEmail(ctx context.Context, req api.SendVerificationEmailRequest) error {
	return c.facade(ctx, http.MethodPost, "/send-verification-email", nil, req, nil)
}

// VerifyEmail follows a verification link token. It returns the redirect
// target, if any.
func (c *Client) VerifyEmail(ctx context.Context, token, callbackURL string) (string, error) {
	q := url.Values{"token": {token}}
	if callbackURL != "" {
		q.Set("callbackURL", callbackURL)
	}
	return c.follow(ctx, "/verify-email", q)
}

func (c *Client) ChangeEmail(ctx context.Context, req api.ChangeEmailRequest) error {
	return c.facade(ctx, http.MethodPost, "/change-email", nil, req, nil)
}

func (c *Client) UpdateUser(ctx context.Context, req api.UpdateUserRequest) error {
	return c.facade(ctx, http.MethodPost, "/update-user", nil, req, nil)
}

func (c *Client) DeleteUser(ctx context.Context, req api.DeleteUserRequest) (*api.SuccessResponse, error) {
	var out api.SuccessResponse
	if err := c.facade(ctx, http.MethodPost, "/delete-user", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmDeleteUser follows the emailed deletion link.
func (c *Client) ConfirmDeleteUser(ctx context.Context, token, callbackURL string) (string, error) {
	q := url.Values{"token": {token}}
	if callbackURL != "" {
		q.Set("callbackURL", callbackURL)
	}
	return c.follow(ctx, "/delete-user/callback", q)
}

func (c *Client) EnableTwoFactor(ctx context.Context, req api.EnableTwoFactorRequest) (*api.EnableTwoFactorResponse, error) {
	var out api.EnableTwoFactorResponse
	if err := c.facade(ctx, http.MethodPost, "/two-factor/enable", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTOTPURI(ctx context.Context, req api.PasswordRequest) (string, error) {
	var out api.TOTPURIResponse
	if err := c.facade(ctx, http.MethodPost, "/two-factor/get-totp-uri", nil, req, &out); err != nil {
		return "", err
	}
	return out.TOTPURI, nil
}

func (c *Client) VerifyTOTP(ctx context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error) {
	var out api.VerifyCodeResponse
	if err := c.facade(ctx, http.MethodPost, "/two-factor/verify-totp", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyBackupCode(ctx context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error) {
	var out api.VerifyCodeResponse
	if err := c.facade(ctx, http.MethodPost, "/two-factor/verify-backup-code", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GenerateBackupCodes(ctx context.Context, req api.PasswordRequest) ([]string, error) {
	var out api.BackupCodesResponse
	if err := c.facade(ctx, http.MethodPost, "/two-factor/generate-backup-codes", nil, req, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

func (c *Client) DisableTwoFactor(ctx context.Context, req api.PasswordRequest) error {
	return c.facade(ctx, http.MethodPost, "/two-factor/disable", nil, req, nil)
}
