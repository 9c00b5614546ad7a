package api

import (
	"time"

	"github.com/jmcleod/gatehouse/store"
)

// ErrorResponse is the body of every non-2xx facade response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type User struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	EmailVerified    bool      `json:"emailVerified"`
	Image            string    `json:"image"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	UserAgent string    `json:"userAgent"`
	IPAddress string    `json:"ipAddress"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Current marks the caller's own session in list-sessions.
	Current bool `json:"current,omitempty"`
}

func toUser(u *store.User) User {
	return User{
		ID:               u.ID,
		Name:             u.Name,
		Email:            u.Email,
		EmailVerified:    u.EmailVerified,
		Image:            u.Image,
		TwoFactorEnabled: u.TwoFactorEnabled,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func toSession(s *store.Session) Session {
	return Session{
		ID:        s.ID,
		Token:     s.Token,
		UserID:    s.UserID,
		UserAgent: s.UserAgent,
		IPAddress: s.IPAddress,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// ---------------------------------------------------------------------------
// Credential facade
// ---------------------------------------------------------------------------

type SignUpRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

type SignInRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	RememberMe  *bool  `json:"rememberMe,omitempty"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

// SignInResponse is returned by sign-up and sign-in. Token is nil when the
// user must verify their email first. TwoFactorRedirect replaces the rest
// when a second factor is required.
type SignInResponse struct {
	TwoFactorRedirect bool    `json:"twoFactorRedirect,omitempty"`
	Token             *string `json:"token,omitempty"`
	User              *User   `json:"user,omitempty"`
}

type SessionResponse struct {
	Session Session `json:"session"`
	User    User    `json:"user"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Status bool `json:"status"`
}

type RevokeSessionRequest struct {
	Token string `json:"token"`
}

type ChangePasswordRequest struct {
	CurrentPassword     string `json:"currentPassword"`
	NewPassword         string `json:"newPassword"`
	RevokeOtherSessions bool   `json:"revokeOtherSessions"`
}

type ChangePasswordResponse struct {
	Token *string `json:"token"`
}

type RequestPasswordResetRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirectTo"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type SendVerificationEmailRequest struct {
	Email       string `json:"email"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

type ChangeEmailRequest struct {
	NewEmail    string `json:"newEmail"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

type UpdateUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Image *string `json:"image,omitempty"`
}

type DeleteUserRequest struct {
	Password    string `json:"password"`
	CallbackURL string `json:"callbackURL,omitempty"`
}

type PasswordRequest struct {
	Password string `json:"password"`
}

type EnableTwoFactorRequest struct {
	Password string `json:"password"`
	Issuer   string `json:"issuer,omitempty"`
}

type EnableTwoFactorResponse struct {
	TOTPURI     string   `json:"totpURI"`
	BackupCodes []string `json:"backupCodes"`
}

type TOTPURIResponse struct {
	TOTPURI string `json:"totpURI"`
}

type VerifyCodeRequest struct {
	Code        string `json:"code"`
	TrustDevice bool   `json:"trustDevice"`
}

type VerifyCodeResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type BackupCodesResponse struct {
	Status      bool     `json:"status"`
	BackupCodes []string `json:"backupCodes"`
}

// ---------------------------------------------------------------------------
// RPC procedures
// ---------------------------------------------------------------------------

type UpdateProfileInput struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type RPCChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type UploadAvatarInput struct {
	FileBase64  string `json:"fileBase64"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

type UploadAvatarOutput struct {
	ImageURL string `json:"imageUrl"`
	Message  string `json:"message"`
}

type BackupCodesOutput struct {
	BackupCodes []string `json:"backupCodes"`
}
