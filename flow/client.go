package flow

import (
	"context"

	"github.com/jmcleod/gatehouse/api"
)

// The interfaces below are what each flow needs from the API. The client
// package implements all of them; tests use in-memory fakes.
//
// Facade failures are reported as *auth.Error and procedure failures as
// *api.RPCError so flows can branch on their codes.

type SessionGetter interface {
	// GetSession returns nil, nil when no session is signed in.
	GetSession(ctx context.Context) (*api.SessionResponse, error)
}

type SignUpClient interface {
	SignUp(ctx context.Context, req api.SignUpRequest) (*api.SignInResponse, error)
}

type SignInClient interface {
	SignIn(ctx context.Context, req api.SignInRequest) (*api.SignInResponse, error)
}

type SessionsClient interface {
	ListSessions(ctx context.Context) ([]api.Session, error)
	RevokeSession(ctx context.Context, token string) error
}

type PasswordClient interface {
	ChangePassword(ctx context.Context, req api.ChangePasswordRequest) (*api.ChangePasswordResponse, error)
	RequestPasswordReset(ctx context.Context, req api.RequestPasswordResetRequest) error
}

type ResetPasswordClient interface {
	ResetPassword(ctx context.Context, req api.ResetPasswordRequest) error
}

type ProfileClient interface {
	UpdateUser(ctx context.Context, req api.UpdateUserRequest) error
	ChangeEmail(ctx context.Context, req api.ChangeEmailRequest) error
}

type DeleteAccountClient interface {
	DeleteUser(ctx context.Context, req api.DeleteUserRequest) (*api.SuccessResponse, error)
}

type AvatarClient interface {
	UploadAvatar(ctx context.Context, in api.UploadAvatarInput) (*api.UploadAvatarOutput, error)
	DeleteAvatar(ctx context.Context) (*api.MessageOutput, error)
}

type TwoFactorEnableClient interface {
	EnableTwoFactor(ctx context.Context, req api.EnableTwoFactorRequest) (*api.EnableTwoFactorResponse, error)
	VerifyTOTP(ctx context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error)
}

type TwoFactorChallengeClient interface {
	VerifyTOTP(ctx context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error)
	VerifyBackupCode(ctx context.Context, req api.VerifyCodeRequest) (*api.VerifyCodeResponse, error)
}

type TwoFactorDisableClient interface {
	DisableTwoFactor(ctx context.Context, req api.PasswordRequest) error
}

type BackupCodesClient interface {
	ListBackupCodes(ctx context.Context) ([]string, error)
	GenerateBackupCodes(ctx context.Context, req api.PasswordRequest) ([]string, error)
}
