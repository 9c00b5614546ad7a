package client

import (
	"context"
	"net/http"

	"github.com/jmcleod/gatehouse/api"
)

func (c *Client) GetProfile(ctx context.Context) (*api.User, error) {
	var out api.User
	if err := c.rpc(ctx, http.MethodGet, "user.getProfile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateProfile(ctx context.Context, in api.UpdateProfileInput) (*api.User, error) {
	var out api.User
	if err := c.rpc(ctx, http.MethodPost, "user.updateProfile", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangePasswordRPC changes the password through the procedure layer, which
// always signs out other sessions.
func (c *Client) ChangePasswordRPC(ctx context.Context, in api.RPCChangePasswordInput) error {
	return c.rpc(ctx, http.MethodPost, "user.changePassword", in, nil)
}

// DeleteAccount deletes the signed-in user immediately.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.rpc(ctx, http.MethodPost, "user.deleteAccount", struct{}{}, nil)
}

func (c *Client) ListBackupCodes(ctx context.Context) ([]string, error) {
	var out api.BackupCodesOutput
	if err := c.rpc(ctx, http.MethodGet, "user.listTwoFactorBackupCodes", nil, &out); err != nil {
		return nil, err
	}
	return out.BackupCodes, nil
}

func (c *Client) UploadAvatar(ctx context.Context, in api.UploadAvatarInput) (*api.UploadAvatarOutput, error) {
	var out api.UploadAvatarOutput
	if err := c.rpc(ctx, http.MethodPost, "user.uploadAvatar", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAvatar(ctx context.Context) (*api.MessageOutput, error) {
	var out api.MessageOutput
	if err := c.rpc(ctx, http.MethodPost, "user.deleteAvatar", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
