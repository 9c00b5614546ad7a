package flow

import (
	"context"
	"encoding/base64"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/filestore"
)

const (
	msgAvatarType = "Invalid file type. Allowed: JPG, PNG, GIF, WebP"
	msgAvatarSize = "File too large. Maximum size is 800KB"
)

// Avatar uploads and removes the profile picture.
type Avatar struct {
	pending

	client   AvatarClient
	session  *SessionContext
	notifier Notifier
}

func NewAvatar(client AvatarClient, session *SessionContext, n Notifier) *Avatar {
	return &Avatar{client: client, session: session, notifier: n}
}

// CheckFile validates a picked file before anything is sent. It returns
// the message to show, or "".
func CheckFile(contentType string, size int) string {
	if !filestore.AllowedAvatarType(contentType) {
		return msgAvatarType
	}
	if size > filestore.MaxAvatarSize {
		return msgAvatarSize
	}
	return ""
}

// Upload validates the file, sends it base64-encoded and refetches the
// session so the new image shows. Rejected files never reach the client.
func (a *Avatar) Upload(ctx context.Context, fileName, contentType string, data []byte) (string, error) {
	if msg := CheckFile(contentType, len(data)); msg != "" {
		a.notifier.Notify(LevelError, msg)
		return "", ErrInvalid
	}
	if !a.begin() {
		return "", ErrBusy
	}
	defer a.end()

	out, err := a.client.UploadAvatar(ctx, api.UploadAvatarInput{
		FileBase64:  base64.StdEncoding.EncodeToString(data),
		FileName:    fileName,
		ContentType: contentType,
	})
	if err != nil {
		a.notifier.Notify(LevelError, ErrorMessage(err))
		return "", err
	}
	a.notifier.Notify(LevelSuccess, out.Message)
	a.session.Invalidate()
	_, _ = a.session.Refetch(ctx)
	return out.ImageURL, nil
}

// Remove deletes the current picture.
func (a *Avatar) Remove(ctx context.Context) error {
	if !a.begin() {
		return ErrBusy
	}
	defer a.end()

	out, err := a.client.DeleteAvatar(ctx)
	if err != nil {
		a.notifier.Notify(LevelError, ErrorMessage(err))
		return err
	}
	a.notifier.Notify(LevelSuccess, out.Message)
	a.session.Invalidate()
	_, _ = a.session.Refetch(ctx)
	return nil
}
