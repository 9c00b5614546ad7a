package api

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/gatehouse/filestore"
	"github.com/jmcleod/gatehouse/store"
)

const (
	msgInvalidAvatarType = "Invalid file type. Allowed: JPG, PNG, GIF, WebP"
	msgAvatarTooLarge    = "File too large. Maximum size is 800KB"
	msgAvatarMismatch    = "File content does not match its type"
	msgAvatarUpdated     = "Avatar updated successfully"
	msgAvatarRemoved     = "Avatar removed successfully"
	msgNoAvatar          = "No avatar to delete"
)

// MessageOutput carries a human-readable confirmation.
type MessageOutput struct {
	Message string `json:"message"`
}

// decodeAvatar accepts raw base64 or a data URL.
func decodeAvatar(encoded string) ([]byte, error) {
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	encoded = strings.TrimSpace(encoded)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	return data, nil
}

// rpcUploadAvatar stores the new image, points the user at it and then
// removes the previous one. A failed removal is logged only.
func (a *API) rpcUploadAvatar(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	in, ok := decodeRPC[UploadAvatarInput](w, r)
	if !ok {
		return
	}
	if !filestore.AllowedAvatarType(in.ContentType) {
		rpcError(w, rpcBadRequest, msgInvalidAvatarType)
		return
	}
	// Room for a data URL prefix; the exact check runs after decoding.
	if len(in.FileBase64) > base64.StdEncoding.EncodedLen(filestore.MaxAvatarSize)+64 {
		rpcError(w, rpcPayloadTooLarge, msgAvatarTooLarge)
		return
	}
	data, err := decodeAvatar(in.FileBase64)
	if err != nil || len(data) == 0 {
		rpcError(w, rpcBadRequest, "Invalid file data")
		return
	}
	if len(data) > filestore.MaxAvatarSize {
		rpcError(w, rpcPayloadTooLarge, msgAvatarTooLarge)
		return
	}
	contentType := strings.ToLower(strings.TrimSpace(in.ContentType))
	if http.DetectContentType(data) != contentType {
		rpcError(w, rpcBadRequest, msgAvatarMismatch)
		return
	}
	if a.files == nil {
		a.mapRPCError(w, errors.New("file storage is not configured"))
		return
	}

	url, err := a.files.Upload(r.Context(), data, contentType)
	if err != nil {
		a.mapRPCError(w, err)
		return
	}
	previous := cur.User.Image
	if _, err := a.auth.UpdateUser(r.Context(), cur.User.ID, nil, &url); err != nil {
		a.removeAvatar(r.Context(), url)
		a.mapRPCError(w, err)
		return
	}
	if previous != "" && previous != url {
		a.removeAvatar(r.Context(), previous)
	}
	a.audit.logEvent(AuditAvatarUpdated, r, cur.User.ID)
	writeRPC(w, UploadAvatarOutput{ImageURL: url, Message: msgAvatarUpdated})
}

// rpcDeleteAvatar clears the user's image and removes the stored file.
func (a *API) rpcDeleteAvatar(w http.ResponseWriter, r *http.Request) {
	cur := sessionFromContext(r.Context())
	previous := cur.User.Image
	if previous == "" {
		rpcError(w, rpcNotFound, msgNoAvatar)
		return
	}
	empty := ""
	if _, err := a.auth.UpdateUser(r.Context(), cur.User.ID, nil, &empty); err != nil {
		a.mapRPCError(w, err)
		return
	}
	a.removeAvatar(r.Context(), previous)
	a.audit.logEvent(AuditAvatarRemoved, r, cur.User.ID)
	writeRPC(w, MessageOutput{Message: msgAvatarRemoved})
}

func (a *API) removeAvatar(ctx context.Context, url string) {
	if a.files == nil {
		return
	}
	deleteAvatarFile(ctx, a.files, a.logger, url)
}

func deleteAvatarFile(ctx context.Context, files filestore.Store, logger *slog.Logger, url string) {
	err := files.Delete(ctx, url)
	switch {
	case err == nil:
	case errors.Is(err, filestore.ErrForeignURL):
		logger.Debug("avatar not owned by file store, skipping delete", "url", url)
	default:
		logger.Warn("deleting avatar failed", "url", url, "error", err)
	}
}

// AvatarCleanup returns a hook for auth.WithBeforeDeleteUser that removes
// the user's stored avatar. Failures are logged and never block deletion.
func AvatarCleanup(files filestore.Store, logger *slog.Logger) func(context.Context, *store.User) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, user *store.User) error {
		if files == nil || user.Image == "" {
			return nil
		}
		deleteAvatarFile(ctx, files, logger, user.Image)
		return nil
	}
}
