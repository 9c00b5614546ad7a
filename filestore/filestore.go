// Package filestore stores avatar images on local disk or in an
// S3-compatible bucket.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/internal/util"
)

// ErrForeignURL is returned by Delete when the URL was not issued by the store,
// e.g. an avatar URL supplied by a social login provider.
var ErrForeignURL = errors.New("filestore: url not owned by this store")

// ErrUnsupportedType is returned by Upload for content types outside the
// avatar allow list.
var ErrUnsupportedType = errors.New("filestore: unsupported content type")

// Provider names a storage backend.
type Provider string

const (
	ProviderLocal Provider = "local"
	ProviderS3    Provider = "s3"
)

// Store uploads and deletes publicly addressable files.
type Store interface {
	// Upload stores data under a generated name whose extension is derived
	// from contentType alone.
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, publicURL string) error
	// Owns reports whether publicURL points into the store's namespace.
	Owns(publicURL string) bool
	Provider() Provider
}

// Config selects and configures a provider.
type Config struct {
	Provider Provider

	// Local
	UploadsDir string

	// S3
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
}

// New resolves the configured provider once at startup.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocal(cfg.UploadsDir)
	case ProviderS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

const avatarPrefix = "avatars"

// MaxAvatarSize is the largest accepted avatar in decoded bytes.
const MaxAvatarSize = 800 << 10

// AllowedAvatarType reports whether contentType is one of the accepted
// image types: JPEG, PNG, GIF or WebP.
func AllowedAvatarType(contentType string) bool {
	_, ok := extByContentType[strings.ToLower(strings.TrimSpace(contentType))]
	return ok
}

var base36 = []rune("0123456789abcdefghijklmnopqrstuvwxyz")

var extByContentType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// uniqueName returns "<unixMillis>-<random><ext>".
func uniqueName(now time.Time, contentType string) (string, error) {
	ext, ok := extension(contentType)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	suffix, err := util.RandomString(7, base36)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix + ext, nil
}

func extension(contentType string) (string, bool) {
	ext, ok := extByContentType[strings.ToLower(strings.TrimSpace(contentType))]
	return ext, ok
}
