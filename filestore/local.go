package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// PublicPrefix is the URL path under which local avatars are served.
const PublicPrefix = "/uploads/avatars/"

// Local writes files under <dir>/avatars and serves them at PublicPrefix.
type Local struct {
	dir string
	now func() time.Time
}

var _ Store = (*Local)(nil)

func NewLocal(uploadsDir string) (*Local, error) {
	if uploadsDir == "" {
		return nil, errors.New("uploads directory is required")
	}
	return &Local{dir: uploadsDir, now: time.Now}, nil
}

func (l *Local) Provider() Provider { return ProviderLocal }

// Root is the directory served at /uploads.
func (l *Local) Root() string { return l.dir }

func (l *Local) avatarDir() string { return filepath.Join(l.dir, avatarPrefix) }

func (l *Local) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := uniqueName(l.now(), contentType)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(l.avatarDir(), 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.avatarDir(), name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing avatar: %w", err)
	}
	return PublicPrefix + name, nil
}

func (l *Local) Delete(ctx context.Context, publicURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.Owns(publicURL) {
		return ErrForeignURL
	}
	name := path.Base(publicURL)
	if name == "." || name == "/" || name == ".." || strings.Contains(strings.TrimPrefix(publicURL, PublicPrefix), "/") {
		return ErrForeignURL
	}
	err := os.Remove(filepath.Join(l.avatarDir(), name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing avatar: %w", err)
	}
	return nil
}

func (l *Local) Owns(publicURL string) bool {
	return strings.HasPrefix(publicURL, PublicPrefix)
}
