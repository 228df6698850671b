package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/viant/afs"
)

// Store keeps uploaded files under a base location for the short time it
// takes to validate and encode them. The base may be a local directory or
// any URL the afs registry understands, such as mem://localhost/uploads.
type Store struct {
	fs      afs.Service
	baseURL string
}

// New returns a Store rooted at base, creating it if it does not exist.
func New(ctx context.Context, base string) (*Store, error) {
	if base == "" {
		return nil, fmt.Errorf("staging location is empty")
	}
	if !strings.Contains(base, "://") {
		abs, err := filepath.Abs(base)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve staging dir %q: %w", base, err)
		}
		base = abs
	}

	fs := afs.New()
	exists, err := fs.Exists(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("failed to check staging dir %q: %w", base, err)
	}
	if !exists {
		if err := fs.Create(ctx, base, os.ModePerm, true); err != nil {
			return nil, fmt.Errorf("failed to create staging dir %q: %w", base, err)
		}
	}

	return &Store{fs: fs, baseURL: strings.TrimRight(base, "/")}, nil
}

// Stage copies r to a uniquely named file carrying the extension of name
// and returns its URL.
func (s *Store) Stage(ctx context.Context, name string, r io.Reader) (string, error) {
	target := s.baseURL + "/" + uuid.NewString() + strings.ToLower(filepath.Ext(name))
	if err := s.fs.Upload(ctx, target, 0o600, r); err != nil {
		err = fmt.Errorf("failed to stage %q: %w", name, err)
		// Upload creates the file before copying, so a failed copy leaves
		// a partial file behind.
		if rmErr := s.Remove(context.WithoutCancel(ctx), target); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return "", err
	}
	return target, nil
}

// Read returns the content of a staged file.
func (s *Store) Read(ctx context.Context, url string) ([]byte, error) {
	data, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged file: %w", err)
	}
	return data, nil
}

// Remove deletes a staged file. Removing a file that is already gone is
// not an error.
func (s *Store) Remove(ctx context.Context, url string) error {
	exists, err := s.fs.Exists(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to check staged file: %w", err)
	}
	if !exists {
		return nil
	}
	if err := s.fs.Delete(ctx, url); err != nil {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}

// Exists reports whether a staged file is still present.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	return s.fs.Exists(ctx, url)
}

// Base returns the root location of the store.
func (s *Store) Base() string {
	return s.baseURL
}
