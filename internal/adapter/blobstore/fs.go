// Package blobstore implements the object-store port for uploaded files and
// overflow url/key dictionaries. Two backends exist: a local filesystem
// store for dev and small deployments, and S3 for production.
package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore writes blobs under Root and serves them from BaseURL.
type FSStore struct {
	Root    string
	BaseURL string
}

// NewFSStore constructs an FSStore rooted at dir.
func NewFSStore(dir, baseURL string) *FSStore {
	return &FSStore{Root: dir, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Save writes the blob to disk, creating parent directories as needed.
func (s *FSStore) Save(_ context.Context, path string, data []byte, _ string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("op=blobstore.fs.save path=%s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return fmt.Errorf("op=blobstore.fs.save path=%s: %w", path, err)
	}
	return nil
}

// URL returns the public address for a stored blob.
func (s *FSStore) URL(_ context.Context, path string) (string, error) {
	if _, err := s.resolve(path); err != nil {
		return "", err
	}
	return s.BaseURL + "/" + strings.TrimLeft(path, "/"), nil
}

// resolve rejects paths that would escape the root.
func (s *FSStore) resolve(path string) (string, error) {
	full := filepath.Join(s.Root, filepath.FromSlash(path))
	root := filepath.Clean(s.Root)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("op=blobstore.fs.resolve path=%s: escapes root", path)
	}
	return full, nil
}
