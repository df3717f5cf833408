package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore implements Store over a local directory.
type FSStore struct {
	root string
}

// NewFSStore returns a store rooted at dir. The directory must exist.
func NewFSStore(dir string) (*FSStore, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat store root %s: %w", dir, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", dir)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) Driver() Driver { return DriverFilesystem }

// sanitizeKey forbids absolute keys and keys escaping the root.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid absolute key %q", key)
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key traversal %q", key)
	}
	return clean, nil
}

// Open opens the file for key.
func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	k, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(k)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}

// List walks the tree below prefix and returns regular file keys.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	dir := s.root
	if prefix != "" {
		k, err := sanitizeKey(prefix)
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(s.root, filepath.FromSlash(k))
	}
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", prefix, ErrNotExist)
		}
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
