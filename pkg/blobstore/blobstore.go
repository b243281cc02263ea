// Package blobstore is a filesystem-backed implementation of
// [github.com/arrowgrid/searchflush/pkg/flusher.Storage]: it durably
// writes content-addressed (by caller-chosen key) blobs via
// [fs.AtomicWriter] the same way the teacher's config and lock files are
// written - temp file, fsync, rename, parent directory fsync.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/arrowgrid/searchflush/pkg/flusher"
	"github.com/arrowgrid/searchflush/pkg/fs"
)

// Store is a durable, local-disk blob store rooted at a base directory.
type Store struct {
	fsys fs.FS
	root string
	aw   *fs.AtomicWriter
}

// New constructs a Store rooted at root. root must already exist.
func New(fsys fs.FS, root string) *Store {
	return &Store{fsys: fsys, root: root, aw: fs.NewAtomicWriter(fsys)}
}

var _ flusher.Storage = (*Store)(nil)

// path resolves a storage key to its on-disk path, refusing to escape
// root. A leading slash is treated as relative to root.
func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(strings.TrimLeft(key, "/"))
	p := filepath.Join(s.root, clean)

	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blobstore: key %q escapes store root", key)
	}

	return p, nil
}

// Put implements [flusher.Storage].
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := s.fsys.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir for %q: %w", key, err)
	}

	if err := s.aw.WriteWithDefaults(p, r); err != nil {
		return fmt.Errorf("blobstore: put %q: %w", key, err)
	}

	return nil
}

// Get implements [flusher.Storage].
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := s.fsys.Open(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %w", key, err)
	}

	return f, nil
}
