package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/parchmint/parchmint/errors"
)

// FileObjectStore serves document bytes from a directory. Storage references
// are paths relative to the root.
type FileObjectStore struct {
	root string
}

// NewFileObjectStore creates a store rooted at dir.
func NewFileObjectStore(dir string) *FileObjectStore {
	return &FileObjectStore{root: dir}
}

// Fetch reads the object at ref. References that escape the root are
// rejected.
func (s *FileObjectStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	clean := filepath.Clean(ref)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, errors.NewValidationError("storage ref %q escapes the object root", ref)
	}

	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read object %s", ref)
	}
	return data, nil
}
