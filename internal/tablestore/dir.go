package tablestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir reads tables from <dir>/<name>.csv on the local filesystem.
type Dir struct {
	root string
}

// NewDir creates a directory store.
func NewDir(root string) *Dir {
	if root == "" {
		root = "."
	}
	return &Dir{root: root}
}

// Fetch implements Store.
func (s *Dir) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, &FetchError{Table: name, Location: s.root, Err: err}
	}
	loc := filepath.Join(s.root, ObjectName(name))
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNotFound
		}
		return nil, &FetchError{Table: name, Location: loc, Err: err}
	}
	return data, nil
}
