package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FS persists each layer to <dataDir>/<prefix>layer<n>.png.
type FS struct {
	dir    string
	prefix string
}

// NewFS creates the data directory if needed. Failure here is fatal for the
// process: persistence was requested and cannot work.
func NewFS(dir, prefix string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &FS{dir: dir, prefix: prefix}, nil
}

func (f *FS) path(n int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%slayer%d.png", f.prefix, n))
}

func (f *FS) Load(_ context.Context, n int) ([]byte, error) {
	data, err := os.ReadFile(f.path(n))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FS) Save(_ context.Context, n int, data []byte) error {
	return os.WriteFile(f.path(n), data, 0o644)
}
