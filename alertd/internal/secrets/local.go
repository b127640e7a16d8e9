package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Env reads secrets from ALERTD_SECRET_<NAME> variables.
type Env struct {
	// lookup defaults to os.LookupEnv.
	lookup func(string) (string, bool)
}

// Get returns the variable value.
func (e Env) Get(ctx context.Context, name string) (string, error) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := envName(name)
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

// File reads secrets from <dir>/<name>, e.g. mounted container secrets.
type File struct {
	dir string
}

// NewFile creates a file backend rooted at dir.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("secrets directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening secrets directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets path %s is not a directory", dir)
	}
	return &File{dir: dir}, nil
}

// Get reads the named file. Names may not escape the directory.
func (f *File) Get(ctx context.Context, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
