package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// FileBackend keeps each object as a file in one directory, readable by the
// owner only. Writes go through a temporary file and a rename.
type FileBackend struct {
	dir string
	log *slog.Logger
}

// NewFileBackend creates dir (0700) when missing.
func NewFileBackend(dir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("key directory %s: %w", dir, err)
	}
	return &FileBackend{dir: dir, log: log}, nil
}

func (b *FileBackend) pathFor(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(b.dir, name), nil
}

func (b *FileBackend) Fetch(_ context.Context, name string) ([]byte, error) {
	p, err := b.pathFor(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, interfaces.ErrContentNotFound
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (b *FileBackend) Store(_ context.Context, name string, data []byte) error {
	p, err := b.pathFor(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.dir, ".tmp-"+name+"-*")
	if err != nil {
		return err
	}
	// No-op once the rename succeeded.
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("replacing %s: %w", p, err)
	}

	b.log.Debug("stored key material on disk", "path", p, slog.Int("size", len(data)))
	return nil
}

// Available reports whether the directory still exists.
func (b *FileBackend) Available(context.Context) bool {
	info, err := os.Stat(b.dir)
	return err == nil && info.IsDir()
}

func (b *FileBackend) Name() string        { return "file-" + filepath.Base(b.dir) }
func (b *FileBackend) LocationURI() string { return "file://" + b.dir }
