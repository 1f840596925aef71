// Package filestore stores image content on a go-billy filesystem: the local
// disk in production and an in-memory filesystem in tests.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/go-git/go-billy/v6"
	"github.com/go-git/go-billy/v6/memfs"
	"github.com/go-git/go-billy/v6/osfs"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
)

// ErrInvalidPath is returned for absolute paths and paths leaving the root.
var ErrInvalidPath = errors.New("invalid content path")

// Store writes and deletes files below the root of a billy filesystem.
type Store struct {
	fs     billy.Filesystem
	logger *slog.Logger
}

// New wraps an existing filesystem.
func New(filesystem billy.Filesystem, log *slog.Logger) *Store {
	if filesystem == nil {
		panic("filesystem cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{fs: filesystem, logger: log.With(slog.String("component", "filestore"))}
}

// NewOS stores files below basePath on the local disk.
func NewOS(basePath string, log *slog.Logger) (*Store, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrInvalidPath)
	}
	s := New(osfs.New(basePath), log)
	if err := s.fs.MkdirAll(".", 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", basePath, err)
	}
	return s, nil
}

// NewMemory stores files in memory.
func NewMemory(log *slog.Logger) *Store {
	return New(memfs.New(), log)
}

// Write creates or truncates the file at p and returns the size the
// filesystem reports after the write.
func (s *Store) Write(ctx context.Context, p string, data []byte) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	name, err := clean(p)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if dir := path.Dir(name); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := s.fs.Create(name)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close %s: %w", name, err)
	}

	info, err := s.fs.Stat(name)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}

	log.Debug("content written", slog.String("path", name), slog.Int64("size_bytes", info.Size()))
	return info.Size(), nil
}

// Delete removes the file at p. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, p string) error {
	name, err := clean(p)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.FromContextOrDefault(ctx, s.logger).Debug("content already absent", slog.String("path", name))
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}

	logger.FromContextOrDefault(ctx, s.logger).Debug("content deleted", slog.String("path", name))
	return nil
}

// Exists reports whether a file is present at p.
func (s *Store) Exists(_ context.Context, p string) (bool, error) {
	name, err := clean(p)
	if err != nil {
		return false, err
	}
	if _, err := s.fs.Stat(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func clean(p string) (string, error) {
	if strings.TrimSpace(p) == "" || path.IsAbs(p) || strings.Contains(p, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	name := path.Clean(p)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return name, nil
}
