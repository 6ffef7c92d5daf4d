package state

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps state as JSON files in a directory on the local
// filesystem. Writes go through a temp file and rename so a crash mid-save
// never leaves a truncated snapshot behind.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a store rooted at baseDir, creating it if needed.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory must not be empty")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// path resolves a state name to a file path, rejecting names that would
// escape the base directory.
func (s *LocalStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid state name %q", name)
	}
	return filepath.Join(s.baseDir, name+".json"), nil
}

// GetReader opens the state file for reading. Returns ErrNotFound when no
// state has been saved under name.
func (s *LocalStore) GetReader(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 - path is constrained to the base directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	return f, nil
}

// GetWriter returns a writer whose contents replace the state atomically on
// Close.
func (s *LocalStore) GetWriter(_ context.Context, name string) (io.WriteCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.baseDir, name+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp state file: %w", err)
	}
	return &atomicWriter{file: tmp, target: p}, nil
}

// Delete removes the state file for name. Deleting absent state is not an
// error.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}
	return nil
}

// List returns the names of all saved states.
func (s *LocalStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	return names, nil
}

// Exists checks whether state has been saved under name.
func (s *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// atomicWriter buffers writes into a temp file and renames it over the
// target on Close.
type atomicWriter struct {
	file   *os.File
	target string
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *atomicWriter) Close() error {
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.file.Name())
		return err
	}
	if err := os.Rename(w.file.Name(), w.target); err != nil {
		_ = os.Remove(w.file.Name())
		return fmt.Errorf("failed to finalize state file: %w", err)
	}
	return nil
}
