package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	walName        = "wal.log"
	checkpointName = "checkpoint.bin"
	blobDirName    = "blobs"
)

// ErrBadBlobKey rejects keys that would escape the blob directory.
var ErrBadBlobKey = errors.New("bad blob key")

// File is the file-backed Store. One directory holds the WAL, the latest
// checkpoint, and a blob subdirectory. Writes are fsynced; replacements go
// through a temp file and rename.
type File struct {
	mu  sync.Mutex
	dir string
	wal *os.File
}

// OpenFile opens (creating if needed) a file store rooted at dir.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(filepath.Join(dir, blobDirName), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}
	wal, err := os.OpenFile(filepath.Join(dir, walName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open wal: %w", err)
	}
	return &File{dir: dir, wal: wal}, nil
}

// Close closes the WAL handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wal.Close()
}

// Append implements WAL.
func (f *File) Append(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.wal.Write(frame); err != nil {
		return fmt.Errorf("storage: wal append: %w", err)
	}
	return nil
}

// Sync implements WAL.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.wal.Sync(); err != nil {
		return fmt.Errorf("storage: wal sync: %w", err)
	}
	return nil
}

// Reader implements WAL.
func (f *File) Reader() (io.ReadCloser, error) {
	r, err := os.Open(filepath.Join(f.dir, walName))
	if err != nil {
		return nil, fmt.Errorf("storage: wal reader: %w", err)
	}
	return r, nil
}

// Rewrite implements WAL. The replacement is written to a temp file,
// fsynced, and renamed over the log; the append handle is reopened.
func (f *File) Rewrite(content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := filepath.Join(f.dir, walName)
	if err := writeAtomic(target, content); err != nil {
		return fmt.Errorf("storage: wal rewrite: %w", err)
	}
	if err := f.wal.Close(); err != nil {
		return fmt.Errorf("storage: wal rewrite close: %w", err)
	}
	wal, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storage: wal reopen: %w", err)
	}
	f.wal = wal
	return nil
}

// Put implements Blob.
func (f *File) Put(_ context.Context, key string, content []byte) error {
	path, err := f.blobPath(key)
	if err != nil {
		return err
	}
	if err := writeAtomic(path, content); err != nil {
		return fmt.Errorf("storage: blob put %q: %w", key, err)
	}
	return nil
}

// Get implements Blob.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.blobPath(key)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: blob get %q: %w", key, err)
	}
	return content, nil
}

// Delete implements Blob.
func (f *File) Delete(_ context.Context, key string) error {
	path, err := f.blobPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: blob delete %q: %w", key, err)
	}
	return nil
}

// PutCheckpoint implements Checkpoints.
func (f *File) PutCheckpoint(content []byte) error {
	if err := writeAtomic(filepath.Join(f.dir, checkpointName), content); err != nil {
		return fmt.Errorf("storage: checkpoint put: %w", err)
	}
	return nil
}

// GetCheckpoint implements Checkpoints.
func (f *File) GetCheckpoint() ([]byte, bool, error) {
	content, err := os.ReadFile(filepath.Join(f.dir, checkpointName))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: checkpoint get: %w", err)
	}
	return content, true, nil
}

func (f *File) blobPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadBlobKey, key)
	}
	return filepath.Join(f.dir, blobDirName, key), nil
}

// writeAtomic writes content to a temp file, fsyncs it, and renames it
// over path.
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
