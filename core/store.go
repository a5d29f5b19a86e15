package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sentinelpki/certwatch/log"
)

// Store is the C-Store component: typed certificate/key artifact I/O
// with atomic writes and a backup sidecar. It does not interpret the
// bytes it moves — that's core/parse.go's job.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Read returns the raw bytes at path, wrapping "file not found" and
// other I/O failures under ErrIO so callers can classify them.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %v", path, ErrIO, err)
	}
	return data, nil
}

// WriteCert atomically replaces path with data at mode 0644: write to
// path+".tmp", fsync, then rename over path so concurrent readers never
// observe a partial file.
func (s *Store) WriteCert(path string, data []byte) error {
	return s.atomicWrite(path, data, 0644)
}

// WriteKey is identical to WriteCert but at the more restrictive 0600.
func (s *Store) WriteKey(path string, data []byte) error {
	return s.atomicWrite(path, data, 0600)
}

func (s *Store) atomicWrite(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir for %s: %w: %v", path, ErrIO, err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open %s: %w: %v", tmpPath, ErrIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w: %v", tmpPath, ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		log.Warning("store: fsync failed for %s (continuing): %v", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w: %v", tmpPath, ErrIO, err)
	}

	// Chmod explicitly: O_CREATE mode is subject to umask, and a platform
	// that can't honor the bits at least gets a warning rather than a
	// silent weaker guarantee than requested.
	if err := os.Chmod(tmpPath, mode); err != nil {
		log.Warning("store: could not enforce permission bits on %s: %v", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s -> %s: %w: %v", tmpPath, path, ErrIO, err)
	}
	return nil
}

// Backup copies path to path+".backup" ahead of a mutating operation.
// Invariant 5 (SPEC_FULL §3): the backup must exist before any
// destructive rewrite of path.
func (s *Store) Backup(path string) error {
	data, err := s.Read(path)
	if err != nil {
		return err
	}
	return s.atomicWrite(path+".backup", data, 0600)
}

// Restore copies path+".backup" back over path at mode, used on
// renewal rollback. Callers must pass the same mode the original
// write used (0600 for keys, 0644 for certs) so a restored key never
// ends up less restrictive than spec.md demands.
func (s *Store) Restore(path string, mode os.FileMode) error {
	data, err := s.Read(path + ".backup")
	if err != nil {
		return err
	}
	return s.atomicWrite(path, data, mode)
}

func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
