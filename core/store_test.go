package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreWriteCertIsAtomicAndReadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "leaf.pem")
	s := NewStore()

	if err := s.WriteCert(path, []byte("cert-v1")); err != nil {
		t.Fatalf("WriteCert: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not survive a successful write")
	}

	got, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "cert-v1" {
		t.Errorf("Read() = %q, want cert-v1", got)
	}
}

func TestStoreWriteKeyPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf.key")
	s := NewStore()

	if err := s.WriteKey(path, []byte("key-bytes")); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestStoreBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf.pem")
	s := NewStore()

	if err := s.WriteCert(path, []byte("original")); err != nil {
		t.Fatalf("WriteCert: %v", err)
	}
	if err := s.Backup(path); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := s.WriteCert(path, []byte("mutated")); err != nil {
		t.Fatalf("WriteCert (mutate): %v", err)
	}

	backup, err := s.Read(path + ".backup")
	if err != nil {
		t.Fatalf("Read backup: %v", err)
	}
	if string(backup) != "original" {
		t.Errorf("backup contents = %q, want original", backup)
	}

	if err := s.Restore(path, 0644); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read after restore: %v", err)
	}
	if string(restored) != "original" {
		t.Errorf("restored contents = %q, want original", restored)
	}
}

func TestStoreRestoreKeyKeepsRestrictivePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf.key")
	s := NewStore()

	if err := s.WriteKey(path, []byte("key-v1")); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}
	if err := s.Backup(path); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := s.WriteKey(path, []byte("key-v2")); err != nil {
		t.Fatalf("WriteKey (mutate): %v", err)
	}

	if err := s.Restore(path, 0600); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("restored key mode = %v, want 0600", info.Mode().Perm())
	}
	restored, err := s.Read(path)
	if err != nil {
		t.Fatalf("Read after restore: %v", err)
	}
	if string(restored) != "key-v1" {
		t.Errorf("restored contents = %q, want key-v1", restored)
	}
}

func TestStoreReadMissingFileIsIoError(t *testing.T) {
	s := NewStore()
	_, err := s.Read(filepath.Join(t.TempDir(), "missing.pem"))
	if err == nil {
		t.Fatal("expected an error reading a missing file")
	}
}

func TestStoreExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaf.pem")
	s := NewStore()

	if s.Exists(path) {
		t.Error("Exists() should be false before the file is written")
	}
	if err := s.WriteCert(path, []byte("x")); err != nil {
		t.Fatalf("WriteCert: %v", err)
	}
	if !s.Exists(path) {
		t.Error("Exists() should be true after the file is written")
	}
}
