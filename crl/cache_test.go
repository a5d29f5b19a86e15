package crl

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMetaStorePutAndGet(t *testing.T) {
	dir := t.TempDir()
	store, err := openMetaStore(dir)
	if err != nil {
		t.Fatalf("openMetaStore: %v", err)
	}
	defer store.close()

	next := time.Now().Add(24 * time.Hour).UTC()
	meta := entryMeta{
		URL:          "http://ca.example.com/ca.crl",
		FilePath:     filepath.Join(dir, "ca.crl"),
		IssuerDN:     "CN=Example Root CA",
		ThisUpdate:   time.Now().UTC(),
		NextUpdate:   &next,
		LastDownload: time.Now().UTC(),
	}
	if err := store.put(meta); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, found := store.get(meta.URL)
	if !found {
		t.Fatal("expected to find the stored entry")
	}
	if got.IssuerDN != meta.IssuerDN {
		t.Errorf("IssuerDN = %q, want %q", got.IssuerDN, meta.IssuerDN)
	}
	if got.NextUpdate == nil || !got.NextUpdate.Equal(next) {
		t.Errorf("NextUpdate = %v, want %v", got.NextUpdate, next)
	}
}

func TestMetaStoreGetMissingURL(t *testing.T) {
	dir := t.TempDir()
	store, err := openMetaStore(dir)
	if err != nil {
		t.Fatalf("openMetaStore: %v", err)
	}
	defer store.close()

	if _, found := store.get("http://no-such-url.example.com/ca.crl"); found {
		t.Error("expected not found for a never-stored URL")
	}
}
