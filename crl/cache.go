package crl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

// entryMeta is the persisted (buntdb-backed) view of one CRLEntry's
// metadata, keyed by URL. The raw CRL bytes live on disk at FilePath
// per SPEC_FULL §4.4/§6; this index lets the refresh policy consult a
// CRL's NextUpdate without re-parsing the file.
type entryMeta struct {
	URL           string     `json:"url"`
	FilePath      string     `json:"file_path"`
	IssuerDN      string     `json:"issuer_dn"`
	ThisUpdate    time.Time  `json:"this_update"`
	NextUpdate    *time.Time `json:"next_update,omitempty"`
	LastDownload  time.Time  `json:"last_download"`
}

// metaStore is a thin buntdb wrapper confined to package crl, matching
// the spec's design note that the CRL cache is shared state owned
// entirely by C-CRL.
type metaStore struct {
	db *buntdb.DB
}

func openMetaStore(cacheDir string) (*metaStore, error) {
	db, err := buntdb.Open(cacheDir + "/index.db")
	if err != nil {
		return nil, fmt.Errorf("crl cache index: %w", err)
	}
	return &metaStore{db: db}, nil
}

func (s *metaStore) get(url string) (entryMeta, bool) {
	var meta entryMeta
	var found bool
	s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(url)
		if err != nil {
			return nil // not found, meta stays zero
		}
		if jsonErr := json.Unmarshal([]byte(val), &meta); jsonErr == nil {
			found = true
		}
		return nil
	})
	return meta, found
}

func (s *metaStore) put(meta entryMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(meta.URL, string(data), nil)
		return err
	})
}

func (s *metaStore) close() error {
	return s.db.Close()
}
