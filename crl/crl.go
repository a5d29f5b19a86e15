// Package crl implements C-CRL: CRL acquisition, caching, freshness
// policy, and revocation lookup for the certificate lifecycle manager.
package crl

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/go-resty/resty/v2"

	"github.com/sentinelpki/certwatch/core"
	"github.com/sentinelpki/certwatch/log"
)

// coalesceWindow is the short in-memory window within which a second
// refresh of the same URL reuses the already-downloaded CRL instead of
// hitting the network again (SPEC_FULL §4.4, invariant: one network
// call per URL per evaluation pass).
const coalesceWindow = 60 * time.Second

type cachedCRL struct {
	parsed       *core.ParsedCRL
	downloadedAt time.Time
}

// Manager is the C-CRL component. It owns the only shared mutable
// resource in this agent: the CRL cache directory and its in-memory
// coalescing state, both guarded by mu.
type Manager struct {
	cfg    *core.StepCAConfig
	store  *core.Store
	http   *resty.Client
	meta   *metaStore

	mu       sync.Mutex
	mem      map[string]*cachedCRL
}

// NewManager opens the cache directory (and its buntdb metadata index)
// under cfg.CRLCacheDir.
func NewManager(cfg *core.StepCAConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.CRLCacheDir, 0700); err != nil {
		return nil, fmt.Errorf("crl: %w: %v", core.ErrIO, err)
	}
	meta, err := openMetaStore(cfg.CRLCacheDir)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetTimeout(time.Duration(cfg.CRLTimeoutSecs) * time.Second)

	return &Manager{
		cfg:   cfg,
		store: core.NewStore(),
		http:  client,
		meta:  meta,
		mem:   make(map[string]*cachedCRL),
	}, nil
}

func (m *Manager) Close() error {
	return m.meta.close()
}

// Check implements core.RevocationChecker: union of configured CRL
// URLs and the certificate's own CDP URLs, tried in that order, first
// match wins.
func (m *Manager) Check(pc *core.ParsedCert) (core.RevocationStatus, error) {
	if !m.cfg.CRLEnabled {
		return core.RevocationStatus{IsRevoked: false, CheckedAt: time.Now().UTC()}, nil
	}

	urls := unionURLs(m.cfg.CRLUrls, pc.CDPUrls)
	if len(urls) == 0 {
		log.Warning("crl: no CRL URLs available for revocation check (configured + CDP both empty)")
		return core.RevocationStatus{IsRevoked: false, CheckedAt: time.Now().UTC()}, nil
	}

	for _, u := range urls {
		parsed, err := m.refresh(u)
		if err != nil {
			log.Warning("crl: could not obtain CRL from %s: %v", u, err)
			continue
		}
		if parsed == nil {
			continue
		}
		entry, found := parsed.FindSerial(pc.Serial)
		if found {
			date := entry.RevocationDate
			return core.RevocationStatus{
				IsRevoked:        true,
				RevocationDate:   &date,
				RevocationReason: entry.RevocationReason,
				CRLSourceURL:     u,
				CheckedAt:        time.Now().UTC(),
			}, nil
		}
	}
	return core.RevocationStatus{IsRevoked: false, CheckedAt: time.Now().UTC()}, nil
}

// ForceRefresh bypasses the freshness policy and coalescing window to
// fetch u unconditionally, for the CLI's `crl --refresh` command.
func (m *Manager) ForceRefresh(u string) error {
	m.mu.Lock()
	delete(m.mem, u)
	m.mu.Unlock()

	filePath := cacheFilePath(m.cfg.CRLCacheDir, u)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		log.Warning("crl: could not remove stale cache file %s: %v", filePath, err)
	}
	_, err := m.refresh(u)
	return err
}

// refresh applies the freshness policy for URL u and returns the
// currently-best-known parsed CRL, or nil if none is available at all.
func (m *Manager) refresh(u string) (*core.ParsedCRL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if cached, ok := m.mem[u]; ok && now.Sub(cached.downloadedAt) < coalesceWindow {
		log.Debug("crl: reusing in-memory CRL for %s (coalescing window)", u)
		return cached.parsed, nil
	}

	filePath := cacheFilePath(m.cfg.CRLCacheDir, u)
	meta, haveMeta := m.meta.get(u)

	if !m.mustFetch(filePath, meta, haveMeta, now) {
		if parsed, err := m.loadFile(filePath); err == nil {
			m.mem[u] = &cachedCRL{parsed: parsed, downloadedAt: now}
			return parsed, nil
		}
	}

	data, err := m.fetchWithRetry(u)
	if err != nil {
		log.Warning("crl: fetch failed for %s, falling back to cache: %v", u, err)
		return m.fallbackToCache(u, filePath)
	}

	parsed, err := core.ParseCRL(data)
	if err != nil {
		log.Warning("crl: downloaded CRL from %s failed to parse, retaining previous cache: %v", u, err)
		return m.fallbackToCache(u, filePath)
	}

	if err := m.store.WriteCert(filePath, data); err != nil {
		log.Warning("crl: failed to persist CRL cache file for %s: %v", u, err)
	}
	newMeta := entryMeta{
		URL:          u,
		FilePath:     filePath,
		IssuerDN:     parsed.IssuerDN,
		ThisUpdate:   parsed.ThisUpdate,
		NextUpdate:   parsed.NextUpdate,
		LastDownload: now,
	}
	if err := m.meta.put(newMeta); err != nil {
		log.Warning("crl: failed to persist CRL metadata for %s: %v", u, err)
	}
	m.mem[u] = &cachedCRL{parsed: parsed, downloadedAt: now}
	return parsed, nil
}

func (m *Manager) mustFetch(filePath string, meta entryMeta, haveMeta bool, now time.Time) bool {
	info, err := os.Stat(filePath)
	if err != nil {
		return true
	}
	if now.Sub(info.ModTime()) > time.Duration(m.cfg.CRLRefreshHours)*time.Hour {
		return true
	}
	if haveMeta && meta.NextUpdate != nil && !now.Before(*meta.NextUpdate) {
		return true
	}
	return false
}

func (m *Manager) fallbackToCache(u, filePath string) (*core.ParsedCRL, error) {
	if cached, ok := m.mem[u]; ok {
		return cached.parsed, nil
	}
	parsed, err := m.loadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("no cached CRL available for %s: %w", u, err)
	}
	return parsed, nil
}

func (m *Manager) loadFile(filePath string) (*core.ParsedCRL, error) {
	data, err := m.store.Read(filePath)
	if err != nil {
		return nil, err
	}
	return core.ParseCRL(data)
}

// fetchWithRetry performs the HTTPS GET, each attempt bounded by
// crl_timeout_seconds (up to three attempts in all), retrying for
// transient network errors (not for 4xx/5xx HTTP status, which are
// treated as terminal for this attempt).
func (m *Manager) fetchWithRetry(u string) ([]byte, error) {
	var body []byte
	op := func() error {
		resp, err := m.http.R().
			SetHeader("Accept", "application/pkix-crl").
			Get(u)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrNetwork, err)
		}
		if resp.IsError() {
			return backoff.Permanent(fmt.Errorf("%w: CRL fetch from %s returned HTTP %d", core.ErrNetwork, u, resp.StatusCode()))
		}
		if len(resp.Body()) == 0 {
			return backoff.Permanent(fmt.Errorf("%w: empty CRL response from %s", core.ErrNetwork, u))
		}
		body = resp.Body()
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return body, nil
}

func cacheFilePath(cacheDir, rawURL string) string {
	hash := sha256.Sum256([]byte(rawURL))
	hostname := "unknown"
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Hostname() != "" {
		hostname = parsed.Hostname()
	}
	return filepath.Join(cacheDir, fmt.Sprintf("%s_%x.crl", hostname, hash[:8]))
}

func unionURLs(configured, cdp []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range configured {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	for _, u := range cdp {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
