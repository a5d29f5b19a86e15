package core

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestCert(t *testing.T, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "widget.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeTempCert(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "widget.pem")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write temp cert: %v", err)
	}
	return path
}

type stubChecker struct {
	status RevocationStatus
	err    error
}

func (s stubChecker) Check(pc *ParsedCert) (RevocationStatus, error) {
	return s.status, s.err
}

func baseConfig() *Config {
	return &Config{
		RenewalThresholdPct:    33.0,
		EmergencyThresholdDays: 7,
		WarningThresholdDays:   14,
	}
}

func TestEvaluateRenewalLadder(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name       string
		notBefore  time.Time
		notAfter   time.Time
		wantReason string
		wantNeeds  bool
		wantValid  bool
	}{
		{
			name:       "fresh certificate, not approaching threshold",
			notBefore:  now.Add(-10 * 24 * time.Hour),
			notAfter:   now.Add(80 * 24 * time.Hour),
			wantReason: ReasonValid,
			wantNeeds:  false,
			wantValid:  true,
		},
		{
			name:       "within warning window but not yet needing renewal",
			notBefore:  now.Add(-18 * 24 * time.Hour),
			notAfter:   now.Add(12 * 24 * time.Hour),
			wantReason: ReasonApproaching,
			wantNeeds:  false,
			wantValid:  true,
		},
		{
			name:       "within emergency window",
			notBefore:  now.Add(-90 * 24 * time.Hour),
			notAfter:   now.Add(5 * 24 * time.Hour),
			wantReason: ReasonEmergency,
			wantNeeds:  true,
			wantValid:  true,
		},
		{
			name:       "already expired",
			notBefore:  now.Add(-90 * 24 * time.Hour),
			notAfter:   now.Add(-1 * 24 * time.Hour),
			wantReason: ReasonExpired,
			wantNeeds:  true,
			wantValid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certPath := writeTempCert(t, generateTestCert(t, tt.notBefore, tt.notAfter))
			mc := &ManagedCert{Name: "widget", CertPath: certPath}
			ev := NewEvaluator(NewStore(), baseConfig(), nil)

			status := ev.Evaluate(mc, now)
			if status.RenewalReason != tt.wantReason {
				t.Errorf("RenewalReason = %s, want %s", status.RenewalReason, tt.wantReason)
			}
			if status.NeedsRenewal != tt.wantNeeds {
				t.Errorf("NeedsRenewal = %v, want %v", status.NeedsRenewal, tt.wantNeeds)
			}
			if status.IsValid != tt.wantValid {
				t.Errorf("IsValid = %v, want %v", status.IsValid, tt.wantValid)
			}
			if status.ErrorMessage != "" {
				t.Errorf("ErrorMessage = %q, want empty", status.ErrorMessage)
			}
		})
	}
}

func TestEvaluateRevokedOverridesValidity(t *testing.T) {
	now := time.Now().UTC()
	certPath := writeTempCert(t, generateTestCert(t, now.Add(-time.Hour), now.Add(90*24*time.Hour)))
	mc := &ManagedCert{Name: "widget", CertPath: certPath}

	revDate := now.Add(-time.Minute)
	checker := stubChecker{status: RevocationStatus{IsRevoked: true, RevocationDate: &revDate, RevocationReason: "keyCompromise"}}
	ev := NewEvaluator(NewStore(), baseConfig(), checker)

	status := ev.Evaluate(mc, now)
	if !status.IsRevoked {
		t.Fatal("expected IsRevoked = true")
	}
	if status.IsValid {
		t.Error("a revoked certificate must never be IsValid")
	}
	if !status.NeedsRenewal {
		t.Error("a revoked certificate must need renewal")
	}
	if status.RenewalReason != ReasonRevoked {
		t.Errorf("RenewalReason = %s, want %s", status.RenewalReason, ReasonRevoked)
	}
}

func TestEvaluateMissingFileIsError(t *testing.T) {
	mc := &ManagedCert{Name: "widget", CertPath: filepath.Join(t.TempDir(), "missing.pem")}
	ev := NewEvaluator(NewStore(), baseConfig(), nil)

	status := ev.Evaluate(mc, time.Now().UTC())
	if status.RenewalReason != ReasonError {
		t.Errorf("RenewalReason = %s, want %s", status.RenewalReason, ReasonError)
	}
	if status.ErrorMessage == "" {
		t.Error("expected a non-empty ErrorMessage for a missing certificate file")
	}
	if !status.NeedsRenewal {
		t.Error("an evaluation error must force NeedsRenewal = true")
	}
}

func TestEffectiveThresholdDaysPrefersPerCertificate(t *testing.T) {
	cfg := baseConfig()
	mc := &ManagedCert{RenewalThreshold: &Threshold{Days: 10}}

	got := cfg.EffectiveThresholdDays(mc, 90)
	if got != 10 {
		t.Errorf("EffectiveThresholdDays() = %d, want 10 (per-cert absolute days wins)", got)
	}

	mcPct := &ManagedCert{RenewalThreshold: &Threshold{IsPercent: true, Percent: 50}}
	got = cfg.EffectiveThresholdDays(mcPct, 100)
	if got != 50 {
		t.Errorf("EffectiveThresholdDays() = %d, want 50 (per-cert percent of lifetime)", got)
	}
}
