package core

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// ParsedCert is the derived-per-pass view of a certificate: the fields
// C-Eval and C-CRL actually need, extracted once from the raw bytes.
type ParsedCert struct {
	NotBefore time.Time
	NotAfter  time.Time
	SubjectCN string
	SANs      []string
	Serial    *big.Int
	CDPUrls   []string

	raw *x509.Certificate
}

// ParseCertificate accepts PEM or DER bytes, trying PEM first and
// falling back to DER, and fails only if neither parses.
func ParseCertificate(data []byte) (*ParsedCert, error) {
	cert, err := parseX509(data)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w: %v", ErrParse, err)
	}
	return certFromX509(cert), nil
}

func parseX509(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	return x509.ParseCertificate(data)
}

func certFromX509(cert *x509.Certificate) *ParsedCert {
	pc := &ParsedCert{
		NotBefore: cert.NotBefore.UTC(),
		NotAfter:  cert.NotAfter.UTC(),
		SubjectCN: subjectCommonName(cert.Subject),
		Serial:    cert.SerialNumber,
		raw:       cert,
	}
	pc.SANs = append(pc.SANs, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		pc.SANs = append(pc.SANs, ip.String())
	}
	pc.CDPUrls = cdpURIs(cert)
	return pc
}

func subjectCommonName(name pkix.Name) string {
	if name.CommonName != "" {
		return name.CommonName
	}
	return "Unknown"
}

// cdpURIs extracts the uniformResourceIdentifier general names from
// the CRL Distribution Points extension, in order, ignoring any other
// general-name form (directory names, relative names, ...).
func cdpURIs(cert *x509.Certificate) []string {
	var urls []string
	urls = append(urls, cert.CRLDistributionPoints...)
	return urls
}

// ParsedCRL is the derived view of a Certificate Revocation List.
type ParsedCRL struct {
	IssuerDN   string
	ThisUpdate time.Time
	NextUpdate *time.Time
	Entries    []RevokedCertEntry

	raw *x509.RevocationList
}

// RevokedCertEntry is one (serial, revocation_date, reason) tuple from
// a parsed CRL.
type RevokedCertEntry struct {
	Serial           *big.Int
	RevocationDate   time.Time
	RevocationReason string
}

// ParseCRL accepts PEM or DER bytes, PEM first then DER.
func ParseCRL(data []byte) (*ParsedCRL, error) {
	var crl *x509.RevocationList
	var err error
	if block, _ := pem.Decode(data); block != nil {
		crl, err = x509.ParseRevocationList(block.Bytes)
	} else {
		crl, err = x509.ParseRevocationList(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse CRL: %w: %v", ErrParse, err)
	}

	pc := &ParsedCRL{
		IssuerDN:   crl.Issuer.String(),
		ThisUpdate: crl.ThisUpdate.UTC(),
		raw:        crl,
	}
	if !crl.NextUpdate.IsZero() {
		nu := crl.NextUpdate.UTC()
		pc.NextUpdate = &nu
	}
	for _, rc := range crl.RevokedCertificateEntries {
		pc.Entries = append(pc.Entries, RevokedCertEntry{
			Serial:           rc.SerialNumber,
			RevocationDate:   rc.RevocationTime.UTC(),
			RevocationReason: reasonName(rc.ReasonCode),
		})
	}
	return pc, nil
}

// FindSerial returns the entry for serial if present.
func (p *ParsedCRL) FindSerial(serial *big.Int) (RevokedCertEntry, bool) {
	for _, e := range p.Entries {
		if e.Serial.Cmp(serial) == 0 {
			return e, true
		}
	}
	return RevokedCertEntry{}, false
}

// crlReasonNames mirrors the textual names RFC 5280 §5.3.1 assigns to
// each CRLReason enumerated value.
var crlReasonNames = map[int]string{
	0:  "unspecified",
	1:  "keyCompromise",
	2:  "cACompromise",
	3:  "affiliationChanged",
	4:  "superseded",
	5:  "cessationOfOperation",
	6:  "certificateHold",
	8:  "removeFromCRL",
	9:  "privilegeWithdrawn",
	10: "aACompromise",
}

// EncodeCertPEM wraps raw DER certificate bytes in a PEM block, used
// by enrollment adapters that receive DER (or unwrap it from PKCS#7)
// before handing bytes to C-Store.
func EncodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// reasonName falls back to "unspecified" when the CRL entry reason
// extension is absent, per SPEC_FULL §4.2/§4.4. The stdlib surfaces an
// absent reason extension as ReasonCode == 0, which collides with the
// explicit "unspecified(0)" value — both map to the same string, which
// is the behavior the spec asks for either way.
func reasonName(code int) string {
	if name, ok := crlReasonNames[code]; ok {
		return name
	}
	return "unspecified"
}
