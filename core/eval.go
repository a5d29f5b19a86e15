package core

import (
	"fmt"
	"math"
	"time"
)

// Renewal reasons reported in CertStatus.RenewalReason; renewalReason
// below checks them from revoked down to valid.
const (
	ReasonValid       = "valid"
	ReasonApproaching = "approaching"
	ReasonWarning     = "warning"
	ReasonNormal      = "normal"
	ReasonEmergency   = "emergency"
	ReasonExpired     = "expired"
	ReasonRevoked     = "revoked"
	ReasonError       = "error"
)

// RevocationStatus is the result of a C-CRL revocation lookup.
type RevocationStatus struct {
	IsRevoked          bool
	RevocationDate     *time.Time
	RevocationReason   string
	CRLSourceURL       string
	CheckedAt          time.Time
}

// CertStatus is the per-pass output of evaluating one ManagedCert.
type CertStatus struct {
	Name             string
	Path             string
	IsValid          bool
	ExpiresAt        *time.Time
	DaysUntilExpiry  int
	NeedsRenewal     bool
	RenewalReason    string
	IsRevoked        bool
	RevocationInfo   *RevocationStatus
	ErrorMessage     string
}

// RevocationChecker is the capability C-Eval needs from C-CRL. Kept as
// an interface here (rather than importing package crl) so crl can
// depend on core without a cycle; loop wires the concrete
// *crl.Manager in at construction time.
type RevocationChecker interface {
	Check(pc *ParsedCert) (RevocationStatus, error)
}

// Evaluator is the C-Eval component.
type Evaluator struct {
	store  *Store
	cfg    *Config
	crl    RevocationChecker // nil disables revocation checking
}

func NewEvaluator(store *Store, cfg *Config, crl RevocationChecker) *Evaluator {
	return &Evaluator{store: store, cfg: cfg, crl: crl}
}

// Evaluate runs the full C-Eval operation for one managed certificate
// at instant now. It never returns an error: load/parse failures are
// folded into the returned CertStatus per invariant 3.
func (e *Evaluator) Evaluate(mc *ManagedCert, now time.Time) CertStatus {
	data, err := e.store.Read(mc.CertPath)
	if err != nil {
		return errorStatus(mc, fmt.Sprintf("failed to read certificate: %v", err))
	}

	pc, err := ParseCertificate(data)
	if err != nil {
		return errorStatus(mc, fmt.Sprintf("failed to parse certificate: %v", err))
	}

	daysUntilExpiry := daysUntil(pc.NotAfter, now)
	lifetimeDays := pc.NotAfter.Sub(pc.NotBefore).Hours() / 24
	thresholdDays := e.cfg.EffectiveThresholdDays(mc, lifetimeDays)

	needsRenewalByTime := daysUntilExpiry <= thresholdDays
	isTimeValid := !now.Before(pc.NotBefore) && !now.After(pc.NotAfter)

	var isRevoked bool
	var revInfo *RevocationStatus
	if e.crl != nil && isTimeValid {
		rs, err := e.crl.Check(pc)
		if err != nil {
			// A revocation-check failure contributes no evidence; it is
			// not a parse/eval error for the certificate itself.
			isRevoked = false
		} else {
			isRevoked = rs.IsRevoked
			if isRevoked {
				revInfo = &rs
			}
		}
	}

	needsRenewal := isRevoked || needsRenewalByTime
	isValid := isTimeValid && !isRevoked

	expiresAt := pc.NotAfter
	return CertStatus{
		Name:            mc.Name,
		Path:            mc.CertPath,
		IsValid:         isValid,
		ExpiresAt:       &expiresAt,
		DaysUntilExpiry: daysUntilExpiry,
		NeedsRenewal:    needsRenewal,
		RenewalReason:   renewalReason(isRevoked, daysUntilExpiry, needsRenewal, e.cfg.EmergencyThresholdDays, e.cfg.WarningThresholdDays),
		IsRevoked:       isRevoked,
		RevocationInfo:  revInfo,
	}
}

// daysUntil floors toward -inf so an already-expired certificate
// reports a negative day count, per SPEC_FULL §4.3 step 3.
func daysUntil(notAfter, now time.Time) int {
	d := notAfter.Sub(now)
	return int(math.Floor(d.Hours() / 24))
}

func renewalReason(isRevoked bool, daysUntilExpiry int, needsRenewal bool, emergency, warning int) string {
	switch {
	case isRevoked:
		return ReasonRevoked
	case daysUntilExpiry < 0:
		return ReasonExpired
	case daysUntilExpiry <= emergency:
		return ReasonEmergency
	case daysUntilExpiry <= warning && needsRenewal:
		return ReasonWarning
	case daysUntilExpiry <= warning:
		return ReasonApproaching
	case needsRenewal:
		return ReasonNormal
	default:
		return ReasonValid
	}
}

func errorStatus(mc *ManagedCert, msg string) CertStatus {
	return CertStatus{
		Name:          mc.Name,
		Path:          mc.CertPath,
		IsValid:       false,
		NeedsRenewal:  true,
		RenewalReason: ReasonError,
		ErrorMessage:  msg,
	}
}
