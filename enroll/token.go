package enroll

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sentinelpki/certwatch/core"
	"github.com/sentinelpki/certwatch/log"
)

// subprocessTimeout bounds every CLI sub-process invocation this
// adapter makes (SPEC_FULL §4.5/§5).
const subprocessTimeout = 60 * time.Second

// TokenAdapter is C-EnrollToken: it drives an external CA CLI
// (step-ca's `step` binary or compatible) via sub-process calls rather
// than speaking the wire protocol itself.
type TokenAdapter struct {
	cfg   *core.StepCAConfig
	store *core.Store

	// bin is the CLI executable name, resolved once at construction so
	// tests can substitute a stub.
	bin string
}

func NewTokenAdapter(cfg *core.StepCAConfig, store *core.Store) *TokenAdapter {
	return &TokenAdapter{cfg: cfg, store: store, bin: "step"}
}

// Bootstrap pins ca_url and the root fingerprint. Idempotent: step's
// own `ca bootstrap` overwrites the local trust config on repeat runs
// when given --force.
func (a *TokenAdapter) Bootstrap() error {
	_, _, err := a.run(subprocessTimeout,
		"ca", "bootstrap",
		"--ca-url", a.cfg.CAUrl,
		"--fingerprint", a.cfg.Fingerprint,
		"--force")
	if err != nil {
		return fmt.Errorf("%w: bootstrap: %v", core.ErrNetwork, err)
	}
	return nil
}

// Probe checks CA reachability via `step ca health`.
func (a *TokenAdapter) Probe() error {
	_, _, err := a.run(subprocessTimeout, "ca", "health", "--ca-url", a.cfg.CAUrl)
	if err != nil {
		return fmt.Errorf("%w: ca health: %v", core.ErrNetwork, err)
	}
	return nil
}

func (a *TokenAdapter) Enroll(mc *core.ManagedCert) error {
	token, err := a.mintToken(mc)
	if err != nil {
		return err
	}
	return a.certificate(mc, token)
}

// Renew tries an in-place renew when both current artifacts exist;
// otherwise falls back to a fresh Enroll. renewInPlace and certificate()
// each back up the current artifacts and restore them if the CLI fails.
func (a *TokenAdapter) Renew(mc *core.ManagedCert) error {
	if !a.store.Exists(mc.CertPath) || !a.store.Exists(mc.KeyPath) {
		return a.Enroll(mc)
	}
	if err := a.renewInPlace(mc); err != nil {
		log.Warning("enroll(token): in-place renew failed for %s, falling back to fresh enrollment: %v", mc.Name, err)
		return a.Enroll(mc)
	}
	return nil
}

func (a *TokenAdapter) renewInPlace(mc *core.ManagedCert) error {
	hadExisting := a.store.Exists(mc.CertPath)
	if hadExisting {
		if err := a.store.Backup(mc.CertPath); err != nil {
			return fmt.Errorf("backup cert: %w", err)
		}
		if err := a.store.Backup(mc.KeyPath); err != nil {
			return fmt.Errorf("backup key: %w", err)
		}
	}

	_, _, err := a.run(subprocessTimeout,
		"ca", "renew",
		"--ca-url", a.cfg.CAUrl,
		"--fingerprint", a.cfg.Fingerprint,
		"--force",
		mc.CertPath, mc.KeyPath)
	if err != nil {
		if hadExisting {
			a.store.Restore(mc.CertPath, 0644)
			a.store.Restore(mc.KeyPath, 0600)
		}
		return fmt.Errorf("%w: ca renew: %v", core.ErrNetwork, err)
	}
	return nil
}

func (a *TokenAdapter) certificate(mc *core.ManagedCert, token string) error {
	args := []string{
		"ca", "certificate", mc.Subject, mc.CertPath, mc.KeyPath,
		"--ca-url", a.cfg.CAUrl,
		"--fingerprint", a.cfg.Fingerprint,
		"--token", token,
		"--force",
	}
	for _, san := range mc.SANs {
		args = append(args, "--san", san)
	}

	hadExisting := a.store.Exists(mc.CertPath)
	if hadExisting {
		if err := a.store.Backup(mc.CertPath); err != nil {
			return fmt.Errorf("backup cert: %w", err)
		}
		if err := a.store.Backup(mc.KeyPath); err != nil {
			return fmt.Errorf("backup key: %w", err)
		}
	}

	_, _, err := a.run(subprocessTimeout, args...)
	if err != nil {
		if hadExisting {
			a.store.Restore(mc.CertPath, 0644)
			a.store.Restore(mc.KeyPath, 0600)
		}
		return fmt.Errorf("%w: ca certificate: %v", core.ErrNetwork, err)
	}
	return nil
}

// mintToken produces a short-lived provisioner JWT for the given
// subject/SAN set. The provisioner key password is the sensitive
// credential here: it is written to a 0600 temp file immediately
// before invocation and unlinked immediately after, never passed as an
// argv entry (SPEC_FULL §4.5).
func (a *TokenAdapter) mintToken(mc *core.ManagedCert) (string, error) {
	args := []string{
		"ca", "token", mc.Subject,
		"--ca-url", a.cfg.CAUrl,
		"--fingerprint", a.cfg.Fingerprint,
		"--provisioner", a.cfg.ProvisionerName,
	}

	var stdout string
	var err error
	if a.cfg.ProvisionerKeyPath != "" {
		args = append(args, "--key", a.cfg.ProvisionerKeyPath)
	}

	if a.cfg.ProvisionerPassword != "" {
		passFile, cleanup, ferr := writeSecureTempFile(a.cfg.ProvisionerPassword)
		if ferr != nil {
			return "", fmt.Errorf("%w: provisioner password temp file: %v", core.ErrIO, ferr)
		}
		defer cleanup()
		args = append(args, "--password-file", passFile)
		stdout, _, err = a.run(subprocessTimeout, args...)
	} else {
		// No password configured: the CLI runs with no password file and
		// nothing on stdin. A failure to create the temp file above ends
		// the mint with an error; the password is never sent over stdin.
		stdout, _, err = a.runStdin(subprocessTimeout, "", args...)
	}
	if err != nil {
		return "", fmt.Errorf("%w: mint token: %v", core.ErrAuth, err)
	}

	token := firstLine(stdout)
	validateTokenShape(mc.Name, token)
	return token, nil
}

// validateTokenShape parses the minted token's claims for diagnostic
// logging only; the adapter never verifies the signature locally — the
// CA is the sole verifier.
func validateTokenShape(name, token string) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		log.Debug("enroll(token): minted token for %s has unparseable claims (correlation=%s): %v", name, uuid.NewString(), err)
	}
}

func writeSecureTempFile(contents string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "certwatch-provisioner-*")
	if err != nil {
		return "", nil, err
	}
	path = f.Name()
	if err := os.Chmod(path, 0600); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, err
	}
	if _, err := f.WriteString(contents); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, err
	}
	return path, func() { os.Remove(path) }, nil
}

func (a *TokenAdapter) run(timeout time.Duration, args ...string) (stdout, stderr string, err error) {
	return a.runStdin(timeout, "", args...)
}

func (a *TokenAdapter) runStdin(timeout time.Duration, stdin string, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.bin, args...)
	if stdin != "" {
		cmd.Stdin = bytes.NewBufferString(stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr != nil {
		return outBuf.String(), errBuf.String(), fmt.Errorf("%s %v: %v: %s", a.bin, args, runErr, errBuf.String())
	}
	return outBuf.String(), errBuf.String(), nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
