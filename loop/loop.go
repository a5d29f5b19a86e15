// Package loop implements C-Loop: the single-threaded control loop
// that ticks, evaluates every managed certificate, and drives renewal.
package loop

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelpki/certwatch/core"
	"github.com/sentinelpki/certwatch/crl"
	"github.com/sentinelpki/certwatch/enroll"
	"github.com/sentinelpki/certwatch/log"
)

// State mirrors the Starting -> Running <-> Checking -> ShuttingDown
// -> Stopped progression from SPEC_FULL §4.7.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateChecking
	StateShuttingDown
	StateStopped
)

// subSleepInterval bounds how long the wakeable inter-tick sleep waits
// before re-checking for a shutdown signal.
const subSleepInterval = 60 * time.Second

// passBackoff is the pause after a pass-wide (not per-certificate)
// failure, per SPEC_FULL §4.7.
const passBackoff = 5 * time.Minute

// Loop is the C-Loop component.
type Loop struct {
	cfg       *core.Config
	store     *core.Store
	eval      *core.Evaluator
	adapter   enroll.Adapter
	crlMgr    *crl.Manager

	state   State
	lastRun []core.CertStatus

	shutdown chan os.Signal
}

// New wires the evaluation, revocation, and enrollment components
// together. It is the one place that resolves C-Eval's
// core.RevocationChecker dependency to the concrete *crl.Manager,
// avoiding the core<->crl import cycle.
func New(cfg *core.Config) (*Loop, error) {
	store := core.NewStore()

	crlMgr, err := crl.NewManager(&cfg.StepCA)
	if err != nil {
		return nil, err
	}

	var adapter enroll.Adapter
	if cfg.StepCA.Protocol == "EST" {
		adapter, err = enroll.NewESTAdapter(&cfg.StepCA, store)
		if err != nil {
			return nil, err
		}
	} else {
		adapter = enroll.NewTokenAdapter(&cfg.StepCA, store)
	}

	eval := core.NewEvaluator(store, cfg, crlMgr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return &Loop{
		cfg:      cfg,
		store:    store,
		eval:     eval,
		adapter:  adapter,
		crlMgr:   crlMgr,
		state:    StateStarting,
		shutdown: sigCh,
	}, nil
}

func (l *Loop) State() State { return l.state }

// Close releases resources held by the CRL cache.
func (l *Loop) Close() error { return l.crlMgr.Close() }

// LastStatuses returns the most recently completed check pass's
// output, in configuration order, for C-Status to report from.
func (l *Loop) LastStatuses() []core.CertStatus { return l.lastRun }

// Init performs SPEC_FULL §4.7's initialization: ensure directories,
// bootstrap the enrollment adapter, probe the CA. Any failure here is
// fatal.
func (l *Loop) Init() error {
	if err := l.cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("init: ensure directories: %w", err)
	}
	if err := l.adapter.Bootstrap(); err != nil {
		return fmt.Errorf("init: bootstrap: %w", err)
	}
	if err := l.adapter.Probe(); err != nil {
		return fmt.Errorf("init: probe CA: %w", err)
	}
	l.state = StateRunning
	return nil
}

// Run ticks every check_interval_minutes until a shutdown signal
// arrives, running one check pass per tick.
func (l *Loop) Run() {
	l.runPass()
	for {
		if l.sleepUntilNextTick() {
			l.state = StateShuttingDown
			log.Info("loop: shutdown signal received, exiting")
			l.state = StateStopped
			return
		}
		l.runPass()
	}
}

// RunOnce runs a single check pass immediately, for the CLI's
// one-shot `check`/`status` commands (as opposed to `daemon`, which
// calls Run).
func (l *Loop) RunOnce() {
	l.runPass()
}

// RenewOne force-renews the named certificate regardless of its
// current needs_renewal state, for the CLI's `renew <name>` command.
func (l *Loop) RenewOne(name string) (core.CertStatus, error) {
	now := time.Now().UTC()
	for i := range l.cfg.Certificates {
		mc := &l.cfg.Certificates[i]
		if mc.Name != name {
			continue
		}
		status := l.eval.Evaluate(mc, now)
		status.NeedsRenewal = true
		return l.renewAndVerify(mc, status, now), nil
	}
	return core.CertStatus{}, fmt.Errorf("no configured certificate named %q", name)
}

// sleepUntilNextTick waits check_interval_minutes, broken into 60s
// sub-sleeps so a shutdown signal is observed within one minute. It
// returns true if shutdown was requested during the wait.
func (l *Loop) sleepUntilNextTick() bool {
	remaining := time.Duration(l.cfg.CheckIntervalMinutes) * time.Minute
	for remaining > 0 {
		step := subSleepInterval
		if step > remaining {
			step = remaining
		}
		select {
		case <-l.shutdown:
			return true
		case <-time.After(step):
		}
		remaining -= step
	}
	return false
}

// runPass executes one check pass, isolating pass-wide failures behind
// a 5-minute backoff without ever panicking the process.
func (l *Loop) runPass() {
	l.state = StateChecking
	correlationID := uuid.NewString()
	log.Info("loop: starting check pass (id=%s)", correlationID)

	statuses, err := l.checkPass()
	if err != nil {
		log.Error("loop: check pass failed (id=%s): %v, backing off %s", correlationID, err, passBackoff)
		time.Sleep(passBackoff)
		l.state = StateRunning
		return
	}

	l.lastRun = statuses
	log.Info("loop: check pass complete (id=%s): %d certificates evaluated", correlationID, len(statuses))
	l.state = StateRunning
}

// checkPass evaluates every managed certificate in configuration
// order, renewing any that need it. A single certificate's failure is
// isolated and annotated on its status; it never aborts the pass.
func (l *Loop) checkPass() ([]core.CertStatus, error) {
	now := time.Now().UTC()
	statuses := make([]core.CertStatus, 0, len(l.cfg.Certificates))

	for i := range l.cfg.Certificates {
		mc := &l.cfg.Certificates[i]
		status := l.eval.Evaluate(mc, now)

		if status.NeedsRenewal {
			status = l.renewAndVerify(mc, status, now)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// renewAndVerify drives the configured adapter's Renew, then verifies
// the freshly written certificate parses and chains to the pinned
// root before clearing the error state. Failures are folded back into
// status rather than propagated, per SPEC_FULL §4.7.
func (l *Loop) renewAndVerify(mc *core.ManagedCert, status core.CertStatus, now time.Time) core.CertStatus {
	log.Important("loop: renewing %s (reason=%s)", mc.Name, status.RenewalReason)

	if err := l.adapter.Renew(mc); err != nil {
		log.Error("loop: renewal failed for %s: %v", mc.Name, err)
		status.ErrorMessage = fmt.Sprintf("renewal failed: %v", err)
		status.RenewalReason = core.ReasonError
		status.NeedsRenewal = true
		return status
	}

	if err := l.verify(mc); err != nil {
		log.Error("loop: post-renewal verification failed for %s: %v", mc.Name, err)
		status.ErrorMessage = fmt.Sprintf("verification failed: %v", err)
		status.RenewalReason = core.ReasonError
		status.NeedsRenewal = true
		return status
	}

	log.Success("loop: renewed %s", mc.Name)
	return l.eval.Evaluate(mc, now)
}

// verify re-parses the written certificate and, if a pinned root is
// configured, checks the chain verifies against it.
func (l *Loop) verify(mc *core.ManagedCert) error {
	data, err := l.store.Read(mc.CertPath)
	if err != nil {
		return err
	}
	pc, err := core.ParseCertificate(data)
	if err != nil {
		return err
	}
	if l.cfg.StepCA.RootCertPath == "" {
		return nil
	}
	return verifyChain(data, l.cfg.StepCA.RootCertPath, pc.SubjectCN)
}

func verifyChain(certPEM []byte, rootPath, subjectCN string) error {
	rootBytes, err := os.ReadFile(rootPath)
	if err != nil {
		return fmt.Errorf("%w: read pinned root: %v", core.ErrIO, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootBytes) {
		return fmt.Errorf("%w: pinned root %s contains no certificates", core.ErrParse, rootPath)
	}

	block, rest := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("%w: no PEM block in renewed certificate for %s", core.ErrParse, subjectCN)
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrParse, err)
	}

	intermediates := x509.NewCertPool()
	for {
		var ib *pem.Block
		ib, rest = pem.Decode(rest)
		if ib == nil {
			break
		}
		if ic, err := x509.ParseCertificate(ib.Bytes); err == nil {
			intermediates.AddCert(ic)
		}
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
	})
	if err != nil {
		return fmt.Errorf("%w: chain verification: %v", core.ErrAuth, err)
	}
	return nil
}
