package enroll

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.mozilla.org/pkcs7"

	"github.com/sentinelpki/certwatch/core"
	"github.com/sentinelpki/certwatch/log"
)

const (
	estCacertsTimeout = 30 * time.Second
	estEnrollTimeout  = 60 * time.Second
	estNativePort     = "9000" // step-ca's default JWK/ACME port
	estPort           = "8443" // conventional EST listener port
)

// ESTAdapter is C-EnrollEst: talks RFC 7030 EST directly over HTTPS,
// with no external process involved.
type ESTAdapter struct {
	cfg     *core.StepCAConfig
	store   *core.Store
	baseURL string
	http    *resty.Client
}

func NewESTAdapter(cfg *core.StepCAConfig, store *core.Store) (*ESTAdapter, error) {
	base, err := deriveESTBaseURL(cfg.CAUrl)
	if err != nil {
		return nil, fmt.Errorf("%w: derive EST base URL: %v", core.ErrConfig, err)
	}

	client := resty.New()
	tlsCfg, err := estTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	client.SetTLSClientConfig(tlsCfg)

	if cfg.ESTUsername != "" {
		client.SetBasicAuth(cfg.ESTUsername, cfg.ESTPassword)
	}

	return &ESTAdapter{cfg: cfg, store: store, baseURL: base, http: client}, nil
}

// deriveESTBaseURL rewrites the native PKI port to the EST port if the
// configured CA URL uses it, otherwise appends the well-known path
// (SPEC_FULL §4.6).
func deriveESTBaseURL(caURL string) (string, error) {
	u, err := url.Parse(caURL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if u.Port() == estNativePort {
		u.Host = fmt.Sprintf("%s:%s", host, estPort)
	}
	if !strings.HasSuffix(u.Path, "/.well-known/est") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/.well-known/est"
	}
	return u.String(), nil
}

func estTLSConfig(cfg *core.StepCAConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{}

	switch {
	case cfg.ESTCABundle != "":
		pool, err := loadCertPool(cfg.ESTCABundle)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	case cfg.RootCertPath != "":
		pool, err := loadCertPool(cfg.RootCertPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	default:
		log.Warning("enroll(est): no est_ca_bundle or root_cert_path configured, trusting system roots")
	}

	if cfg.ESTClientCert != "" && cfg.ESTClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ESTClientCert, cfg.ESTClientKey)
		if err != nil {
			return nil, fmt.Errorf("%w: load EST client cert: %v", core.ErrConfig, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", core.ErrIO, path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates found in %s", core.ErrParse, path)
	}
	return pool, nil
}

// Bootstrap is a no-op for EST: trust is pinned per-request via the
// TLS config built at construction time, nothing to persist.
func (a *ESTAdapter) Bootstrap() error { return nil }

// Probe calls cacerts purely as a connectivity check.
func (a *ESTAdapter) Probe() error {
	_, err := a.cacerts()
	return err
}

func (a *ESTAdapter) cacerts() ([]byte, error) {
	resp, err := a.http.R().
		SetHeader("Accept", "application/pkcs7-mime").
		SetTimeout(estCacertsTimeout).
		Get(a.baseURL + "/cacerts")
	if err != nil {
		return nil, fmt.Errorf("%w: cacerts: %v", core.ErrNetwork, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: cacerts returned HTTP %d", core.ErrNetwork, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (a *ESTAdapter) Enroll(mc *core.ManagedCert) error {
	return a.submit(mc, "/simpleenroll")
}

// Renew requires an existing certificate; falls back to Enroll
// otherwise (SPEC_FULL §4.6).
func (a *ESTAdapter) Renew(mc *core.ManagedCert) error {
	if !a.store.Exists(mc.CertPath) {
		return a.Enroll(mc)
	}
	return a.submit(mc, "/simplereenroll")
}

func (a *ESTAdapter) submit(mc *core.ManagedCert, path string) error {
	key, csrDER, err := generateKeyAndCSR(mc)
	if err != nil {
		return err
	}

	body := base64.StdEncoding.EncodeToString(csrDER)
	resp, err := a.http.R().
		SetHeader("Content-Type", "application/pkcs10").
		SetHeader("Content-Transfer-Encoding", "base64").
		SetTimeout(estEnrollTimeout).
		SetBody(body).
		Post(a.baseURL + path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrNetwork, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s returned HTTP %d", core.ErrNetwork, path, resp.StatusCode())
	}

	certPEM, err := unwrapPKCS7Response(resp.Body())
	if err != nil {
		return fmt.Errorf("%w: unwrap %s response: %v", core.ErrParse, path, err)
	}

	return backupAndWrite(a.store, mc, certPEM, encodeKeyPEM(key))
}

// unwrapPKCS7Response decodes an EST simpleenroll/simplereenroll
// response body — base64 text wrapping a degenerate (certs-only)
// PKCS#7 SignedData structure — into a PEM certificate chain. This is
// the behavior the spec left as an open question: a naive
// implementation could treat the raw body as already-PEM certificate
// bytes, but RFC 7030 §4.2.1/§4.2.2 mandate the PKCS#7 wrapper, so the
// bytes are unwrapped properly here rather than copied through.
func unwrapPKCS7Response(body []byte) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		// Some EST servers return raw DER without base64 framing;
		// tolerate that rather than failing outright.
		der = body
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, err
	}
	if len(p7.Certificates) == 0 {
		return nil, fmt.Errorf("pkcs7 structure contained no certificates")
	}

	var out []byte
	for _, cert := range p7.Certificates {
		out = append(out, core.EncodeCertPEM(cert.Raw)...)
	}
	return out, nil
}
