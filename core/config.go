package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinelpki/certwatch/log"
	"github.com/spf13/viper"
)

// Threshold expresses a renewal threshold either as a legacy absolute
// day count or as a percent-of-lifetime fraction. Exactly one of the
// two forms applies; IsPercent selects which. mapstructure never
// populates IsPercent directly (it isn't a real YAML key) — NewConfig
// derives it after UnmarshalKey from whichever field the operator set.
type Threshold struct {
	Days      int     `mapstructure:"days" yaml:"days"`
	Percent   float64 `mapstructure:"percent" yaml:"percent"`
	IsPercent bool    `mapstructure:"-" yaml:"-"`
}

// ManagedCert is one certificate/key pair this agent keeps alive.
type ManagedCert struct {
	Name             string     `mapstructure:"name" yaml:"name"`
	CertPath         string     `mapstructure:"cert_path" yaml:"cert_path"`
	KeyPath          string     `mapstructure:"key_path" yaml:"key_path"`
	Subject          string     `mapstructure:"subject" yaml:"subject"`
	SANs             []string   `mapstructure:"sans" yaml:"sans"`
	RenewalThreshold *Threshold `mapstructure:"renewal_threshold" yaml:"renewal_threshold"`
}

// StepCAConfig groups everything needed to talk to the PKI backend,
// under either enrollment protocol.
type StepCAConfig struct {
	CAUrl       string `mapstructure:"ca_url" yaml:"ca_url"`
	Fingerprint string `mapstructure:"ca_fingerprint" yaml:"ca_fingerprint"`
	RootCertPath string `mapstructure:"root_cert_path" yaml:"root_cert_path"`
	Protocol    string `mapstructure:"protocol" yaml:"protocol"` // "JWK" or "EST"

	ProvisionerName     string `mapstructure:"provisioner_name" yaml:"provisioner_name"`
	ProvisionerPassword string `mapstructure:"provisioner_password" yaml:"provisioner_password"`
	ProvisionerKeyPath  string `mapstructure:"provisioner_key_path" yaml:"provisioner_key_path"`

	ESTUsername   string `mapstructure:"est_username" yaml:"est_username"`
	ESTPassword   string `mapstructure:"est_password" yaml:"est_password"`
	ESTClientCert string `mapstructure:"est_client_cert" yaml:"est_client_cert"`
	ESTClientKey  string `mapstructure:"est_client_key" yaml:"est_client_key"`
	ESTCABundle   string `mapstructure:"est_ca_bundle" yaml:"est_ca_bundle"`

	CRLEnabled      bool     `mapstructure:"crl_enabled" yaml:"crl_enabled"`
	CRLUrls         []string `mapstructure:"crl_urls" yaml:"crl_urls"`
	CRLCacheDir     string   `mapstructure:"crl_cache_dir" yaml:"crl_cache_dir"`
	CRLRefreshHours int      `mapstructure:"crl_refresh_hours" yaml:"crl_refresh_hours"`
	CRLTimeoutSecs  int      `mapstructure:"crl_timeout_seconds" yaml:"crl_timeout_seconds"`
}

const (
	CfgCheckIntervalMinutes  = "check_interval_minutes"
	CfgRenewalThresholdPct   = "renewal_threshold_percent"
	CfgEmergencyThresholdDay = "emergency_renewal_threshold_days"
	CfgWarningThresholdDays  = "warning_threshold_days"
	CfgCertStoragePath       = "cert_storage_path"
	CfgStepCA                = "step_ca"
	CfgCertificates          = "certificates"
)

// Config is the typed configuration value the agent runs from.
// NewConfig loads it from the YAML file; the file's schema is not
// validated beyond the protocol fallback.
type Config struct {
	CheckIntervalMinutes  int
	RenewalThresholdPct   float64
	EmergencyThresholdDays int
	WarningThresholdDays   int
	CertStoragePath        string
	StepCA                 StepCAConfig
	Certificates           []ManagedCert

	cfg *viper.Viper
}

// NewConfig loads (or seeds defaults for) the YAML config at path,
// following the teacher's viper idiom: SetDefault for every recognized
// key, then ReadInConfig, then populate the typed fields.
func NewConfig(path string) (*Config, error) {
	c := &Config{}
	c.cfg = viper.New()
	c.cfg.SetConfigType("yaml")
	c.cfg.SetConfigFile(path)

	c.cfg.SetDefault(CfgCheckIntervalMinutes, 30)
	c.cfg.SetDefault(CfgRenewalThresholdPct, 33.0)
	c.cfg.SetDefault(CfgEmergencyThresholdDay, 7)
	c.cfg.SetDefault(CfgWarningThresholdDays, 14)
	c.cfg.SetDefault(CfgCertStoragePath, "certs")
	c.cfg.SetDefault("step_ca.protocol", "JWK")
	c.cfg.SetDefault("step_ca.crl_enabled", true)
	c.cfg.SetDefault("step_ca.crl_cache_dir", "certs/crl")
	c.cfg.SetDefault("step_ca.crl_refresh_hours", 24)
	c.cfg.SetDefault("step_ca.crl_timeout_seconds", 30)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := c.cfg.WriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("config: writing defaults: %w", err)
		}
	}

	if err := c.cfg.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	c.CheckIntervalMinutes = c.cfg.GetInt(CfgCheckIntervalMinutes)
	c.RenewalThresholdPct = c.cfg.GetFloat64(CfgRenewalThresholdPct)
	c.EmergencyThresholdDays = c.cfg.GetInt(CfgEmergencyThresholdDay)
	c.WarningThresholdDays = c.cfg.GetInt(CfgWarningThresholdDays)
	c.CertStoragePath = c.cfg.GetString(CfgCertStoragePath)

	if err := c.cfg.UnmarshalKey(CfgStepCA, &c.StepCA); err != nil {
		return nil, fmt.Errorf("config: step_ca: %w", err)
	}
	c.StepCA.Protocol = strings.ToUpper(c.StepCA.Protocol)
	if !stringExists(c.StepCA.Protocol, []string{"JWK", "EST"}) {
		log.Warning("config: unrecognized step_ca.protocol %q, defaulting to JWK", c.StepCA.Protocol)
		c.StepCA.Protocol = "JWK"
	}

	var certs []ManagedCert
	if err := c.cfg.UnmarshalKey(CfgCertificates, &certs); err != nil {
		return nil, fmt.Errorf("config: certificates: %w", err)
	}
	for i := range certs {
		if t := certs[i].RenewalThreshold; t != nil {
			// mapstructure never populates IsPercent (tagged "-"), so derive
			// it from which key the operator actually wrote.
			t.IsPercent = t.Percent != 0
		}
	}
	c.Certificates = certs

	return c, nil
}

// EffectiveThresholdDays resolves a ManagedCert's renewal threshold to
// an absolute day count, preferring the certificate-specific value
// over the service default (DESIGN NOTES, "mixed threshold
// semantics" — never guess when both are set).
func (c *Config) EffectiveThresholdDays(mc *ManagedCert, lifetimeDays float64) int {
	if mc.RenewalThreshold != nil {
		if mc.RenewalThreshold.IsPercent {
			return int(mc.RenewalThreshold.Percent / 100.0 * lifetimeDays)
		}
		return mc.RenewalThreshold.Days
	}
	return int(c.RenewalThresholdPct / 100.0 * lifetimeDays)
}

func (c *Config) EnsureDirs() error {
	if err := CreateDir(c.CertStoragePath, 0700); err != nil {
		return err
	}
	if err := CreateDir(c.StepCA.CRLCacheDir, 0700); err != nil {
		return err
	}
	for _, mc := range c.Certificates {
		if err := CreateDir(filepath.Dir(mc.CertPath), 0700); err != nil {
			return err
		}
		if err := CreateDir(filepath.Dir(mc.KeyPath), 0700); err != nil {
			return err
		}
	}
	return nil
}

func stringExists(needle string, haystack []string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
