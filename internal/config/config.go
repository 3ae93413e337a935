// Package config loads and validates the adaptive transport core's
// configuration. The primary document is a YAML file (config.yaml),
// following the teacher's LoadConfig/applyDefaults/validate pattern; a
// second, independently reloadable ip-config.json carries the IP pool's
// preheat/static/blacklist data (spec.md §6).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig is the top-level configuration structure, corresponding to the
// http/tls/retry/ip_pool sections of spec.md §6.
type AppConfig struct {
	HTTP   HTTPConfig   `yaml:"http"`
	TLS    TLSConfig    `yaml:"tls"`
	Retry  RetryConfig  `yaml:"retry"`
	IPPool IPPoolConfig `yaml:"ip_pool"`
}

// HTTPConfig holds fake-SNI and redirect policy.
type HTTPConfig struct {
	FakeSNIEnabled           bool     `yaml:"fake_sni_enabled"`
	FakeSNIHosts             []string `yaml:"fake_sni_hosts"`
	SNIRotateOn403           bool     `yaml:"sni_rotate_on_403"`
	FakeSNIRolloutPercent    int      `yaml:"fake_sni_rollout_percent"`
	HostAllowListExtra       []string `yaml:"host_allow_list_extra"`
	FollowRedirects          bool     `yaml:"follow_redirects"`
	MaxRedirects             int      `yaml:"max_redirects"`
	LargeBodyWarnBytes       int64    `yaml:"large_body_warn_bytes"`
	AutoDisableFakeThreshold int      `yaml:"auto_disable_fake_threshold_pct"`
	AutoDisableFakeCooldownS int      `yaml:"auto_disable_fake_cooldown_sec"`
}

// TLSConfig holds the verifier policy of spec.md §4.1.
type TLSConfig struct {
	SANWhitelist          []string `yaml:"san_whitelist"`
	InsecureSkipVerify    bool     `yaml:"insecure_skip_verify"`
	SkipSANWhitelist      bool     `yaml:"skip_san_whitelist"`
	SPKIPins              []string `yaml:"spki_pins"`
	RealHostVerifyEnabled bool     `yaml:"real_host_verify_enabled"`
	MetricsEnabled        bool     `yaml:"metrics_enabled"`
	CertFPLogEnabled      bool     `yaml:"cert_fp_log_enabled"`
	CertFPMaxBytes        int64    `yaml:"cert_fp_max_bytes"`
}

// RetryConfig is the retry plan of spec.md §4.12's GLOSSARY entry.
type RetryConfig struct {
	Max    int     `yaml:"max"`
	BaseMs int64   `yaml:"base_ms"`
	Factor float64 `yaml:"factor"`
	Jitter bool    `yaml:"jitter"`
}

// IPPoolSources toggles which candidate sources the IP Candidate Collector
// consults (spec.md §4.8).
type IPPoolSources struct {
	Builtin    bool `yaml:"builtin"`
	DNS        bool `yaml:"dns"`
	History    bool `yaml:"history"`
	UserStatic bool `yaml:"user_static"`
	Fallback   bool `yaml:"fallback"`
}

// IPPoolConfig is the ip_pool section of spec.md §6.
type IPPoolConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Sources               IPPoolSources `yaml:"sources"`
	MaxParallelProbes     int           `yaml:"max_parallel_probes"`
	ProbeTimeoutMs        int           `yaml:"probe_timeout_ms"`
	SingleflightTimeoutMs int           `yaml:"singleflight_timeout_ms"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	FailureRateThreshold  float64       `yaml:"failure_rate_threshold"`
	FailureWindowSeconds  int           `yaml:"failure_window_seconds"`
	CooldownSeconds       int           `yaml:"cooldown_seconds"`
	CircuitBreakerEnabled bool          `yaml:"circuit_breaker_enabled"`
	HistoryPath           string        `yaml:"history_path"`
}

// Load reads the YAML file at path, unmarshals it into an AppConfig,
// applies defaults, and validates all fields.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	return Parse(data, path)
}

// Parse unmarshals raw YAML bytes into an AppConfig. name is used only in
// error messages (typically the source path). KnownFields is enabled so a
// typo'd key fails loudly instead of being silently ignored.
func Parse(data []byte, name string) (*AppConfig, error) {
	var cfg AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", name, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", name, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with the defaults
// named in spec.md §6.
func applyDefaults(cfg *AppConfig) {
	if cfg.HTTP.MaxRedirects == 0 {
		cfg.HTTP.MaxRedirects = 5
	}
	if cfg.Retry.Max == 0 {
		cfg.Retry.Max = 3
	}
	if cfg.Retry.BaseMs == 0 {
		cfg.Retry.BaseMs = 300
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 1.5
	}
	if cfg.IPPool.MaxParallelProbes == 0 {
		cfg.IPPool.MaxParallelProbes = 4
	}
	if cfg.IPPool.ProbeTimeoutMs == 0 {
		cfg.IPPool.ProbeTimeoutMs = 1500
	}
	if cfg.IPPool.SingleflightTimeoutMs == 0 {
		cfg.IPPool.SingleflightTimeoutMs = 3000
	}
	if cfg.IPPool.FailureThreshold == 0 {
		cfg.IPPool.FailureThreshold = 3
	}
	if cfg.IPPool.FailureRateThreshold == 0 {
		cfg.IPPool.FailureRateThreshold = 0.5
	}
	if cfg.IPPool.FailureWindowSeconds == 0 {
		cfg.IPPool.FailureWindowSeconds = 60
	}
	if cfg.IPPool.CooldownSeconds == 0 {
		cfg.IPPool.CooldownSeconds = 60
	}
	if cfg.IPPool.HistoryPath == "" {
		cfg.IPPool.HistoryPath = "ip-history.json"
	}
}

// Validate checks the ranges spec.md §6 calls out explicitly
// (fake_sni_rollout_percent and auto_disable_fake_threshold_pct in
// [0,100], max_redirects in [0,20]) plus the SPKI pin list shape, collecting
// every failure instead of stopping at the first.
func (cfg *AppConfig) Validate() error {
	var errs []error

	if cfg.HTTP.FakeSNIRolloutPercent < 0 || cfg.HTTP.FakeSNIRolloutPercent > 100 {
		errs = append(errs, fmt.Errorf("http.fake_sni_rollout_percent %d out of range [0,100]", cfg.HTTP.FakeSNIRolloutPercent))
	}
	if cfg.HTTP.AutoDisableFakeThreshold < 0 || cfg.HTTP.AutoDisableFakeThreshold > 100 {
		errs = append(errs, fmt.Errorf("http.auto_disable_fake_threshold_pct %d out of range [0,100]", cfg.HTTP.AutoDisableFakeThreshold))
	}
	if cfg.HTTP.MaxRedirects < 0 || cfg.HTTP.MaxRedirects > 20 {
		errs = append(errs, fmt.Errorf("http.max_redirects %d out of range [0,20]", cfg.HTTP.MaxRedirects))
	}
	if cfg.Retry.Factor < 1 {
		errs = append(errs, fmt.Errorf("retry.factor %v must be >= 1", cfg.Retry.Factor))
	}
	if cfg.IPPool.FailureRateThreshold < 0 || cfg.IPPool.FailureRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("ip_pool.failure_rate_threshold %v out of range [0,1]", cfg.IPPool.FailureRateThreshold))
	}
	if cfg.IPPool.FailureWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("ip_pool.failure_window_seconds %d must be >= 0", cfg.IPPool.FailureWindowSeconds))
	}
	if len(cfg.TLS.SPKIPins) > 10 {
		errs = append(errs, fmt.Errorf("tls.spki_pins has %d entries, maximum is 10", len(cfg.TLS.SPKIPins)))
	}
	for _, p := range cfg.TLS.SPKIPins {
		if len(p) != 43 {
			errs = append(errs, fmt.Errorf("tls.spki_pins entry %q is %d characters, want 43", p, len(p)))
		}
	}

	return errors.Join(errs...)
}
