package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adaptive-git/transport-core/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
http:
  fake_sni_enabled: true
  fake_sni_hosts: ["a.example.com", "b.example.com"]
  fake_sni_rollout_percent: 50
  follow_redirects: true
  max_redirects: 10
tls:
  san_whitelist: ["*.github.com"]
  real_host_verify_enabled: true
retry:
  max: 5
  base_ms: 200
  factor: 2.0
  jitter: true
ip_pool:
  enabled: true
  sources:
    builtin: true
    dns: true
  max_parallel_probes: 8
`

func TestLoadValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.HTTP.FakeSNIEnabled {
		t.Errorf("HTTP.FakeSNIEnabled = false, want true")
	}
	if cfg.HTTP.FakeSNIRolloutPercent != 50 {
		t.Errorf("HTTP.FakeSNIRolloutPercent = %d, want 50", cfg.HTTP.FakeSNIRolloutPercent)
	}
	if cfg.Retry.Max != 5 || cfg.Retry.BaseMs != 200 || cfg.Retry.Factor != 2.0 || !cfg.Retry.Jitter {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if !cfg.IPPool.Enabled || !cfg.IPPool.Sources.Builtin || cfg.IPPool.MaxParallelProbes != 8 {
		t.Errorf("IPPool = %+v", cfg.IPPool)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "http:\n  fake_sni_enabled: false\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retry.Max != 3 {
		t.Errorf("default Retry.Max = %d, want 3", cfg.Retry.Max)
	}
	if cfg.Retry.BaseMs != 300 {
		t.Errorf("default Retry.BaseMs = %d, want 300", cfg.Retry.BaseMs)
	}
	if cfg.Retry.Factor != 1.5 {
		t.Errorf("default Retry.Factor = %v, want 1.5", cfg.Retry.Factor)
	}
	if cfg.IPPool.HistoryPath != "ip-history.json" {
		t.Errorf("default IPPool.HistoryPath = %q, want ip-history.json", cfg.IPPool.HistoryPath)
	}
}

func TestLoadRejectsRolloutPercentOutOfRange(t *testing.T) {
	path := writeTemp(t, "http:\n  fake_sni_rollout_percent: 150\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for out-of-range rollout percent")
	}
	if !strings.Contains(err.Error(), "fake_sni_rollout_percent") {
		t.Errorf("error %q does not mention fake_sni_rollout_percent", err.Error())
	}
}

func TestLoadRejectsMaxRedirectsOutOfRange(t *testing.T) {
	path := writeTemp(t, "http:\n  max_redirects: 21\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for max_redirects > 20")
	}
}

func TestLoadRejectsTooManyPins(t *testing.T) {
	pins := make([]string, 11)
	for i := range pins {
		pins[i] = strings.Repeat("A", 43)
	}
	var sb strings.Builder
	sb.WriteString("tls:\n  spki_pins:\n")
	for _, p := range pins {
		sb.WriteString("    - \"" + p + "\"\n")
	}
	path := writeTemp(t, sb.String())
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for 11 SPKI pins")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeTemp(t, "http:\n  fkae_sni_enabled: true\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for typo'd field with KnownFields enabled")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.Load(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadCollectsMultipleErrors(t *testing.T) {
	path := writeTemp(t, "http:\n  fake_sni_rollout_percent: 150\n  max_redirects: 21\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "fake_sni_rollout_percent") || !strings.Contains(err.Error(), "max_redirects") {
		t.Errorf("error %q does not mention both violations", err.Error())
	}
}
