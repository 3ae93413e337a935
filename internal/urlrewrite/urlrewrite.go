// Package urlrewrite implements the URL Rewriter from spec.md §4.4: the
// decision of whether an https Git remote URL is eligible for the custom
// adaptive transport, and the rewrite of its scheme to https+custom when it
// is.
package urlrewrite

import (
	"crypto/sha1"
	"net/url"
	"os"
	"strings"
)

// proxyEnvKeys are the environment variables whose presence disables the
// rewrite, per spec.md §4.4 rule 2 and §6's env var list. NO_PROXY is
// deliberately absent: per the original_source supplement it never
// re-enables rewriting once a proxy var is set, so it plays no role here.
var proxyEnvKeys = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY"}

// Config is the subset of AppConfig the rewrite decision consults.
type Config struct {
	FakeSNIEnabled     bool
	RolloutPercent     int // clamped to [0,100] by Decide
	SANWhitelist       []string
	HostAllowListExtra []string
}

// ProxyPresent reports whether any of HTTP_PROXY/HTTPS_PROXY/ALL_PROXY
// (checked case-insensitively, both on the variable name and on a leading
// http://\https:// scheme prefix some values carry) names a non-blank
// value. Grounded on original_source's tls::util::proxy_present, extended
// per the scheme-stripping detail from core/proxy/system_detector.rs.
func ProxyPresent() bool {
	for _, k := range proxyEnvKeys {
		for _, variant := range []string{k, strings.ToLower(k)} {
			if v, ok := os.LookupEnv(variant); ok && strings.TrimSpace(stripScheme(v)) != "" {
				return true
			}
		}
	}
	return false
}

func stripScheme(v string) string {
	v = strings.TrimSpace(v)
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") {
		return v[len("http://"):]
	}
	if strings.HasPrefix(lower, "https://") {
		return v[len("https://"):]
	}
	return v
}

// Bucket computes the deterministic rollout bucket in [0,99] for host,
// per spec.md §4.4 rule 5: SHA-1 of the host bytes, first two octets as a
// big-endian uint16, mod 100.
func Bucket(host string) int {
	sum := sha1.Sum([]byte(host))
	v := uint16(sum[0])<<8 | uint16(sum[1])
	return int(v % 100)
}

// eligible reports whether host falls within the rollout sampling window
// for percent, clamped to [0,100]. Percent 0 always excludes; percent 100
// always includes (Bucket never returns 100).
func eligible(host string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return Bucket(host) < percent
}

// matchesAny reports whether host matches one of patterns, applying the
// same multi-label "*.x.y matches any host ending in .x.y" rule as
// tlsverify.
func matchesAny(patterns []string, host string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:]
			if strings.HasSuffix(host, suffix) && strings.TrimSuffix(host, suffix) != "" {
				return true
			}
			continue
		}
		if p == host {
			return true
		}
	}
	return false
}

// Decide runs the spec.md §4.4 algorithm against rawURL and returns the
// rewritten URL (scheme https+custom, path suffixed with .git) when
// eligible, or rawURL unchanged with rewritten=false otherwise. Any parse
// failure is treated as ineligible rather than an error, since a caller
// that cannot route a malformed URL through the adaptive path should fall
// back to the baseline Git client anyway.
func Decide(cfg Config, rawURL string, proxyPresent bool) (result string, rewritten bool) {
	if !cfg.FakeSNIEnabled {
		return rawURL, false
	}
	if proxyPresent {
		return rawURL, false
	}

	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Scheme, "https") {
		return rawURL, false
	}

	patterns := append(append([]string{}, cfg.SANWhitelist...), cfg.HostAllowListExtra...)
	if !matchesAny(patterns, u.Hostname()) {
		return rawURL, false
	}

	percent := cfg.RolloutPercent
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if !eligible(u.Hostname(), percent) {
		return rawURL, false
	}

	rewrittenURL := *u
	rewrittenURL.Scheme = "https+custom"
	if !strings.HasSuffix(rewrittenURL.Path, ".git") {
		rewrittenURL.Path += ".git"
	}
	return rewrittenURL.String(), true
}
